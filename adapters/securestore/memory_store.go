package securestore

import (
	"context"
	"errors"
	"sync"

	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/ports"
)

var errUnknownPolicy = errors.New("unknown store policy")

type gatedEntry struct {
	value      []byte
	enrollment string
}

// MemoryStore is an in-memory implementation of the SecureValueStore interface.
// Gated entries are bound to the biometric enrollment present when they were
// written and disappear once the enrollment changes.
type MemoryStore struct {
	device     map[string][]byte
	gated      map[string]gatedEntry
	biometrics ports.BiometricAuthenticator
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory store. biometrics may be nil, in which
// case gated storage is unavailable.
func NewMemoryStore(biometrics ports.BiometricAuthenticator) *MemoryStore {
	return &MemoryStore{
		device:     make(map[string][]byte),
		gated:      make(map[string]gatedEntry),
		biometrics: biometrics,
	}
}

// CanUseGatedStorage reports whether biometric hardware is usable
func (s *MemoryStore) CanUseGatedStorage(ctx context.Context) bool {
	return s.biometrics != nil && s.biometrics.Available()
}

// Set stores a copy of value
func (s *MemoryStore) Set(ctx context.Context, id string, value []byte, policy core.StorePolicy) error {
	v := append([]byte(nil), value...)

	switch policy {
	case core.PolicyDeviceUnlocked:
		s.mu.Lock()
		s.device[id] = v
		s.mu.Unlock()
		return nil

	case core.PolicyBiometricGated:
		if !s.CanUseGatedStorage(ctx) {
			return &core.SecureStoreError{Reason: core.SecureStoreUnknown, Err: core.ErrBiometricsUnavailable}
		}
		s.mu.Lock()
		s.gated[id] = gatedEntry{value: v, enrollment: s.biometrics.EnrollmentID()}
		s.mu.Unlock()
		return nil
	}

	return &core.SecureStoreError{Reason: core.SecureStoreUnknown, Err: errUnknownPolicy}
}

// Get retrieves a copy of the value stored under id. Gated reads run a
// biometric challenge first.
func (s *MemoryStore) Get(ctx context.Context, id string, policy core.StorePolicy) ([]byte, bool, error) {
	switch policy {
	case core.PolicyDeviceUnlocked:
		s.mu.RLock()
		defer s.mu.RUnlock()

		v, ok := s.device[id]
		if !ok {
			return nil, false, nil
		}
		return append([]byte(nil), v...), true, nil

	case core.PolicyBiometricGated:
		if !s.CanUseGatedStorage(ctx) {
			return nil, false, &core.SecureStoreError{Reason: core.SecureStoreUnknown, Err: core.ErrBiometricsUnavailable}
		}
		if err := s.biometrics.Authenticate(ctx, "Unlock your wallet"); err != nil {
			var se *core.SecureStoreError
			if errors.As(err, &se) {
				return nil, false, err
			}
			return nil, false, &core.SecureStoreError{Reason: core.SecureStoreUnknown, Err: err}
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		e, ok := s.gated[id]
		if !ok {
			return nil, false, nil
		}
		if e.enrollment != s.biometrics.EnrollmentID() {
			delete(s.gated, id)
			return nil, false, nil
		}
		return append([]byte(nil), e.value...), true, nil
	}

	return nil, false, &core.SecureStoreError{Reason: core.SecureStoreUnknown, Err: errUnknownPolicy}
}

// Remove deletes id and reports whether it existed
func (s *MemoryStore) Remove(ctx context.Context, id string, policy core.StorePolicy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch policy {
	case core.PolicyDeviceUnlocked:
		v, ok := s.device[id]
		if ok {
			core.Zero(v)
			delete(s.device, id)
		}
		return ok, nil

	case core.PolicyBiometricGated:
		e, ok := s.gated[id]
		if ok {
			core.Zero(e.value)
			delete(s.gated, id)
		}
		return ok, nil
	}

	return false, &core.SecureStoreError{Reason: core.SecureStoreUnknown, Err: errUnknownPolicy}
}

// Clear removes all data from the store
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.device = make(map[string][]byte)
	s.gated = make(map[string]gatedEntry)
}
