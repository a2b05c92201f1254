package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/ports"
)

// UnlockMachineName identifies the secure unlock machine in events and errors
const UnlockMachineName = "secure-unlock"

const walletKeyID = "wallet-key"

var saltID = fmt.Sprintf("salt.v%d", core.SaltVersion)

// UnlockService owns the wallet key lifecycle. Only the service reads or
// mutates the key; callers get the opaque context once the key is confirmed.
type UnlockService struct {
	kdf    ports.KeyDeriver
	store  ports.SecureValueStore
	events ports.EventPublisher

	mu                 sync.Mutex
	generation         uint64
	state              core.UnlockState
	walletKey          []byte
	method             core.UnlockMethod
	unlocked           core.UnlockedContext
	gatedProbed        bool
	gatedCapable       bool
	biometricFailures  int
	biometricsDisabled bool

	subs subscribers
}

// NewUnlockService creates the service in the initializing state. events may be nil.
func NewUnlockService(kdf ports.KeyDeriver, store ports.SecureValueStore, events ports.EventPublisher) *UnlockService {
	return &UnlockService{
		kdf:    kdf,
		store:  store,
		events: events,
		state:  core.UnlockInitializing,
	}
}

// State returns the current state
func (s *UnlockService) State() core.UnlockState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UnlockMethod returns how the current key was acquired, empty when there is none
func (s *UnlockService) UnlockMethod() core.UnlockMethod {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.method
}

// CanTryUnlockingUsingBiometrics reports whether a biometric attempt is allowed now
func (s *UnlockService) CanTryUnlockingUsingBiometrics() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canTryBiometricsLocked()
}

func (s *UnlockService) canTryBiometricsLocked() bool {
	return s.state == core.UnlockLocked && s.gatedProbed && s.gatedCapable && !s.biometricsDisabled
}

// WalletKey returns a copy of the acquired key for the store opener
func (s *UnlockService) WalletKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != core.UnlockAcquiredWalletKey {
		return nil, s.mismatch("walletKey", core.UnlockAcquiredWalletKey)
	}
	return append([]byte(nil), s.walletKey...), nil
}

// Context returns the opaque context attached at unlock
func (s *UnlockService) Context() (core.UnlockedContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != core.UnlockUnlocked {
		return nil, s.mismatch("context", core.UnlockUnlocked)
	}
	return s.unlocked, nil
}

// Subscribe registers fn for every transition and returns a function removing it
func (s *UnlockService) Subscribe(fn func(core.StateChange)) func() {
	return s.subs.add(fn)
}

// Initialize moves initializing to not-configured or locked depending on whether
// a salt exists, probing gated storage once for the session.
func (s *UnlockService) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state != core.UnlockInitializing {
		err := s.mismatch("initialize", core.UnlockInitializing)
		s.mu.Unlock()
		return err
	}
	gen := s.generation
	probed := s.gatedProbed
	s.mu.Unlock()

	capable := false
	if !probed {
		capable = s.store.CanUseGatedStorage(ctx)
	}

	_, found, err := s.store.Get(ctx, saltID, core.PolicyDeviceUnlocked)
	if err != nil {
		return fmt.Errorf("failed to read salt: %w", err)
	}

	next := core.UnlockLocked
	if !found {
		next = core.UnlockNotConfigured
	}

	change, err := s.commit(gen, "initialize", core.UnlockInitializing, next, func() {
		if !s.gatedProbed {
			s.gatedProbed = true
			s.gatedCapable = capable
		}
	})
	if err != nil {
		return err
	}
	s.emit(ctx, change)

	log.Info().Bool("gated_storage", capable).Str("state", string(next)).Msg("secure unlock initialized")
	return nil
}

// Setup creates the salt and derives the first wallet key
func (s *UnlockService) Setup(ctx context.Context, pin string) error {
	gen, err := s.expect("setup", core.UnlockNotConfigured)
	if err != nil {
		return err
	}

	salt, err := s.kdf.GenerateSalt()
	if err != nil {
		return err
	}
	key, err := s.kdf.Derive(pin, salt)
	if err != nil {
		return fmt.Errorf("failed to derive wallet key: %w", err)
	}

	record, err := cbor.Marshal(core.SaltRecord{Version: core.SaltVersion, Salt: salt})
	if err != nil {
		core.Zero(key)
		return fmt.Errorf("failed to encode salt: %w", err)
	}
	if err := s.store.Set(ctx, saltID, record, core.PolicyDeviceUnlocked); err != nil {
		core.Zero(key)
		return fmt.Errorf("failed to store salt: %w", err)
	}

	return s.acquire(ctx, gen, "setup", core.UnlockNotConfigured, key, core.UnlockMethodPin)
}

// UnlockUsingPin derives a key from pin and the stored salt. It does not tell
// whether the pin was right; the store opener decides that.
func (s *UnlockService) UnlockUsingPin(ctx context.Context, pin string) error {
	gen, err := s.expect("unlockUsingPin", core.UnlockLocked)
	if err != nil {
		return err
	}

	salt, err := s.loadSalt(ctx)
	if err != nil {
		return err
	}
	key, err := s.kdf.Derive(pin, salt)
	if err != nil {
		return fmt.Errorf("failed to derive wallet key: %w", err)
	}

	return s.acquire(ctx, gen, "unlockUsingPin", core.UnlockLocked, key, core.UnlockMethodPin)
}

// TryUnlockingUsingBiometrics reads the cached key from the gated store
func (s *UnlockService) TryUnlockingUsingBiometrics(ctx context.Context) error {
	s.mu.Lock()
	if s.state != core.UnlockLocked {
		err := s.mismatch("tryUnlockingUsingBiometrics", core.UnlockLocked)
		s.mu.Unlock()
		return err
	}
	if !s.canTryBiometricsLocked() {
		s.mu.Unlock()
		return core.ErrBiometricsUnavailable
	}
	gen := s.generation
	s.mu.Unlock()

	raw, found, err := s.store.Get(ctx, walletKeyID, core.PolicyBiometricGated)
	if err != nil {
		s.recordBiometricFailure(gen, err)
		return err
	}
	if !found {
		s.disableBiometrics(gen, "no cached wallet key")
		return core.ErrBiometricsUnavailable
	}

	var envelope core.WalletKeyEnvelope
	err = cbor.Unmarshal(raw, &envelope)
	core.Zero(raw)
	if err != nil || envelope.SaltVersion != core.SaltVersion || len(envelope.Key) == 0 {
		s.disableBiometrics(gen, "stale cached wallet key")
		s.removeCachedKey(ctx)
		return core.ErrBiometricsUnavailable
	}

	return s.acquire(ctx, gen, "tryUnlockingUsingBiometrics", core.UnlockLocked, envelope.Key, core.UnlockMethodBiometrics)
}

// SetWalletKeyValid is called once the key has opened the wallet store. The
// context is attached and, when requested, the key is cached for biometric unlock.
func (s *UnlockService) SetWalletKeyValid(ctx context.Context, unlocked core.UnlockedContext, opts core.SetValidOptions) error {
	s.mu.Lock()
	if s.state != core.UnlockAcquiredWalletKey {
		err := s.mismatch("setWalletKeyValid", core.UnlockAcquiredWalletKey)
		s.mu.Unlock()
		return err
	}

	var toCache []byte
	if opts.EnableBiometrics && s.gatedCapable {
		toCache = append([]byte(nil), s.walletKey...)
	}
	s.unlocked = unlocked
	s.state = core.UnlockUnlocked
	change := s.change(core.UnlockAcquiredWalletKey, core.UnlockUnlocked)
	s.mu.Unlock()

	s.emit(ctx, change)

	if toCache != nil {
		defer core.Zero(toCache)
		if err := s.cacheKey(ctx, toCache); err != nil {
			log.Warn().Err(err).Msg("failed to cache wallet key for biometric unlock")
		}
	}

	return nil
}

// SetWalletKeyInvalid is called when the key failed to open the wallet store
func (s *UnlockService) SetWalletKeyInvalid(ctx context.Context) error {
	s.mu.Lock()
	if s.state != core.UnlockAcquiredWalletKey {
		err := s.mismatch("setWalletKeyInvalid", core.UnlockAcquiredWalletKey)
		s.mu.Unlock()
		return err
	}

	stale := s.method == core.UnlockMethodBiometrics
	s.clearKeyLocked()
	if stale {
		s.biometricsDisabled = true
	}
	s.state = core.UnlockLocked
	change := s.change(core.UnlockAcquiredWalletKey, core.UnlockLocked)
	s.mu.Unlock()

	s.emit(ctx, change)

	if stale {
		log.Warn().Msg("cached wallet key did not open the wallet, biometric unlock disabled")
		s.removeCachedKey(ctx)
	}
	return nil
}

// Lock discards the key and context
func (s *UnlockService) Lock(ctx context.Context) error {
	s.mu.Lock()
	if s.state != core.UnlockUnlocked {
		err := s.mismatch("lock", core.UnlockUnlocked)
		s.mu.Unlock()
		return err
	}

	unlocked := s.unlocked
	s.clearKeyLocked()
	s.state = core.UnlockLocked
	change := s.change(core.UnlockUnlocked, core.UnlockLocked)
	s.mu.Unlock()

	closeContext(unlocked)
	s.emit(ctx, change)
	return nil
}

// Reinitialize clears all session state in one step, then initializes again.
// Operations still running against the old session fail with
// core.ErrSessionInterrupted instead of applying their result.
func (s *UnlockService) Reinitialize(ctx context.Context) error {
	s.mu.Lock()
	from := s.state
	unlocked := s.unlocked
	s.generation++
	s.clearKeyLocked()
	s.gatedProbed = false
	s.gatedCapable = false
	s.biometricFailures = 0
	s.biometricsDisabled = false
	s.state = core.UnlockInitializing
	change := s.change(from, core.UnlockInitializing)
	s.mu.Unlock()

	closeContext(unlocked)
	s.emit(ctx, change)

	return s.Initialize(ctx)
}

// Reset removes the salt and any cached key, then reinitializes. A new setup
// is required afterwards.
func (s *UnlockService) Reset(ctx context.Context) error {
	if _, err := s.store.Remove(ctx, saltID, core.PolicyDeviceUnlocked); err != nil {
		return fmt.Errorf("failed to remove salt: %w", err)
	}
	s.removeCachedKey(ctx)

	log.Info().Msg("wallet secrets removed")
	return s.Reinitialize(ctx)
}

func (s *UnlockService) loadSalt(ctx context.Context) ([]byte, error) {
	raw, found, err := s.store.Get(ctx, saltID, core.PolicyDeviceUnlocked)
	if err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}
	if !found {
		return nil, core.ErrWalletNotConfigured
	}

	var record core.SaltRecord
	if err := cbor.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	if record.Version != core.SaltVersion || len(record.Salt) == 0 {
		return nil, fmt.Errorf("unsupported salt version %d: %w", record.Version, core.ErrWalletNotConfigured)
	}
	return record.Salt, nil
}

func (s *UnlockService) cacheKey(ctx context.Context, key []byte) error {
	raw, err := cbor.Marshal(core.WalletKeyEnvelope{
		SaltVersion: core.SaltVersion,
		Key:         key,
		CachedAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	defer core.Zero(raw)

	return s.store.Set(ctx, walletKeyID, raw, core.PolicyBiometricGated)
}

func (s *UnlockService) removeCachedKey(ctx context.Context) {
	if !s.store.CanUseGatedStorage(ctx) {
		return
	}
	if _, err := s.store.Remove(ctx, walletKeyID, core.PolicyBiometricGated); err != nil {
		log.Warn().Err(err).Msg("failed to remove cached wallet key")
	}
}

func (s *UnlockService) recordBiometricFailure(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return
	}
	if core.IsUserCancelled(err) {
		s.biometricsDisabled = true
		log.Info().Msg("biometric unlock cancelled by user, disabled for this session")
		return
	}
	s.biometricFailures++
	if s.biometricFailures >= core.MaxBiometricFailures {
		s.biometricsDisabled = true
		log.Warn().Int("failures", s.biometricFailures).Msg("biometric unlock disabled for this session")
	}
}

func (s *UnlockService) disableBiometrics(gen uint64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen == s.generation {
		s.biometricsDisabled = true
		log.Info().Str("reason", reason).Msg("biometric unlock disabled for this session")
	}
}

// expect checks the state and returns the session generation to commit against
func (s *UnlockService) expect(op string, state core.UnlockState) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != state {
		return 0, s.mismatch(op, state)
	}
	return s.generation, nil
}

func (s *UnlockService) acquire(ctx context.Context, gen uint64, op string, from core.UnlockState, key []byte, method core.UnlockMethod) error {
	change, err := s.commit(gen, op, from, core.UnlockAcquiredWalletKey, func() {
		s.walletKey = key
		s.method = method
	})
	if err != nil {
		core.Zero(key)
		return err
	}
	s.emit(ctx, change)
	return nil
}

// commit applies a transition if the session was not reinitialized and the
// state is still from
func (s *UnlockService) commit(gen uint64, op string, from, to core.UnlockState, apply func()) (core.StateChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return core.StateChange{}, core.ErrSessionInterrupted
	}
	if s.state != from {
		return core.StateChange{}, s.mismatch(op, from)
	}
	apply()
	s.state = to
	return s.change(from, to), nil
}

func (s *UnlockService) clearKeyLocked() {
	core.Zero(s.walletKey)
	s.walletKey = nil
	s.method = ""
	s.unlocked = nil
}

func (s *UnlockService) change(from, to core.UnlockState) core.StateChange {
	return core.StateChange{
		Machine: UnlockMachineName,
		From:    string(from),
		To:      string(to),
		At:      time.Now().UTC(),
	}
}

func (s *UnlockService) mismatch(op string, expected ...core.UnlockState) error {
	names := make([]string, len(expected))
	for i, e := range expected {
		names[i] = string(e)
	}
	return &core.StateMismatchError{
		Machine:   UnlockMachineName,
		Operation: op,
		Expected:  names,
		Actual:    string(s.state),
	}
}

func (s *UnlockService) emit(ctx context.Context, change core.StateChange) {
	log.Info().Str("machine", change.Machine).Str("from", change.From).Str("to", change.To).Msg("state changed")
	s.subs.notify(change)
	publish(ctx, s.events, change)
}

func closeContext(unlocked core.UnlockedContext) {
	c, ok := unlocked.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("failed to close wallet context")
	}
}
