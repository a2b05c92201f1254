package ports

import (
	"context"

	"github.com/layer-3/pidwallet/core"
)

// SecureValueStore holds small secrets under a protection policy.
// Failures are reported as *core.SecureStoreError.
type SecureValueStore interface {
	// Set writes value under id
	Set(ctx context.Context, id string, value []byte, policy core.StorePolicy) error

	// Get returns the value under id; found is false when nothing is stored
	Get(ctx context.Context, id string, policy core.StorePolicy) (value []byte, found bool, err error)

	// Remove deletes id and reports whether it existed
	Remove(ctx context.Context, id string, policy core.StorePolicy) (bool, error)

	// CanUseGatedStorage probes platform support for core.PolicyBiometricGated
	CanUseGatedStorage(ctx context.Context) bool
}

// BiometricAuthenticator runs a live biometric challenge
type BiometricAuthenticator interface {
	// Authenticate returns nil on a match, or a *core.SecureStoreError
	Authenticate(ctx context.Context, reason string) error

	// EnrollmentID identifies the currently enrolled biometric set
	EnrollmentID() string

	// Available reports whether biometric hardware is present and enrolled
	Available() bool
}
