package securestore

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/layer-3/pidwallet/core"
)

// ErrBiometricMismatch is the outcome of a failed (non-cancelled) challenge
var ErrBiometricMismatch = errors.New("biometric did not match")

// SimulatedBiometrics answers biometric challenges from a queue of scripted
// outcomes. With an empty queue every challenge succeeds.
type SimulatedBiometrics struct {
	mu         sync.Mutex
	available  bool
	enrollment string
	outcomes   []error
	challenges int
}

// NewSimulatedBiometrics returns an enrolled, available authenticator
func NewSimulatedBiometrics() *SimulatedBiometrics {
	return &SimulatedBiometrics{
		available:  true,
		enrollment: uuid.NewString(),
	}
}

// Enqueue appends outcomes for the next challenges; nil means success
func (b *SimulatedBiometrics) Enqueue(outcomes ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes = append(b.outcomes, outcomes...)
}

// SetAvailable toggles hardware availability
func (b *SimulatedBiometrics) SetAvailable(available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = available
}

// ReEnroll replaces the enrolled biometric set
func (b *SimulatedBiometrics) ReEnroll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enrollment = uuid.NewString()
}

// Challenges returns how many challenges were run
func (b *SimulatedBiometrics) Challenges() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.challenges
}

func (b *SimulatedBiometrics) Authenticate(ctx context.Context, reason string) error {
	if err := ctx.Err(); err != nil {
		return &core.SecureStoreError{Reason: core.SecureStoreUnknown, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.challenges++
	if len(b.outcomes) == 0 {
		return nil
	}
	out := b.outcomes[0]
	b.outcomes = b.outcomes[1:]
	return out
}

func (b *SimulatedBiometrics) EnrollmentID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enrollment
}

func (b *SimulatedBiometrics) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

// UserCancelled is the outcome of the user dismissing the prompt
func UserCancelled() error {
	return &core.SecureStoreError{Reason: core.SecureStoreUserCancelled}
}

// Mismatch is the outcome of a failed challenge
func Mismatch() error {
	return &core.SecureStoreError{Reason: core.SecureStoreUnknown, Err: ErrBiometricMismatch}
}
