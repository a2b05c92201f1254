package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPin is returned when a derived wallet key failed to open the wallet store
	ErrInvalidPin = errors.New("invalid pin")

	// ErrWalletNotConfigured is returned when no salt has been set up yet
	ErrWalletNotConfigured = errors.New("wallet is not configured")

	ErrBiometricsUnavailable    = errors.New("biometric unlock is not available")
	ErrAuthenticationActive     = errors.New("id card authentication is already active")
	ErrAuthenticationInactive   = errors.New("no id card authentication is active")
	ErrMissingAuthorizationCode = errors.New("authorization code missing from redirect")
	ErrMissingField             = errors.New("response is missing an expected field")
	ErrNoSession                = errors.New("no pid retrieval session")
	ErrPinCacheExpired          = errors.New("cached pin expired")
	ErrSessionInterrupted       = errors.New("session was reinitialized while the operation was running")
)

// SecureStoreReason classifies secure store failures
type SecureStoreReason string

const (
	SecureStoreUserCancelled SecureStoreReason = "userCancelled"
	SecureStoreUnknown       SecureStoreReason = "unknown"
)

// SecureStoreError separates intentional user refusal from transient failure
type SecureStoreError struct {
	Reason SecureStoreReason
	Err    error
}

func (e *SecureStoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("secure store (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("secure store (%s)", e.Reason)
}

func (e *SecureStoreError) Unwrap() error { return e.Err }

// IsUserCancelled reports whether err is a secure store failure caused by the user
func IsUserCancelled(err error) bool {
	var se *SecureStoreError
	return errors.As(err, &se) && se.Reason == SecureStoreUserCancelled
}

// StateMismatchError is returned when an operation is called outside its declared state
type StateMismatchError struct {
	Machine   string
	Operation string
	Expected  []string
	Actual    string
}

func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("%s: %s is only valid in state %s, current state is %s",
		e.Machine, e.Operation, strings.Join(e.Expected, "|"), e.Actual)
}

// ChipAuthReason distinguishes why a chip authentication attempt ended
type ChipAuthReason string

const (
	ChipAuthUserCancelled ChipAuthReason = "user_cancelled"
	ChipAuthCancelled     ChipAuthReason = "cancelled"
	ChipAuthOther         ChipAuthReason = "other"
)

// ChipAuthenticationError is the terminal failure of an id card authentication attempt
type ChipAuthenticationError struct {
	Reason ChipAuthReason
	Err    error
}

func (e *ChipAuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chip authentication failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("chip authentication failed (%s)", e.Reason)
}

func (e *ChipAuthenticationError) Unwrap() error { return e.Err }

// ChipAuthErrorReason extracts the chip authentication reason from err, if any
func ChipAuthErrorReason(err error) (ChipAuthReason, bool) {
	var ce *ChipAuthenticationError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}

// AuthorizationError is an OAuth error returned through the redirect chain
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("authorization failed: %s", e.Code)
}

// HTTPStatusError is returned for unexpected HTTP responses during the code exchange
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
	}
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}
