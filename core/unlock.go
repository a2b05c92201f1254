package core

import "time"

// UnlockState is the state of the secure unlock machine
type UnlockState string

const (
	UnlockInitializing      UnlockState = "initializing"
	UnlockNotConfigured     UnlockState = "not-configured"
	UnlockLocked            UnlockState = "locked"
	UnlockAcquiredWalletKey UnlockState = "acquired-wallet-key"
	UnlockUnlocked          UnlockState = "unlocked"
)

// UnlockMethod records how the current wallet key was obtained
type UnlockMethod string

const (
	UnlockMethodPin        UnlockMethod = "pin"
	UnlockMethodBiometrics UnlockMethod = "biometrics"
)

// StorePolicy selects the protection class of a secure store entry
type StorePolicy string

const (
	// PolicyDeviceUnlocked entries are readable whenever the device is unlocked
	PolicyDeviceUnlocked StorePolicy = "device-unlocked"

	// PolicyBiometricGated entries require a live biometric challenge against
	// the currently enrolled biometric set
	PolicyBiometricGated StorePolicy = "biometric-hardware-gated"
)

const (
	// SaltVersion is the version of the salt record written by setup
	SaltVersion = 1

	// MaxBiometricFailures disables biometric unlock for the session once reached
	MaxBiometricFailures = 3
)

// UnlockedContext is the opaque value attached when the wallet key is confirmed.
// It is typically the opened wallet store.
type UnlockedContext any

// SetValidOptions controls side effects of confirming a wallet key
type SetValidOptions struct {
	EnableBiometrics bool
}

// SaltRecord is the persisted salt
type SaltRecord struct {
	Version int    `cbor:"1,keyasint"`
	Salt    []byte `cbor:"2,keyasint"`
}

// WalletKeyEnvelope is the cached wallet key in the gated store
type WalletKeyEnvelope struct {
	SaltVersion int       `cbor:"1,keyasint"`
	Key         []byte    `cbor:"2,keyasint"`
	CachedAt    time.Time `cbor:"3,keyasint"`
}

// StateChange is emitted for every transition of either machine
type StateChange struct {
	Machine   string    `json:"machine"`
	SessionID string    `json:"session_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	At        time.Time `json:"at"`
}

// Zero overwrites b in place
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
