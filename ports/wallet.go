package ports

import (
	"context"

	"github.com/layer-3/pidwallet/core"
)

// KeyDeriver turns a PIN and salt into key material
type KeyDeriver interface {
	Derive(pin string, salt []byte) ([]byte, error)
	GenerateSalt() ([]byte, error)
}

// WalletOpener opens the encrypted wallet store with a wallet key.
// It returns core.ErrInvalidPin when the key does not open the store.
type WalletOpener interface {
	Open(ctx context.Context, key []byte) (core.UnlockedContext, error)

	// Destroy deletes the store; the next Open creates an empty one
	Destroy(ctx context.Context) error
}

// CredentialSink receives retrieved credentials
type CredentialSink interface {
	StoreCredential(ctx context.Context, record *core.CredentialRecord) error
}
