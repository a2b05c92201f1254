package ports

import (
	"context"

	"github.com/layer-3/pidwallet/core"
)

// PinSource asks the caller for a PIN
type PinSource func(ctx context.Context, prompt core.PinPrompt) (string, error)

// BindingRequest carries what a binding strategy needs to prove key possession
type BindingRequest struct {
	Nonce    string
	Audience string
	ClientID string
	Pin      PinSource
}

// CredentialBinding binds an issued credential to holder keys
type CredentialBinding interface {
	Name() string
	Proof(ctx context.Context, req BindingRequest) (core.CredentialProof, error)
}

// DeviceKey is a hardware or software held ES256 key
type DeviceKey interface {
	// SignES256 returns a raw R||S signature over data
	SignES256(data []byte) ([]byte, error)
	PublicJWK() map[string]any
	PublicKeyDER() ([]byte, error)
}
