package ports

import (
	"context"

	"github.com/layer-3/pidwallet/core"
)

// TokenParams are the inputs of the authorization code exchange
type TokenParams struct {
	Offer *core.ResolvedOffer
	Code  string
}

// CredentialParams are the inputs of a credential request
type CredentialParams struct {
	Offer                     *core.ResolvedOffer
	CredentialConfigurationID string
	AccessToken               *core.AccessToken
	Proof                     core.CredentialProof
}

// IssuanceClient talks to the credential issuer and its authorization server
type IssuanceClient interface {
	ResolveOffer(ctx context.Context, offerURI string, params core.AuthorizationParams) (*core.ResolvedOffer, error)
	AcquireAccessToken(ctx context.Context, params TokenParams) (*core.AccessToken, error)
	RequestCredential(ctx context.Context, params CredentialParams) (*core.CredentialRecord, error)
}

// RedirectResolver follows a chip authentication refresh URL to the
// authorization code it finally redirects to.
type RedirectResolver interface {
	AuthorizationCode(ctx context.Context, refreshURL string) (string, error)
}
