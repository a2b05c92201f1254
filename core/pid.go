package core

import "time"

// PidState is the state of a PID retrieval session
type PidState string

const (
	PidIdle                PidState = "idle"
	PidIDCardAuth          PidState = "id-card-auth"
	PidAcquireAccessToken  PidState = "acquire-access-token"
	PidRetrieveCredential  PidState = "retrieve-credential"
	PidCredentialRetrieved PidState = "credential-retrieved"
	PidError               PidState = "error"
)

// Terminal reports whether no further transition is possible without re-initializing
func (s PidState) Terminal() bool {
	return s == PidCredentialRetrieved || s == PidError
}

// CredentialOffer is a resolved issuer credential offer
type CredentialOffer struct {
	CredentialIssuer           string   `json:"credential_issuer"`
	CredentialConfigurationIDs []string `json:"credential_configuration_ids"`
	IssuerState                string   `json:"issuer_state,omitempty"`
}

// IssuerEndpoints are the endpoints discovered from issuer and authorization server metadata
type IssuerEndpoints struct {
	CredentialEndpoint    string `json:"credential_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	ParEndpoint           string `json:"pushed_authorization_request_endpoint,omitempty"`
}

// AuthorizationRequest is the authorization step prepared at initialize, including
// the PKCE material that binds the later code exchange to this client
type AuthorizationRequest struct {
	AuthorizationURL string
	CodeVerifier     string
	State            string
	RedirectURI      string
	ClientID         string
}

// ResolvedOffer bundles a credential offer with its authorization requirements
type ResolvedOffer struct {
	Offer                CredentialOffer
	Endpoints            IssuerEndpoints
	AuthorizationRequest AuthorizationRequest
}

// AuthorizationParams are the client parameters used to resolve an offer
type AuthorizationParams struct {
	ClientID    string
	RedirectURI string
	Scope       string
}

// AccessToken is the result of the authorization code exchange
type AccessToken struct {
	Token     string
	TokenType string
	CNonce    string
	ExpiresAt time.Time
}

// CredentialProof is the key binding material attached to a credential request
type CredentialProof struct {
	ProofType       string `json:"proof_type"`
	JWT             string `json:"jwt,omitempty"`
	DeviceKey       string `json:"device_key,omitempty"`
	DeviceSignature string `json:"device_signature,omitempty"`
	PinKey          string `json:"pin_key,omitempty"`
	PinSignature    string `json:"pin_signature,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
}

// CredentialRecord is an issued credential as stored in the wallet
type CredentialRecord struct {
	ID                        string    `cbor:"1,keyasint" json:"id"`
	Issuer                    string    `cbor:"2,keyasint" json:"issuer"`
	CredentialConfigurationID string    `cbor:"3,keyasint" json:"credential_configuration_id"`
	Format                    string    `cbor:"4,keyasint" json:"format"`
	Credential                string    `cbor:"5,keyasint" json:"credential"`
	Binding                   string    `cbor:"6,keyasint" json:"binding"`
	IssuedAt                  time.Time `cbor:"7,keyasint" json:"issued_at"`
}

// PinPurpose tells the caller what a requested PIN is for
type PinPurpose string

const (
	PinPurposeIDCard  PinPurpose = "id-card"
	PinPurposeBinding PinPurpose = "binding"
)

// PinPrompt describes a PIN request made to the caller
type PinPrompt struct {
	Purpose PinPurpose
	Attempt int
}
