package binding

import "github.com/golang-jwt/jwt/v5"

// ProofType values carried in core.CredentialProof
const (
	ProofTypeJWT       = "jwt"
	ProofTypeDevicePin = "device_pin"
)

// ProofJWTType is the typ header of key proofs
const ProofJWTType = "openid4vci-proof+jwt"

// ProofClaims combines standard claims with the issuer nonce
type ProofClaims struct {
	jwt.RegisteredClaims
	Nonce  string `json:"nonce,omitempty"`
	PinKey string `json:"pin_key,omitempty"` // compressed secp256k1 key of the PIN-derived pair
}
