package binding

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/ports"
)

// BoundChannelName identifies the bound-channel strategy
const BoundChannelName = "bound-channel"

// BoundChannel binds the credential to the device key with a proof JWT
type BoundChannel struct {
	device ports.DeviceKey
}

// NewBoundChannel creates the strategy
func NewBoundChannel(device ports.DeviceKey) *BoundChannel {
	return &BoundChannel{device: device}
}

func (b *BoundChannel) Name() string {
	return BoundChannelName
}

// Proof signs a proof JWT over the issuer nonce
func (b *BoundChannel) Proof(ctx context.Context, req ports.BindingRequest) (core.CredentialProof, error) {
	token, err := signProof(b.device, req, "")
	if err != nil {
		return core.CredentialProof{}, err
	}
	return core.CredentialProof{
		ProofType: ProofTypeJWT,
		JWT:       token,
		Nonce:     req.Nonce,
	}, nil
}

// signProof builds the proof JWT and signs it with the device key
func signProof(device ports.DeviceKey, req ports.BindingRequest, pinKey string) (string, error) {
	now := time.Now()
	claims := ProofClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   req.ClientID,
			Audience: jwt.ClaimStrings{req.Audience},
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
		Nonce:  req.Nonce,
		PinKey: pinKey,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = ProofJWTType
	token.Header["jwk"] = device.PublicJWK()

	signingString, err := token.SigningString()
	if err != nil {
		return "", fmt.Errorf("failed to encode proof: %w", err)
	}

	sig, err := device.SignES256([]byte(signingString))
	if err != nil {
		return "", fmt.Errorf("failed to sign proof: %w", err)
	}

	return signingString + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// VerifyProofJWT checks a proof JWT against the device public key and audience
func VerifyProofJWT(proof string, pub *ecdsa.PublicKey, audience string) (*ProofClaims, error) {
	token, err := jwt.ParseWithClaims(proof, &ProofClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return pub, nil
	}, jwt.WithAudience(audience), jwt.WithIssuedAt())
	if err != nil {
		return nil, fmt.Errorf("failed to parse proof: %w", err)
	}
	if typ, _ := token.Header["typ"].(string); typ != ProofJWTType {
		return nil, fmt.Errorf("unexpected proof type %q", typ)
	}

	claims, ok := token.Claims.(*ProofClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}
	return claims, nil
}
