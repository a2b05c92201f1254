package binding

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"

	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/kdf"
	"github.com/layer-3/pidwallet/ports"
)

// AuthenticatedChannelName identifies the authenticated-channel strategy
const AuthenticatedChannelName = "authenticated-channel"

// PinKeyDomain separates PIN-bound binding keys from wallet keys
const PinKeyDomain = "pidwallet/binding-key/v1"

var ErrInvalidProof = errors.New("invalid binding proof")

// AuthenticatedChannel proves possession of the device key and of a key
// derived from the user's PIN, without sending the PIN anywhere.
type AuthenticatedChannel struct {
	device ports.DeviceKey
	kdf    *kdf.Argon2id
}

// NewAuthenticatedChannel creates the strategy. derive is domain separated
// internally so the wallet KDF can be passed as is.
func NewAuthenticatedChannel(device ports.DeviceKey, derive *kdf.Argon2id) *AuthenticatedChannel {
	return &AuthenticatedChannel{
		device: device,
		kdf:    derive.WithDomain(PinKeyDomain),
	}
}

func (b *AuthenticatedChannel) Name() string {
	return AuthenticatedChannelName
}

// Proof signs the nonce with both keys and wraps the PIN key in a device proof JWT
func (b *AuthenticatedChannel) Proof(ctx context.Context, req ports.BindingRequest) (core.CredentialProof, error) {
	if req.Nonce == "" {
		return core.CredentialProof{}, fmt.Errorf("nonce: %w", core.ErrMissingField)
	}
	if req.Pin == nil {
		return core.CredentialProof{}, errors.New("authenticated channel requires a pin source")
	}

	pin, err := req.Pin(ctx, core.PinPrompt{Purpose: core.PinPurposeBinding, Attempt: 1})
	if err != nil {
		return core.CredentialProof{}, err
	}

	pinKey, err := b.pinKey(pin)
	if err != nil {
		return core.CredentialProof{}, err
	}
	defer pinKey.D.SetInt64(0)

	pinSig, err := crypto.Sign(crypto.Keccak256([]byte(req.Nonce)), pinKey)
	if err != nil {
		return core.CredentialProof{}, fmt.Errorf("failed to sign with pin key: %w", err)
	}
	pinPub := hexutil.Encode(crypto.CompressPubkey(&pinKey.PublicKey))

	deviceSig, err := b.device.SignES256([]byte(req.Nonce))
	if err != nil {
		return core.CredentialProof{}, fmt.Errorf("failed to sign with device key: %w", err)
	}
	deviceDER, err := b.device.PublicKeyDER()
	if err != nil {
		return core.CredentialProof{}, err
	}

	token, err := signProof(b.device, req, pinPub)
	if err != nil {
		return core.CredentialProof{}, err
	}

	return core.CredentialProof{
		ProofType:       ProofTypeDevicePin,
		JWT:             token,
		DeviceKey:       base64.RawURLEncoding.EncodeToString(deviceDER),
		DeviceSignature: base64.RawURLEncoding.EncodeToString(deviceSig),
		PinKey:          pinPub,
		PinSignature:    hexutil.Encode(pinSig),
		Nonce:           req.Nonce,
	}, nil
}

// pinKey derives the secp256k1 key bound to pin and this device
func (b *AuthenticatedChannel) pinKey(pin string) (*ecdsa.PrivateKey, error) {
	der, err := b.device.PublicKeyDER()
	if err != nil {
		return nil, err
	}
	salt := sha256.Sum256(der)

	seed, err := b.kdf.Derive(pin, salt[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive pin key: %w", err)
	}
	defer core.Zero(seed)

	key, err := crypto.ToECDSA(seed[:32])
	if err != nil {
		return nil, fmt.Errorf("failed to derive pin key: %w", err)
	}
	return key, nil
}

// VerifyDevicePinProof checks both detached signatures over nonce
func VerifyDevicePinProof(proof core.CredentialProof, nonce string) error {
	if proof.ProofType != ProofTypeDevicePin || proof.Nonce != nonce {
		return ErrInvalidProof
	}

	der, err := base64.RawURLEncoding.DecodeString(proof.DeviceKey)
	if err != nil {
		return fmt.Errorf("device key: %w", ErrInvalidProof)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return fmt.Errorf("device key: %w", ErrInvalidProof)
	}
	devicePub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("device key type: %w", ErrInvalidProof)
	}
	deviceSig, err := base64.RawURLEncoding.DecodeString(proof.DeviceSignature)
	if err != nil {
		return fmt.Errorf("device signature: %w", ErrInvalidProof)
	}
	if err := jwt.SigningMethodES256.Verify(nonce, deviceSig, devicePub); err != nil {
		return fmt.Errorf("device signature: %w", ErrInvalidProof)
	}

	pinPub, err := hexutil.Decode(proof.PinKey)
	if err != nil {
		return fmt.Errorf("pin key: %w", ErrInvalidProof)
	}
	pinSig, err := hexutil.Decode(proof.PinSignature)
	if err != nil || len(pinSig) != 65 {
		return fmt.Errorf("pin signature: %w", ErrInvalidProof)
	}
	if !crypto.VerifySignature(pinPub, crypto.Keccak256([]byte(nonce)), pinSig[:64]) {
		return fmt.Errorf("pin signature: %w", ErrInvalidProof)
	}
	return nil
}
