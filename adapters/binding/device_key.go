package binding

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/ports"
)

// DeviceKeyID is the secure store entry holding the PKCS#8 device key
const DeviceKeyID = "device-key.v1"

var ErrInvalidDeviceKey = errors.New("stored device key is not a P-256 key")

// SoftwareDeviceKey is a P-256 key held in process memory. It implements
// ports.DeviceKey for platforms without a hardware keystore.
type SoftwareDeviceKey struct {
	key *ecdsa.PrivateKey
}

// NewSoftwareDeviceKey generates a fresh key
func NewSoftwareDeviceKey() (*SoftwareDeviceKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate device key: %w", err)
	}
	return &SoftwareDeviceKey{key: key}, nil
}

// ParseSoftwareDeviceKey loads a PKCS#8 encoded P-256 key
func ParseSoftwareDeviceKey(der []byte) (*SoftwareDeviceKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse device key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok || key.Curve != elliptic.P256() {
		return nil, ErrInvalidDeviceKey
	}
	return &SoftwareDeviceKey{key: key}, nil
}

// LoadOrCreateDeviceKey returns the device key kept in store under the
// device-unlocked policy. The first call generates and stores it.
func LoadOrCreateDeviceKey(ctx context.Context, store ports.SecureValueStore) (*SoftwareDeviceKey, error) {
	raw, found, err := store.Get(ctx, DeviceKeyID, core.PolicyDeviceUnlocked)
	if err != nil {
		return nil, fmt.Errorf("failed to load device key: %w", err)
	}
	if found {
		defer core.Zero(raw)
		return ParseSoftwareDeviceKey(raw)
	}

	k, err := NewSoftwareDeviceKey()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(k.key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode device key: %w", err)
	}
	defer core.Zero(der)

	if err := store.Set(ctx, DeviceKeyID, der, core.PolicyDeviceUnlocked); err != nil {
		return nil, fmt.Errorf("failed to store device key: %w", err)
	}
	log.Info().Msg("device key created")
	return k, nil
}

// SignES256 returns the raw R||S signature over data
func (k *SoftwareDeviceKey) SignES256(data []byte) ([]byte, error) {
	return jwt.SigningMethodES256.Sign(string(data), k.key)
}

// PublicKey returns the verification key
func (k *SoftwareDeviceKey) PublicKey() *ecdsa.PublicKey {
	return &k.key.PublicKey
}

// PublicKeyDER returns the PKIX encoding of the public key
func (k *SoftwareDeviceKey) PublicKeyDER() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(&k.key.PublicKey)
}

// PublicJWK returns the public key as a JWK for proof headers
func (k *SoftwareDeviceKey) PublicJWK() map[string]any {
	pub, err := k.key.PublicKey.ECDH()
	if err != nil {
		return nil
	}
	raw := pub.Bytes() // 0x04 || X || Y
	return map[string]any{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(raw[1:33]),
		"y":   base64.RawURLEncoding.EncodeToString(raw[33:65]),
	}
}
