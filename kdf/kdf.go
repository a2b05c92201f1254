// Package kdf derives wallet keys from a low-entropy PIN with Argon2id.
package kdf

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// SaltLen is the length of generated salts
	SaltLen = 32

	// MinSaltLen is the shortest salt Derive accepts
	MinSaltLen = 16
)

var (
	ErrEmptyPin  = errors.New("pin is empty")
	ErrShortSalt = errors.New("salt is too short")
	ErrBadParams = errors.New("invalid argon2id parameters")
)

// Params are the Argon2id cost parameters
type Params struct {
	Time    uint32 `yaml:"time"`
	Memory  uint32 `yaml:"memory_kib"`
	Threads uint8  `yaml:"threads"`
	KeyLen  uint32 `yaml:"key_len"`
}

// DefaultParams take roughly one second on current phones
var DefaultParams = Params{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 4,
	KeyLen:  32,
}

// Validate checks the parameters are usable
func (p Params) Validate() error {
	if p.Time == 0 || p.Threads == 0 {
		return fmt.Errorf("%w: time and threads must be positive", ErrBadParams)
	}
	if p.Memory < 8*uint32(p.Threads) {
		return fmt.Errorf("%w: memory must be at least 8 KiB per thread", ErrBadParams)
	}
	if p.KeyLen < 16 {
		return fmt.Errorf("%w: key length must be at least 16 bytes", ErrBadParams)
	}
	return nil
}

// Argon2id derives keys for one domain
type Argon2id struct {
	params Params
	domain string
}

// New returns a deriver for the wallet key domain
func New(params Params) (*Argon2id, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Argon2id{params: params}, nil
}

// WithDomain returns a deriver whose output is independent of every other domain
// for the same pin and salt.
func (a *Argon2id) WithDomain(domain string) *Argon2id {
	return &Argon2id{params: a.params, domain: domain}
}

// Params returns the cost parameters
func (a *Argon2id) Params() Params {
	return a.params
}

// Derive is deterministic in (pin, salt, domain). A wrong pin gives a different
// key; nothing here decides whether a pin is correct.
func (a *Argon2id) Derive(pin string, salt []byte) ([]byte, error) {
	if pin == "" {
		return nil, ErrEmptyPin
	}
	if len(salt) < MinSaltLen {
		return nil, ErrShortSalt
	}
	password := []byte(pin)
	defer zero(password)

	return argon2.IDKey(password, a.domainSalt(salt), a.params.Time, a.params.Memory, a.params.Threads, a.params.KeyLen), nil
}

// GenerateSalt returns SaltLen random bytes
func (a *Argon2id) GenerateSalt() ([]byte, error) {
	return GenerateSalt()
}

func (a *Argon2id) domainSalt(salt []byte) []byte {
	if a.domain == "" {
		return salt
	}
	h := sha256.New()
	h.Write([]byte(a.domain))
	h.Write([]byte{0})
	h.Write(salt)
	return h.Sum(nil)
}

// GenerateSalt returns SaltLen bytes from crypto/rand
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
