package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/layer-3/pidwallet/kdf"
)

// Driver and binding names accepted in the configuration
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"

	EventsNone        = "none"
	EventsGoChannel   = "gochannel"
	EventsRedisStream = "redisstream"
	EventsNATS        = "nats"

	BindingBound         = "bound"
	BindingAuthenticated = "authenticated"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the wallet process configuration
type Config struct {
	HTTP HTTPConfig `yaml:"http"`
	Log  LogConfig  `yaml:"log"`

	// KDF are the Argon2id costs of wallet and binding key derivation
	KDF kdf.Params `yaml:"kdf"`

	SecureStore SecureStoreConfig `yaml:"secure_store"`
	Wallet      WalletConfig      `yaml:"wallet"`
	Issuer      IssuerConfig      `yaml:"issuer"`

	// PinCacheTTL bounds how long a binding PIN is kept for a session
	PinCacheTTL time.Duration `yaml:"pin_cache_ttl"`

	Events EventsConfig `yaml:"events"`
	Chip   ChipConfig   `yaml:"chip"`
}

// HTTPConfig holds the consumer bridge settings
type HTTPConfig struct {
	Addr     string `yaml:"addr"`
	APIToken string `yaml:"api_token"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// SecureStoreConfig selects the secure value store backend
type SecureStoreConfig struct {
	Driver    string `yaml:"driver"`
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// WalletConfig holds the encrypted credential store settings
type WalletConfig struct {
	Path string `yaml:"path"`
}

// IssuerConfig holds the fixed credential offer and client registration
type IssuerConfig struct {
	OfferURI    string `yaml:"offer_uri"`
	ClientID    string `yaml:"client_id"`
	RedirectURI string `yaml:"redirect_uri"`
	Scope       string `yaml:"scope"`
	Binding     string `yaml:"binding"`
}

// EventsConfig selects where state changes are published
type EventsConfig struct {
	Driver   string `yaml:"driver"`
	Topic    string `yaml:"topic"`
	NATSURL  string `yaml:"nats_url"`
	RedisURL string `yaml:"redis_url"`
}

// ChipConfig scripts the simulated id card
type ChipConfig struct {
	CardPin             string        `yaml:"card_pin"`
	RetryCounter        int           `yaml:"retry_counter"`
	StepDelay           time.Duration `yaml:"step_delay"`
	ResumeAuthorization bool          `yaml:"resume_authorization"`
}

// LoadConfig loads configuration from a YAML file, falling back to defaults
// when the file does not exist, and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:9000",
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		KDF: kdf.DefaultParams,
		SecureStore: SecureStoreConfig{
			Driver:    StoreMemory,
			KeyPrefix: "pidwallet:secure:",
		},
		Wallet: WalletConfig{
			Path: "pidwallet.db",
		},
		Issuer: IssuerConfig{
			ClientID:    "pidwallet",
			RedirectURI: "https://wallet.local/callback",
			Binding:     BindingBound,
		},
		PinCacheTTL: 5 * time.Minute,
		Events: EventsConfig{
			Driver: EventsGoChannel,
			Topic:  "pidwallet.state",
		},
		Chip: ChipConfig{
			RetryCounter: 3,
			StepDelay:    200 * time.Millisecond,
		},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PIDWALLET_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("PIDWALLET_API_TOKEN"); v != "" {
		c.HTTP.APIToken = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.SecureStore.RedisURL = v
		c.Events.RedisURL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Events.NATSURL = v
	}
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	if err := c.KDF.Validate(); err != nil {
		return fmt.Errorf("%w: kdf: %v", ErrInvalidConfig, err)
	}
	if c.KDF.KeyLen != 32 {
		return fmt.Errorf("%w: kdf.key_len must be 32 for the wallet store", ErrInvalidConfig)
	}

	switch c.SecureStore.Driver {
	case StoreMemory:
	case StoreRedis:
		if c.SecureStore.RedisURL == "" {
			return fmt.Errorf("%w: secure_store.redis_url is required for the redis driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown secure_store.driver %q", ErrInvalidConfig, c.SecureStore.Driver)
	}

	switch c.Events.Driver {
	case EventsNone, EventsGoChannel:
	case EventsRedisStream:
		if c.Events.RedisURL == "" {
			return fmt.Errorf("%w: events.redis_url is required for the redisstream driver", ErrInvalidConfig)
		}
	case EventsNATS:
		if c.Events.NATSURL == "" {
			return fmt.Errorf("%w: events.nats_url is required for the nats driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown events.driver %q", ErrInvalidConfig, c.Events.Driver)
	}

	// one Redis client serves both the secure store and the event stream
	if c.SecureStore.Driver == StoreRedis && c.Events.Driver == EventsRedisStream &&
		c.SecureStore.RedisURL != c.Events.RedisURL {
		return fmt.Errorf("%w: secure_store.redis_url and events.redis_url must match", ErrInvalidConfig)
	}

	switch c.Issuer.Binding {
	case BindingBound, BindingAuthenticated:
	default:
		return fmt.Errorf("%w: unknown issuer.binding %q", ErrInvalidConfig, c.Issuer.Binding)
	}
	if c.Issuer.OfferURI == "" {
		return fmt.Errorf("%w: issuer.offer_uri is required", ErrInvalidConfig)
	}
	if c.Issuer.ClientID == "" || c.Issuer.RedirectURI == "" {
		return fmt.Errorf("%w: issuer.client_id and issuer.redirect_uri are required", ErrInvalidConfig)
	}

	if c.Wallet.Path == "" {
		return fmt.Errorf("%w: wallet.path is required", ErrInvalidConfig)
	}
	if c.PinCacheTTL <= 0 {
		return fmt.Errorf("%w: pin_cache_ttl must be positive", ErrInvalidConfig)
	}
	return nil
}
