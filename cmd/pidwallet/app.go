package main

import (
	"context"
	"fmt"
	"io"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/layer-3/pidwallet/adapters/binding"
	"github.com/layer-3/pidwallet/adapters/chipauth"
	"github.com/layer-3/pidwallet/adapters/events"
	"github.com/layer-3/pidwallet/adapters/issuance"
	"github.com/layer-3/pidwallet/adapters/securestore"
	"github.com/layer-3/pidwallet/adapters/walletstore"
	"github.com/layer-3/pidwallet/config"
	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/kdf"
	"github.com/layer-3/pidwallet/ports"
	"github.com/layer-3/pidwallet/service"
	transport "github.com/layer-3/pidwallet/transport/http"
)

type app struct {
	router   *gin.Engine
	handlers *transport.Handlers
	unlock   *service.UnlockService
	closers  []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	var redisClient *redis.Client
	if cfg.SecureStore.Driver == config.StoreRedis || cfg.Events.Driver == config.EventsRedisStream {
		url := cfg.SecureStore.RedisURL
		if cfg.SecureStore.Driver != config.StoreRedis {
			url = cfg.Events.RedisURL
		}
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		a.closers = append(a.closers, redisClient)
	}

	store, err := newSecureStore(cfg.SecureStore, redisClient)
	if err != nil {
		a.Close()
		return nil, err
	}

	publisher, err := a.newEventPublisher(ctx, cfg.Events, redisClient)
	if err != nil {
		a.Close()
		return nil, err
	}

	derive, err := kdf.New(cfg.KDF)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.unlock = service.NewUnlockService(derive, store, publisher)
	if err := a.unlock.Initialize(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize secure unlock: %w", err)
	}

	device, err := binding.LoadOrCreateDeviceKey(ctx, store)
	if err != nil {
		a.Close()
		return nil, err
	}
	var strategy ports.CredentialBinding = binding.NewBoundChannel(device)
	if cfg.Issuer.Binding == config.BindingAuthenticated {
		strategy = binding.NewAuthenticatedChannel(device, derive)
	}

	chip := chipauth.NewSimulator(chipauth.Script{
		CardPin:             cfg.Chip.CardPin,
		RetryCounter:        cfg.Chip.RetryCounter,
		StepDelay:           cfg.Chip.StepDelay,
		ResumeAuthorization: cfg.Chip.ResumeAuthorization,
	})

	pid := service.NewPidRetrieval(
		issuance.NewClient(nil),
		chip,
		issuance.NewRedirectFollower(nil),
		strategy,
		publisher,
	)

	a.handlers = transport.NewHandlers(a.unlock, walletstore.Opener{Path: cfg.Wallet.Path}, pid, service.PidOptions{
		OfferURI: cfg.Issuer.OfferURI,
		Authorization: core.AuthorizationParams{
			ClientID:    cfg.Issuer.ClientID,
			RedirectURI: cfg.Issuer.RedirectURI,
			Scope:       cfg.Issuer.Scope,
		},
		PinCacheTTL: cfg.PinCacheTTL,
	})
	a.router = transport.SetupRouter(a.handlers, cfg.HTTP.APIToken)

	return a, nil
}

func newSecureStore(cfg config.SecureStoreConfig, client *redis.Client) (ports.SecureValueStore, error) {
	switch cfg.Driver {
	case config.StoreRedis:
		return securestore.NewRedisStore(client, cfg.KeyPrefix), nil
	case config.StoreMemory:
		return securestore.NewMemoryStore(securestore.NewSimulatedBiometrics()), nil
	default:
		return nil, fmt.Errorf("unknown secure store driver %q", cfg.Driver)
	}
}

func (a *app) newEventPublisher(ctx context.Context, cfg config.EventsConfig, client *redis.Client) (ports.EventPublisher, error) {
	logger := events.NewZerologAdapter(nil)

	switch cfg.Driver {
	case config.EventsNone:
		return nil, nil
	case config.EventsGoChannel:
		pubsub := gochannel.NewGoChannel(gochannel.Config{}, logger)
		a.closers = append(a.closers, pubsub)

		messages, err := pubsub.Subscribe(ctx, cfg.Topic)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Topic, err)
		}
		go logStateChanges(messages)

		return events.NewWatermillPublisher(pubsub, cfg.Topic), nil
	case config.EventsRedisStream:
		publisher, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{
				Client: client,
			},
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis publisher: %w", err)
		}
		a.closers = append(a.closers, publisher)
		return events.NewWatermillPublisher(publisher, cfg.Topic), nil
	case config.EventsNATS:
		publisher, err := events.NewNATSPublisher(cfg.NATSURL, cfg.Topic)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, publisher)
		return publisher, nil
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}

// logStateChanges is the in-process consumer of the gochannel topic
func logStateChanges(messages <-chan *message.Message) {
	for msg := range messages {
		log.Debug().
			Str("machine", msg.Metadata.Get("machine")).
			RawJSON("change", msg.Payload).
			Msg("state change event")
		msg.Ack()
	}
}

// Close locks the wallet and releases connections
func (a *app) Close() {
	if a.handlers != nil {
		a.handlers.Close()
	}
	if a.unlock != nil && a.unlock.State() == core.UnlockUnlocked {
		if err := a.unlock.Lock(context.Background()); err != nil {
			log.Warn().Err(err).Msg("failed to lock wallet")
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close resource")
		}
	}
}
