package ports

import (
	"context"

	"github.com/layer-3/pidwallet/core"
)

// EventPublisher publishes state machine transitions
type EventPublisher interface {
	PublishStateChange(ctx context.Context, change core.StateChange) error
}
