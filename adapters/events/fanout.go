package events

import (
	"context"
	"errors"

	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/ports"
)

type fanout []ports.EventPublisher

// Fanout publishes to every non-nil publisher and joins their errors
func Fanout(publishers ...ports.EventPublisher) ports.EventPublisher {
	var f fanout
	for _, p := range publishers {
		if p != nil {
			f = append(f, p)
		}
	}
	return f
}

func (f fanout) PublishStateChange(ctx context.Context, change core.StateChange) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishStateChange(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
