package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/ports"
)

type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(core.StateChange)
}

func (s *subscribers) add(fn func(core.StateChange)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fns == nil {
		s.fns = make(map[int]func(core.StateChange))
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.fns, id)
	}
}

func (s *subscribers) notify(change core.StateChange) {
	s.mu.Lock()
	fns := make([]func(core.StateChange), 0, len(s.fns))
	for i := 0; i < s.next; i++ {
		if fn, ok := s.fns[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

// publish forwards a transition to the event publisher. Publishing is
// best-effort; the transition has already happened.
func publish(ctx context.Context, events ports.EventPublisher, change core.StateChange) {
	if events == nil {
		return
	}
	if err := events.PublishStateChange(ctx, change); err != nil {
		log.Warn().Err(err).Str("machine", change.Machine).Msg("failed to publish state change")
	}
}
