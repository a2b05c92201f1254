package http

import (
	"context"
	"errors"
	"sync"

	"github.com/layer-3/pidwallet/core"
)

var (
	errNoPinRequested = errors.New("no pin is requested")
	errPinAborted     = errors.New("pin entry aborted")
)

type pendingPin struct {
	prompt core.PinPrompt
	answer chan string
	abort  chan struct{}
}

// pinRelay hands PIN prompts from a running session to HTTP callers
type pinRelay struct {
	mu      sync.Mutex
	pending *pendingPin
	preset  string
}

// ask blocks until deliver, abort or ctx ends
func (r *pinRelay) ask(ctx context.Context, prompt core.PinPrompt) (string, error) {
	r.mu.Lock()
	if r.preset != "" {
		pin := r.preset
		r.preset = ""
		r.mu.Unlock()
		return pin, nil
	}
	p := &pendingPin{
		prompt: prompt,
		answer: make(chan string, 1),
		abort:  make(chan struct{}),
	}
	r.pending = p
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.pending == p {
			r.pending = nil
		}
		r.mu.Unlock()
	}()

	select {
	case pin := <-p.answer:
		return pin, nil
	case <-p.abort:
		return "", errPinAborted
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *pinRelay) deliver(pin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		return errNoPinRequested
	}
	r.pending.answer <- pin
	r.pending = nil
	return nil
}

// prompt returns the outstanding request, if any
func (r *pinRelay) prompt() (core.PinPrompt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		return core.PinPrompt{}, false
	}
	return r.pending.prompt, true
}

// presetNext answers the next prompt without waiting
func (r *pinRelay) presetNext(pin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preset = pin
}

func (r *pinRelay) abort() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.preset = ""
	if r.pending != nil {
		close(r.pending.abort)
		r.pending = nil
	}
}
