// Package chipauth provides a scripted chip authentication channel that stands
// in for an NFC identity document reader.
package chipauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/ports"
)

var (
	ErrPinBlocked       = errors.New("card pin blocked")
	ErrCardRemoved      = errors.New("card removed")
	ErrNoRedirectTarget = errors.New("authorization url has no redirect_uri")
)

// Script describes how a simulated card behaves
type Script struct {
	// CardPin is the PIN the card accepts
	CardPin string

	// RetryCounter is the number of wrong PINs before the card blocks
	RetryCounter int

	// RefreshURL overrides the refresh URL; by default it is the redirect_uri
	// of the authorization URL with a fresh code
	RefreshURL string

	// ResumeAuthorization makes the authorization URL itself the refresh URL,
	// as when the authorization server resumes the flow once the card is read
	ResumeAuthorization bool

	// FailWith ends the attempt after the card is attached
	FailWith error

	// StepDelay is slept between events
	StepDelay time.Duration
}

// Simulator opens simulated channels; it implements ports.ChipAuthenticator
type Simulator struct {
	script Script
	opened atomic.Int32
}

// NewSimulator creates a new simulator
func NewSimulator(script Script) *Simulator {
	if script.RetryCounter <= 0 {
		script.RetryCounter = 3
	}
	return &Simulator{script: script}
}

// Opened returns how many channels were opened
func (s *Simulator) Opened() int {
	return int(s.opened.Load())
}

// Open starts an attempt for authorizationURL
func (s *Simulator) Open(ctx context.Context, authorizationURL string) (ports.ChipAuthenticationChannel, error) {
	refreshURL := s.script.RefreshURL
	if s.script.ResumeAuthorization {
		refreshURL = authorizationURL
	}
	if refreshURL == "" {
		var err error
		refreshURL, err = defaultRefreshURL(authorizationURL)
		if err != nil {
			return nil, err
		}
	}

	ch := &simulatedChannel{
		script:     s.script,
		refreshURL: refreshURL,
		events:     make(chan core.ChipEvent),
		cancelled:  make(chan struct{}),
	}
	ch.active.Store(true)
	s.opened.Add(1)

	go ch.run(ctx)
	return ch, nil
}

type simulatedChannel struct {
	script     Script
	refreshURL string
	events     chan core.ChipEvent
	active     atomic.Bool
	cancelled  chan struct{}
	cancelOnce sync.Once
}

func (c *simulatedChannel) Events() <-chan core.ChipEvent {
	return c.events
}

func (c *simulatedChannel) IsActive() bool {
	return c.active.Load()
}

// Cancel ends the attempt with a user_cancelled failure
func (c *simulatedChannel) Cancel(ctx context.Context) error {
	c.cancelOnce.Do(func() { close(c.cancelled) })
	return nil
}

func (c *simulatedChannel) run(ctx context.Context) {
	defer close(c.events)
	defer c.active.Store(false)

	if !c.emit(ctx, core.CardAttachedChanged{Attached: true}) {
		return
	}
	if !c.emit(ctx, core.StatusProgress{Progress: 10}) {
		return
	}
	if c.script.FailWith != nil {
		c.emit(ctx, core.ChipFailed{Reason: core.ChipAuthOther, Err: c.script.FailWith})
		return
	}

	retries := c.script.RetryCounter
	for {
		reply := make(chan string, 1)
		if !c.emit(ctx, core.PinRequest{Response: reply}) {
			return
		}

		var pin string
		select {
		case pin = <-reply:
		case <-c.cancelled:
			c.finish(core.ChipFailed{Reason: core.ChipAuthUserCancelled})
			return
		case <-ctx.Done():
			c.finish(core.ChipFailed{Reason: core.ChipAuthCancelled, Err: ctx.Err()})
			return
		}

		if subtle.ConstantTimeCompare([]byte(pin), []byte(c.script.CardPin)) == 1 {
			break
		}
		retries--
		log.Debug().Int("retries_left", retries).Msg("simulated card rejected pin")
		if retries == 0 {
			c.emit(ctx, core.ChipFailed{Reason: core.ChipAuthOther, Err: ErrPinBlocked})
			return
		}
	}

	for _, p := range []int{50, 90, 100} {
		if !c.emit(ctx, core.StatusProgress{Progress: p}) {
			return
		}
	}
	if !c.emit(ctx, core.CardAttachedChanged{Attached: false}) {
		return
	}
	c.emit(ctx, core.ChipSucceeded{RefreshURL: c.refreshURL})
}

// emit delivers ev unless the attempt was cancelled first, in which case the
// terminal failure is delivered instead
func (c *simulatedChannel) emit(ctx context.Context, ev core.ChipEvent) bool {
	if c.script.StepDelay > 0 {
		select {
		case <-time.After(c.script.StepDelay):
		case <-c.cancelled:
		case <-ctx.Done():
		}
	}

	select {
	case <-c.cancelled:
		c.finish(core.ChipFailed{Reason: core.ChipAuthUserCancelled})
		return false
	case <-ctx.Done():
		c.finish(core.ChipFailed{Reason: core.ChipAuthCancelled, Err: ctx.Err()})
		return false
	default:
	}

	select {
	case c.events <- ev:
		return true
	case <-c.cancelled:
		c.finish(core.ChipFailed{Reason: core.ChipAuthUserCancelled})
		return false
	case <-ctx.Done():
		c.finish(core.ChipFailed{Reason: core.ChipAuthCancelled, Err: ctx.Err()})
		return false
	}
}

// finish delivers a terminal failure if the reader is still there
func (c *simulatedChannel) finish(ev core.ChipFailed) {
	select {
	case c.events <- ev:
	case <-time.After(time.Second):
	}
}

func defaultRefreshURL(authorizationURL string) (string, error) {
	u, err := url.Parse(authorizationURL)
	if err != nil {
		return "", err
	}
	redirect := u.Query().Get("redirect_uri")
	if redirect == "" {
		return "", ErrNoRedirectTarget
	}
	r, err := url.Parse(redirect)
	if err != nil {
		return "", err
	}
	q := r.Query()
	q.Set("code", uuid.NewString())
	if state := u.Query().Get("state"); state != "" {
		q.Set("state", state)
	}
	r.RawQuery = q.Encode()
	return r.String(), nil
}
