package ports

import (
	"context"

	"github.com/layer-3/pidwallet/core"
)

// ChipAuthenticator opens a chip authentication channel for a single authorization URL
type ChipAuthenticator interface {
	Open(ctx context.Context, authorizationURL string) (ChipAuthenticationChannel, error)
}

// ChipAuthenticationChannel is one attempt of reading the identity document.
// Events is closed after the terminal event.
type ChipAuthenticationChannel interface {
	Events() <-chan core.ChipEvent
	IsActive() bool
	Cancel(ctx context.Context) error
}
