package issuance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/ports"
)

// MaxRedirects bounds the refresh URL redirect chain
const MaxRedirects = 10

var ErrTooManyRedirects = errors.New("too many redirects")

// RedirectFollower walks the redirect chain after chip authentication until a
// URL carries the authorization code.
type RedirectFollower struct {
	client *http.Client
}

// NewRedirectFollower creates a follower. Automatic redirects of httpClient are
// disabled so every hop can be inspected.
func NewRedirectFollower(httpClient *http.Client) *RedirectFollower {
	c := &http.Client{Timeout: 30 * time.Second}
	if httpClient != nil {
		copied := *httpClient
		c = &copied
	}
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &RedirectFollower{client: c}
}

var _ ports.RedirectResolver = (*RedirectFollower)(nil)

// AuthorizationCode returns the code from the first URL in the chain that has one
func (f *RedirectFollower) AuthorizationCode(ctx context.Context, refreshURL string) (string, error) {
	current, err := url.Parse(refreshURL)
	if err != nil {
		return "", fmt.Errorf("invalid refresh url: %w", err)
	}

	for hop := 0; ; hop++ {
		code, err := codeFrom(current)
		if err != nil || code != "" {
			return code, err
		}
		if hop == MaxRedirects {
			return "", ErrTooManyRedirects
		}

		next, err := f.step(ctx, current)
		if err != nil {
			return "", err
		}
		log.Debug().Int("hop", hop+1).Str("host", next.Host).Msg("following authorization redirect")
		current = next
	}
}

// step requests u and returns the redirect target
func (f *RedirectFollower) step(ctx context.Context, u *url.URL) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode <= 399:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		next, err := resp.Location()
		if err != nil {
			return nil, fmt.Errorf("redirect without location from %s: %w", u.Redacted(), err)
		}
		return next, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil, core.ErrMissingAuthorizationCode
	default:
		return nil, statusError(u.Redacted(), resp)
	}
}

func codeFrom(u *url.URL) (string, error) {
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return "", &core.AuthorizationError{Code: e, Description: q.Get("error_description")}
	}
	return q.Get("code"), nil
}
