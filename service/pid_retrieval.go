package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/ports"
)

// PidMachineName identifies the PID retrieval machine in events and errors
const PidMachineName = "pid-retrieval"

var (
	ErrPinSourceRequired = errors.New("an OnEnterPin callback is required")
	errChannelClosed     = errors.New("channel closed without a result")
)

// PidCallbacks connect a retrieval session to the caller. OnEnterPin is
// required; it is asked for the card PIN and, with the authenticated channel
// binding, for the wallet PIN.
type PidCallbacks struct {
	OnEnterPin            ports.PinSource
	OnStateChange         func(core.StateChange)
	OnCardAttachedChanged func(attached bool)
	OnStatusProgress      func(progress int)
}

// PidOptions configure one retrieval session
type PidOptions struct {
	OfferURI      string
	Authorization core.AuthorizationParams
	PinCacheTTL   time.Duration
	Callbacks     PidCallbacks
}

type pidSession struct {
	id       string
	opts     PidOptions
	unlocked core.UnlockedContext
	offer    *core.ResolvedOffer
	pins     *pinCache

	channel         ports.ChipAuthenticationChannel
	cancelAttempt   context.CancelFunc
	authenticating  bool
	cancelRequested bool
	pinAttempts     int
	refreshURL      string
	token           *core.AccessToken
	lastErr         error
}

// bindingPin serves PIN requests of the binding strategy from the session cache
func (s *pidSession) bindingPin(ctx context.Context, prompt core.PinPrompt) (string, error) {
	if pin, ok := s.pins.get(); ok {
		return pin, nil
	}
	pin, err := s.opts.Callbacks.OnEnterPin(ctx, prompt)
	if err != nil {
		return "", err
	}
	s.pins.put(pin)
	return pin, nil
}

// PidRetrieval drives one PID issuance at a time: id card authentication,
// authorization code exchange and the credential request. The binding
// strategy decides how the credential is bound to the device.
type PidRetrieval struct {
	issuer    ports.IssuanceClient
	chip      ports.ChipAuthenticator
	redirects ports.RedirectResolver
	binding   ports.CredentialBinding
	events    ports.EventPublisher

	mu      sync.Mutex
	state   core.PidState
	session *pidSession

	subs subscribers
}

// NewPidRetrieval creates the machine without a session. events may be nil.
func NewPidRetrieval(
	issuer ports.IssuanceClient,
	chip ports.ChipAuthenticator,
	redirects ports.RedirectResolver,
	binding ports.CredentialBinding,
	events ports.EventPublisher,
) *PidRetrieval {
	return &PidRetrieval{
		issuer:    issuer,
		chip:      chip,
		redirects: redirects,
		binding:   binding,
		events:    events,
		state:     core.PidIdle,
	}
}

// BindingName returns the name of the configured binding strategy
func (p *PidRetrieval) BindingName() string {
	return p.binding.Name()
}

func (p *PidRetrieval) State() core.PidState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PinAttempts returns how many card PIN requests the session has seen
func (p *PidRetrieval) PinAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return 0
	}
	return p.session.pinAttempts
}

func (p *PidRetrieval) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return ""
	}
	return p.session.id
}

// LastError returns the error that moved the session to the error state
func (p *PidRetrieval) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	return p.session.lastErr
}

// Subscribe registers fn for every transition and returns a function removing it
func (p *PidRetrieval) Subscribe(fn func(core.StateChange)) func() {
	return p.subs.add(fn)
}

// Initialize resolves the credential offer and starts a new session in
// id-card-auth. A previous session is discarded with a transition to idle,
// unless its id card authentication is still running.
func (p *PidRetrieval) Initialize(ctx context.Context, unlocked core.UnlockedContext, opts PidOptions) error {
	if opts.Callbacks.OnEnterPin == nil {
		return ErrPinSourceRequired
	}
	if opts.OfferURI == "" {
		return fmt.Errorf("offer uri: %w", core.ErrMissingField)
	}

	p.mu.Lock()
	prev := p.session
	if prev != nil && prev.authenticating {
		p.mu.Unlock()
		return core.ErrAuthenticationActive
	}
	sess := &pidSession{
		id:       uuid.NewString(),
		opts:     opts,
		unlocked: unlocked,
		pins:     newPinCache(opts.PinCacheTTL),
	}
	from := p.state
	p.session = sess
	p.state = core.PidIdle
	p.mu.Unlock()

	if prev != nil {
		prev.pins.clear()
		if from != core.PidIdle {
			p.emit(ctx, prev, p.change(prev, from, core.PidIdle))
		}
	}

	offer, err := p.issuer.ResolveOffer(ctx, opts.OfferURI, opts.Authorization)
	if err != nil {
		return p.fail(ctx, sess, fmt.Errorf("failed to resolve credential offer: %w", err))
	}

	change, err := p.commit(sess, "initialize", core.PidIdle, core.PidIDCardAuth, func() {
		sess.offer = offer
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("session", sess.id).
		Str("issuer", offer.Offer.CredentialIssuer).
		Str("binding", p.binding.Name()).
		Msg("pid retrieval session initialized")
	p.emit(ctx, sess, change)
	return nil
}

// AuthenticateUsingIdCard runs one chip authentication attempt and blocks
// until it ends. Card PIN requests are answered through OnEnterPin.
func (p *PidRetrieval) AuthenticateUsingIdCard(ctx context.Context) error {
	p.mu.Lock()
	sess := p.session
	if sess == nil || p.state != core.PidIDCardAuth {
		err := p.mismatch("authenticateUsingIdCard", core.PidIDCardAuth)
		p.mu.Unlock()
		return err
	}
	if sess.authenticating || (sess.channel != nil && sess.channel.IsActive()) {
		p.mu.Unlock()
		return core.ErrAuthenticationActive
	}
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()
	sess.authenticating = true
	sess.cancelRequested = false
	sess.channel = nil
	sess.cancelAttempt = cancelAttempt
	authorizationURL := sess.offer.AuthorizationRequest.AuthorizationURL
	p.mu.Unlock()

	refreshURL, err := p.runChipAuthentication(attemptCtx, sess, authorizationURL)
	if err != nil {
		return p.fail(ctx, sess, p.attemptError(sess, err))
	}

	change, err := p.commit(sess, "authenticateUsingIdCard", core.PidIDCardAuth, core.PidAcquireAccessToken, func() {
		sess.refreshURL = refreshURL
		sess.authenticating = false
	})
	if err != nil {
		return err
	}
	p.emit(ctx, sess, change)
	return nil
}

// CancelIdCardScanning asks the active chip authentication to stop. A PIN
// prompt in progress sees its context cancelled. The attempt ends with a
// user_cancelled failure reported by AuthenticateUsingIdCard.
func (p *PidRetrieval) CancelIdCardScanning(ctx context.Context) error {
	p.mu.Lock()
	sess := p.session
	if sess == nil || p.state != core.PidIDCardAuth {
		err := p.mismatch("cancelIdCardScanning", core.PidIDCardAuth)
		p.mu.Unlock()
		return err
	}
	if !sess.authenticating {
		p.mu.Unlock()
		return core.ErrAuthenticationInactive
	}
	sess.cancelRequested = true
	channel := sess.channel
	cancelAttempt := sess.cancelAttempt
	p.mu.Unlock()

	var err error
	if channel != nil {
		err = channel.Cancel(ctx)
	}
	// a channel still opening is cancelled through the attempt context
	if cancelAttempt != nil {
		cancelAttempt()
	}
	return err
}

// AcquireAccessToken follows the refresh URL to the authorization code and
// exchanges it for an access token.
func (p *PidRetrieval) AcquireAccessToken(ctx context.Context) error {
	sess, err := p.begin("acquireAccessToken", core.PidAcquireAccessToken)
	if err != nil {
		return err
	}
	if sess.refreshURL == "" {
		return p.fail(ctx, sess, fmt.Errorf("refresh url: %w", core.ErrMissingField))
	}

	code, err := p.redirects.AuthorizationCode(ctx, sess.refreshURL)
	if err != nil {
		return p.fail(ctx, sess, err)
	}

	token, err := p.issuer.AcquireAccessToken(ctx, ports.TokenParams{Offer: sess.offer, Code: code})
	if err != nil {
		return p.fail(ctx, sess, err)
	}
	if token == nil || token.Token == "" {
		return p.fail(ctx, sess, fmt.Errorf("access token: %w", core.ErrMissingField))
	}

	change, err := p.commit(sess, "acquireAccessToken", core.PidAcquireAccessToken, core.PidRetrieveCredential, func() {
		sess.token = token
	})
	if err != nil {
		return err
	}
	p.emit(ctx, sess, change)
	return nil
}

// RetrieveCredential requests the first offered credential configuration,
// bound with the configured strategy, and stores it in the unlocked wallet
// when the wallet accepts credentials.
func (p *PidRetrieval) RetrieveCredential(ctx context.Context) (*core.CredentialRecord, error) {
	sess, err := p.begin("retrieveCredential", core.PidRetrieveCredential)
	if err != nil {
		return nil, err
	}
	if sess.token == nil {
		return nil, p.fail(ctx, sess, fmt.Errorf("access token: %w", core.ErrMissingField))
	}
	ids := sess.offer.Offer.CredentialConfigurationIDs
	if len(ids) == 0 {
		return nil, p.fail(ctx, sess, fmt.Errorf("credential configuration: %w", core.ErrMissingField))
	}

	proof, err := p.binding.Proof(ctx, ports.BindingRequest{
		Nonce:    sess.token.CNonce,
		Audience: sess.offer.Offer.CredentialIssuer,
		ClientID: sess.offer.AuthorizationRequest.ClientID,
		Pin:      sess.bindingPin,
	})
	if err != nil {
		return nil, p.fail(ctx, sess, fmt.Errorf("failed to bind credential: %w", err))
	}

	record, err := p.issuer.RequestCredential(ctx, ports.CredentialParams{
		Offer:                     sess.offer,
		CredentialConfigurationID: ids[0],
		AccessToken:               sess.token,
		Proof:                     proof,
	})
	if err != nil {
		return nil, p.fail(ctx, sess, err)
	}
	if record == nil {
		return nil, p.fail(ctx, sess, fmt.Errorf("credential: %w", core.ErrMissingField))
	}
	if record.Binding == "" {
		record.Binding = p.binding.Name()
	}

	if sink, ok := sess.unlocked.(ports.CredentialSink); ok {
		if err := sink.StoreCredential(ctx, record); err != nil {
			return nil, p.fail(ctx, sess, fmt.Errorf("failed to store credential: %w", err))
		}
	}

	change, err := p.commit(sess, "retrieveCredential", core.PidRetrieveCredential, core.PidCredentialRetrieved, func() {})
	if err != nil {
		return nil, err
	}
	sess.pins.clear()

	log.Info().Str("session", sess.id).Str("credential", record.ID).Msg("pid credential retrieved")
	p.emit(ctx, sess, change)
	return record, nil
}

// Reset drops the session, cancelling an active id card attempt
func (p *PidRetrieval) Reset(ctx context.Context) error {
	p.mu.Lock()
	sess := p.session
	from := p.state
	p.session = nil
	p.state = core.PidIdle
	var (
		channel       ports.ChipAuthenticationChannel
		cancelAttempt context.CancelFunc
	)
	if sess != nil {
		channel = sess.channel
		cancelAttempt = sess.cancelAttempt
	}
	p.mu.Unlock()

	if sess == nil {
		return nil
	}
	sess.pins.clear()
	if channel != nil && channel.IsActive() {
		p.cancelChannel(ctx, channel)
	}
	if cancelAttempt != nil {
		cancelAttempt()
	}

	if from != core.PidIdle {
		p.emit(ctx, sess, p.change(sess, from, core.PidIdle))
	}
	return nil
}

// runChipAuthentication drives one attempt; ctx is the attempt context
func (p *PidRetrieval) runChipAuthentication(ctx context.Context, sess *pidSession, authorizationURL string) (string, error) {
	channel, err := p.chip.Open(ctx, authorizationURL)
	if err != nil {
		return "", &core.ChipAuthenticationError{Reason: core.ChipAuthOther, Err: err}
	}

	p.mu.Lock()
	sess.channel = channel
	cancelled := sess.cancelRequested
	p.mu.Unlock()

	if cancelled {
		p.cancelChannel(context.WithoutCancel(ctx), channel)
	}

	callbacks := sess.opts.Callbacks
	for {
		select {
		case <-ctx.Done():
			p.cancelChannel(context.WithoutCancel(ctx), channel)
			return "", &core.ChipAuthenticationError{Reason: core.ChipAuthCancelled, Err: ctx.Err()}
		case ev, ok := <-channel.Events():
			if !ok {
				return "", &core.ChipAuthenticationError{Reason: core.ChipAuthOther, Err: errChannelClosed}
			}
			switch ev := ev.(type) {
			case core.CardAttachedChanged:
				if callbacks.OnCardAttachedChanged != nil {
					callbacks.OnCardAttachedChanged(ev.Attached)
				}
			case core.StatusProgress:
				if callbacks.OnStatusProgress != nil {
					callbacks.OnStatusProgress(ev.Progress)
				}
			case core.PinRequest:
				p.answerPinRequest(ctx, sess, channel, ev)
			case core.ChipSucceeded:
				return ev.RefreshURL, nil
			case core.ChipFailed:
				return "", &core.ChipAuthenticationError{Reason: ev.Reason, Err: ev.Err}
			}
		}
	}
}

// answerPinRequest suspends the attempt until the caller supplies the card
// PIN. A caller that refuses cancels the attempt.
func (p *PidRetrieval) answerPinRequest(ctx context.Context, sess *pidSession, channel ports.ChipAuthenticationChannel, req core.PinRequest) {
	p.mu.Lock()
	sess.pinAttempts++
	attempt := sess.pinAttempts
	p.mu.Unlock()

	pin, err := sess.opts.Callbacks.OnEnterPin(ctx, core.PinPrompt{Purpose: core.PinPurposeIDCard, Attempt: attempt})
	if err != nil {
		log.Debug().Err(err).Str("session", sess.id).Msg("card pin entry aborted")
		p.cancelChannel(context.WithoutCancel(ctx), channel)
		return
	}

	select {
	case req.Response <- pin:
	case <-ctx.Done():
	}
}

// attemptError reports any failure of an attempt the caller asked to cancel
// as user_cancelled, whatever the channel said on the way out
func (p *PidRetrieval) attemptError(sess *pidSession, err error) error {
	p.mu.Lock()
	requested := sess.cancelRequested
	p.mu.Unlock()

	var chipErr *core.ChipAuthenticationError
	if !requested || !errors.As(err, &chipErr) || chipErr.Reason == core.ChipAuthUserCancelled {
		return err
	}
	return &core.ChipAuthenticationError{Reason: core.ChipAuthUserCancelled, Err: chipErr.Err}
}

func (p *PidRetrieval) cancelChannel(ctx context.Context, channel ports.ChipAuthenticationChannel) {
	if err := channel.Cancel(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to cancel id card authentication")
	}
}

// begin checks the state and returns the session the operation runs against
func (p *PidRetrieval) begin(op string, state core.PidState) (*pidSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil || p.state != state {
		return nil, p.mismatch(op, state)
	}
	return p.session, nil
}

// commit applies a transition if sess is still current and in state from
func (p *PidRetrieval) commit(sess *pidSession, op string, from, to core.PidState, apply func()) (core.StateChange, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != sess {
		return core.StateChange{}, core.ErrSessionInterrupted
	}
	if p.state != from {
		return core.StateChange{}, p.mismatch(op, from)
	}
	apply()
	p.state = to
	return p.change(sess, from, to), nil
}

// fail moves sess to the error state and returns err
func (p *PidRetrieval) fail(ctx context.Context, sess *pidSession, err error) error {
	p.mu.Lock()
	if p.session != sess {
		p.mu.Unlock()
		sess.pins.clear()
		return fmt.Errorf("%w: %w", core.ErrSessionInterrupted, err)
	}
	from := p.state
	sess.lastErr = err
	sess.authenticating = false
	p.state = core.PidError
	change := p.change(sess, from, core.PidError)
	p.mu.Unlock()

	sess.pins.clear()

	event := log.Warn()
	if reason, ok := core.ChipAuthErrorReason(err); ok {
		if reason == core.ChipAuthUserCancelled {
			event = log.Info()
		}
		event = event.Str("reason", string(reason))
	}
	event.Err(err).Str("session", sess.id).Str("from", string(from)).Msg("pid retrieval failed")

	if from != core.PidError {
		p.emit(ctx, sess, change)
	}
	return err
}

func (p *PidRetrieval) change(sess *pidSession, from, to core.PidState) core.StateChange {
	return core.StateChange{
		Machine:   PidMachineName,
		SessionID: sess.id,
		From:      string(from),
		To:        string(to),
		At:        time.Now().UTC(),
	}
}

func (p *PidRetrieval) mismatch(op string, expected ...core.PidState) error {
	names := make([]string, len(expected))
	for i, e := range expected {
		names[i] = string(e)
	}
	return &core.StateMismatchError{
		Machine:   PidMachineName,
		Operation: op,
		Expected:  names,
		Actual:    string(p.state),
	}
}

func (p *PidRetrieval) emit(ctx context.Context, sess *pidSession, change core.StateChange) {
	log.Info().Str("machine", change.Machine).Str("session", change.SessionID).Str("from", change.From).Str("to", change.To).Msg("state changed")
	p.subs.notify(change)
	if sess.opts.Callbacks.OnStateChange != nil {
		sess.opts.Callbacks.OnStateChange(change)
	}
	publish(ctx, p.events, change)
}
