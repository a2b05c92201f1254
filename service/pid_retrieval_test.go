package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/pidwallet/adapters/binding"
	"github.com/layer-3/pidwallet/adapters/chipauth"
	"github.com/layer-3/pidwallet/adapters/issuance"
	"github.com/layer-3/pidwallet/adapters/issuance/issuertest"
	"github.com/layer-3/pidwallet/adapters/walletstore"
	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/ports"
)

const testAuthorizationURL = "https://issuer.example/authorize?client_id=wallet&redirect_uri=https%3A%2F%2Fwallet.example%2Fcb&state=s1"

type fakeIssuer struct {
	mu            sync.Mutex
	resolveErr    error
	tokenErr      error
	credentialErr error
	nilCredential bool
	codes         []string
	proofs        []core.CredentialProof
}

func (f *fakeIssuer) ResolveOffer(ctx context.Context, offerURI string, params core.AuthorizationParams) (*core.ResolvedOffer, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return &core.ResolvedOffer{
		Offer: core.CredentialOffer{
			CredentialIssuer:           "https://issuer.example",
			CredentialConfigurationIDs: []string{"pid-sd-jwt", "pid-mdoc"},
		},
		AuthorizationRequest: core.AuthorizationRequest{
			AuthorizationURL: testAuthorizationURL,
			CodeVerifier:     "verifier",
			ClientID:         params.ClientID,
			RedirectURI:      params.RedirectURI,
		},
	}, nil
}

func (f *fakeIssuer) AcquireAccessToken(ctx context.Context, params ports.TokenParams) (*core.AccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, params.Code)
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return &core.AccessToken{Token: "token", TokenType: "Bearer", CNonce: "nonce"}, nil
}

func (f *fakeIssuer) RequestCredential(ctx context.Context, params ports.CredentialParams) (*core.CredentialRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proofs = append(f.proofs, params.Proof)
	if f.credentialErr != nil {
		return nil, f.credentialErr
	}
	if f.nilCredential {
		return nil, nil
	}
	return &core.CredentialRecord{
		ID:                        "cred-1",
		Issuer:                    params.Offer.Offer.CredentialIssuer,
		CredentialConfigurationID: params.CredentialConfigurationID,
		Format:                    "vc+sd-jwt",
		Credential:                "eyJ...",
		IssuedAt:                  time.Now(),
	}, nil
}

type resolverFunc func(ctx context.Context, refreshURL string) (string, error)

func (f resolverFunc) AuthorizationCode(ctx context.Context, refreshURL string) (string, error) {
	return f(ctx, refreshURL)
}

// pidRecorder collects callback invocations
type pidRecorder struct {
	mu       sync.Mutex
	changes  []core.StateChange
	attached []bool
	progress []int
	prompts  []core.PinPrompt
}

func (r *pidRecorder) callbacks(pin ports.PinSource) PidCallbacks {
	return PidCallbacks{
		OnEnterPin: func(ctx context.Context, prompt core.PinPrompt) (string, error) {
			r.mu.Lock()
			r.prompts = append(r.prompts, prompt)
			r.mu.Unlock()
			return pin(ctx, prompt)
		},
		OnStateChange: func(c core.StateChange) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.changes = append(r.changes, c)
		},
		OnCardAttachedChanged: func(attached bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.attached = append(r.attached, attached)
		},
		OnStatusProgress: func(progress int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, progress)
		},
	}
}

func (r *pidRecorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

func staticPin(pin string) ports.PinSource {
	return func(ctx context.Context, prompt core.PinPrompt) (string, error) {
		return pin, nil
	}
}

func pidOptions(cb PidCallbacks) PidOptions {
	return PidOptions{
		OfferURI: "openid-credential-offer://?credential_offer_uri=https%3A%2F%2Fissuer.example%2Foffer",
		Authorization: core.AuthorizationParams{
			ClientID:    "wallet",
			RedirectURI: "https://wallet.example/cb",
		},
		Callbacks: cb,
	}
}

func newBoundRetrieval(t *testing.T, issuer ports.IssuanceClient, chip ports.ChipAuthenticator, redirects ports.RedirectResolver) *PidRetrieval {
	t.Helper()
	device, err := binding.NewSoftwareDeviceKey()
	require.NoError(t, err)
	if redirects == nil {
		redirects = issuance.NewRedirectFollower(nil)
	}
	return NewPidRetrieval(issuer, chip, redirects, binding.NewBoundChannel(device), nil)
}

func TestPidRetrievalEndToEnd(t *testing.T) {
	ctx := context.Background()
	issuer := &fakeIssuer{}
	chip := chipauth.NewSimulator(chipauth.Script{CardPin: "123456", RefreshURL: "https://x/redirect?code=abc"})
	p := newBoundRetrieval(t, issuer, chip, nil)
	rec := &pidRecorder{}

	assert.Equal(t, core.PidIdle, p.State())
	require.NoError(t, p.Initialize(ctx, nil, pidOptions(rec.callbacks(staticPin("123456")))))
	assert.Equal(t, core.PidIDCardAuth, p.State())
	assert.NotEmpty(t, p.SessionID())

	require.NoError(t, p.AuthenticateUsingIdCard(ctx))
	assert.Equal(t, core.PidAcquireAccessToken, p.State())
	assert.Equal(t, 1, p.PinAttempts())
	assert.Equal(t, []bool{true, false}, rec.attached)
	assert.Equal(t, []int{10, 50, 90, 100}, rec.progress)
	assert.Equal(t, []core.PinPrompt{{Purpose: core.PinPurposeIDCard, Attempt: 1}}, rec.prompts)

	require.NoError(t, p.AcquireAccessToken(ctx))
	assert.Equal(t, []string{"abc"}, issuer.codes)
	assert.Equal(t, core.PidRetrieveCredential, p.State())

	record, err := p.RetrieveCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pid-sd-jwt", record.CredentialConfigurationID)
	assert.Equal(t, binding.BoundChannelName, record.Binding)
	assert.Equal(t, core.PidCredentialRetrieved, p.State())
	assert.NoError(t, p.LastError())

	require.Len(t, issuer.proofs, 1)
	assert.Equal(t, binding.ProofTypeJWT, issuer.proofs[0].ProofType)
	assert.Equal(t, "nonce", issuer.proofs[0].Nonce)

	assert.Equal(t, []string{
		string(core.PidIDCardAuth),
		string(core.PidAcquireAccessToken),
		string(core.PidRetrieveCredential),
		string(core.PidCredentialRetrieved),
	}, rec.states())
}

func TestPidRetrievalStateMismatch(t *testing.T) {
	ctx := context.Background()
	p := newBoundRetrieval(t, &fakeIssuer{}, chipauth.NewSimulator(chipauth.Script{CardPin: "1"}), nil)

	var mismatch *core.StateMismatchError
	err := p.AuthenticateUsingIdCard(ctx)
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, string(core.PidIdle), mismatch.Actual)

	require.NoError(t, p.Initialize(ctx, nil, pidOptions((&pidRecorder{}).callbacks(staticPin("1")))))

	err = p.AcquireAccessToken(ctx)
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, PidMachineName, mismatch.Machine)
	assert.Equal(t, []string{string(core.PidAcquireAccessToken)}, mismatch.Expected)
	assert.Equal(t, string(core.PidIDCardAuth), mismatch.Actual)
	assert.Equal(t, core.PidIDCardAuth, p.State())

	_, err = p.RetrieveCredential(ctx)
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, core.PidIDCardAuth, p.State())

	assert.ErrorIs(t, p.CancelIdCardScanning(ctx), core.ErrAuthenticationInactive)
	assert.Equal(t, core.PidIDCardAuth, p.State())
}

func TestPidRetrievalInitializeValidation(t *testing.T) {
	ctx := context.Background()
	issuer := &fakeIssuer{}
	p := newBoundRetrieval(t, issuer, chipauth.NewSimulator(chipauth.Script{}), nil)

	assert.ErrorIs(t, p.Initialize(ctx, nil, pidOptions(PidCallbacks{})), ErrPinSourceRequired)
	assert.Equal(t, core.PidIdle, p.State())

	issuer.resolveErr = errors.New("issuer unreachable")
	err := p.Initialize(ctx, nil, pidOptions((&pidRecorder{}).callbacks(staticPin("1"))))
	assert.ErrorIs(t, err, issuer.resolveErr)
	assert.Equal(t, core.PidError, p.State())
	assert.ErrorIs(t, p.LastError(), issuer.resolveErr)
}

func TestPidRetrievalAlreadyActive(t *testing.T) {
	ctx := context.Background()
	chip := chipauth.NewSimulator(chipauth.Script{CardPin: "123456", RefreshURL: "https://x/redirect?code=abc"})
	p := newBoundRetrieval(t, &fakeIssuer{}, chip, nil)

	prompted := make(chan struct{})
	release := make(chan struct{})
	pin := func(ctx context.Context, prompt core.PinPrompt) (string, error) {
		close(prompted)
		<-release
		return "123456", nil
	}
	require.NoError(t, p.Initialize(ctx, nil, pidOptions((&pidRecorder{}).callbacks(pin))))

	done := make(chan error, 1)
	go func() { done <- p.AuthenticateUsingIdCard(ctx) }()

	<-prompted
	assert.ErrorIs(t, p.AuthenticateUsingIdCard(ctx), core.ErrAuthenticationActive)
	assert.Equal(t, core.PidIDCardAuth, p.State())
	assert.Equal(t, 1, chip.Opened())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, core.PidAcquireAccessToken, p.State())
}

func TestPidRetrievalUserCancelled(t *testing.T) {
	ctx := context.Background()
	p := newBoundRetrieval(t, &fakeIssuer{}, chipauth.NewSimulator(chipauth.Script{CardPin: "123456"}), nil)

	prompted := make(chan struct{})
	release := make(chan struct{})
	aborted := errors.New("dialog dismissed")
	pin := func(ctx context.Context, prompt core.PinPrompt) (string, error) {
		close(prompted)
		<-release
		return "", aborted
	}
	require.NoError(t, p.Initialize(ctx, nil, pidOptions((&pidRecorder{}).callbacks(pin))))

	done := make(chan error, 1)
	go func() { done <- p.AuthenticateUsingIdCard(ctx) }()

	<-prompted
	require.NoError(t, p.CancelIdCardScanning(ctx))
	close(release)

	err := <-done
	reason, ok := core.ChipAuthErrorReason(err)
	require.True(t, ok)
	assert.Equal(t, core.ChipAuthUserCancelled, reason)
	assert.Equal(t, core.PidError, p.State())

	reason, ok = core.ChipAuthErrorReason(p.LastError())
	require.True(t, ok)
	assert.Equal(t, core.ChipAuthUserCancelled, reason)
}

func TestPidRetrievalCancelDuringSlowPinEntry(t *testing.T) {
	ctx := context.Background()
	p := newBoundRetrieval(t, &fakeIssuer{}, chipauth.NewSimulator(chipauth.Script{CardPin: "123456"}), nil)

	promptCtx := make(chan context.Context, 1)
	release := make(chan struct{})
	pin := func(ctx context.Context, prompt core.PinPrompt) (string, error) {
		promptCtx <- ctx
		<-release
		return "123456", nil
	}
	require.NoError(t, p.Initialize(ctx, nil, pidOptions((&pidRecorder{}).callbacks(pin))))

	done := make(chan error, 1)
	go func() { done <- p.AuthenticateUsingIdCard(ctx) }()

	entry := <-promptCtx
	require.NoError(t, p.CancelIdCardScanning(ctx))

	select {
	case <-entry.Done():
	case <-time.After(time.Second):
		t.Fatal("pin entry context not cancelled")
	}

	// answer long after the channel stopped waiting for the reader
	time.Sleep(1500 * time.Millisecond)
	close(release)

	err := <-done
	reason, ok := core.ChipAuthErrorReason(err)
	require.True(t, ok)
	assert.Equal(t, core.ChipAuthUserCancelled, reason)
	assert.Equal(t, core.PidError, p.State())
}

func TestPidRetrievalCardPinBlocked(t *testing.T) {
	ctx := context.Background()
	p := newBoundRetrieval(t, &fakeIssuer{}, chipauth.NewSimulator(chipauth.Script{CardPin: "123456", RetryCounter: 3}), nil)
	rec := &pidRecorder{}

	require.NoError(t, p.Initialize(ctx, nil, pidOptions(rec.callbacks(staticPin("000000")))))
	first := p.SessionID()

	err := p.AuthenticateUsingIdCard(ctx)
	assert.ErrorIs(t, err, chipauth.ErrPinBlocked)
	reason, _ := core.ChipAuthErrorReason(err)
	assert.Equal(t, core.ChipAuthOther, reason)
	assert.Equal(t, 3, p.PinAttempts())
	assert.Equal(t, []core.PinPrompt{
		{Purpose: core.PinPurposeIDCard, Attempt: 1},
		{Purpose: core.PinPurposeIDCard, Attempt: 2},
		{Purpose: core.PinPurposeIDCard, Attempt: 3},
	}, rec.prompts)
	assert.Equal(t, core.PidError, p.State())

	var mismatch *core.StateMismatchError
	require.ErrorAs(t, p.AuthenticateUsingIdCard(ctx), &mismatch)

	require.NoError(t, p.Initialize(ctx, nil, pidOptions(rec.callbacks(staticPin("123456")))))
	assert.NotEqual(t, first, p.SessionID())
	assert.Equal(t, 0, p.PinAttempts())
	assert.Equal(t, core.PidIDCardAuth, p.State())
	assert.Equal(t, []string{
		string(core.PidIDCardAuth),
		string(core.PidError),
		string(core.PidIdle),
		string(core.PidIDCardAuth),
	}, rec.states())
}

func TestPidRetrievalTokenFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("status", func(t *testing.T) {
		issuer := &fakeIssuer{tokenErr: &core.HTTPStatusError{URL: "https://issuer.example/token", StatusCode: http.StatusBadRequest}}
		p := newBoundRetrieval(t, issuer, chipauth.NewSimulator(chipauth.Script{CardPin: "1", RefreshURL: "https://x/redirect?code=abc"}), nil)
		require.NoError(t, p.Initialize(ctx, nil, pidOptions((&pidRecorder{}).callbacks(staticPin("1")))))
		require.NoError(t, p.AuthenticateUsingIdCard(ctx))

		var statusErr *core.HTTPStatusError
		require.ErrorAs(t, p.AcquireAccessToken(ctx), &statusErr)
		assert.Equal(t, core.PidError, p.State())
		assert.ErrorAs(t, p.LastError(), &statusErr)
	})

	t.Run("missing code", func(t *testing.T) {
		redirects := resolverFunc(func(ctx context.Context, refreshURL string) (string, error) {
			return "", core.ErrMissingAuthorizationCode
		})
		issuer := &fakeIssuer{}
		p := newBoundRetrieval(t, issuer, chipauth.NewSimulator(chipauth.Script{CardPin: "1", RefreshURL: "https://x/redirect"}), redirects)
		require.NoError(t, p.Initialize(ctx, nil, pidOptions((&pidRecorder{}).callbacks(staticPin("1")))))
		require.NoError(t, p.AuthenticateUsingIdCard(ctx))

		assert.ErrorIs(t, p.AcquireAccessToken(ctx), core.ErrMissingAuthorizationCode)
		assert.Equal(t, core.PidError, p.State())
		assert.Empty(t, issuer.codes)
	})
}

func TestPidRetrievalCredentialFailure(t *testing.T) {
	ctx := context.Background()
	issuer := &fakeIssuer{credentialErr: errors.New("issuer rejected proof")}
	p := newBoundRetrieval(t, issuer, chipauth.NewSimulator(chipauth.Script{CardPin: "1", RefreshURL: "https://x/redirect?code=abc"}), nil)
	require.NoError(t, p.Initialize(ctx, nil, pidOptions((&pidRecorder{}).callbacks(staticPin("1")))))
	require.NoError(t, p.AuthenticateUsingIdCard(ctx))
	require.NoError(t, p.AcquireAccessToken(ctx))

	_, err := p.RetrieveCredential(ctx)
	assert.ErrorIs(t, err, issuer.credentialErr)
	assert.Equal(t, core.PidError, p.State())
}

func TestPidRetrievalEmptyCredentialResponse(t *testing.T) {
	ctx := context.Background()
	issuer := &fakeIssuer{nilCredential: true}
	p := newBoundRetrieval(t, issuer, chipauth.NewSimulator(chipauth.Script{CardPin: "1", RefreshURL: "https://x/redirect?code=abc"}), nil)
	require.NoError(t, p.Initialize(ctx, nil, pidOptions((&pidRecorder{}).callbacks(staticPin("1")))))
	require.NoError(t, p.AuthenticateUsingIdCard(ctx))
	require.NoError(t, p.AcquireAccessToken(ctx))

	record, err := p.RetrieveCredential(ctx)
	assert.Nil(t, record)
	assert.ErrorIs(t, err, core.ErrMissingField)
	assert.Equal(t, core.PidError, p.State())
}

func TestPidRetrievalResetInterruptsAttempt(t *testing.T) {
	ctx := context.Background()
	p := newBoundRetrieval(t, &fakeIssuer{}, chipauth.NewSimulator(chipauth.Script{CardPin: "1"}), nil)

	prompted := make(chan struct{})
	release := make(chan struct{})
	pin := func(ctx context.Context, prompt core.PinPrompt) (string, error) {
		close(prompted)
		<-release
		return "", errors.New("gone")
	}
	rec := &pidRecorder{}
	require.NoError(t, p.Initialize(ctx, nil, pidOptions(rec.callbacks(pin))))

	done := make(chan error, 1)
	go func() { done <- p.AuthenticateUsingIdCard(ctx) }()
	<-prompted

	require.NoError(t, p.Reset(ctx))
	assert.Equal(t, core.PidIdle, p.State())
	assert.Empty(t, p.SessionID())
	close(release)

	assert.ErrorIs(t, <-done, core.ErrSessionInterrupted)
	assert.Equal(t, core.PidIdle, p.State())
}

func TestPidRetrievalAuthenticatedChannel(t *testing.T) {
	ctx := context.Background()
	srv := issuertest.New(issuertest.Options{PAR: true, Nonce: "server-nonce"})
	defer srv.Close()

	wallet, err := walletstore.Open(ctx, t.TempDir()+"/wallet.db", make([]byte, 32))
	require.NoError(t, err)
	defer wallet.Close()

	device, err := binding.NewSoftwareDeviceKey()
	require.NoError(t, err)
	p := NewPidRetrieval(
		issuance.NewClient(srv.Client()),
		chipauth.NewSimulator(chipauth.Script{CardPin: "123456", ResumeAuthorization: true}),
		issuance.NewRedirectFollower(srv.Client()),
		binding.NewAuthenticatedChannel(device, newTestKDF(t)),
		nil,
	)

	pins := func(ctx context.Context, prompt core.PinPrompt) (string, error) {
		if prompt.Purpose == core.PinPurposeBinding {
			return "wallet-pin", nil
		}
		return "123456", nil
	}
	rec := &pidRecorder{}
	opts := pidOptions(rec.callbacks(pins))
	opts.OfferURI = srv.OfferURI()
	require.NoError(t, p.Initialize(ctx, wallet, opts))

	require.NoError(t, p.AuthenticateUsingIdCard(ctx))
	require.NoError(t, p.AcquireAccessToken(ctx))
	record, err := p.RetrieveCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, issuertest.Credential, record.Credential)
	assert.Equal(t, binding.AuthenticatedChannelName, record.Binding)

	assert.Equal(t, []core.PinPrompt{
		{Purpose: core.PinPurposeIDCard, Attempt: 1},
		{Purpose: core.PinPurposeBinding, Attempt: 1},
	}, rec.prompts)

	_, cached := p.session.pins.get()
	assert.False(t, cached, "binding pin is dropped once the session is terminal")

	proofs := srv.Proofs()
	require.Len(t, proofs, 1)
	require.NoError(t, binding.VerifyDevicePinProof(proofs[0], "server-nonce"))

	stored, err := wallet.ListCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, record.ID, stored[0].ID)
}
