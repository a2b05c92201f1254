package http

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/ports"
	"github.com/layer-3/pidwallet/service"
)

// Handlers bridge both state machines to HTTP callers. PIN prompts raised by
// a running session are relayed through POST /pid/pin.
type Handlers struct {
	unlock  *service.UnlockService
	opener  ports.WalletOpener
	pid     *service.PidRetrieval
	pidOpts service.PidOptions

	pins    pinRelay
	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	running  bool
	attached bool
	progress int
}

// NewHandlers creates the handlers. pidOpts supply the offer and client
// registration; their callbacks are replaced by the bridge.
func NewHandlers(unlock *service.UnlockService, opener ports.WalletOpener, pid *service.PidRetrieval, pidOpts service.PidOptions) *Handlers {
	ctx, stop := context.WithCancel(context.Background())
	return &Handlers{
		unlock:  unlock,
		opener:  opener,
		pid:     pid,
		pidOpts: pidOpts,
		baseCtx: ctx,
		stop:    stop,
	}
}

// Close stops background authentication attempts
func (h *Handlers) Close() {
	h.stop()
	h.pins.abort()
}

type pinRequest struct {
	Pin              string `json:"pin" binding:"required"`
	EnableBiometrics bool   `json:"enable_biometrics"`
}

func (h *Handlers) unlockState() gin.H {
	return gin.H{
		"state":              h.unlock.State(),
		"unlock_method":      h.unlock.UnlockMethod(),
		"can_try_biometrics": h.unlock.CanTryUnlockingUsingBiometrics(),
	}
}

// UnlockState returns the secure unlock state
func (h *Handlers) UnlockState(c *gin.Context) {
	c.JSON(http.StatusOK, h.unlockState())
}

// Setup creates the wallet key from a new PIN and opens the wallet
func (h *Handlers) Setup(c *gin.Context) {
	var req pinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctx := c.Request.Context()
	if err := h.unlock.Setup(ctx, req.Pin); err != nil {
		writeError(c, err)
		return
	}
	h.openWallet(c, req.EnableBiometrics)
}

// UnlockUsingPin derives the key from the PIN and confirms it against the wallet
func (h *Handlers) UnlockUsingPin(c *gin.Context) {
	var req pinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.unlock.UnlockUsingPin(c.Request.Context(), req.Pin); err != nil {
		writeError(c, err)
		return
	}
	h.openWallet(c, req.EnableBiometrics)
}

// UnlockUsingBiometrics reads the cached key behind a biometric prompt
func (h *Handlers) UnlockUsingBiometrics(c *gin.Context) {
	if err := h.unlock.TryUnlockingUsingBiometrics(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	h.openWallet(c, false)
}

func (h *Handlers) openWallet(c *gin.Context, enableBiometrics bool) {
	_, err := service.OpenWallet(c.Request.Context(), h.unlock, h.opener, core.SetValidOptions{EnableBiometrics: enableBiometrics})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.unlockState())
}

// Lock discards the key and closes the wallet
func (h *Handlers) Lock(c *gin.Context) {
	if err := h.unlock.Lock(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.unlockState())
}

// Reinitialize clears the unlock session
func (h *Handlers) Reinitialize(c *gin.Context) {
	if err := h.unlock.Reinitialize(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.unlockState())
}

// Reset removes the salt, the cached key and the wallet store
func (h *Handlers) Reset(c *gin.Context) {
	ctx := c.Request.Context()
	h.resetPid(ctx)
	if err := service.ResetWallet(ctx, h.unlock, h.opener); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.unlockState())
}

func (h *Handlers) pidState() gin.H {
	h.mu.Lock()
	body := gin.H{
		"state":          h.pid.State(),
		"session_id":     h.pid.SessionID(),
		"binding":        h.pid.BindingName(),
		"pin_attempts":   h.pid.PinAttempts(),
		"authenticating": h.running,
		"card_attached":  h.attached,
		"progress":       h.progress,
	}
	h.mu.Unlock()

	if prompt, ok := h.pins.prompt(); ok {
		body["pin_requested"] = gin.H{"purpose": prompt.Purpose, "attempt": prompt.Attempt}
	}
	if err := h.pid.LastError(); err != nil {
		body["error"] = err.Error()
		if reason, ok := core.ChipAuthErrorReason(err); ok {
			body["error_reason"] = reason
		}
	}
	return body
}

// PidState returns the retrieval session state including an outstanding PIN prompt
func (h *Handlers) PidState(c *gin.Context) {
	c.JSON(http.StatusOK, h.pidState())
}

// PidInitialize starts a retrieval session against the unlocked wallet
func (h *Handlers) PidInitialize(c *gin.Context) {
	var req struct {
		OfferURI string `json:"offer_uri"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}

	wallet, err := h.unlock.Context()
	if err != nil {
		writeError(c, err)
		return
	}

	opts := h.pidOpts
	if req.OfferURI != "" {
		opts.OfferURI = req.OfferURI
	}
	opts.Callbacks = service.PidCallbacks{
		OnEnterPin: h.pins.ask,
		OnCardAttachedChanged: func(attached bool) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.attached = attached
		},
		OnStatusProgress: func(progress int) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.progress = progress
		},
	}

	h.mu.Lock()
	h.attached = false
	h.progress = 0
	h.mu.Unlock()

	if err := h.pid.Initialize(c.Request.Context(), wallet, opts); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.pidState())
}

// PidAuthenticate starts id card authentication in the background. Progress
// and PIN prompts are observed through GET /pid/state.
func (h *Handlers) PidAuthenticate(c *gin.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		writeError(c, core.ErrAuthenticationActive)
		return
	}
	if state := h.pid.State(); state != core.PidIDCardAuth {
		h.mu.Unlock()
		writeError(c, &core.StateMismatchError{
			Machine:   service.PidMachineName,
			Operation: "authenticateUsingIdCard",
			Expected:  []string{string(core.PidIDCardAuth)},
			Actual:    string(state),
		})
		return
	}
	h.running = true
	h.mu.Unlock()

	go func() {
		err := h.pid.AuthenticateUsingIdCard(h.baseCtx)
		if err != nil {
			log.Debug().Err(err).Msg("id card authentication ended with error")
		}
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	c.JSON(http.StatusAccepted, h.pidState())
}

// PidPin answers the outstanding PIN prompt
func (h *Handlers) PidPin(c *gin.Context) {
	var req struct {
		Pin string `json:"pin" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.pins.deliver(req.Pin); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "No PIN requested"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "PIN accepted"})
}

// PidAcquireAccessToken exchanges the authorization code
func (h *Handlers) PidAcquireAccessToken(c *gin.Context) {
	if err := h.pid.AcquireAccessToken(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.pidState())
}

// PidRetrieveCredential requests the credential. A wallet PIN for the
// authenticated channel binding may be passed in the body.
func (h *Handlers) PidRetrieveCredential(c *gin.Context) {
	var req struct {
		Pin string `json:"pin"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}
	if req.Pin != "" {
		h.pins.presetNext(req.Pin)
		defer h.pins.presetNext("")
	}

	record, err := h.pid.RetrieveCredential(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":      h.pid.State(),
		"credential": record,
	})
}

// PidCancel cancels the running id card authentication
func (h *Handlers) PidCancel(c *gin.Context) {
	if err := h.pid.CancelIdCardScanning(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	h.pins.abort()
	c.JSON(http.StatusAccepted, h.pidState())
}

// PidReset drops the retrieval session
func (h *Handlers) PidReset(c *gin.Context) {
	h.resetPid(c.Request.Context())
	c.JSON(http.StatusOK, h.pidState())
}

func (h *Handlers) resetPid(ctx context.Context) {
	if err := h.pid.Reset(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to reset pid retrieval")
	}
	h.pins.abort()
}

// writeError maps domain errors to status codes
func writeError(c *gin.Context, err error) {
	var (
		mismatch  *core.StateMismatchError
		storeErr  *core.SecureStoreError
		chipErr   *core.ChipAuthenticationError
		statusErr *core.HTTPStatusError
		authErr   *core.AuthorizationError
	)

	switch {
	case errors.As(err, &mismatch):
		c.JSON(http.StatusConflict, gin.H{
			"error":    "Operation not allowed in current state",
			"machine":  mismatch.Machine,
			"expected": mismatch.Expected,
			"actual":   mismatch.Actual,
		})
	case errors.Is(err, core.ErrInvalidPin):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid PIN"})
	case errors.Is(err, core.ErrWalletNotConfigured):
		c.JSON(http.StatusConflict, gin.H{"error": "Wallet is not configured"})
	case errors.Is(err, core.ErrBiometricsUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "Biometric unlock is not available"})
	case errors.Is(err, core.ErrAuthenticationActive):
		c.JSON(http.StatusConflict, gin.H{"error": "ID card authentication is already active"})
	case errors.Is(err, core.ErrAuthenticationInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "No ID card authentication is active"})
	case errors.Is(err, core.ErrSessionInterrupted):
		c.JSON(http.StatusConflict, gin.H{"error": "Session was reset"})
	case errors.Is(err, service.ErrPinSourceRequired):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Bridge misconfigured"})
	case errors.As(err, &storeErr):
		c.JSON(http.StatusConflict, gin.H{"error": "Secure storage failed", "reason": storeErr.Reason})
	case errors.As(err, &chipErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "ID card authentication failed", "reason": chipErr.Reason})
	case errors.As(err, &authErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Authorization failed", "reason": authErr.Code})
	case errors.As(err, &statusErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Issuer request failed", "status": statusErr.StatusCode})
	case errors.Is(err, core.ErrMissingAuthorizationCode), errors.Is(err, core.ErrMissingField):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Issuer response incomplete"})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
