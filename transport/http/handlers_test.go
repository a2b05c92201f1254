package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/pidwallet/adapters/binding"
	"github.com/layer-3/pidwallet/adapters/chipauth"
	"github.com/layer-3/pidwallet/adapters/issuance"
	"github.com/layer-3/pidwallet/adapters/issuance/issuertest"
	"github.com/layer-3/pidwallet/adapters/securestore"
	"github.com/layer-3/pidwallet/adapters/walletstore"
	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/kdf"
	"github.com/layer-3/pidwallet/service"
)

const testToken = "test-api-token"

type bridge struct {
	t       *testing.T
	router  *gin.Engine
	handler *Handlers
	issuer  *issuertest.Server
}

func newBridge(t *testing.T) *bridge {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	derive, err := kdf.New(kdf.Params{Time: 1, Memory: 64, Threads: 1, KeyLen: 32})
	require.NoError(t, err)

	unlock := service.NewUnlockService(derive, securestore.NewMemoryStore(securestore.NewSimulatedBiometrics()), nil)
	require.NoError(t, unlock.Initialize(ctx))

	srv := issuertest.New(issuertest.Options{Nonce: "n-1"})
	t.Cleanup(srv.Close)

	device, err := binding.NewSoftwareDeviceKey()
	require.NoError(t, err)
	pid := service.NewPidRetrieval(
		issuance.NewClient(srv.Client()),
		chipauth.NewSimulator(chipauth.Script{CardPin: "123456", ResumeAuthorization: true}),
		issuance.NewRedirectFollower(srv.Client()),
		binding.NewBoundChannel(device),
		nil,
	)

	handlers := NewHandlers(unlock, walletstore.Opener{Path: filepath.Join(t.TempDir(), "wallet.db")}, pid, service.PidOptions{
		OfferURI: srv.OfferURI(),
		Authorization: core.AuthorizationParams{
			ClientID:    "wallet",
			RedirectURI: "https://wallet.example/cb",
		},
	})
	t.Cleanup(handlers.Close)

	return &bridge{t: t, router: SetupRouter(handlers, testToken), handler: handlers, issuer: srv}
}

func (b *bridge) do(method, path string, body any) (int, map[string]any) {
	b.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(b.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	b.router.ServeHTTP(w, req)

	var out map[string]any
	require.NoError(b.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func (b *bridge) waitPid(cond func(state map[string]any) bool) map[string]any {
	b.t.Helper()
	var last map[string]any
	require.Eventually(b.t, func() bool {
		_, last = b.do(http.MethodGet, "/pid/state", nil)
		return cond(last)
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func (b *bridge) unlock() {
	b.t.Helper()
	code, body := b.do(http.MethodPost, "/unlock/setup", gin.H{"pin": "246810"})
	require.Equal(b.t, http.StatusOK, code, body)
	require.Equal(b.t, string(core.UnlockUnlocked), body["state"])
}

func pinRequested(state map[string]any) bool {
	_, ok := state["pin_requested"]
	return ok
}

func TestAuthMiddleware(t *testing.T) {
	b := newBridge(t)

	for _, header := range []string{"", "Basic abc", "Bearer wrong"} {
		req := httptest.NewRequest(http.MethodGet, "/unlock/state", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		b.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
	}

	code, _ := b.do(http.MethodGet, "/unlock/state", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestUnlockRoutes(t *testing.T) {
	b := newBridge(t)

	code, body := b.do(http.MethodGet, "/unlock/state", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(core.UnlockNotConfigured), body["state"])

	code, _ = b.do(http.MethodPost, "/unlock/pin", gin.H{"pin": "1"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = b.do(http.MethodPost, "/unlock/setup", gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)

	b.unlock()

	code, body = b.do(http.MethodPost, "/unlock/lock", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(core.UnlockLocked), body["state"])

	code, body = b.do(http.MethodPost, "/unlock/pin", gin.H{"pin": "000000"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Invalid PIN", body["error"])

	code, body = b.do(http.MethodGet, "/unlock/state", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(core.UnlockLocked), body["state"])

	code, body = b.do(http.MethodPost, "/unlock/pin", gin.H{"pin": "246810"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(core.UnlockUnlocked), body["state"])

	code, body = b.do(http.MethodPost, "/unlock/reset", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(core.UnlockNotConfigured), body["state"])

	code, body = b.do(http.MethodPost, "/unlock/setup", gin.H{"pin": "111111"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, string(core.UnlockUnlocked), body["state"])
}

func TestPidRoutesEndToEnd(t *testing.T) {
	b := newBridge(t)

	code, _ := b.do(http.MethodPost, "/pid/initialize", nil)
	assert.Equal(t, http.StatusConflict, code, "wallet must be unlocked")

	b.unlock()

	code, body := b.do(http.MethodPost, "/pid/token", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(core.PidIdle), body["actual"])

	code, body = b.do(http.MethodPost, "/pid/initialize", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, string(core.PidIDCardAuth), body["state"])
	assert.Equal(t, binding.BoundChannelName, body["binding"])

	code, body = b.do(http.MethodPost, "/pid/token", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(core.PidIDCardAuth), body["actual"])

	code, _ = b.do(http.MethodPost, "/pid/pin", gin.H{"pin": "123456"})
	assert.Equal(t, http.StatusConflict, code, "no prompt outstanding")

	code, _ = b.do(http.MethodPost, "/pid/authenticate", nil)
	require.Equal(t, http.StatusAccepted, code)

	state := b.waitPid(pinRequested)
	assert.Equal(t, map[string]any{"purpose": "id-card", "attempt": float64(1)}, state["pin_requested"])

	code, _ = b.do(http.MethodPost, "/pid/authenticate", nil)
	assert.Equal(t, http.StatusConflict, code, "already active")

	code, _ = b.do(http.MethodPost, "/pid/pin", gin.H{"pin": "123456"})
	require.Equal(t, http.StatusAccepted, code)

	state = b.waitPid(func(s map[string]any) bool {
		return s["state"] == string(core.PidAcquireAccessToken) && s["authenticating"] == false
	})
	assert.EqualValues(t, 1, state["pin_attempts"])
	assert.EqualValues(t, 100, state["progress"])

	code, body = b.do(http.MethodPost, "/pid/token", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, string(core.PidRetrieveCredential), body["state"])

	code, body = b.do(http.MethodPost, "/pid/credential", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, string(core.PidCredentialRetrieved), body["state"])
	credential, ok := body["credential"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, issuertest.Credential, credential["credential"])
	assert.Len(t, b.issuer.Proofs(), 1)
}

func TestPidCancel(t *testing.T) {
	b := newBridge(t)
	b.unlock()

	code, _ := b.do(http.MethodPost, "/pid/cancel", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = b.do(http.MethodPost, "/pid/initialize", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = b.do(http.MethodPost, "/pid/cancel", nil)
	assert.Equal(t, http.StatusConflict, code, "nothing to cancel yet")

	code, _ = b.do(http.MethodPost, "/pid/authenticate", nil)
	require.Equal(t, http.StatusAccepted, code)
	b.waitPid(pinRequested)

	code, _ = b.do(http.MethodPost, "/pid/cancel", nil)
	require.Equal(t, http.StatusAccepted, code)

	state := b.waitPid(func(s map[string]any) bool {
		return s["state"] == string(core.PidError) && s["authenticating"] == false
	})
	assert.Equal(t, string(core.ChipAuthUserCancelled), state["error_reason"])

	code, body := b.do(http.MethodPost, "/pid/reset", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(core.PidIdle), body["state"])
}
