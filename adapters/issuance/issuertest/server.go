// Package issuertest runs an in-process credential issuer and authorization
// server for tests.
package issuertest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/layer-3/pidwallet/core"
)

const (
	ConfigurationID = "pid-sd-jwt"
	Format          = "vc+sd-jwt"
	Credential      = "eyJhbGciOiJFUzI1NiJ9.eyJ2Y3QiOiJwaWQifQ.c2ln~"
)

// Options change how the issuer behaves
type Options struct {
	// PAR advertises a pushed authorization request endpoint
	PAR bool

	// Nonce is returned as c_nonce with the access token
	Nonce string
}

// Server is a running fake issuer
type Server struct {
	*httptest.Server
	opts Options

	mu          sync.Mutex
	pending     map[string]url.Values
	codes       map[string]url.Values
	tokens      map[string]bool
	proofs      []core.CredentialProof
	tokenStatus int
}

// New starts the issuer; callers must Close it
func New(opts Options) *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		opts:    opts,
		pending: make(map[string]url.Values),
		codes:   make(map[string]url.Values),
		tokens:  make(map[string]bool),
	}

	r := gin.New()
	r.GET("/offer", s.offer)
	r.GET("/.well-known/openid-credential-issuer", s.issuerMetadata)
	r.GET("/.well-known/oauth-authorization-server", s.asMetadata)
	r.POST("/par", s.par)
	r.GET("/authorize", s.authorize)
	r.POST("/token", s.token)
	r.POST("/credential", s.credential)

	s.Server = httptest.NewServer(r)
	return s
}

// OfferURI returns an offer passed by value
func (s *Server) OfferURI() string {
	raw, _ := json.Marshal(s.offerBody())
	return "openid-credential-offer://?credential_offer=" + url.QueryEscape(string(raw))
}

// OfferReferenceURI returns an offer passed by reference
func (s *Server) OfferReferenceURI() string {
	return "openid-credential-offer://?credential_offer_uri=" + url.QueryEscape(s.URL+"/offer")
}

// Proofs returns the proofs received with credential requests
func (s *Server) Proofs() []core.CredentialProof {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.CredentialProof(nil), s.proofs...)
}

// FailToken makes the token endpoint answer with status
func (s *Server) FailToken(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenStatus = status
}

func (s *Server) offerBody() gin.H {
	return gin.H{
		"credential_issuer":            s.URL,
		"credential_configuration_ids": []string{ConfigurationID},
		"grants": gin.H{
			"authorization_code": gin.H{"issuer_state": "issuer-state-1"},
		},
	}
}

func (s *Server) offer(c *gin.Context) {
	c.JSON(http.StatusOK, s.offerBody())
}

func (s *Server) issuerMetadata(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"credential_issuer":     s.URL,
		"credential_endpoint":   s.URL + "/credential",
		"authorization_servers": []string{s.URL},
		"credential_configurations_supported": gin.H{
			ConfigurationID: gin.H{"format": Format, "vct": "urn:eu.europa.ec.eudi:pid:1"},
		},
	})
}

func (s *Server) asMetadata(c *gin.Context) {
	body := gin.H{
		"issuer":                           s.URL,
		"authorization_endpoint":           s.URL + "/authorize",
		"token_endpoint":                   s.URL + "/token",
		"code_challenge_methods_supported": []string{"S256"},
	}
	if s.opts.PAR {
		body["pushed_authorization_request_endpoint"] = s.URL + "/par"
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) par(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	form := c.Request.PostForm
	if form.Get("client_id") == "" || form.Get("code_challenge_method") != "S256" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	requestURI := "urn:ietf:params:oauth:request_uri:" + uuid.NewString()
	s.mu.Lock()
	s.pending[requestURI] = form
	s.mu.Unlock()

	c.JSON(http.StatusCreated, gin.H{"request_uri": requestURI, "expires_in": 60})
}

// authorize stands in for the eID server: it issues a code right away and
// redirects back to the wallet.
func (s *Server) authorize(c *gin.Context) {
	params := c.Request.URL.Query()

	if requestURI := params.Get("request_uri"); requestURI != "" {
		s.mu.Lock()
		pushed, ok := s.pending[requestURI]
		delete(s.pending, requestURI)
		s.mu.Unlock()
		if !ok || pushed.Get("client_id") != params.Get("client_id") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_uri"})
			return
		}
		params = pushed
	}

	if params.Get("response_type") != "code" || params.Get("code_challenge") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	redirect, err := url.Parse(params.Get("redirect_uri"))
	if err != nil || params.Get("redirect_uri") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	code := uuid.NewString()
	s.mu.Lock()
	s.codes[code] = params
	s.mu.Unlock()

	q := redirect.Query()
	q.Set("code", code)
	q.Set("state", params.Get("state"))
	redirect.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, redirect.String())
}

func (s *Server) token(c *gin.Context) {
	s.mu.Lock()
	status := s.tokenStatus
	s.mu.Unlock()
	if status != 0 {
		c.JSON(status, gin.H{"error": "server_error"})
		return
	}

	if err := c.Request.ParseForm(); err != nil || c.Request.PostForm.Get("grant_type") != "authorization_code" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type"})
		return
	}
	form := c.Request.PostForm

	s.mu.Lock()
	params, ok := s.codes[form.Get("code")]
	delete(s.codes, form.Get("code"))
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
		return
	}

	sum := sha256.Sum256([]byte(form.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != params.Get("code_challenge") ||
		form.Get("redirect_uri") != params.Get("redirect_uri") ||
		form.Get("client_id") != params.Get("client_id") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = true
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   300,
		"c_nonce":      s.opts.Nonce,
	})
}

func (s *Server) credential(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	s.mu.Lock()
	valid := s.tokens[token]
	s.mu.Unlock()
	if !valid {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}

	var req struct {
		CredentialConfigurationID string               `json:"credential_configuration_id"`
		Proof                     core.CredentialProof `json:"proof"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.CredentialConfigurationID != ConfigurationID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_credential_request"})
		return
	}
	if req.Proof.ProofType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_proof"})
		return
	}

	s.mu.Lock()
	s.proofs = append(s.proofs, req.Proof)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"credential": Credential, "format": Format})
}
