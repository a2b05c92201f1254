package issuance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/ports"
)

const maxErrorBody = 512

// Client talks to a credential issuer and its authorization server
type Client struct {
	http *http.Client
	now  func() time.Time
}

// NewClient creates a client. A nil httpClient uses a client with a 30s timeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: httpClient, now: time.Now}
}

var _ ports.IssuanceClient = (*Client)(nil)

// ResolveOffer reads the offer, discovers the issuer endpoints and prepares the
// authorization request with fresh PKCE material.
func (c *Client) ResolveOffer(ctx context.Context, offerURI string, params core.AuthorizationParams) (*core.ResolvedOffer, error) {
	if params.ClientID == "" {
		return nil, fmt.Errorf("client id: %w", core.ErrMissingField)
	}
	if params.RedirectURI == "" {
		return nil, fmt.Errorf("redirect uri: %w", core.ErrMissingField)
	}

	offer, err := c.parseOffer(ctx, offerURI)
	if err != nil {
		return nil, err
	}

	endpoints, err := c.discover(ctx, offer.CredentialIssuer)
	if err != nil {
		return nil, err
	}

	verifier, err := NewCodeVerifier()
	if err != nil {
		return nil, err
	}
	state := uuid.NewString()

	form := url.Values{}
	form.Set("response_type", "code")
	form.Set("client_id", params.ClientID)
	form.Set("redirect_uri", params.RedirectURI)
	form.Set("code_challenge", CodeChallenge(verifier))
	form.Set("code_challenge_method", CodeChallengeMethod)
	form.Set("state", state)
	if params.Scope != "" {
		form.Set("scope", params.Scope)
	}
	if offer.IssuerState != "" {
		form.Set("issuer_state", offer.IssuerState)
	}

	authorizationURL, err := c.authorizationURL(ctx, endpoints, params.ClientID, form)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("issuer", offer.CredentialIssuer).
		Bool("par", endpoints.ParEndpoint != "").
		Msg("credential offer resolved")

	return &core.ResolvedOffer{
		Offer:     *offer,
		Endpoints: endpoints,
		AuthorizationRequest: core.AuthorizationRequest{
			AuthorizationURL: authorizationURL,
			CodeVerifier:     verifier,
			State:            state,
			RedirectURI:      params.RedirectURI,
			ClientID:         params.ClientID,
		},
	}, nil
}

// authorizationURL pushes the request when the server supports PAR and
// otherwise encodes it into the authorization endpoint query.
func (c *Client) authorizationURL(ctx context.Context, endpoints core.IssuerEndpoints, clientID string, form url.Values) (string, error) {
	u, err := url.Parse(endpoints.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	if endpoints.ParEndpoint == "" {
		u.RawQuery = form.Encode()
		return u.String(), nil
	}

	var par struct {
		RequestURI string `json:"request_uri"`
		ExpiresIn  int    `json:"expires_in"`
	}
	if err := c.postForm(ctx, endpoints.ParEndpoint, form, &par); err != nil {
		return "", fmt.Errorf("pushed authorization request failed: %w", err)
	}
	if par.RequestURI == "" {
		return "", fmt.Errorf("request_uri: %w", core.ErrMissingField)
	}

	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("request_uri", par.RequestURI)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// AcquireAccessToken exchanges the authorization code with the PKCE verifier
func (c *Client) AcquireAccessToken(ctx context.Context, params ports.TokenParams) (*core.AccessToken, error) {
	if params.Offer == nil {
		return nil, fmt.Errorf("offer: %w", core.ErrMissingField)
	}
	if params.Code == "" {
		return nil, core.ErrMissingAuthorizationCode
	}
	req := params.Offer.AuthorizationRequest

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", params.Code)
	form.Set("redirect_uri", req.RedirectURI)
	form.Set("client_id", req.ClientID)
	form.Set("code_verifier", req.CodeVerifier)

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
		CNonce      string `json:"c_nonce"`
	}
	if err := c.postForm(ctx, params.Offer.Endpoints.TokenEndpoint, form, &resp); err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("access_token: %w", core.ErrMissingField)
	}

	token := &core.AccessToken{
		Token:     resp.AccessToken,
		TokenType: resp.TokenType,
		CNonce:    resp.CNonce,
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	if resp.ExpiresIn > 0 {
		token.ExpiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return token, nil
}

type credentialRequest struct {
	CredentialConfigurationID string               `json:"credential_configuration_id"`
	Proof                     core.CredentialProof `json:"proof"`
}

type credentialResponse struct {
	Credential  json.RawMessage `json:"credential"`
	Credentials []struct {
		Credential json.RawMessage `json:"credential"`
	} `json:"credentials"`
	Format string `json:"format"`
}

// RequestCredential requests one credential with the bound proof
func (c *Client) RequestCredential(ctx context.Context, params ports.CredentialParams) (*core.CredentialRecord, error) {
	if params.Offer == nil {
		return nil, fmt.Errorf("offer: %w", core.ErrMissingField)
	}
	if params.AccessToken == nil || params.AccessToken.Token == "" {
		return nil, fmt.Errorf("access token: %w", core.ErrMissingField)
	}

	body, err := json.Marshal(credentialRequest{
		CredentialConfigurationID: params.CredentialConfigurationID,
		Proof:                     params.Proof,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode credential request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, params.Offer.Endpoints.CredentialEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", params.AccessToken.TokenType+" "+params.AccessToken.Token)

	var resp credentialResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("credential request failed: %w", err)
	}

	raw := resp.Credential
	if len(raw) == 0 && len(resp.Credentials) > 0 {
		raw = resp.Credentials[0].Credential
	}
	credential, err := credentialString(raw)
	if err != nil {
		return nil, err
	}

	return &core.CredentialRecord{
		ID:                        uuid.NewString(),
		Issuer:                    params.Offer.Offer.CredentialIssuer,
		CredentialConfigurationID: params.CredentialConfigurationID,
		Format:                    resp.Format,
		Credential:                credential,
		IssuedAt:                  c.now().UTC(),
	}, nil
}

// credentialString keeps string credentials as is and JSON credentials verbatim
func credentialString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("credential: %w", core.ErrMissingField)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("credential: %w", core.ErrMissingField)
		}
		return s, nil
	}
	return string(raw), nil
}

func (c *Client) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) postForm(ctx context.Context, target string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(req.URL.String(), resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", req.URL.Redacted(), err)
	}
	return nil
}

func statusError(target string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &core.HTTPStatusError{
		URL:        target,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
