package issuance_test

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/pidwallet/adapters/issuance"
	"github.com/layer-3/pidwallet/adapters/issuance/issuertest"
	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/ports"
)

var authParams = core.AuthorizationParams{
	ClientID:    "wallet",
	RedirectURI: "https://wallet.example/cb",
	Scope:       "pid",
}

// authorize runs the authorization step and returns the code
func authorize(t *testing.T, offer *core.ResolvedOffer) string {
	t.Helper()
	code, err := issuance.NewRedirectFollower(nil).AuthorizationCode(context.Background(), offer.AuthorizationRequest.AuthorizationURL)
	require.NoError(t, err)
	return code
}

func TestClientFullFlow(t *testing.T) {
	for _, par := range []bool{false, true} {
		srv := issuertest.New(issuertest.Options{PAR: par, Nonce: "c-nonce-1"})
		defer srv.Close()

		client := issuance.NewClient(srv.Client())
		ctx := context.Background()

		offer, err := client.ResolveOffer(ctx, srv.OfferURI(), authParams)
		require.NoError(t, err)
		assert.Equal(t, srv.URL, offer.Offer.CredentialIssuer)
		assert.Equal(t, []string{issuertest.ConfigurationID}, offer.Offer.CredentialConfigurationIDs)
		assert.Equal(t, "issuer-state-1", offer.Offer.IssuerState)
		assert.Equal(t, srv.URL+"/token", offer.Endpoints.TokenEndpoint)
		assert.Len(t, offer.AuthorizationRequest.CodeVerifier, 43)

		u, err := url.Parse(offer.AuthorizationRequest.AuthorizationURL)
		require.NoError(t, err)
		if par {
			assert.NotEmpty(t, u.Query().Get("request_uri"))
			assert.Empty(t, u.Query().Get("code_challenge"))
		} else {
			assert.Equal(t, issuance.CodeChallenge(offer.AuthorizationRequest.CodeVerifier), u.Query().Get("code_challenge"))
			assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
		}

		token, err := client.AcquireAccessToken(ctx, ports.TokenParams{Offer: offer, Code: authorize(t, offer)})
		require.NoError(t, err)
		assert.Equal(t, "Bearer", token.TokenType)
		assert.Equal(t, "c-nonce-1", token.CNonce)
		assert.False(t, token.ExpiresAt.IsZero())

		record, err := client.RequestCredential(ctx, ports.CredentialParams{
			Offer:                     offer,
			CredentialConfigurationID: issuertest.ConfigurationID,
			AccessToken:               token,
			Proof:                     core.CredentialProof{ProofType: "jwt", JWT: "a.b.c"},
		})
		require.NoError(t, err)
		assert.Equal(t, issuertest.Credential, record.Credential)
		assert.Equal(t, issuertest.Format, record.Format)
		assert.Equal(t, srv.URL, record.Issuer)
		assert.NotEmpty(t, record.ID)
		require.Len(t, srv.Proofs(), 1)
		assert.Equal(t, "a.b.c", srv.Proofs()[0].JWT)
	}
}

func TestClientOfferByReference(t *testing.T) {
	srv := issuertest.New(issuertest.Options{})
	defer srv.Close()

	offer, err := issuance.NewClient(srv.Client()).ResolveOffer(context.Background(), srv.OfferReferenceURI(), authParams)
	require.NoError(t, err)
	assert.Equal(t, srv.URL, offer.Offer.CredentialIssuer)
}

func TestClientInvalidOffer(t *testing.T) {
	client := issuance.NewClient(nil)
	ctx := context.Background()

	_, err := client.ResolveOffer(ctx, "openid-credential-offer://?foo=bar", authParams)
	assert.ErrorIs(t, err, issuance.ErrInvalidOffer)

	_, err = client.ResolveOffer(ctx, "openid-credential-offer://?credential_offer="+url.QueryEscape(`{"credential_issuer":"https://i"}`), authParams)
	assert.ErrorIs(t, err, core.ErrMissingField)

	_, err = client.ResolveOffer(ctx, "openid-credential-offer://?credential_offer=%7B", authParams)
	assert.ErrorIs(t, err, issuance.ErrInvalidOffer)

	_, err = client.ResolveOffer(ctx, "openid-credential-offer://?credential_offer=x", core.AuthorizationParams{})
	assert.ErrorIs(t, err, core.ErrMissingField)
}

func TestClientTokenErrors(t *testing.T) {
	srv := issuertest.New(issuertest.Options{})
	defer srv.Close()

	client := issuance.NewClient(srv.Client())
	ctx := context.Background()
	offer, err := client.ResolveOffer(ctx, srv.OfferURI(), authParams)
	require.NoError(t, err)

	_, err = client.AcquireAccessToken(ctx, ports.TokenParams{Offer: offer})
	assert.ErrorIs(t, err, core.ErrMissingAuthorizationCode)

	_, err = client.AcquireAccessToken(ctx, ports.TokenParams{Offer: offer, Code: "unknown"})
	var statusErr *core.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "invalid_grant")

	code := authorize(t, offer)
	tampered := *offer
	tampered.AuthorizationRequest.CodeVerifier = "wrong"
	_, err = client.AcquireAccessToken(ctx, ports.TokenParams{Offer: &tampered, Code: code})
	require.ErrorAs(t, err, &statusErr)

	srv.FailToken(http.StatusServiceUnavailable)
	_, err = client.AcquireAccessToken(ctx, ports.TokenParams{Offer: offer, Code: authorize(t, offer)})
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
}

func TestClientCredentialRequiresToken(t *testing.T) {
	srv := issuertest.New(issuertest.Options{})
	defer srv.Close()

	client := issuance.NewClient(srv.Client())
	offer, err := client.ResolveOffer(context.Background(), srv.OfferURI(), authParams)
	require.NoError(t, err)

	_, err = client.RequestCredential(context.Background(), ports.CredentialParams{
		Offer:                     offer,
		CredentialConfigurationID: issuertest.ConfigurationID,
		AccessToken:               &core.AccessToken{Token: "forged", TokenType: "Bearer"},
		Proof:                     core.CredentialProof{ProofType: "jwt"},
	})
	var statusErr *core.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)

	_, err = client.RequestCredential(context.Background(), ports.CredentialParams{Offer: offer})
	assert.ErrorIs(t, err, core.ErrMissingField)
}
