package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/layer-3/pidwallet/core"
)

const (
	issuerMetadataPath = "/.well-known/openid-credential-issuer"
	asMetadataPath     = "/.well-known/oauth-authorization-server"

	// OfferScheme is the URI scheme of credential offers
	OfferScheme = "openid-credential-offer"
)

var ErrInvalidOffer = errors.New("invalid credential offer")

type issuerMetadata struct {
	CredentialIssuer     string   `json:"credential_issuer"`
	CredentialEndpoint   string   `json:"credential_endpoint"`
	AuthorizationServers []string `json:"authorization_servers"`
}

type authorizationServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	ParEndpoint           string `json:"pushed_authorization_request_endpoint"`
}

type offerJSON struct {
	CredentialIssuer           string   `json:"credential_issuer"`
	CredentialConfigurationIDs []string `json:"credential_configuration_ids"`
	Grants                     struct {
		AuthorizationCode *struct {
			IssuerState string `json:"issuer_state"`
		} `json:"authorization_code"`
	} `json:"grants"`
}

// parseOffer reads an offer passed by value or by reference
func (c *Client) parseOffer(ctx context.Context, offerURI string) (*core.CredentialOffer, error) {
	u, err := url.Parse(offerURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}

	q := u.Query()
	var raw offerJSON
	switch {
	case q.Get("credential_offer") != "":
		if err := json.Unmarshal([]byte(q.Get("credential_offer")), &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
		}
	case q.Get("credential_offer_uri") != "":
		if err := c.getJSON(ctx, q.Get("credential_offer_uri"), &raw); err != nil {
			return nil, fmt.Errorf("failed to fetch credential offer: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: no credential_offer or credential_offer_uri parameter", ErrInvalidOffer)
	}

	if raw.CredentialIssuer == "" {
		return nil, fmt.Errorf("credential_issuer: %w", core.ErrMissingField)
	}
	if len(raw.CredentialConfigurationIDs) == 0 {
		return nil, fmt.Errorf("credential_configuration_ids: %w", core.ErrMissingField)
	}

	offer := &core.CredentialOffer{
		CredentialIssuer:           raw.CredentialIssuer,
		CredentialConfigurationIDs: raw.CredentialConfigurationIDs,
	}
	if raw.Grants.AuthorizationCode != nil {
		offer.IssuerState = raw.Grants.AuthorizationCode.IssuerState
	}
	return offer, nil
}

// discover loads issuer and authorization server metadata
func (c *Client) discover(ctx context.Context, issuer string) (core.IssuerEndpoints, error) {
	var im issuerMetadata
	if err := c.getJSON(ctx, wellKnown(issuer, issuerMetadataPath), &im); err != nil {
		return core.IssuerEndpoints{}, fmt.Errorf("failed to load issuer metadata: %w", err)
	}
	if im.CredentialEndpoint == "" {
		return core.IssuerEndpoints{}, fmt.Errorf("credential_endpoint: %w", core.ErrMissingField)
	}

	as := issuer
	if len(im.AuthorizationServers) > 0 {
		as = im.AuthorizationServers[0]
	}

	var am authorizationServerMetadata
	if err := c.getJSON(ctx, wellKnown(as, asMetadataPath), &am); err != nil {
		return core.IssuerEndpoints{}, fmt.Errorf("failed to load authorization server metadata: %w", err)
	}
	if am.AuthorizationEndpoint == "" {
		return core.IssuerEndpoints{}, fmt.Errorf("authorization_endpoint: %w", core.ErrMissingField)
	}
	if am.TokenEndpoint == "" {
		return core.IssuerEndpoints{}, fmt.Errorf("token_endpoint: %w", core.ErrMissingField)
	}

	return core.IssuerEndpoints{
		CredentialEndpoint:    im.CredentialEndpoint,
		TokenEndpoint:         am.TokenEndpoint,
		AuthorizationEndpoint: am.AuthorizationEndpoint,
		ParEndpoint:           am.ParEndpoint,
	}, nil
}

func wellKnown(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}
