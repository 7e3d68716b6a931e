package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ehr/backport/internal/platform/fhir"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ---------------------------------------------------------------------------
// Token endpoint discovery
// ---------------------------------------------------------------------------

type smartConfiguration struct {
	TokenEndpoint string `json:"token_endpoint"`
}

// capabilityStatement holds just enough of /metadata to find the oauth-uris
// security extension.
type capabilityStatement struct {
	Rest []struct {
		Mode     string `json:"mode"`
		Security *struct {
			Extension []struct {
				URL       string           `json:"url"`
				Extension []fhir.Extension `json:"extension"`
			} `json:"extension"`
		} `json:"security"`
	} `json:"rest"`
}

func (cs *capabilityStatement) tokenEndpoint() string {
	for _, rest := range cs.Rest {
		if rest.Mode != "server" || rest.Security == nil {
			continue
		}
		for _, ext := range rest.Security.Extension {
			if ext.URL != fhir.SmartOAuthURIsExtensionURL {
				continue
			}
			if token, ok := fhir.FindExtension(ext.Extension, "token"); ok {
				return token.URIValue()
			}
		}
	}
	return ""
}

// TokenEndpoint discovers the upstream token endpoint from
// .well-known/smart-configuration, falling back to the oauth-uris extension
// of the capability statement. The result is cached.
func (c *Client) TokenEndpoint(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.tokenEndpoint
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	endpoint, smartErr := c.discoverSmart(ctx)
	if smartErr != nil {
		c.logger.Debug().Err(smartErr).Msg("smart-configuration unavailable, trying capability statement")
		var metaErr error
		endpoint, metaErr = c.discoverMetadata(ctx)
		if metaErr != nil {
			return "", errors.Join(smartErr, metaErr)
		}
	}

	c.mu.Lock()
	c.tokenEndpoint = endpoint
	c.mu.Unlock()
	return endpoint, nil
}

func (c *Client) discoverSmart(ctx context.Context) (string, error) {
	url := c.cfg.BaseURL + "/.well-known/smart-configuration"
	var sc smartConfiguration
	if err := c.getJSON(ctx, "discover", url, &sc); err != nil {
		return "", err
	}
	if sc.TokenEndpoint == "" {
		return "", &Error{Op: "discover", URL: url, Err: errors.New("token_endpoint missing")}
	}
	return sc.TokenEndpoint, nil
}

func (c *Client) discoverMetadata(ctx context.Context) (string, error) {
	url := c.cfg.BaseURL + "/metadata"
	var cs capabilityStatement
	if err := c.getJSON(ctx, "discover", url, &cs); err != nil {
		return "", err
	}
	endpoint := cs.tokenEndpoint()
	if endpoint == "" {
		return "", &Error{Op: "discover", URL: url, Err: errors.New("no oauth-uris token extension")}
	}
	return endpoint, nil
}

func (c *Client) getJSON(ctx context.Context, op, url string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Op: op, URL: url, Err: err}
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(url)
	if err != nil {
		return &Error{Op: op, URL: url, Err: err}
	}
	if !resp.IsSuccess() {
		return &Error{Op: op, URL: url, StatusCode: resp.StatusCode()}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &Error{Op: op, URL: url, StatusCode: resp.StatusCode(), Err: err}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Access token
// ---------------------------------------------------------------------------

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// Token obtains an access token using the client_credentials grant.
//
// With a client secret configured the client authenticates with HTTP Basic.
// Otherwise it sends an RS384 signed JWT assertion (SMART Backend Services).
// Without a client id the upstream is treated as open and "" is returned.
func (c *Client) Token(ctx context.Context) (string, error) {
	if c.cfg.ClientID == "" {
		return "", nil
	}
	endpoint, err := c.TokenEndpoint(ctx)
	if err != nil {
		return "", err
	}

	form := map[string]string{
		"grant_type": "client_credentials",
		"scope":      c.cfg.Scopes,
	}
	req := c.http.R().SetContext(ctx).SetHeader("Accept", "application/json")
	if c.cfg.ClientSecret != "" {
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	} else {
		assertion, err := c.clientAssertion(endpoint)
		if err != nil {
			return "", &Error{Op: "token", URL: endpoint, Err: err}
		}
		form["client_assertion_type"] = clientAssertionType
		form["client_assertion"] = assertion
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", &Error{Op: "token", URL: endpoint, Err: err}
	}
	resp, err := req.SetFormData(form).Post(endpoint)
	if err != nil {
		return "", &Error{Op: "token", URL: endpoint, Err: err}
	}
	if !resp.IsSuccess() {
		return "", &Error{Op: "token", URL: endpoint, StatusCode: resp.StatusCode()}
	}
	var tr tokenResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil {
		return "", &Error{Op: "token", URL: endpoint, StatusCode: resp.StatusCode(), Err: err}
	}
	if tr.AccessToken == "" {
		return "", &Error{Op: "token", URL: endpoint, StatusCode: resp.StatusCode(), Err: errors.New("access_token missing")}
	}
	c.logger.Debug().Str("scope", tr.Scope).Int("expires_in", tr.ExpiresIn).Msg("obtained upstream access token")
	return tr.AccessToken, nil
}

// clientAssertion builds the signed JWT with iss == sub == client_id,
// aud == token endpoint and a five minute lifetime.
func (c *Client) clientAssertion(aud string) (string, error) {
	if c.cfg.PrivateKey == nil {
		return "", fmt.Errorf("client %q has neither a secret nor a signing key", c.cfg.ClientID)
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, jwt.MapClaims{
		"iss": c.cfg.ClientID,
		"sub": c.cfg.ClientID,
		"aud": aud,
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
		"jti": uuid.NewString(),
	})
	if c.cfg.KeyID != "" {
		token.Header["kid"] = c.cfg.KeyID
	}
	signed, err := token.SignedString(c.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}
