// Package strava talks to the Strava REST API: the OAuth token endpoint
// for code exchange and refresh, and the authenticated v3 API for athlete
// and activity data.
package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/example/stravaproxy/internal/models"
)

const (
	defaultTokenURL   = "https://www.strava.com/oauth/token"
	defaultAPIBaseURL = "https://www.strava.com/api/v3"

	// upstreamTimeout bounds every upstream call. Expiry bookkeeping uses
	// a five-minute buffer, so a request slower than this would have been
	// retired long before its token.
	upstreamTimeout = 10 * time.Second

	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	// maxResponseBytes caps response body reads. Token and activity
	// payloads are small JSON documents.
	maxResponseBytes = 1024 * 1024
)

// Client exchanges authorization codes and refresh tokens against the
// Strava token endpoint using server-held client credentials. It is
// stateless; callers own persistence of the returned pair.
type Client struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so credentials never leak to a
// third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// ClientConfig configures a token endpoint client. TokenURL and
// HTTPClient are optional; defaults are the real Strava endpoint and a
// client with the fixed upstream timeout and same-host redirect policy.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client
}

// NewClient creates a token endpoint client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout:       upstreamTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}

	return &Client{
		httpClient:   cfg.HTTPClient,
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
	}
}

// tokenRequest is the wire shape of the Strava token endpoint. The client
// secret rides along on every call; it must never appear in logs or error
// messages.
type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Code         string `json:"code,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	GrantType    string `json:"grant_type"`
}

// tokenErrorBody is the error envelope the token endpoint returns on
// rejected exchanges.
type tokenErrorBody struct {
	Message string `json:"message"`
}

// sanitizeMessage truncates and sanitizes upstream text for inclusion in
// error messages. Limits to 256 bytes and replaces non-printable
// characters to prevent log injection.
func sanitizeMessage(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// exchange posts a token request and decodes the returned pair. Rejections
// surface as *AuthError carrying the upstream status and message.
func (c *Client) exchange(ctx context.Context, body tokenRequest) (*models.TokenPair, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransport(err, "calling token endpoint")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var envelope tokenErrorBody
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Message != "" {
			return nil, &AuthError{Status: resp.StatusCode, Message: envelope.Message}
		}

		return nil, &AuthError{Status: resp.StatusCode, Message: sanitizeMessage(respBody)}
	}

	var pair models.TokenPair
	if err := json.Unmarshal(respBody, &pair); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}

	if pair.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}

	return &pair, nil
}

// ExchangeCode trades an authorization code for a token pair. An empty
// code fails immediately with ErrMissingCode, without an upstream call.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*models.TokenPair, error) {
	if code == "" {
		return nil, ErrMissingCode
	}

	pair, err := c.exchange(ctx, tokenRequest{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Code:         code,
		GrantType:    "authorization_code",
	})
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	return pair, nil
}

// Refresh trades a refresh token for a new token pair. The upstream may
// rotate the refresh token; callers must persist the returned one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrMissingRefreshToken
	}

	pair, err := c.exchange(ctx, tokenRequest{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RefreshToken: refreshToken,
		GrantType:    "refresh_token",
	})
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	return pair, nil
}
