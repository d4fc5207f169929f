package strava

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// TokenSource supplies bearer tokens to the Executor. Token returns a
// token believed valid, refreshing behind the scenes when the stored
// expiry says so. ForceRefresh refreshes unconditionally; the Executor
// calls it when a 401 proves the expiry bookkeeping wrong (clock skew,
// revocation).
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Request describes an authenticated API call. Caller-supplied headers
// are merged into the outgoing request, but the Authorization header is
// always owned by the Executor.
type Request struct {
	Path   string
	Query  url.Values
	Header http.Header
}

// Executor wraps authenticated calls to the Strava v3 API with the
// refresh-once-on-401 protocol: obtain a token, issue the call, and on a
// 401 refresh exactly once and reissue exactly once. A second 401
// surfaces as a RequestError without further retries.
type Executor struct {
	httpClient *http.Client
	baseURL    string
	source     TokenSource
	logger     *slog.Logger
}

// ExecutorConfig configures an Executor. BaseURL, HTTPClient, and Logger
// are optional; defaults are the real Strava v3 API, a client with the
// fixed upstream timeout, and the process default logger.
type ExecutorConfig struct {
	Source     TokenSource
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewExecutor creates an Executor over the given token source.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout:       upstreamTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAPIBaseURL
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Executor{
		httpClient: cfg.HTTPClient,
		baseURL:    cfg.BaseURL,
		source:     cfg.Source,
		logger:     cfg.Logger,
	}
}

// do issues one GET with the given token and returns the status code and
// body. Bodies are fully read so the underlying connection is reusable.
func (e *Executor) do(ctx context.Context, req Request, token string) (int, []byte, error) {
	u := e.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	// Set last so no caller header can override it.
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, wrapTransport(err, "calling "+req.Path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("reading response from %s: %w", req.Path, err)
	}

	return resp.StatusCode, body, nil
}

// Do performs an authenticated GET and returns the raw JSON body.
// Expiry timestamps are advisory, so a 401 triggers one unconditional
// refresh and one reissue; a failed refresh during that retry is fatal
// for the in-flight call.
func (e *Executor) Do(ctx context.Context, req Request) ([]byte, error) {
	token, err := e.source.Token(ctx)
	if err != nil {
		return nil, err
	}

	status, body, err := e.do(ctx, req, token)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		e.logger.Debug("got 401, refreshing token once", slog.String("path", req.Path))

		token, err = e.source.ForceRefresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("refreshing after 401: %w", err)
		}

		status, body, err = e.do(ctx, req, token)
		if err != nil {
			return nil, err
		}

		if status == http.StatusUnauthorized {
			return nil, &RequestError{Status: status}
		}
	}

	if status < 200 || status > 299 {
		return nil, &RequestError{Status: status}
	}

	return body, nil
}

// Get is shorthand for Do with only a path and query.
func (e *Executor) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return e.Do(ctx, Request{Path: path, Query: query})
}
