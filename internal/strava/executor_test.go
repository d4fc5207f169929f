package strava

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource is a scriptable TokenSource that counts calls.
type fakeSource struct {
	token        string
	tokenErr     error
	refreshed    string
	refreshErr   error
	tokenCalls   atomic.Int32
	refreshCalls atomic.Int32
}

func (f *fakeSource) Token(_ context.Context) (string, error) {
	f.tokenCalls.Add(1)
	return f.token, f.tokenErr
}

func (f *fakeSource) ForceRefresh(_ context.Context) (string, error) {
	f.refreshCalls.Add(1)
	return f.refreshed, f.refreshErr
}

func newTestExecutor(srv *httptest.Server, source TokenSource) *Executor {
	return NewExecutor(ExecutorConfig{
		Source:     source,
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Logger:     testLogger(),
	})
}

func TestExecutor_SetsBearerHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	source := &fakeSource{token: "tok-1"}
	body, err := newTestExecutor(srv, source).Get(context.Background(), "/athlete", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(body))
	assert.Equal(t, int32(0), source.refreshCalls.Load())
}

func TestExecutor_CallerCannotOverrideAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	source := &fakeSource{token: "tok-1"}
	header := http.Header{}
	header.Set("Authorization", "Bearer attacker")
	header.Set("Accept", "application/json")

	_, err := newTestExecutor(srv, source).Do(context.Background(), Request{
		Path:   "/athlete/activities",
		Header: header,
	})
	require.NoError(t, err)
}

func TestExecutor_EncodesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "10", r.URL.Query().Get("per_page"))
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	source := &fakeSource{token: "tok-1"}
	query := url.Values{"page": {"2"}, "per_page": {"10"}}

	_, err := newTestExecutor(srv, source).Get(context.Background(), "/athlete/activities", query)
	require.NoError(t, err)
}

func TestExecutor_401RefreshesOnceAndRetriesOnce(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	source := &fakeSource{token: "stale", refreshed: "fresh"}
	body, err := newTestExecutor(srv, source).Get(context.Background(), "/athlete", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	assert.Equal(t, int32(1), source.refreshCalls.Load())
	assert.Equal(t, int32(2), requests.Load())
}

func TestExecutor_NilLoggerDefaults(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	// No Logger in the config; the 401 path logs through the default.
	exec := NewExecutor(ExecutorConfig{
		Source:     &fakeSource{token: "stale", refreshed: "fresh"},
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	})

	body, err := exec.Get(context.Background(), "/athlete", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(2), requests.Load())
}

func TestExecutor_Second401SurfacesWithoutFurtherRetry(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	source := &fakeSource{token: "stale", refreshed: "still-bad"}
	_, err := newTestExecutor(srv, source).Get(context.Background(), "/athlete", nil)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusUnauthorized, reqErr.Status)

	assert.Equal(t, int32(1), source.refreshCalls.Load())
	assert.Equal(t, int32(2), requests.Load())
}

func TestExecutor_FailedRefreshIsFatal(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	refreshErr := &AuthError{Status: http.StatusBadRequest, Message: "revoked"}
	source := &fakeSource{token: "stale", refreshErr: refreshErr}

	_, err := newTestExecutor(srv, source).Get(context.Background(), "/athlete", nil)
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusBadRequest, authErr.Status)

	// No reissue after a failed refresh.
	assert.Equal(t, int32(1), requests.Load())
}

func TestExecutor_Non2xxNon401FailsWithoutRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	source := &fakeSource{token: "tok-1"}
	_, err := newTestExecutor(srv, source).Get(context.Background(), "/athlete", nil)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusTooManyRequests, reqErr.Status)
	assert.Equal(t, int32(0), source.refreshCalls.Load())
}

func TestExecutor_NotAuthenticatedPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach upstream")
	}))
	defer srv.Close()

	source := &fakeSource{tokenErr: ErrNotAuthenticated}
	_, err := newTestExecutor(srv, source).Get(context.Background(), "/athlete", nil)
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestExecutor_ContextDeadlineMapsToTimeout(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	source := &fakeSource{token: "tok-1"}
	_, err := newTestExecutor(srv, source).Get(ctx, "/athlete", nil)
	require.ErrorIs(t, err, ErrUpstreamTimeout)
}

func TestWrapTransport_NonTimeoutErrorsPassThrough(t *testing.T) {
	base := errors.New("connection refused")
	err := wrapTransport(base, "calling x")
	require.ErrorIs(t, err, base)
	assert.NotErrorIs(t, err, ErrUpstreamTimeout)
}
