package broker

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/stravaproxy/internal/strava"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newUpstream fakes the Strava token endpoint.
func newUpstream(handler http.HandlerFunc) (*httptest.Server, *strava.Client) {
	srv := httptest.NewServer(handler)
	client := strava.NewClient(strava.ClientConfig{
		ClientID:     "app-id",
		ClientSecret: "app-secret-0123456789",
		TokenURL:     srv.URL,
		HTTPClient:   srv.Client(),
	})
	return srv, client
}

func okUpstream(t *testing.T, calls *atomic.Int32) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}

		body, _ := io.ReadAll(r.Body)
		var req map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &req))

		// Server-held credentials ride on every exchange.
		assert.Equal(t, "app-id", req["client_id"])
		assert.Equal(t, "app-secret-0123456789", req["client_secret"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "A",
			"refresh_token": "B",
			"expires_at":    time.Now().Unix() + 3600,
			"athlete":       map[string]interface{}{"id": 1},
		})
	}
}

// --- /auth/callback ---

func TestHandleCallback_ExchangesCode(t *testing.T) {
	srv, client := newUpstream(okUpstream(t, nil))
	defer srv.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/auth/callback", strings.NewReader(`{"code":"validcode"}`))
	HandleCallback(client, testLogger())(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "A", resp["access_token"])
	assert.Equal(t, "B", resp["refresh_token"])
	assert.NotNil(t, resp["athlete"])
}

func TestHandleCallback_MissingCodeIs400WithoutUpstreamCall(t *testing.T) {
	var calls atomic.Int32
	srv, client := newUpstream(okUpstream(t, &calls))
	defer srv.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/auth/callback", strings.NewReader(`{}`))
	HandleCallback(client, testLogger())(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int32(0), calls.Load())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_request", resp["error"])
}

func TestHandleCallback_InvalidBodyIs400(t *testing.T) {
	srv, client := newUpstream(okUpstream(t, nil))
	defer srv.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/auth/callback", strings.NewReader(`not json`))
	HandleCallback(client, testLogger())(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCallback_RelaysUpstreamRejection(t *testing.T) {
	srv, client := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"Bad Request"}`))
	})
	defer srv.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/auth/callback", strings.NewReader(`{"code":"expired"}`))
	HandleCallback(client, testLogger())(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "upstream_auth_error", resp["error"])
	assert.Equal(t, "Bad Request", resp["error_description"])
}

func TestHandleCallback_GetIsMethodNotAllowed(t *testing.T) {
	srv, client := newUpstream(okUpstream(t, nil))
	defer srv.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/auth/callback", nil)
	HandleCallback(client, testLogger())(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleCallback_NeverLeaksClientSecret(t *testing.T) {
	srv, client := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"boom"}`))
	})
	defer srv.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/auth/callback", strings.NewReader(`{"code":"x"}`))
	HandleCallback(client, testLogger())(rec, req)

	assert.NotContains(t, rec.Body.String(), "app-secret-0123456789")
}

// --- /auth/refresh ---

func TestHandleRefresh_ExchangesRefreshToken(t *testing.T) {
	srv, client := newUpstream(okUpstream(t, nil))
	defer srv.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/auth/refresh", strings.NewReader(`{"refresh_token":"old"}`))
	HandleRefresh(client, testLogger())(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "A", resp["access_token"])
}

func TestHandleRefresh_MissingTokenIs400WithoutUpstreamCall(t *testing.T) {
	var calls atomic.Int32
	srv, client := newUpstream(okUpstream(t, &calls))
	defer srv.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/auth/refresh", strings.NewReader(`{}`))
	HandleRefresh(client, testLogger())(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int32(0), calls.Load())
}

func TestHandleRefresh_RelaysUpstreamRejection(t *testing.T) {
	srv, client := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Invalid refresh token"}`))
	})
	defer srv.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/auth/refresh", strings.NewReader(`{"refresh_token":"revoked"}`))
	HandleRefresh(client, testLogger())(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Invalid refresh token", resp["error_description"])
}
