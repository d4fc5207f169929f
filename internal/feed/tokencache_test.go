package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
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

// newTokenServer fakes the upstream token endpoint, counting refresh
// calls and returning tokens valid for an hour.
func newTokenServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)

		body, _ := io.ReadAll(r.Body)
		var req map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "refresh_token", req["grant_type"])
		assert.Equal(t, "owner-refresh", req["refresh_token"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "access-" + string(rune('0'+n)),
			"refresh_token": "owner-refresh",
			"expires_at":    time.Now().Unix() + 3600,
		})
	}))
}

func newTestTokenCache(srv *httptest.Server) *TokenCache {
	client := strava.NewClient(strava.ClientConfig{
		ClientID:     "id",
		ClientSecret: "secret-0123456789ab",
		TokenURL:     srv.URL,
		HTTPClient:   srv.Client(),
	})
	return NewTokenCache(client, "owner-refresh", testLogger())
}

func TestTokenCache_EmptySlotRefreshesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls)
	defer srv.Close()

	c := newTestTokenCache(srv)

	token, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenCache_NilLoggerDefaults(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls)
	defer srv.Close()

	client := strava.NewClient(strava.ClientConfig{
		ClientID:     "id",
		ClientSecret: "secret-0123456789ab",
		TokenURL:     srv.URL,
		HTTPClient:   srv.Client(),
	})

	// No logger; the refresh path logs through the default.
	c := NewTokenCache(client, "owner-refresh", nil)

	token, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
}

func TestTokenCache_SecondCallWithinTTLHitsCache(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls)
	defer srv.Close()

	c := newTestTokenCache(srv)

	first, err := c.Token(context.Background())
	require.NoError(t, err)

	second, err := c.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenCache_StaleSlotRefreshes(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls)
	defer srv.Close()

	c := newTestTokenCache(srv)

	_, err := c.Token(context.Background())
	require.NoError(t, err)

	// Age the slot into the expiry buffer.
	c.mu.Lock()
	c.expiresAt = time.Now().Unix() + 100
	c.mu.Unlock()

	token, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", token)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenCache_ForceRefreshIgnoresExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls)
	defer srv.Close()

	c := newTestTokenCache(srv)

	_, err := c.Token(context.Background())
	require.NoError(t, err)

	token, err := c.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", token)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenCache_ConcurrentStaleCallersShareOneRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "shared",
			"refresh_token": "owner-refresh",
			"expires_at":    time.Now().Unix() + 3600,
		})
	}))
	defer srv.Close()

	c := newTestTokenCache(srv)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := c.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "shared", token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenCache_RejectedRefreshIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Invalid refresh token"}`))
	}))
	defer srv.Close()

	c := newTestTokenCache(srv)

	_, err := c.Token(context.Background())
	require.Error(t, err)

	var authErr *strava.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)
}
