// Package feed implements the single-owner proxy: one fixed account's
// credentials serve all viewers. The access token lives in a single
// process-lifetime slot, refreshed from a statically configured refresh
// token; a restart simply starts with an empty slot and refreshes on the
// first request.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/stravaproxy/internal/strava"
	"golang.org/x/sync/singleflight"
)

// expiryBufferSeconds mirrors the client-variant look-ahead: a token
// within five minutes of expiry is refreshed rather than used.
const expiryBufferSeconds = 300

// TokenCache holds the single cached access token for the process. It
// implements strava.TokenSource. Refreshes are wrapped in a singleflight
// group so concurrent stale readers share one upstream call instead of
// issuing N redundant ones.
type TokenCache struct {
	client       *strava.Client
	refreshToken string
	logger       *slog.Logger

	group singleflight.Group

	mu          sync.Mutex
	accessToken string
	expiresAt   int64
}

// NewTokenCache creates an empty token slot over the given token client
// and statically configured refresh token.
func NewTokenCache(client *strava.Client, refreshToken string, logger *slog.Logger) *TokenCache {
	if logger == nil {
		logger = slog.Default()
	}

	return &TokenCache{
		client:       client,
		refreshToken: refreshToken,
		logger:       logger,
	}
}

// Token returns the cached access token, refreshing first when the slot
// is empty or inside the expiry buffer.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, expiresAt := c.accessToken, c.expiresAt
	c.mu.Unlock()

	if token != "" && expiresAt > time.Now().Unix()+expiryBufferSeconds {
		return token, nil
	}

	return c.refresh(ctx)
}

// ForceRefresh refreshes unconditionally, filling the slot with the new
// token. Used by the executor when a 401 contradicts the stored expiry.
func (c *TokenCache) ForceRefresh(ctx context.Context) (string, error) {
	return c.refresh(ctx)
}

// refresh performs one upstream refresh, de-duplicated across concurrent
// callers. A rejected refresh is fatal for the in-flight request; the
// slot keeps its previous contents so a later call can try again.
func (c *TokenCache) refresh(ctx context.Context) (string, error) {
	v, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		pair, err := c.client.Refresh(ctx, c.refreshToken)
		if err != nil {
			return nil, err
		}

		// The upstream may rotate the refresh token. The slot keeps using
		// the configured one, so tell the operator to update config.
		if pair.RefreshToken != "" && pair.RefreshToken != c.refreshToken {
			c.logger.Warn("upstream rotated the refresh token; update STRAVA_REFRESH_TOKEN")
		}

		c.mu.Lock()
		c.accessToken = pair.AccessToken
		c.expiresAt = pair.ExpiresAt
		c.mu.Unlock()

		c.logger.Info("refreshed cached access token",
			slog.Int64("expires_at", pair.ExpiresAt),
		)

		return pair.AccessToken, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}
