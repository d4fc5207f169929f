// Package session implements the user-authenticated client variant: a
// session that persists its token record locally, exchanges and refreshes
// credentials through the broker (never holding the client secret), and
// reads the activity feed through the persisted short-TTL cache.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/example/stravaproxy/internal/cache"
	"github.com/example/stravaproxy/internal/models"
	"github.com/example/stravaproxy/internal/state"
	"github.com/example/stravaproxy/internal/strava"
	"github.com/tidwall/gjson"
)

const (
	// brokerTimeout bounds calls to the broker, which itself bounds its
	// upstream call, so this only needs to cover one hop of slack.
	brokerTimeout = 15 * time.Second

	maxBrokerResponseBytes = 1024 * 1024
)

// Session is a connected (or connectable) user session. It implements
// strava.TokenSource, so its executor transparently refreshes through
// the broker on a 401.
type Session struct {
	state      *state.State
	brokerURL  string
	httpClient *http.Client
	exec       *strava.Executor
	logger     *slog.Logger
}

// Config configures a session. APIBaseURL, HTTPClient, and Logger are
// optional; they default to the real Strava API, a client with a
// conservative timeout, and the process default logger.
type Config struct {
	State      *state.State
	BrokerURL  string
	APIBaseURL string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New creates a session over the given persistent state and broker base
// URL.
func New(cfg Config) *Session {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: brokerTimeout}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		state:      cfg.State,
		brokerURL:  cfg.BrokerURL,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
	s.exec = strava.NewExecutor(strava.ExecutorConfig{
		Source:     s,
		BaseURL:    cfg.APIBaseURL,
		HTTPClient: cfg.HTTPClient,
		Logger:     cfg.Logger,
	})

	return s
}

// postBroker sends a JSON POST to the broker and decodes the token pair.
// Broker rejections carry the relayed upstream status, surfaced here as
// an AuthError so callers see one taxonomy for both variants.
func (s *Session) postBroker(ctx context.Context, path string, body interface{}) (*models.TokenPair, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling broker request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.brokerURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating broker request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling broker %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBrokerResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading broker response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(respBody, "error_description").Str
		if msg == "" {
			msg = "broker request failed"
		}

		return nil, &strava.AuthError{Status: resp.StatusCode, Message: msg}
	}

	var pair models.TokenPair
	if err := json.Unmarshal(respBody, &pair); err != nil {
		return nil, fmt.Errorf("decoding broker response: %w", err)
	}

	return &pair, nil
}

// persistPair writes the token pair to state, capturing the athlete id
// and profile when the upstream included one (code exchange does,
// refresh does not).
func (s *Session) persistPair(pair *models.TokenPair) error {
	rec := state.TokenRecord{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	}

	if len(pair.Athlete) > 0 {
		if id := gjson.GetBytes(pair.Athlete, "id"); id.Exists() {
			rec.AthleteID = id.String()
		}

		if err := s.state.SaveAthlete(json.RawMessage(pair.Athlete)); err != nil {
			return fmt.Errorf("saving athlete profile: %w", err)
		}
	}

	if err := s.state.WriteToken(rec); err != nil {
		return fmt.Errorf("persisting token record: %w", err)
	}

	return nil
}

// Connect exchanges an authorization code through the broker and persists
// the resulting record. After a successful Connect the session is
// authenticated and not expired.
func (s *Session) Connect(ctx context.Context, code string) error {
	if code == "" {
		return strava.ErrMissingCode
	}

	pair, err := s.postBroker(ctx, "/auth/callback", map[string]string{"code": code})
	if err != nil {
		return fmt.Errorf("exchanging code via broker: %w", err)
	}

	if err := s.persistPair(pair); err != nil {
		return err
	}

	s.logger.Info("session connected", slog.Int64("expires_at", pair.ExpiresAt))

	return nil
}

// Disconnect clears the token record and all cached responses.
func (s *Session) Disconnect() error {
	if err := s.state.ClearToken(); err != nil {
		return fmt.Errorf("clearing token: %w", err)
	}

	if err := s.state.InvalidateActivities(); err != nil {
		return fmt.Errorf("clearing cached activities: %w", err)
	}

	s.logger.Info("session disconnected")

	return nil
}

// Authenticated reports whether a full token record exists. Expiry does
// not matter; an expired record still refreshes on demand.
func (s *Session) Authenticated() (bool, error) {
	rec, err := s.state.ReadToken()
	if err != nil {
		return false, err
	}

	return rec.Authenticated(), nil
}

// refreshThroughBroker trades the stored refresh token for a new pair and
// persists it, including a rotated refresh token.
func (s *Session) refreshThroughBroker(ctx context.Context, rec *state.TokenRecord) (string, error) {
	pair, err := s.postBroker(ctx, "/auth/refresh", map[string]string{"refresh_token": rec.RefreshToken})
	if err != nil {
		return "", fmt.Errorf("refreshing via broker: %w", err)
	}

	if err := s.persistPair(pair); err != nil {
		return "", err
	}

	return pair.AccessToken, nil
}

// Token implements strava.TokenSource: the stored access token when the
// record is inside its validity window, otherwise a broker refresh.
func (s *Session) Token(ctx context.Context) (string, error) {
	rec, err := s.state.ReadToken()
	if err != nil {
		return "", fmt.Errorf("reading token record: %w", err)
	}

	if !rec.Authenticated() {
		return "", strava.ErrNotAuthenticated
	}

	if !rec.Expired(time.Now().Unix()) {
		return rec.AccessToken, nil
	}

	s.logger.Debug("stored token expired, refreshing via broker")

	return s.refreshThroughBroker(ctx, rec)
}

// ForceRefresh implements strava.TokenSource: an unconditional broker
// refresh, invoked when a 401 contradicts the stored expiry.
func (s *Session) ForceRefresh(ctx context.Context) (string, error) {
	rec, err := s.state.ReadToken()
	if err != nil {
		return "", fmt.Errorf("reading token record: %w", err)
	}

	if !rec.Authenticated() {
		return "", strava.ErrNotAuthenticated
	}

	return s.refreshThroughBroker(ctx, rec)
}

// Athlete returns the connected athlete's profile, preferring the copy
// persisted at connect time and fetching upstream when absent.
func (s *Session) Athlete(ctx context.Context) (json.RawMessage, error) {
	profile, err := s.state.Athlete()
	if err != nil {
		return nil, fmt.Errorf("reading stored athlete: %w", err)
	}

	if len(profile) > 0 {
		return profile, nil
	}

	body, err := s.exec.Get(ctx, "/athlete", nil)
	if err != nil {
		return nil, err
	}

	if err := s.state.SaveAthlete(body); err != nil {
		s.logger.Warn("failed to persist athlete profile", slog.String("error", err.Error()))
	}

	return body, nil
}

// Activities returns one page of the activity feed, serving a fresh
// cached copy when one exists and fetching, caching, and returning
// otherwise.
func (s *Session) Activities(ctx context.Context, page, perPage int) (json.RawMessage, error) {
	if page < 1 {
		page = 1
	}

	if perPage < 1 {
		perPage = 30
	}

	entry, err := s.state.GetActivitiesEntry(page, perPage)
	if err != nil {
		return nil, fmt.Errorf("reading cached activities: %w", err)
	}

	now := time.Now()
	if entry.Fresh(now.UnixMilli(), cache.TTL.Milliseconds()) {
		return entry.Payload, nil
	}

	query := url.Values{
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(perPage)},
	}

	body, err := s.exec.Get(ctx, "/athlete/activities", query)
	if err != nil {
		return nil, err
	}

	err = s.state.PutActivitiesEntry(page, perPage, state.CacheEntry{
		Payload:   body,
		FetchedAt: now.UnixMilli(),
	})
	if err != nil {
		s.logger.Warn("failed to cache activities", slog.String("error", err.Error()))
	}

	return body, nil
}

// RefreshActivities is the explicit force-sync: it drops every cached
// page so the subsequent fetch always goes to the network, then returns
// the requested page.
func (s *Session) RefreshActivities(ctx context.Context, page, perPage int) (json.RawMessage, error) {
	if err := s.state.InvalidateActivities(); err != nil {
		return nil, fmt.Errorf("invalidating cached activities: %w", err)
	}

	return s.Activities(ctx, page, perPage)
}
