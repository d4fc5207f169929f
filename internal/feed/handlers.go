package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/example/stravaproxy/internal/cache"
	"github.com/example/stravaproxy/internal/strava"
	"github.com/tidwall/gjson"
)

const (
	defaultPage    = 1
	defaultPerPage = 30
)

// Getter performs authenticated GETs against the upstream API.
// *strava.Executor satisfies it.
type Getter interface {
	Get(ctx context.Context, path string, query url.Values) ([]byte, error)
}

// API serves the read-only feed endpoints, proxying the owner account's
// data with the cached token and serving the activity list through the
// short-TTL response cache.
type API struct {
	exec   Getter
	cache  cache.Store
	logger *slog.Logger
}

// NewAPI creates the feed API over the given executor and response cache.
func NewAPI(exec Getter, store cache.Store, logger *slog.Logger) *API {
	return &API{
		exec:   exec,
		cache:  store,
		logger: logger,
	}
}

// writeJSON writes a raw upstream payload through unchanged.
func writeJSON(w http.ResponseWriter, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

// writeError maps executor failures onto proxy responses. Upstream
// statuses are relayed; transport trouble is a gateway error.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var authErr *strava.AuthError
	if errors.As(err, &authErr) {
		logger.Warn("token refresh rejected", slog.Int("status", authErr.Status))
		writeJSONError(w, authErr.Status, "upstream_auth_error", authErr.Message)

		return
	}

	var reqErr *strava.RequestError
	if errors.As(err, &reqErr) {
		logger.Warn("upstream request failed", slog.Int("status", reqErr.Status))
		writeJSONError(w, reqErr.Status, "upstream_request_error", reqErr.Error())

		return
	}

	if errors.Is(err, strava.ErrUpstreamTimeout) {
		logger.Warn("upstream request timed out")
		writeJSONError(w, http.StatusGatewayTimeout, "upstream_timeout", "upstream did not respond in time")

		return
	}

	logger.Error("upstream request failed", slog.String("error", err.Error()))
	writeJSONError(w, http.StatusBadGateway, "upstream_error", "upstream request failed")
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

// HandleAthlete serves GET /api/athlete: the owner's profile, fetched
// fresh on every request.
func (a *API) HandleAthlete(w http.ResponseWriter, r *http.Request) {
	body, err := a.exec.Get(r.Context(), "/athlete", nil)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}

	writeJSON(w, body)
}

// queryInt parses a positive integer query parameter, falling back to a
// default for absent or malformed values.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}

	return n
}

// HandleActivities serves GET /api/activities?page&per_page through the
// response cache, keyed by pagination so each page has its own slot.
func (a *API) HandleActivities(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", defaultPage)
	perPage := queryInt(r, "per_page", defaultPerPage)

	payload, err := cache.GetOrFetch(r.Context(), a.cache, cache.ActivitiesKey(page, perPage),
		func(ctx context.Context) (json.RawMessage, error) {
			query := url.Values{
				"page":     {strconv.Itoa(page)},
				"per_page": {strconv.Itoa(perPage)},
			}

			return a.exec.Get(ctx, "/athlete/activities", query)
		})
	if err != nil {
		writeError(w, a.logger, err)
		return
	}

	writeJSON(w, payload)
}

// HandleStats serves GET /api/stats. The stats endpoint is keyed by
// athlete id, so the owner's id is resolved from /athlete first.
func (a *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	athlete, err := a.exec.Get(r.Context(), "/athlete", nil)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}

	id := gjson.GetBytes(athlete, "id")
	if !id.Exists() {
		a.logger.Error("athlete profile has no id field")
		writeJSONError(w, http.StatusBadGateway, "upstream_error", "athlete profile has no id")

		return
	}

	body, err := a.exec.Get(r.Context(), fmt.Sprintf("/athletes/%d/stats", id.Int()), nil)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}

	writeJSON(w, body)
}
