package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/example/stravaproxy/internal/strava"
)

const (
	defaultPage    = 1
	defaultPerPage = 30
)

type connectRequest struct {
	Code string `json:"code"`
}

func writeJSON(w http.ResponseWriter, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

// writeError maps session failures onto proxy responses using the same
// taxonomy as the other variants: broker rejections relay their status,
// a missing record is a 401 telling the caller to connect first.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, strava.ErrNotAuthenticated) {
		writeJSONError(w, http.StatusUnauthorized, "not_authenticated", "connect with an authorization code first")
		return
	}

	var authErr *strava.AuthError
	if errors.As(err, &authErr) {
		logger.Warn("broker rejected exchange", slog.Int("status", authErr.Status))
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

	logger.Error("session request failed", slog.String("error", err.Error()))
	writeJSONError(w, http.StatusBadGateway, "upstream_error", "request failed")
}

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

// HandleConnect serves POST /auth/connect: exchanges the authorization
// code through the broker and persists the session.
func (s *Session) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if req.Code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	if err := s.Connect(r.Context(), req.Code); err != nil {
		writeError(w, s.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"authenticated": true})
}

// HandleDisconnect serves POST /auth/disconnect: clears the persisted
// record and every cached response.
func (s *Session) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.Disconnect(); err != nil {
		writeError(w, s.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"authenticated": false})
}

// HandleStatus serves GET /auth/status.
func (s *Session) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ok, err := s.Authenticated()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"authenticated": ok})
}

// HandleAthlete serves GET /api/athlete from the persisted profile,
// fetching upstream when absent.
func (s *Session) HandleAthlete(w http.ResponseWriter, r *http.Request) {
	profile, err := s.Athlete(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, profile)
}

// HandleActivities serves GET /api/activities?page&per_page through the
// persisted response cache.
func (s *Session) HandleActivities(w http.ResponseWriter, r *http.Request) {
	payload, err := s.Activities(r.Context(), queryInt(r, "page", defaultPage), queryInt(r, "per_page", defaultPerPage))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, payload)
}

// HandleSync serves POST /api/sync: the explicit force-refresh that
// drops the cache and fetches the requested page from the network.
func (s *Session) HandleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := s.RefreshActivities(r.Context(), queryInt(r, "page", defaultPage), queryInt(r, "per_page", defaultPerPage))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, payload)
}
