// Package broker exposes the code-exchange proxy: it trades authorization
// codes and refresh tokens for token pairs against the Strava token
// endpoint using server-held client credentials. The broker is stateless;
// the browser client owns persistence of the returned pair, and the
// client secret never leaves this process.
package broker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/example/stravaproxy/internal/strava"
)

type callbackRequest struct {
	Code string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// writeJSONError writes the standard error envelope.
func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

// writeUpstreamError maps a token client failure onto the response. An
// AuthError relays the upstream status and message; anything else is a
// 502 so the caller can distinguish broker trouble from a rejection.
func writeUpstreamError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var authErr *strava.AuthError
	if errors.As(err, &authErr) {
		logger.Warn("upstream rejected exchange",
			slog.Int("status", authErr.Status),
			slog.String("message", authErr.Message),
		)
		writeJSONError(w, authErr.Status, "upstream_auth_error", authErr.Message)

		return
	}

	if errors.Is(err, strava.ErrUpstreamTimeout) {
		logger.Warn("upstream exchange timed out")
		writeJSONError(w, http.StatusGatewayTimeout, "upstream_timeout", "token endpoint did not respond in time")

		return
	}

	logger.Error("upstream exchange failed", slog.String("error", err.Error()))
	writeJSONError(w, http.StatusBadGateway, "upstream_error", "token exchange failed")
}

// HandleCallback returns the POST /auth/callback handler. It exchanges
// the authorization code from the OAuth redirect for a token pair and
// relays it, athlete profile included, to the browser client.
func HandleCallback(client *strava.Client, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req callbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		if req.Code == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
			return
		}

		pair, err := client.ExchangeCode(r.Context(), req.Code)
		if err != nil {
			writeUpstreamError(w, logger, err)
			return
		}

		logger.Info("exchanged authorization code")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pair)
	}
}

// HandleRefresh returns the POST /auth/refresh handler. It trades the
// caller's refresh token for a fresh pair; the upstream may rotate the
// refresh token, so the client must persist the returned one.
func HandleRefresh(client *strava.Client, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		if req.RefreshToken == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
			return
		}

		pair, err := client.Refresh(r.Context(), req.RefreshToken)
		if err != nil {
			writeUpstreamError(w, logger, err)
			return
		}

		logger.Info("refreshed token pair")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pair)
	}
}
