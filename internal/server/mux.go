// Package server provides HTTP server construction for both proxy
// variants.
package server

import (
	"log/slog"
	"net/http"

	"github.com/example/stravaproxy/internal/broker"
	"github.com/example/stravaproxy/internal/feed"
	"github.com/example/stravaproxy/internal/session"
	"github.com/example/stravaproxy/internal/strava"
)

// BrokerMuxConfig holds dependencies for the code-exchange proxy mux.
type BrokerMuxConfig struct {
	Client *strava.Client
	Logger *slog.Logger
}

// NewBrokerMux builds the broker HTTP handler: code exchange, refresh,
// and health, with permissive CORS so browser clients on any origin can
// call it.
func NewBrokerMux(cfg BrokerMuxConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/callback", broker.HandleCallback(cfg.Client, cfg.Logger))
	mux.HandleFunc("/auth/refresh", broker.HandleRefresh(cfg.Client, cfg.Logger))
	mux.HandleFunc("/health", HandleHealth)

	return withRequestID(withAccessLog(cfg.Logger, withCORS("GET, POST, OPTIONS", mux)))
}

// FeedMuxConfig holds dependencies for the single-owner feed mux.
type FeedMuxConfig struct {
	API    *feed.API
	Logger *slog.Logger
}

// NewFeedMux builds the feed HTTP handler. The surface is read-only, so
// CORS admits only GET and OPTIONS.
func NewFeedMux(cfg FeedMuxConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/athlete", cfg.API.HandleAthlete)
	mux.HandleFunc("/api/activities", cfg.API.HandleActivities)
	mux.HandleFunc("/api/stats", cfg.API.HandleStats)
	mux.HandleFunc("/health", HandleHealth)

	return withRequestID(withAccessLog(cfg.Logger, withCORS("GET, OPTIONS", mux)))
}

// SessionMuxConfig holds dependencies for the client-variant mux.
type SessionMuxConfig struct {
	Session *session.Session
	Logger  *slog.Logger
}

// NewSessionMux builds the client-variant HTTP handler: connect,
// disconnect, status, and the persisted-cache feed surface.
func NewSessionMux(cfg SessionMuxConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/connect", cfg.Session.HandleConnect)
	mux.HandleFunc("/auth/disconnect", cfg.Session.HandleDisconnect)
	mux.HandleFunc("/auth/status", cfg.Session.HandleStatus)
	mux.HandleFunc("/api/athlete", cfg.Session.HandleAthlete)
	mux.HandleFunc("/api/activities", cfg.Session.HandleActivities)
	mux.HandleFunc("/api/sync", cfg.Session.HandleSync)
	mux.HandleFunc("/health", HandleHealth)

	return withRequestID(withAccessLog(cfg.Logger, withCORS("GET, POST, OPTIONS", mux)))
}
