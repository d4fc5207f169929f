package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/stravaproxy/internal/cache"
	"github.com/example/stravaproxy/internal/config"
	"github.com/example/stravaproxy/internal/feed"
	"github.com/example/stravaproxy/internal/logging"
	"github.com/example/stravaproxy/internal/server"
	"github.com/example/stravaproxy/internal/session"
	"github.com/example/stravaproxy/internal/state"
	"github.com/example/stravaproxy/internal/strava"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("stravad starting",
		slog.String("version", Version),
		slog.Bool("broker", cfg.EnableBroker),
		slog.Bool("feed", cfg.EnableFeed),
		slog.Bool("session", cfg.EnableSession),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.EnableBroker {
		g.Go(func() error {
			return runBroker(gctx, cfg, logger)
		})
	}

	if cfg.EnableFeed {
		g.Go(func() error {
			return runFeed(gctx, cfg, logger)
		})
	}

	if cfg.EnableSession {
		g.Go(func() error {
			return runSession(gctx, cfg, logger)
		})
	}

	return g.Wait()
}

// serve runs an HTTP server until the context is cancelled, then shuts
// it down with a grace period.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger, name string) error {
	go func() {
		<-ctx.Done()
		logger.Info("shutting down", slog.String("service", name))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening",
		slog.String("service", name),
		slog.String("addr", srv.Addr),
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("%s server error: %w", name, err)
	}

	return nil
}

// runBroker starts the stateless code-exchange proxy.
func runBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	brokerLogger := logger.With(slog.String("service", "broker"))

	client := strava.NewClient(strava.ClientConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	})

	srv := &http.Server{
		Addr: cfg.BrokerListenAddr,
		Handler: server.NewBrokerMux(server.BrokerMuxConfig{
			Client: client,
			Logger: brokerLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return serve(ctx, srv, brokerLogger, "broker")
}

// runFeed starts the single-owner cached-token proxy.
func runFeed(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	feedLogger := logger.With(slog.String("service", "feed"))

	store, err := cache.New(cache.Config{
		Backend: cache.Backend(cfg.CacheBackend),
		Redis: cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
	})
	if err != nil {
		return fmt.Errorf("creating response cache: %w", err)
	}
	defer store.Close()

	client := strava.NewClient(strava.ClientConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	})
	tokens := feed.NewTokenCache(client, cfg.RefreshToken, feedLogger)
	exec := strava.NewExecutor(strava.ExecutorConfig{Source: tokens, Logger: feedLogger})
	api := feed.NewAPI(exec, store, feedLogger)

	feedLogger.Info("response cache ready", slog.String("backend", cfg.CacheBackend))

	srv := &http.Server{
		Addr: cfg.FeedListenAddr,
		Handler: server.NewFeedMux(server.FeedMuxConfig{
			API:    api,
			Logger: feedLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return serve(ctx, srv, feedLogger, "feed")
}

// runSession starts the client-variant proxy: a locally persisted
// session that exchanges and refreshes credentials through the broker
// and never holds the client secret.
func runSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	sessionLogger := logger.With(slog.String("service", "session"))

	st, err := state.Load(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer st.Close()

	sess := session.New(session.Config{
		State:     st,
		BrokerURL: cfg.BrokerURL,
		Logger:    sessionLogger,
	})

	srv := &http.Server{
		Addr: cfg.SessionListenAddr,
		Handler: server.NewSessionMux(server.SessionMuxConfig{
			Session: sess,
			Logger:  sessionLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return serve(ctx, srv, sessionLogger, "session")
}
