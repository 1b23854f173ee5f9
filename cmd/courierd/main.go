package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/courier-chat/courier/internal/config"
	"github.com/courier-chat/courier/internal/hub"
	"github.com/courier-chat/courier/internal/identity"
	"github.com/courier-chat/courier/internal/server"
	"github.com/courier-chat/courier/internal/store"
	"github.com/mama165/sdk-go/logs"
	"golang.org/x/time/rate"
)

const statsInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "courierd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	messages, err := store.Open(cfg.StoreDriver, cfg.StorePath, cfg.MessageRetention, log)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer func() {
		if err := messages.Close(); err != nil {
			log.Error("closing message store", "error", err)
		}
	}()

	var auth identity.Authenticator = identity.Open{}
	if cfg.AuthEnabled() {
		auth = identity.NewTokens([]byte(cfg.AuthSecret), cfg.AuthIssuer)
	} else {
		log.Warn("AUTH_SECRET not set, clients may register as any user")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MessageRetention > 0 {
		go store.RunRetention(ctx, messages, cfg.MessageRetention, sweepInterval(cfg.MessageRetention), log)
	}

	registry := hub.NewRegistry(log)
	router := hub.NewRouter(registry, messages, cfg.PersistTimeout, log)
	h := hub.NewHub(registry, router, hubOptions(cfg), log)
	go h.Run(ctx, statsInterval)

	srv := &http.Server{
		Addr: cfg.Address(),
		Handler: server.New(ctx, h, auth, messages, server.Options{
			Origins:      cfg.Origins(),
			HistoryLimit: cfg.HistoryLimit,
		}, log).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay starting",
			"address", cfg.Address(),
			"store", cfg.StoreDriver,
			"auth", cfg.AuthEnabled(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down relay")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by http.Server, the hub
	// closes them.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		log.Error("hub shutdown error", "error", err)
	}
	log.Info("relay stopped")
	return nil
}

func hubOptions(cfg config.Config) hub.Options {
	return hub.Options{
		SendQueueSize:  cfg.SendQueueSize,
		MaxMessageSize: int64(cfg.MaxMessageSize),
		WriteTimeout:   cfg.WriteTimeout,
		PingInterval:   cfg.PingInterval,
		PongTimeout:    cfg.PongTimeout,
		RateLimit:      rate.Limit(cfg.RateLimit),
		RateBurst:      cfg.RateBurst,
	}
}

// sweepInterval runs the retention sweep a few times per retention period,
// between once a minute and once an hour.
func sweepInterval(retention time.Duration) time.Duration {
	return min(max(retention/4, time.Minute), time.Hour)
}
