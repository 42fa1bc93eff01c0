package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/session-agent/pkg/dbclient"
	"github.com/aixgo-dev/session-agent/pkg/sandboxclient"
	"github.com/aixgo-dev/session-agent/pkg/sessionconfig"
	"github.com/aixgo-dev/session-agent/pkg/sessionobs"
	"github.com/aixgo-dev/session-agent/pkg/sessionrouter"
	"github.com/aixgo-dev/session-agent/pkg/sessionstate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP+WebSocket server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := sessionconfig.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := sessionobs.InitTracingFromEnv(); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	store, err := newStorageBackend(cfg.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	sandbox := sandboxclient.New(cfg.Sandbox.ProviderBaseURL)
	db := dbclient.New(15 * time.Second)
	router := sessionrouter.New(*cfg, store, sandbox, db)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router.Handler(),
	}

	errChan := make(chan error, 1)
	go func() {
		log.Printf("sessionagent: listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("sessionagent: %v", err)
	case <-quit:
		log.Println("sessionagent: shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("sessionagent: HTTP server shutdown error: %v", err)
	}
	if err := sessionobs.ShutdownTracing(ctx); err != nil {
		log.Printf("sessionagent: tracing shutdown error: %v", err)
	}

	log.Println("sessionagent: stopped")
	return nil
}

// newStorageBackend builds the configured StorageBackend, adapting
// sessionconfig's YAML-facing RedisConfig shape into
// sessionstate.RedisConfig (the YAML surface gives the TTL in whole
// hours while the backend wants a time.Duration, and has no pool-size
// field, so the backend's default pool size applies).
func newStorageBackend(cfg sessionconfig.StorageConfig) (sessionstate.StorageBackend, error) {
	if cfg.Backend == "memory" {
		return sessionstate.NewMemoryBackend(), nil
	}

	return sessionstate.NewRedisBackend(sessionstate.RedisConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		Prefix:     cfg.Redis.Prefix,
		SessionTTL: time.Duration(cfg.Redis.TTLHours) * time.Hour,
	})
}
