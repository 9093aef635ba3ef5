// Command routekeeperd runs the routing engine as a sidecar daemon with a
// thin HTTP surface. It wires the store, providers, and observability from a
// JSON config file and serves until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/routekeeper/routekeeper"
	"github.com/routekeeper/routekeeper/config"
	"github.com/routekeeper/routekeeper/internal/httpapi"
	"github.com/routekeeper/routekeeper/internal/observability"
	"github.com/routekeeper/routekeeper/internal/providers"
	"github.com/routekeeper/routekeeper/internal/providers/anthropic"
	"github.com/routekeeper/routekeeper/internal/providers/openai"
	"github.com/routekeeper/routekeeper/internal/providers/vllm"
	"github.com/routekeeper/routekeeper/internal/store"
)

const recoverySweepInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "routekeeper.json", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "routekeeperd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := observability.SetupLogger(cfg.LogLevel)

	shutdownTracing, err := observability.SetupTracing(observability.TracingConfig{
		Enabled:     cfg.Otel.Enabled,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	bus := observability.NewBus()
	sink := observability.NewBusSink(bus, logger)
	metrics := observability.NewMetrics()
	metricsSub := bus.Subscribe(1024)
	go metrics.Consume(metricsSub)
	defer bus.Unsubscribe(metricsSub)

	secret := cfg.EncryptionKey
	if secret == "" && cfg.TestMode {
		secret = "routekeeper-test-mode-secret"
		logger.Warn("test_mode enabled, using ephemeral encryption secret")
	}

	router, err := routekeeper.New(routekeeper.Options{
		EncryptionSecret:     secret,
		Store:                st,
		Sink:                 sink,
		DefaultCooldown:      time.Duration(cfg.Quota.DefaultCooldownSeconds) * time.Second,
		QuotaCooldownSeconds: cfg.Quota.QuotaDefaultCooldownSeconds,
		PredictionTTL:        time.Duration(cfg.Quota.PredictionCacheTTLSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	for _, p := range cfg.Providers {
		adapter, err := buildAdapter(p)
		if err != nil {
			return err
		}
		if err := router.RegisterProvider(p.ID, adapter, false); err != nil {
			return fmt.Errorf("register provider %s: %w", p.ID, err)
		}
		logger.Info("provider registered", slog.String("provider_id", p.ID), slog.String("type", p.Type))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go recoveryLoop(ctx, router, logger)

	server := httpapi.NewServer(router, logger, bus, metrics)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// recoveryLoop periodically returns cooled-down throttled keys to service.
func recoveryLoop(ctx context.Context, router *routekeeper.Router, logger *slog.Logger) {
	ticker := time.NewTicker(recoverySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := router.RecoverThrottledKeys(ctx)
			if err != nil {
				logger.Warn("recovery sweep failed", slog.String("error", err.Error()))
				continue
			}
			if recovered > 0 {
				logger.Info("recovered throttled keys", slog.Int("key_count", recovered))
			}
		}
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemoryStore(cfg.Store.MaxDecisions, cfg.Store.MaxTransitions), nil
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildAdapter(p config.ProviderConfig) (providers.Adapter, error) {
	switch p.Type {
	case "openai":
		return openai.New(p.ID, p.BaseURL), nil
	case "anthropic":
		return anthropic.New(p.ID, p.BaseURL), nil
	case "vllm":
		if p.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: vllm requires base_url", p.ID)
		}
		return vllm.New(p.ID, p.BaseURL), nil
	case "mock":
		return providers.NewMockAdapter(p.ID), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
	}
}
