// Keeper executes advanced orders against the limit-order protocol.
//
// Makers sign advanced-order intents (TWAP, DCA, grid, stop-limit, ...)
// off-chain; the keeper watches aggregated prices and, when a strategy's
// trigger fires, signs and submits concrete child limit orders on the
// maker's behalf.
//
// Architecture:
//
//	collector (ws/rest) ──▶ pricefeed ──▶ watcher scheduler ──▶ submit client ──▶ protocol API
//	                                          ▲    │
//	            api ──▶ registry ─────────────┘    ▼
//	                        │                    store (sqlite)
//	                        └────────────────────────┘
//
// The registry admits signed intents over HTTP, the scheduler runs one
// evaluation loop per live order, and the store keeps every transition so
// a restart resumes exactly where the process died.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"lop-keeper/internal/api"
	"lop-keeper/internal/config"
	"lop-keeper/internal/pricefeed"
	"lop-keeper/internal/registry"
	"lop-keeper/internal/store"
	"lop-keeper/internal/strategy"
	"lop-keeper/internal/submit"
	"lop-keeper/internal/watcher"
)

func main() {
	os.Exit(run())
}

func run() int {
	// .env is optional; real deployments set env vars directly.
	_ = godotenv.Load()

	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()
	if p := os.Getenv("KEEPER_CONFIG"); p != "" {
		*configPath = p
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if cfg.DryRun {
		logger.Warn("DRY-RUN mode: child orders will not be submitted")
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.Store.Path, "error", err)
		return 1
	}
	defer st.Close()

	view := pricefeed.NewView()
	feed := pricefeed.NewFeed(cfg.Collector.WSURL, cfg.Collector.BaseURL, view, st, logger)

	client, err := submit.NewClient(*cfg, st, logger)
	if err != nil {
		logger.Error("failed to create submit client", "error", err)
		return 1
	}
	logger.Info("keeper starting",
		"operator", client.Operator().Hex(),
		"chain", cfg.Wallet.ChainID,
		"dry_run", cfg.DryRun,
	)

	strategies := strategy.NewRegistry(client)
	scheduler := watcher.NewScheduler(st, view, strategies, feed,
		cfg.Engine.PollInterval, cfg.Engine.StaleAfter, logger)
	orders := registry.NewService(st, strategies, scheduler, client, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("price feed stopped", "error", err)
		}
	}()

	// Prime the view from the last cached samples so restarted watchers
	// are not blind until the stream catches up.
	if active, err := st.GetActive(ctx); err == nil {
		symbols := make([]string, 0, len(active))
		seen := make(map[string]bool)
		for _, o := range active {
			if o.Symbol != "" && !seen[o.Symbol] {
				seen[o.Symbol] = true
				symbols = append(symbols, o.Symbol)
			}
		}
		feed.Prime(ctx, symbols)
		if len(symbols) > 0 {
			if err := feed.Subscribe(ctx, symbols); err != nil {
				logger.Warn("initial subscription failed", "error", err)
			}
		}
	}

	if err := scheduler.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return 1
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(orders, cfg.API.Port, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("api server stopped", "error", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	// Stop intake first, then the watchers, then the feed.
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown", "error", err)
		}
		shutdownCancel()
	}
	cancel()
	scheduler.Stop()
	feed.Close()

	logger.Info("shutdown complete")
	return 0
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
