// Coinbase HFT — a single-venue, single-symbol automated market maker.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: feed → book → signal → orders wiring, processor goroutine
//	feed/                — WebSocket level-2 + trades feed (Ed25519 JWT auth, auto-reconnect), REST bootstrap
//	book/                — price-time-priority book: matching, external replica, queue-position fill inference
//	orders/              — order lifecycle, pre-trade risk gating, position/P&L bookkeeping
//	signal/              — market-making quote generator: spread targeting, inventory skew, cancel/replace
//	latency/             — lock-free ring buffers + P² percentile estimators per operation class
//	pool/                — pre-allocated order pools for the hot path
//
// How it makes money:
//
//	The bot posts a bid below and an ask above the mid price, earning the
//	spread when both sides fill. Inventory skew biases quotes against the
//	current position so the book mean-reverts instead of accumulating
//	directional risk, and pre-trade risk checks bound the damage when it
//	doesn't.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"coinbase-hft/internal/config"
	"coinbase-hft/internal/engine"
)

// Exit codes: 0 normal shutdown, 1 initialization failure, 2 runtime fatal.
const (
	exitOK          = 0
	exitInitFailure = 1
	exitRuntime     = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("HFT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return exitInitFailure
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitInitFailure
	}

	logger := newLogger(cfg.Logging)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return exitInitFailure
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("fatal runtime error", "panic", r)
			os.Exit(exitRuntime)
		}
	}()

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		return exitInitFailure
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no orders will be placed")
	}
	logger.Info("market maker started",
		"symbol", cfg.Symbol,
		"quote_size", cfg.Quoting.DefaultQuoteSize,
		"max_position", cfg.Risk.MaxPosition,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
	return exitOK
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
