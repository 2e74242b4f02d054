// Package main is the entry point for the hsds-worker daemon: it
// consumes alignment jobs from Redis, turns raw scraped records into
// HSDS payloads through an LLM provider, and fans results out to the
// reconciler and recorder queues.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/communitydata/hsds-pipeline/internal/authstate"
	"github.com/communitydata/hsds-pipeline/internal/config"
	"github.com/communitydata/hsds-pipeline/internal/contentstore"
	"github.com/communitydata/hsds-pipeline/internal/hsds/aligner"
	"github.com/communitydata/hsds-pipeline/internal/hsds/schema"
	"github.com/communitydata/hsds-pipeline/internal/hsds/validator"
	"github.com/communitydata/hsds-pipeline/internal/logging"
	"github.com/communitydata/hsds-pipeline/internal/provider"
	"github.com/communitydata/hsds-pipeline/internal/queue"
	"github.com/communitydata/hsds-pipeline/internal/version"
	"github.com/communitydata/hsds-pipeline/internal/worker"
)

func main() {
	// Initialize logger with TTY detection, source paths, and format control
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting hsds-worker",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis is the queue backend and the auth-state coordination point.
	// Unreachable Redis after bounded retries is fatal.
	rdb, err := queue.Connect(ctx, queue.ConnectConfig{
		URL:        cfg.RedisURL,
		PoolSize:   cfg.RedisPoolSize,
		MaxRetries: cfg.RedisMaxRetries,
		RetryDelay: cfg.RedisRetryDelay,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	// Content store is optional; no path means no deduplication.
	var store *contentstore.Store
	if cfg.DedupEnabled() {
		store, err = contentstore.Open(cfg.ContentStorePath, logger)
		if err != nil {
			logger.Error("failed to open content store", "path", cfg.ContentStorePath, "error", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()
		logger.Info("content deduplication enabled", "path", cfg.ContentStorePath)
	} else {
		logger.Info("content deduplication disabled")
	}

	// Warm the schema converter up front so a malformed schema file fails
	// at startup rather than on the first job.
	converter := schema.NewConverter(logger)
	format, err := converter.Convert(cfg.SchemaPath, "hsds")
	if err != nil {
		logger.Error("failed to convert HSDS schema", "path", cfg.SchemaPath, "error", err)
		os.Exit(1)
	}

	llm, err := buildProvider(cfg, logger)
	if err != nil {
		logger.Error("failed to build LLM provider", "error", err)
		os.Exit(1)
	}
	logger.Info("LLM provider ready", "provider", cfg.LLMProvider, "model", llm.ModelName())

	judge, err := validator.NewJudge(llm, validator.JudgeConfig{}, logger)
	if err != nil {
		logger.Error("failed to build judge", "error", err)
		os.Exit(1)
	}
	align, err := aligner.New(llm, judge, format, aligner.Config{
		MinConfidence:  cfg.MinConfidence,
		RetryThreshold: cfg.RetryThreshold,
		MaxRetries:     cfg.MaxRetries,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
		PromptPath:     cfg.PromptPath,
	}, logger)
	if err != nil {
		logger.Error("failed to build aligner", "error", err)
		os.Exit(1)
	}

	q := queue.New(rdb, logger)

	// Jobs a crashed worker left mid-flight go back on their queue before
	// this instance starts consuming.
	if n, err := q.ReclaimAbandoned(ctx); err != nil {
		logger.Warn("reclaim of abandoned jobs failed", "error", err)
	} else if n > 0 {
		logger.Info("requeued jobs abandoned by dead workers", "count", n)
	}

	auth := authstate.New(rdb, logger)
	processor := worker.NewProcessor(llm, align, store, q, auth, logger)

	workers := make([]*worker.Worker, 0, cfg.WorkerConcurrency)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		w := worker.New(worker.Config{
			PollInterval:      cfg.WorkerPollInterval,
			AuthCheckInterval: cfg.AuthCheckInterval,
		}, q, auth, processor, llm, logger)
		w.Start(ctx)
		workers = append(workers, w)
	}
	logger.Info("workers started", "concurrency", cfg.WorkerConcurrency)

	// Block until a shutdown signal, then drain in-flight jobs within
	// the grace period.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Info("shutting down", "signal", received.String(), "grace_period", cfg.WorkerShutdownGracePeriod)

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.Stop()
		}
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(cfg.WorkerShutdownGracePeriod):
		logger.Warn("shutdown grace period elapsed, exiting with jobs in flight")
	}
}

// buildProvider constructs the configured provider implementation.
func buildProvider(cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.LLMProvider {
	case "http":
		return provider.NewHTTPProvider(provider.HTTPConfig{
			BaseURL: cfg.HTTPBaseURL,
			APIKey:  cfg.HTTPAPIKey,
			Model:   cfg.ModelName,
			Timeout: cfg.HTTPTimeout,
		}, logger), nil
	case "cli":
		return provider.NewCLIProvider(provider.CLIConfig{
			Command:         cfg.CLICommand,
			Args:            cfg.CLIArgs,
			Model:           cfg.ModelName,
			APIKey:          cfg.AnthropicAPIKey,
			QuotaRetryAfter: cfg.QuotaRetryDelay,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.LLMProvider)
	}
}
