package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/rpattn/blacklist/internal/config"
	"github.com/rpattn/blacklist/internal/db"
	"github.com/rpattn/blacklist/internal/ingestion"
	"github.com/rpattn/blacklist/internal/metrics"
	"github.com/rpattn/blacklist/internal/queue"
	"github.com/rpattn/blacklist/internal/repository"
	"github.com/rpattn/blacklist/internal/repository/sqlitestore"

	"github.com/rs/zerolog"
)

// openStore connects to the configured backend and brings its schema up to date.
func openStore(ctx context.Context, cfg db.Config, logger zerolog.Logger) (repository.Store, error) {
	switch cfg.Driver {
	case db.DriverSQLite:
		gdb, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		store, err := sqlitestore.New(gdb)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("using sqlite store")
		return store, nil
	case db.DriverPostgres:
		if err := db.RunMigrations(cfg); err != nil {
			return nil, err
		}
		conn, err := db.NewConnection(ctx, cfg)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("host", cfg.Host).Str("database", cfg.DBName).Msg("using postgres store")
		return repository.NewPostgresStore(conn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// pipeline is the engine, queue and job service built over one store.
type pipeline struct {
	engine  *ingestion.Engine
	queue   *queue.Queue
	service *ingestion.Service
	handles *handleTracker
}

func newPipeline(store repository.Store, cfg config.Config, m *metrics.Metrics, logger zerolog.Logger, sinks ...ingestion.ProgressSink) *pipeline {
	sink := append(ingestion.MultiSink{ingestion.LogSink{Logger: logger}}, sinks...)
	engine := ingestion.NewEngine(store, sink,
		ingestion.WithChunkSize(cfg.Ingest.ChunkSize),
		ingestion.WithChunkDelay(cfg.Ingest.ChunkDelay),
		ingestion.WithChunkRetry(cfg.Ingest.MaxChunkAttempts, cfg.Ingest.RetryBaseDelay),
		ingestion.WithRetainDir(cfg.Ingest.RetainDir),
		ingestion.WithMetrics(m),
		ingestion.WithLogger(logger),
	)

	q := queue.New(queue.Config{
		Concurrency: cfg.Queue.Concurrency,
		Capacity:    cfg.Queue.Capacity,
		MaxRetries:  cfg.Queue.MaxRetries,
		RetryDelay:  cfg.Queue.RetryDelay,
	}, engine.Run,
		queue.WithLogger(logger),
		queue.WithMetrics(m),
		queue.WithGiveUp(engine.GiveUp),
	)

	handles := &handleTracker{queue: q}
	service := ingestion.NewService(store, handles, ingestion.ServiceConfig{
		UploadDir:     cfg.Ingest.UploadDir,
		MaxJobRetries: cfg.Ingest.MaxJobRetries,
	}, logger)

	return &pipeline{engine: engine, queue: q, service: service, handles: handles}
}

// handleTracker remembers the handle of the last submitted task so a
// synchronous caller can wait for it.
type handleTracker struct {
	queue *queue.Queue

	mu   sync.Mutex
	last *queue.Handle
}

func (h *handleTracker) Submit(task queue.Task) (*queue.Handle, error) {
	handle, err := h.queue.Submit(task)
	if err == nil {
		h.mu.Lock()
		h.last = handle
		h.mu.Unlock()
	}
	return handle, err
}

func (h *handleTracker) Last() *queue.Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
