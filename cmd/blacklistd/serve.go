package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rpattn/blacklist/internal/export"
	"github.com/rpattn/blacklist/internal/ingestion"
	"github.com/rpattn/blacklist/internal/metrics"
	"github.com/rpattn/blacklist/internal/middleware"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the ingestion workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	logger := a.logger

	store, err := openStore(ctx, a.cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	p := newPipeline(store, a.cfg, m, logger)

	if _, err := p.service.RecoverStale(ctx); err != nil {
		return err
	}
	if err := p.queue.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	jobs := ingestion.NewHTTPHandler(p.service, p.queue.Status)
	exports := export.NewHTTPHandler(export.NewService(store, export.WithLogger(logger)))

	mux := http.NewServeMux()
	mux.Handle("GET /blacklist/export", exports)
	mux.Handle("GET /jobs/{id}/quarantine/export", exports)
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/", jobs)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   a.cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Disposition"},
	})

	server := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           corsHandler.Handler(middleware.Logging(logger)(mux)),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("starting blacklist API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			_ = p.queue.Stop(context.Background())
			return err
		}
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := p.queue.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("queue did not drain before shutdown")
	}

	logger.Info().Msg("server exited")
	return nil
}
