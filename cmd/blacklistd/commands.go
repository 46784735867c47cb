package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rpattn/blacklist/internal/db"
	"github.com/rpattn/blacklist/internal/domain"
	"github.com/rpattn/blacklist/internal/export"
	"github.com/rpattn/blacklist/internal/metrics"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Database.Driver == db.DriverPostgres {
				return db.RunMigrations(a.cfg.Database)
			}
			store, err := openStore(cmd.Context(), a.cfg.Database, a.logger)
			if err != nil {
				return err
			}
			return store.Close()
		},
	}
}

func newIngestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest FILE",
		Short: "Run one file through the pipeline and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.ingest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			summary := ""
			if job.ErrorMessage != nil {
				summary = *job.ErrorMessage
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", job.ID, job.Status, summary)
			if job.Status != domain.JobStatusCompleted {
				return fmt.Errorf("job %s %s", job.ID, job.Status)
			}
			return nil
		},
	}
}

// ingest copies path into the upload directory, queues it and blocks until the
// worker gives a final answer.
func (a *app) ingest(ctx context.Context, path string) (domain.IngestionJob, error) {
	store, err := openStore(ctx, a.cfg.Database, a.logger)
	if err != nil {
		return domain.IngestionJob{}, err
	}
	defer store.Close()

	p := newPipeline(store, a.cfg, metrics.New(), a.logger)
	if err := p.queue.Start(ctx); err != nil {
		return domain.IngestionJob{}, err
	}
	defer p.queue.Stop(context.Background())

	f, err := os.Open(path)
	if err != nil {
		return domain.IngestionJob{}, err
	}
	defer f.Close()

	job, err := p.service.Upload(ctx, filepath.Base(path), f)
	if err != nil {
		return job, err
	}
	if err := p.handles.Last().Wait(ctx); err != nil && ctx.Err() != nil {
		return job, ctx.Err()
	}
	return p.service.GetStatus(context.WithoutCancel(ctx), job.ID)
}

func newExportCmd(a *app) *cobra.Command {
	var out, jobID string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the blacklist, or one job's quarantined rows, as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, a.cfg.Database, a.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			svc := export.NewService(store, export.WithLogger(a.logger))
			run := func(w io.Writer) (export.Summary, error) { return svc.ExportBlacklist(ctx, w) }
			if jobID != "" {
				id, err := uuid.Parse(jobID)
				if err != nil {
					return fmt.Errorf("invalid job id: %w", err)
				}
				run = func(w io.Writer) (export.Summary, error) { return svc.ExportQuarantined(ctx, id, w) }
			}

			if out == "" || out == "-" {
				_, err := run(cmd.OutOrStdout())
				return err
			}
			summary, err := export.WriteFile(out, run)
			if err != nil {
				return err
			}
			a.logger.Info().Str("file", out).Int("rows", summary.Rows).Int64("bytes", summary.Bytes).Msg("export written")
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	cmd.Flags().StringVar(&jobID, "job", "", "export the quarantined rows of this job instead of the blacklist")
	return cmd
}
