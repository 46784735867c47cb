package ingestion

import (
	"context"

	"github.com/rpattn/blacklist/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProgressEvent is published after every ledger update.
type ProgressEvent struct {
	JobID            uuid.UUID        `json:"jobId"`
	Filename         string           `json:"filename"`
	Progress         int              `json:"progress"`
	ProcessedRecords int              `json:"processedRecords"`
	TotalRecords     int              `json:"totalRecords"`
	UniqueDomains    int              `json:"uniqueDomains"`
	DuplicateDomains int              `json:"duplicateDomains"`
	FailedRecords    int              `json:"failedRecords"`
	ProcessingTime   float64          `json:"processingTime"`
	Status           domain.JobStatus `json:"status"`
}

// ProgressSink receives progress events. Implementations must not block for long;
// the engine calls Publish on the worker goroutine.
type ProgressSink interface {
	Publish(ctx context.Context, event ProgressEvent)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(ctx context.Context, event ProgressEvent)

func (f SinkFunc) Publish(ctx context.Context, event ProgressEvent) { f(ctx, event) }

// LogSink writes each event as a structured log line.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Publish(_ context.Context, event ProgressEvent) {
	s.Logger.Info().
		Str("job_id", event.JobID.String()).
		Str("filename", event.Filename).
		Str("status", string(event.Status)).
		Int("progress", event.Progress).
		Int("processed", event.ProcessedRecords).
		Int("total", event.TotalRecords).
		Int("unique", event.UniqueDomains).
		Int("duplicates", event.DuplicateDomains).
		Int("failed", event.FailedRecords).
		Float64("processing_time", event.ProcessingTime).
		Msg("ingestion progress")
}

// MultiSink fans an event out to every sink in order.
type MultiSink []ProgressSink

func (m MultiSink) Publish(ctx context.Context, event ProgressEvent) {
	for _, sink := range m {
		if sink != nil {
			sink.Publish(ctx, event)
		}
	}
}

func progressEvent(job domain.IngestionJob, p domain.JobProgress) ProgressEvent {
	job.Status = p.Status
	job.TotalRecords = p.TotalRecords
	job.ProcessedRecords = p.ProcessedRecords
	return ProgressEvent{
		JobID:            job.ID,
		Filename:         job.Filename,
		Progress:         job.Progress(),
		ProcessedRecords: p.ProcessedRecords,
		TotalRecords:     p.TotalRecords,
		UniqueDomains:    p.UniqueDomains,
		DuplicateDomains: p.DuplicateDomains,
		FailedRecords:    p.FailedRecords,
		ProcessingTime:   p.ProcessingTime,
		Status:           p.Status,
	}
}
