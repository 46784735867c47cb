// Package export serializes the blacklist and quarantined rows as CSV.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rpattn/blacklist/internal/domain"
	"github.com/rpattn/blacklist/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// BlacklistColumns is the header row of a blacklist export.
	BlacklistColumns = []string{"id", "name", "domain", "reason", "category", "hit_count"}
	// QuarantineColumns is the header row of a quarantine export.
	QuarantineColumns = []string{"row_number", "domain", "name", "category", "reason", "hit_count", "error_message"}
)

// Option customises the export service.
type Option func(*Service)

// WithPageSize sets how many blacklist rows are read per query.
func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger.With().Str("component", "export").Logger()
	}
}

// Summary describes a finished export.
type Summary struct {
	Rows  int   `json:"rows"`
	Bytes int64 `json:"bytes"`
}

// Service streams store contents in a fixed column order.
type Service struct {
	blacklist  repository.BlacklistRepository
	jobs       repository.JobRepository
	quarantine repository.QuarantineRepository
	pageSize   int
	logger     zerolog.Logger
}

// NewService builds an export service over store.
func NewService(store repository.Store, opts ...Option) *Service {
	s := &Service{
		blacklist:  store.Blacklist(),
		jobs:       store.Jobs(),
		quarantine: store.Quarantine(),
		pageSize:   1000,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExportBlacklist writes every entry ordered by domain.
func (s *Service) ExportBlacklist(ctx context.Context, w io.Writer) (Summary, error) {
	buffered := bufio.NewWriterSize(w, 1<<16)
	counter := &countingWriter{writer: buffered}
	csvWriter := csv.NewWriter(counter)

	if err := csvWriter.Write(BlacklistColumns); err != nil {
		return Summary{}, fmt.Errorf("write header: %w", err)
	}

	rows := 0
	record := make([]string, len(BlacklistColumns))
	for offset := 0; ; offset += s.pageSize {
		if ctx.Err() != nil {
			return Summary{Rows: rows, Bytes: counter.count}, ctx.Err()
		}
		entries, err := s.blacklist.List(ctx, s.pageSize, offset)
		if err != nil {
			return Summary{Rows: rows, Bytes: counter.count}, fmt.Errorf("list blacklist: %w", err)
		}
		for _, entry := range entries {
			record[0] = entry.ID.String()
			record[1] = entry.Name
			record[2] = entry.Domain
			record[3] = entry.Reason
			record[4] = entry.Category
			record[5] = strconv.Itoa(entry.HitCount)
			if err := csvWriter.Write(record); err != nil {
				return Summary{Rows: rows, Bytes: counter.count}, fmt.Errorf("write blacklist row: %w", err)
			}
			rows++
		}
		if len(entries) < s.pageSize {
			break
		}
	}

	summary, err := finish(csvWriter, buffered, counter, rows)
	if err != nil {
		return summary, err
	}
	s.logger.Debug().Int("rows", rows).Int64("bytes", summary.Bytes).Msg("blacklist exported")
	return summary, nil
}

// ExportQuarantined writes the quarantined rows of one job ordered by row number.
func (s *Service) ExportQuarantined(ctx context.Context, jobID uuid.UUID, w io.Writer) (Summary, error) {
	if _, err := s.jobs.GetByID(ctx, jobID); err != nil {
		return Summary{}, err
	}
	records, err := s.quarantine.ListByJob(ctx, jobID)
	if err != nil {
		return Summary{}, fmt.Errorf("list quarantined records: %w", err)
	}

	buffered := bufio.NewWriterSize(w, 1<<16)
	counter := &countingWriter{writer: buffered}
	csvWriter := csv.NewWriter(counter)

	if err := csvWriter.Write(QuarantineColumns); err != nil {
		return Summary{}, fmt.Errorf("write header: %w", err)
	}
	row := make([]string, len(QuarantineColumns))
	for _, rec := range records {
		row[0] = strconv.Itoa(rec.RowNumber)
		row[1] = rec.Domain
		row[2] = rec.Name
		row[3] = rec.Category
		row[4] = rec.Reason
		row[5] = strconv.Itoa(rec.HitCount)
		row[6] = rec.ErrorMessage
		if err := csvWriter.Write(row); err != nil {
			return Summary{}, fmt.Errorf("write quarantined row: %w", err)
		}
	}

	return finish(csvWriter, buffered, counter, len(records))
}

// WriteFile runs export into a temporary file next to path and renames it into
// place once complete, so readers never see a partial file.
func WriteFile(path string, export func(w io.Writer) (Summary, error)) (Summary, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("create export directory: %w", err)
	}
	tempFile, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return Summary{}, fmt.Errorf("create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
		}
	}()

	summary, err := export(tempFile)
	if err != nil {
		return summary, err
	}
	if err := tempFile.Close(); err != nil {
		return summary, fmt.Errorf("close export file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return summary, fmt.Errorf("finalize export file: %w", err)
	}
	cleanup = false
	return summary, nil
}

func finish(csvWriter *csv.Writer, buffered *bufio.Writer, counter *countingWriter, rows int) (Summary, error) {
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return Summary{Rows: rows, Bytes: counter.count}, fmt.Errorf("flush rows: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return Summary{Rows: rows, Bytes: counter.count}, fmt.Errorf("flush buffered rows: %w", err)
	}
	return Summary{Rows: rows, Bytes: counter.count}, nil
}

// countingWriter sits between the csv and bufio writers, so count tracks bytes
// handed to the buffer.
type countingWriter struct {
	writer *bufio.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}

// QuarantineFilename is the download name for a job's quarantine export.
func QuarantineFilename(job domain.IngestionJob) string {
	return fmt.Sprintf("quarantine-%s.csv", job.ID)
}
