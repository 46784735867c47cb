// Package queue runs ingestion tasks on a bounded pool of workers in FIFO order.
//
// Each task is retried a fixed number of times with a fixed delay. A task whose
// source file has disappeared fails at once without retries, and so does a task
// whose error is marked Permanent.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rpattn/blacklist/internal/domain"
	"github.com/rpattn/blacklist/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueClosed is returned by Submit after Stop.
	ErrQueueClosed = errors.New("queue: closed")
	// ErrQueueFull is returned by Submit when the backlog is at capacity.
	ErrQueueFull = errors.New("queue: full")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("queue: already started")
	// ErrAbandoned resolves tasks still waiting when the queue stops.
	ErrAbandoned = errors.New("queue: stopped before task ran")
)

// Task is one file to ingest.
type Task struct {
	JobID    uuid.UUID
	FilePath string
	Filename string
}

// RunFunc processes a task.
type RunFunc func(ctx context.Context, task Task) error

// GiveUpFunc is notified once per task that finally failed.
type GiveUpFunc func(ctx context.Context, task Task, err error)

// Config controls worker count and retry policy.
type Config struct {
	Concurrency int
	Capacity    int
	MaxRetries  int
	RetryDelay  time.Duration
}

// DefaultConfig processes one file at a time and retries three times, five seconds apart.
func DefaultConfig() Config {
	return Config{
		Concurrency: 1,
		Capacity:    100,
		MaxRetries:  3,
		RetryDelay:  5 * time.Second,
	}
}

// Status is a point-in-time view of the queue.
type Status struct {
	Length      int `json:"length"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// Option customises a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger.With().Str("component", "queue").Logger()
	}
}

// WithMetrics records task outcomes and depth.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithGiveUp installs the permanent-failure hook.
func WithGiveUp(fn GiveUpFunc) Option {
	return func(q *Queue) {
		q.onGiveUp = fn
	}
}

// Handle tracks a submitted task until it finishes.
type Handle struct {
	Task Task

	done     chan struct{}
	err      error
	attempts int
}

// Done is closed when the task has finished, successfully or not.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the final error. It is only meaningful after Done is closed.
func (h *Handle) Err() error { return h.err }

// Attempts returns how many times the task ran.
func (h *Handle) Attempts() int { return h.attempts }

// Wait blocks until the task finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Queue is a FIFO work queue drained by a fixed number of workers.
type Queue struct {
	cfg      Config
	run      RunFunc
	tasks    chan *Handle
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	onGiveUp GiveUpFunc
	stat     func(string) (os.FileInfo, error)

	mu       sync.Mutex
	started  bool
	closed   bool
	stopping atomic.Bool
	running  atomic.Int32
	group    *errgroup.Group
	cancel   context.CancelFunc
}

// New builds a queue; call Start to launch the workers.
func New(cfg Config, run RunFunc, opts ...Option) *Queue {
	defaults := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaults.Capacity
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}

	q := &Queue{
		cfg:    cfg,
		run:    run,
		tasks:  make(chan *Handle, cfg.Capacity),
		logger: zerolog.Nop(),
		stat:   os.Stat,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the workers. They run until Stop or until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return ErrAlreadyStarted
	}
	if q.closed {
		return ErrQueueClosed
	}
	q.started = true

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	group, groupCtx := errgroup.WithContext(workerCtx)
	q.group = group
	for i := 0; i < q.cfg.Concurrency; i++ {
		worker := i
		group.Go(func() error {
			return q.work(groupCtx, worker)
		})
	}
	q.logger.Info().Int("concurrency", q.cfg.Concurrency).Msg("queue started")
	return nil
}

// Submit appends a task to the queue without blocking.
func (q *Queue) Submit(task Task) (*Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	h := &Handle{Task: task, done: make(chan struct{})}
	select {
	case q.tasks <- h:
	default:
		return nil, fmt.Errorf("%w: %d tasks waiting", ErrQueueFull, len(q.tasks))
	}
	q.metrics.SetQueueDepth(len(q.tasks))
	q.logger.Debug().Str("job_id", task.JobID.String()).Int("length", len(q.tasks)).Msg("task queued")
	return h, nil
}

// Status reports the backlog and how many tasks are executing.
func (q *Queue) Status() Status {
	return Status{
		Length:      len(q.tasks),
		Running:     int(q.running.Load()),
		Concurrency: q.cfg.Concurrency,
	}
}

// Stop refuses new work, lets running tasks finish and abandons queued ones.
// If ctx ends first the workers are cancelled.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.stopping.Store(true)
	close(q.tasks)
	started := q.started
	q.mu.Unlock()

	if !started {
		for h := range q.tasks {
			q.abandon(ctx, h)
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- q.group.Wait() }()

	select {
	case err := <-done:
		q.cancel()
		return err
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) work(ctx context.Context, worker int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case h, ok := <-q.tasks:
			if !ok {
				return nil
			}
			q.metrics.SetQueueDepth(len(q.tasks))
			if q.stopping.Load() {
				q.abandon(ctx, h)
				continue
			}
			q.execute(ctx, worker, h)
		}
	}
}

func (q *Queue) execute(ctx context.Context, worker int, h *Handle) {
	q.running.Add(1)
	defer q.running.Add(-1)

	logger := q.logger.With().Int("worker", worker).Str("job_id", h.Task.JobID.String()).Logger()
	maxAttempts := q.cfg.MaxRetries + 1

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		h.attempts = attempt
		if _, statErr := q.stat(h.Task.FilePath); statErr != nil {
			err = Permanent(fmt.Errorf("%w: %s", domain.ErrSourceMissing, h.Task.FilePath))
			break
		}

		err = q.runSafe(ctx, h.Task)
		if err == nil || IsPermanent(err) || attempt == maxAttempts {
			break
		}

		logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", q.cfg.RetryDelay).Msg("task failed, retrying")
		if waitErr := sleep(ctx, q.cfg.RetryDelay); waitErr != nil {
			err = waitErr
			break
		}
	}

	if err == nil {
		q.metrics.TaskFinished("completed")
		logger.Info().Int("attempts", h.attempts).Msg("task completed")
		h.finish(nil)
		return
	}

	q.metrics.TaskFinished("failed")
	logger.Error().Err(err).Int("attempts", h.attempts).Msg("task failed permanently")
	q.giveUp(ctx, h.Task, err)
	h.finish(Unwrap(err))
}

func (q *Queue) runSafe(ctx context.Context, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return q.run(ctx, task)
}

func (q *Queue) abandon(ctx context.Context, h *Handle) {
	q.metrics.TaskFinished("abandoned")
	q.giveUp(ctx, h.Task, ErrAbandoned)
	h.finish(ErrAbandoned)
}

func (q *Queue) giveUp(ctx context.Context, task Task, err error) {
	if q.onGiveUp == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	q.onGiveUp(ctx, task, Unwrap(err))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
