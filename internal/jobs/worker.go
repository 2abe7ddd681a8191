// ABOUTME: Polling worker that claims queued jobs and dispatches them to registered handlers
// ABOUTME: Failed jobs are retried with exponential backoff until the attempt limit is reached

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/store"
)

const (
	maxRetryDelay = time.Hour

	// finishTimeout bounds recording a job outcome after the worker context ends
	finishTimeout = 5 * time.Second
)

// Handler runs one job. Returning an error schedules a retry.
type Handler interface {
	Handle(ctx context.Context, payload []byte) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, payload []byte) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// FailureRecorder is implemented by handlers that record terminal failure on
// the record that triggered the job
type FailureRecorder interface {
	RecordFailure(ctx context.Context, payload []byte, cause error) error
}

// WorkerConfig controls polling and retry
type WorkerConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
	Backoff      time.Duration
	// Lease is how long a job may stay running before another worker reclaims it
	Lease time.Duration
}

// Worker dispatches claimed jobs by name
type Worker struct {
	store  *store.ControlStore
	cfg    WorkerConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorker creates a worker. Pass nil logger for default.
func NewWorker(s *store.ControlStore, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	return &Worker{
		store:    s,
		cfg:      cfg,
		logger:   logger.With("component", "job-worker"),
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job name, replacing any existing one
func (w *Worker) Register(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

func (w *Worker) handler(name string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[name]
	return h, ok
}

// Run polls until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "poll_interval", w.cfg.PollInterval, "max_attempts", w.cfg.MaxAttempts)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("processing jobs", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce processes every job that is ready now and returns how many ran
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	processed := 0
	for ctx.Err() == nil {
		job, err := w.store.ClaimJob(ctx, w.now(), w.cfg.Lease)
		if errors.Is(err, store.ErrNotFound) {
			return processed, nil
		}
		if err != nil {
			return processed, err
		}
		w.process(ctx, job)
		processed++
	}
	return processed, ctx.Err()
}

func (w *Worker) process(ctx context.Context, job *store.Job) {
	logger := w.logger.With("job_id", job.ID, "name", job.Name, "attempt", job.Attempts)

	// The outcome is written even when ctx ends mid-job so the row never stays running
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	h, ok := w.handler(job.Name)
	if !ok {
		logger.Error("no handler registered, failing job")
		if err := w.store.FailJob(fctx, job.ID, "no handler registered"); err != nil {
			logger.Error("failing job", "error", err)
		}
		return
	}

	err := safeHandle(ctx, h, job.Payload)
	if err == nil {
		if err := w.store.CompleteJob(fctx, job.ID); err != nil {
			logger.Error("completing job", "error", err)
			return
		}
		logger.Info("job completed")
		return
	}

	if ctx.Err() != nil {
		logger.Warn("job interrupted, requeueing", "error", err)
		if rerr := w.store.RetryJob(fctx, job.ID, err.Error(), w.now()); rerr != nil {
			logger.Error("requeueing job", "error", rerr)
		}
		return
	}

	if job.Attempts >= w.cfg.MaxAttempts {
		logger.Error("job failed permanently", "error", err)
		if ferr := w.store.FailJob(fctx, job.ID, err.Error()); ferr != nil {
			logger.Error("failing job", "error", ferr)
		}
		if rec, ok := h.(FailureRecorder); ok {
			if rerr := rec.RecordFailure(fctx, job.Payload, err); rerr != nil {
				logger.Error("recording failure", "error", rerr)
			}
		}
		return
	}

	runAfter := w.now().Add(w.retryDelay(job.Attempts))
	logger.Warn("job failed, will retry", "error", err, "run_after", runAfter)
	if rerr := w.store.RetryJob(fctx, job.ID, err.Error(), runAfter); rerr != nil {
		logger.Error("rescheduling job", "error", rerr)
	}
}

// retryDelay doubles the base backoff for each attempt already made
func (w *Worker) retryDelay(attempts int) time.Duration {
	d := w.cfg.Backoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// safeHandle turns a handler panic into an error so one bad job cannot stop the worker
func safeHandle(ctx context.Context, h Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, payload)
}
