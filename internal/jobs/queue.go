// ABOUTME: One-shot job queue with idempotency keys, backed by the control store
// ABOUTME: Enqueue reports whether a new job was created or an equivalent live job already existed

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/store"
)

// Job names
const (
	NameChannelBackfill   = "channel.backfill"
	NameChannelAvatarSync = "channel.avatar-sync"
)

// Queue schedules one-shot background work
type Queue interface {
	// Enqueue schedules name with payload. A non-empty key deduplicates
	// against pending or running jobs with the same key; enqueued is false
	// when such a job already exists.
	Enqueue(ctx context.Context, name string, payload any, key string) (enqueued bool, err error)
}

// SQLiteQueue stores jobs in the control database
type SQLiteQueue struct {
	store  *store.ControlStore
	logger *slog.Logger
}

var _ Queue = (*SQLiteQueue)(nil)

// NewSQLiteQueue creates a queue. Pass nil logger for default.
func NewSQLiteQueue(s *store.ControlStore, logger *slog.Logger) *SQLiteQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteQueue{store: s, logger: logger.With("component", "job-queue")}
}

// Enqueue inserts a pending job
func (q *SQLiteQueue) Enqueue(ctx context.Context, name string, payload any, key string) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encoding %s payload: %w", name, err)
	}

	job := &store.Job{
		ID:             uuid.New().String(),
		Name:           name,
		Payload:        data,
		IdempotencyKey: key,
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateJob) {
			q.logger.Debug("job already queued", "name", name, "key", key)
			return false, nil
		}
		return false, err
	}

	q.logger.Info("job enqueued", "name", name, "job_id", job.ID, "key", key)
	return true, nil
}
