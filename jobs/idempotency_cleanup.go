package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/spicemill/spicemill/internal/jobs"
)

// KeyStore expires idempotency keys.
type KeyStore interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// CleanupJob handles TaskIdempotencyCleanup.
type CleanupJob struct {
	Keys    KeyStore
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCleanupJob initialises the cleanup handler.
func NewCleanupJob(keys KeyStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *CleanupJob {
	return &CleanupJob{Keys: keys, Logger: logger, Metrics: metrics}
}

// Handle deletes keys older than the payload's retention.
func (j *CleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Keys == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload CleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.OlderThan <= 0 {
		payload.OlderThan = DefaultKeyRetention
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	if err := j.Keys.Cleanup(ctx, payload.OlderThan); err != nil {
		loggerOr(j.Logger).Error("idempotency cleanup failed", slog.Any("error", err))
		return tracker.End(err)
	}
	loggerOr(j.Logger).Info("idempotency keys cleaned", slog.Duration("older_than", payload.OlderThan))
	return tracker.End(nil)
}
