package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/spicemill/spicemill/internal/jobs"
	"github.com/spicemill/spicemill/internal/materials"
)

// Reconciler rewrites cached balances from the ledger.
type Reconciler interface {
	Reconcile(ctx context.Context, id, actorID int64) (materials.ReconcileResult, error)
	ReconcileAll(ctx context.Context) ([]materials.ReconcileResult, error)
}

// ReconcileJob handles TaskLedgerReconcile.
type ReconcileJob struct {
	Materials Reconciler
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewReconcileJob initialises the reconcile handler.
func NewReconcileJob(materials Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Materials: materials, Logger: logger, Metrics: metrics}
}

// Handle executes one reconcile pass.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Materials == nil {
		return errors.New("ledger reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskLedgerReconcile)
	start := time.Now()
	logger := loggerOr(j.Logger).With(slog.String("job", TaskLedgerReconcile))

	var results []materials.ReconcileResult
	var err error
	if payload.MaterialID != 0 {
		var res materials.ReconcileResult
		res, err = j.Materials.Reconcile(ctx, payload.MaterialID, 0)
		if errors.Is(err, materials.ErrMaterialNotFound) {
			logger.Warn("material vanished before reconcile", slog.Int64("material_id", payload.MaterialID))
			return tracker.End(nil)
		}
		if err == nil {
			results = append(results, res)
		}
	} else {
		results, err = j.Materials.ReconcileAll(ctx)
	}

	corrected := 0
	for _, res := range results {
		if res.Corrected {
			corrected++
		}
	}
	j.Metrics.AddDriftCorrections(corrected)
	if err != nil {
		logger.Error("reconcile failed", slog.Any("error", err), slog.Int("corrected", corrected))
		return tracker.End(err)
	}
	logger.Info("reconcile completed",
		slog.Int("materials", len(results)),
		slog.Int("corrected", corrected),
		slog.Duration("duration", time.Since(start)))
	return tracker.End(nil)
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
