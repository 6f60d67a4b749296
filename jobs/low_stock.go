package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/spicemill/spicemill/internal/jobs"
	"github.com/spicemill/spicemill/internal/materials"
)

// LowStockSource lists materials under their minimum.
type LowStockSource interface {
	LowStock(ctx context.Context) ([]materials.Material, error)
}

// LowStockJob handles TaskLowStockScan.
type LowStockJob struct {
	Source  LowStockSource
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLowStockJob initialises the low-stock handler.
func NewLowStockJob(source LowStockSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockJob {
	return &LowStockJob{Source: source, Logger: logger, Metrics: metrics}
}

// Handle logs every material under its minimum and publishes the count.
func (j *LowStockJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil {
		return errors.New("low stock scan: handler not configured")
	}
	var payload LowStockPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskLowStockScan)
	logger := loggerOr(j.Logger).With(slog.String("job", TaskLowStockScan))

	low, err := j.Source.LowStock(ctx)
	if err != nil {
		logger.Error("low stock scan failed", slog.Any("error", err))
		return tracker.End(err)
	}
	for _, m := range low {
		logger.Warn("material below minimum stock",
			slog.Int64("material_id", m.ID),
			slog.String("name", m.Name),
			slog.Float64("available", m.AvailableStock),
			slog.Float64("minimum", m.MinStock),
			slog.String("unit", string(m.Unit)))
	}
	j.Metrics.SetLowStock(len(low))
	logger.Info("low stock scan completed", slog.Int("materials", len(low)))
	return tracker.End(nil)
}
