package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerReconcile rewrites materialised balances from the movement ledger.
	TaskLedgerReconcile = "ledger:reconcile"
	// TaskLowStockScan reports materials below their minimum stock.
	TaskLowStockScan = "stock:low-scan"
	// TaskIdempotencyCleanup drops expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// ReconcilePayload targets one material, or every material when MaterialID is zero.
type ReconcilePayload struct {
	MaterialID int64 `json:"material_id,omitempty"`
}

// NewReconcileTask constructs a ledger reconcile task.
func NewReconcileTask(materialID int64) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcilePayload{MaterialID: materialID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// LowStockPayload carries scheduling metadata.
type LowStockPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewLowStockTask constructs a low-stock scan task.
func NewLowStockTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(LowStockPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStockScan, body, asynq.Queue(QueueDefault)), nil
}

// CleanupPayload sets the idempotency key retention.
type CleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// DefaultKeyRetention is how long idempotency keys are kept.
const DefaultKeyRetention = 7 * 24 * time.Hour

// NewCleanupTask constructs an idempotency cleanup task.
func NewCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(CleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
