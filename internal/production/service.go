package production

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spicemill/spicemill/internal/costing"
	"github.com/spicemill/spicemill/internal/formulations"
	"github.com/spicemill/spicemill/internal/ledger"
	"github.com/spicemill/spicemill/internal/materials"
	"github.com/spicemill/spicemill/internal/observability"
	"github.com/spicemill/spicemill/internal/shared"
	"github.com/spicemill/spicemill/internal/units"
)

// IdempotencyModule scopes batch confirmation keys.
const IdempotencyModule = "production.confirm"

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Batch, error)
	List(ctx context.Context, filter ListFilter) ([]Batch, int, error)
}

// FormulationSource loads and plans formulations.
type FormulationSource interface {
	Get(ctx context.Context, id int64) (formulations.Formulation, error)
	PlanFor(ctx context.Context, f formulations.Formulation, input formulations.PlanInput) (formulations.PlanResult, error)
}

// IdempotencyPort claims request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Invalidator drops derived read caches after a write.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// Service confirms and reads production batches.
type Service struct {
	repo         RepositoryPort
	formulations FormulationSource
	idempotency  IdempotencyPort
	audit        AuditPort
	cache        Invalidator
	metrics      *observability.Metrics
	logger       *slog.Logger
	now          func() time.Time
	newCode      func(time.Time) string
}

// NewService builds Service. idempotency, audit, cache and metrics may be nil.
func NewService(repo RepositoryPort, formulations FormulationSource, idempotency IdempotencyPort, audit AuditPort, cache Invalidator, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:         repo,
		formulations: formulations,
		idempotency:  idempotency,
		audit:        audit,
		cache:        cache,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
		newCode:      batchCode,
	}
}

func batchCode(day time.Time) string {
	return fmt.Sprintf("PB-%s-%s", day.Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}

// Confirm plans the batch, blocks on inactive materials, and books the batch,
// its frozen usage and the production movements in one transaction.
// Insufficient stock never blocks; it is reported in Warnings.
func (s *Service) Confirm(ctx context.Context, input ConfirmInput) (ConfirmResult, error) {
	if err := validateQuantities(input); err != nil {
		return ConfirmResult{}, err
	}
	f, err := s.formulations.Get(ctx, input.FormulationID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if !f.Active() {
		return ConfirmResult{}, fmt.Errorf("%w: %s", ErrInactiveFormulation, f.Name)
	}
	unit := f.BaseUnit
	if strings.TrimSpace(input.Unit) != "" {
		if unit, err = units.Parse(input.Unit); err != nil {
			return ConfirmResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	actual := make(map[int64]float64, len(input.ActualQuantities))
	for id, q := range input.ActualQuantities {
		actual[id] = units.Convert(q, unit, f.BaseUnit)
	}
	plan, err := s.formulations.PlanFor(ctx, f, formulations.PlanInput{
		Target:           input.PlannedQuantity,
		Unit:             string(unit),
		Substitutions:    input.Substitutions,
		ActualQuantities: actual,
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	if plan.InactiveMaterial != nil {
		return ConfirmResult{}, fmt.Errorf("%w: %s", ErrInactiveMaterial, plan.InactiveMaterial.Name)
	}

	if err := s.claim(ctx, input.IdempotencyKey); err != nil {
		return ConfirmResult{}, err
	}

	day := input.ProductionDate
	if day.IsZero() {
		day = s.now()
	}
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	batch := Batch{
		Code:            s.newCode(day),
		FormulationID:   f.ID,
		FormulationName: f.Name,
		PlannedQuantity: input.PlannedQuantity,
		LossQuantity:    input.LossQuantity,
		FinalQuantity:   input.PlannedQuantity - input.LossQuantity,
		Unit:            unit,
		ProductionDate:  day,
		ActorID:         input.ActorID,
	}
	usages := Usages(plan.Requirements, unit)
	for _, u := range usages {
		batch.TotalCost += u.Cost
	}
	if batch.FinalQuantity > 0 {
		batch.CostPerUnit = batch.TotalCost / batch.FinalQuantity
	}

	draft := batch
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		saved, err := tx.InsertBatch(ctx, draft)
		if err != nil {
			return err
		}
		saved.Usages, err = tx.InsertUsages(ctx, saved.ID, usages)
		if err != nil {
			return err
		}
		stock := tx.Materials()
		for _, u := range saved.Usages {
			if u.NativeQuantity <= 0 {
				continue
			}
			_, err := materials.PostMovement(ctx, stock, ledger.Movement{
				MaterialID: u.MaterialID,
				Action:     ledger.ActionReduce,
				Quantity:   u.NativeQuantity,
				Reason:     ledger.ReasonProduction,
				Reference:  saved.Code,
				ActorID:    input.ActorID,
			})
			if err != nil {
				return fmt.Errorf("book %s: %w", u.MaterialName, err)
			}
		}
		batch = saved
		return nil
	})
	if err != nil {
		s.release(ctx, input.IdempotencyKey)
		return ConfirmResult{}, err
	}

	for range batch.Usages {
		s.metrics.StockMoved(string(ledger.ActionReduce), string(ledger.ReasonProduction))
	}
	s.metrics.BatchConfirmed(len(plan.Warnings))
	s.logger.Info("batch confirmed",
		slog.String("code", batch.Code),
		slog.Int64("formulation_id", f.ID),
		slog.Float64("final_quantity", batch.FinalQuantity),
		slog.Int("warnings", len(plan.Warnings)))
	s.recordAudit(ctx, input.ActorID, batch)
	s.invalidate(ctx)
	return ConfirmResult{Batch: batch, Warnings: plan.Warnings}, nil
}

// Usages freezes plan requirements into usage lines in the batch unit.
func Usages(reqs []costing.MaterialRequirement, unit units.Unit) []MaterialUsage {
	out := make([]MaterialUsage, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, MaterialUsage{
			MaterialID:     r.MaterialID,
			SubstitutedFor: r.SubstitutedFor,
			MaterialName:   r.Name,
			Percentage:     r.Percentage,
			Quantity:       units.Convert(r.ActualQuantity, r.Unit, unit),
			MaterialUnit:   r.MaterialUnit,
			NativeQuantity: r.ActualNative(),
			RatePerUnit:    units.RateIn(r.RatePerUnit, r.Unit, unit),
			Cost:           r.ActualCost(),
		})
	}
	return out
}

func validateQuantities(input ConfirmInput) error {
	if input.FormulationID == 0 {
		return fmt.Errorf("%w: formulation required", ErrInvalidInput)
	}
	p := input.PlannedQuantity
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
		return fmt.Errorf("%w: planned quantity must be positive", ErrInvalidInput)
	}
	l := input.LossQuantity
	if math.IsNaN(l) || l < 0 || l > p {
		return ErrInvalidLoss
	}
	for id, q := range input.ActualQuantities {
		if math.IsNaN(q) || math.IsInf(q, 0) || q < 0 {
			return fmt.Errorf("%w: actual quantity for material %d", ErrInvalidInput, id)
		}
	}
	return nil
}

// Get returns one batch with usages.
func (s *Service) Get(ctx context.Context, id int64) (Batch, error) {
	return s.repo.Get(ctx, id)
}

// List returns batches newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Batch, int, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) claim(ctx context.Context, key string) error {
	if s.idempotency == nil || key == "" {
		return nil
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, IdempotencyModule); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return ErrDuplicateRequest
		}
		return err
	}
	return nil
}

func (s *Service) release(ctx context.Context, key string) {
	if s.idempotency == nil || key == "" {
		return
	}
	if err := s.idempotency.Delete(ctx, key); err != nil {
		s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, b Batch) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "production:confirm",
		Entity:   "production_batch",
		EntityID: strconv.FormatInt(b.ID, 10),
		Meta:     map[string]any{"code": b.Code, "final_quantity": b.FinalQuantity, "total_cost": b.TotalCost},
	})
	if err != nil {
		s.logger.Warn("audit record", slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("cache bump", slog.Any("error", err))
	}
}
