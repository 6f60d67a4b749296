package materials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/spicemill/spicemill/internal/costing"
	"github.com/spicemill/spicemill/internal/ledger"
	"github.com/spicemill/spicemill/internal/observability"
	"github.com/spicemill/spicemill/internal/shared"
	"github.com/spicemill/spicemill/internal/units"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Material, error)
	List(ctx context.Context, filter ListFilter) ([]Material, int, error)
	ListByIDs(ctx context.Context, ids []int64) ([]Material, error)
	ListMovements(ctx context.Context, materialID int64) ([]ledger.Movement, error)
	LowStock(ctx context.Context) ([]Material, error)
	IDs(ctx context.Context) ([]int64, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Invalidator drops derived read caches after a write.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// Service coordinates raw material and stock operations.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	cache   Invalidator
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewService builds Service. audit, cache and metrics may be nil.
func NewService(repo RepositoryPort, audit AuditPort, cache Invalidator, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, cache: cache, metrics: metrics, logger: logger}
}

// Create registers a raw material, optionally seeding stock with a purchase.
func (s *Service) Create(ctx context.Context, input CreateInput) (Material, error) {
	name := shared.DisplayName(input.Name)
	if name == "" {
		return Material{}, fmt.Errorf("%w: name required", ErrInvalidInput)
	}
	unit, err := units.Parse(input.Unit)
	if err != nil {
		return Material{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !nonNegative(input.CostPerUnit) || !nonNegative(input.MinStock) || !nonNegative(input.InitialStock) {
		return Material{}, fmt.Errorf("%w: cost, minimum and initial stock must be zero or more", ErrInvalidInput)
	}
	var created Material
	var seeded *StockPosting
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		taken, err := tx.NameTaken(ctx, shared.NameKey(name), 0)
		if err != nil {
			return err
		}
		if taken {
			return ErrDuplicateName
		}
		created, err = tx.Insert(ctx, Material{Name: name, Unit: unit, CostPerUnit: input.CostPerUnit, MinStock: input.MinStock, Status: costing.StatusActive})
		if err != nil {
			return err
		}
		if input.InitialStock > 0 {
			posting, err := PostMovement(ctx, tx, ledger.Movement{
				MaterialID: created.ID,
				Action:     ledger.ActionAdd,
				Quantity:   input.InitialStock,
				Reason:     ledger.ReasonPurchase,
				Reference:  "opening stock",
				ActorID:    input.ActorID,
			})
			if err != nil {
				return err
			}
			created.AvailableStock = posting.Balance.Quantity
			seeded = &posting
		}
		return nil
	})
	if err != nil {
		return Material{}, err
	}
	if seeded != nil {
		s.metrics.StockMoved(string(seeded.Movement.Action), string(seeded.Movement.Reason))
	}
	s.recordAudit(ctx, input.ActorID, "material:create", created.ID, map[string]any{"name": created.Name, "unit": created.Unit})
	s.invalidate(ctx)
	return created, nil
}

// Get returns one material with its cached available stock.
func (s *Service) Get(ctx context.Context, id int64) (Material, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of materials and the total count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Material, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
	}
	return s.repo.List(ctx, filter)
}

// Update applies field changes. The unit is frozen once any movement or
// formulation ingredient references the material.
func (s *Service) Update(ctx context.Context, id int64, input UpdateInput) (Material, error) {
	var updated Material
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next := current
		if input.Name != nil {
			next.Name = shared.DisplayName(*input.Name)
			if next.Name == "" {
				return fmt.Errorf("%w: name required", ErrInvalidInput)
			}
			if shared.NameKey(next.Name) != shared.NameKey(current.Name) {
				taken, err := tx.NameTaken(ctx, shared.NameKey(next.Name), id)
				if err != nil {
					return err
				}
				if taken {
					return ErrDuplicateName
				}
			}
		}
		if input.Unit != nil {
			unit, err := units.Parse(*input.Unit)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			if unit != current.Unit {
				if err := ensureUnitMutable(ctx, tx, id); err != nil {
					return err
				}
				next.Unit = unit
			}
		}
		if input.CostPerUnit != nil {
			if !nonNegative(*input.CostPerUnit) {
				return fmt.Errorf("%w: cost must be zero or more", ErrInvalidInput)
			}
			next.CostPerUnit = *input.CostPerUnit
		}
		if input.MinStock != nil {
			if !nonNegative(*input.MinStock) {
				return fmt.Errorf("%w: minimum stock must be zero or more", ErrInvalidInput)
			}
			next.MinStock = *input.MinStock
		}
		if input.Status != nil {
			status := costing.Status(*input.Status)
			if !status.Valid() {
				return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *input.Status)
			}
			next.Status = status
		}
		updated, err = tx.Update(ctx, next)
		return err
	})
	if err != nil {
		return Material{}, err
	}
	s.recordAudit(ctx, input.ActorID, "material:update", id, map[string]any{"name": updated.Name, "status": updated.Status})
	s.invalidate(ctx)
	return updated, nil
}

func ensureUnitMutable(ctx context.Context, tx TxRepository, id int64) error {
	moved, err := tx.HasMovements(ctx, id)
	if err != nil {
		return err
	}
	used, err := tx.InFormulations(ctx, id)
	if err != nil {
		return err
	}
	if moved || used {
		return ErrUnitLocked
	}
	return nil
}

// Delete removes a material and, through the schema cascade, its ledger.
// Materials referenced by formulations or consumed by a batch are kept.
func (s *Service) Delete(ctx context.Context, id, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetForUpdate(ctx, id); err != nil {
			return err
		}
		used, err := tx.InFormulations(ctx, id)
		if err != nil {
			return err
		}
		if used {
			return ErrMaterialInUse
		}
		return tx.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "material:delete", id, nil)
	s.invalidate(ctx)
	return nil
}

// AdjustStock appends a manual movement. A reduce below zero is accepted.
func (s *Service) AdjustStock(ctx context.Context, input AdjustInput) (StockPosting, error) {
	if err := checkManualReason(input.Action, input.Reason); err != nil {
		return StockPosting{}, err
	}
	mv := ledger.Movement{
		MaterialID: input.MaterialID,
		Action:     input.Action,
		Quantity:   input.Quantity,
		Reason:     input.Reason,
		Reference:  input.Reference,
		ActorID:    input.ActorID,
	}
	var posting StockPosting
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		posting, err = PostMovement(ctx, tx, mv)
		return err
	})
	if err != nil {
		return StockPosting{}, err
	}
	s.metrics.StockMoved(string(mv.Action), string(mv.Reason))
	s.recordAudit(ctx, input.ActorID, "stock:"+string(mv.Action), input.MaterialID, map[string]any{
		"quantity":  mv.Quantity,
		"reason":    mv.Reason,
		"reference": mv.Reference,
		"balance":   posting.Balance.Quantity,
	})
	s.invalidate(ctx)
	return posting, nil
}

// RecordPurchase is AdjustStock(add, purchase).
func (s *Service) RecordPurchase(ctx context.Context, materialID int64, quantity float64, reference string, actorID int64) (StockPosting, error) {
	return s.AdjustStock(ctx, AdjustInput{
		MaterialID: materialID,
		Action:     ledger.ActionAdd,
		Quantity:   quantity,
		Reason:     ledger.ReasonPurchase,
		Reference:  reference,
		ActorID:    actorID,
	})
}

func checkManualReason(action ledger.Action, reason ledger.Reason) error {
	if !ledger.ValidAction(action) || !ledger.ValidReason(reason) {
		return fmt.Errorf("%w: unknown action %q or reason %q", ledger.ErrInvalidMovement, action, reason)
	}
	switch reason {
	case ledger.ReasonProduction:
		return fmt.Errorf("%w: production movements come from batch confirmation", ledger.ErrInvalidMovement)
	case ledger.ReasonPurchase:
		if action != ledger.ActionAdd {
			return fmt.Errorf("%w: purchase must add stock", ledger.ErrInvalidMovement)
		}
	case ledger.ReasonWastage, ledger.ReasonDamage:
		if action != ledger.ActionReduce {
			return fmt.Errorf("%w: %s must reduce stock", ledger.ErrInvalidMovement, reason)
		}
	}
	return nil
}

// PostMovement appends mv and moves the materialised balance in the same
// transaction. The balance row is locked first so concurrent postings for a
// material serialise.
func PostMovement(ctx context.Context, tx TxRepository, mv ledger.Movement) (StockPosting, error) {
	if err := mv.Validate(); err != nil {
		return StockPosting{}, err
	}
	bal, err := tx.GetBalanceForUpdate(ctx, mv.MaterialID)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return StockPosting{}, err
	}
	inserted, err := tx.InsertMovement(ctx, mv)
	if err != nil {
		return StockPosting{}, err
	}
	next := ledger.Apply(bal, inserted)
	if err := tx.UpsertBalance(ctx, next); err != nil {
		return StockPosting{}, err
	}
	return StockPosting{Movement: inserted, Balance: next}, nil
}

// Ledger recomputes stock from the full movement history and compares it
// with the cached balance.
func (s *Service) Ledger(ctx context.Context, id int64) (LedgerView, error) {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return LedgerView{}, err
	}
	movements, err := s.repo.ListMovements(ctx, id)
	if err != nil {
		return LedgerView{}, err
	}
	sum := ledger.AvailableStock(movements)
	view := LedgerView{
		Material:    m,
		Entries:     ledger.Card(movements),
		LedgerStock: sum,
		CachedStock: m.AvailableStock,
		Drift:       ledger.Drift(sum, m.AvailableStock),
		InSync:      ledger.InSync(sum, m.AvailableStock),
	}
	if !view.InSync {
		s.metrics.LedgerDrift()
		s.logger.Warn("ledger drift detected", slog.Int64("material_id", id), slog.Float64("ledger", sum), slog.Float64("cached", m.AvailableStock))
	}
	return view, nil
}

// Reconcile rewrites the cached balance from the ledger when they disagree.
func (s *Service) Reconcile(ctx context.Context, id, actorID int64) (ReconcileResult, error) {
	var res ReconcileResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetForUpdate(ctx, id); err != nil {
			return err
		}
		bal, err := tx.GetBalanceForUpdate(ctx, id)
		if err != nil && !errors.Is(err, ErrBalanceNotFound) {
			return err
		}
		movements, err := tx.ListMovements(ctx, id)
		if err != nil {
			return err
		}
		sum := ledger.AvailableStock(movements)
		res = ReconcileResult{MaterialID: id, LedgerStock: sum, CachedStock: bal.Quantity, Drift: ledger.Drift(sum, bal.Quantity)}
		if ledger.InSync(sum, bal.Quantity) {
			return nil
		}
		res.Corrected = true
		return tx.UpsertBalance(ctx, ledger.Balance{MaterialID: id, Quantity: sum})
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	if res.Corrected {
		s.metrics.LedgerDrift()
		s.logger.Warn("ledger balance corrected", slog.Int64("material_id", id), slog.Float64("drift", res.Drift))
		s.recordAudit(ctx, actorID, "stock:reconcile", id, map[string]any{"ledger": res.LedgerStock, "cached": res.CachedStock})
		s.invalidate(ctx)
	}
	return res, nil
}

// ReconcileAll reconciles every material, continuing past failures.
func (s *Service) ReconcileAll(ctx context.Context) ([]ReconcileResult, error) {
	ids, err := s.repo.IDs(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]ReconcileResult, 0, len(ids))
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.Reconcile(ctx, id, 0)
		if err != nil {
			errs = append(errs, fmt.Errorf("material %d: %w", id, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// LowStock lists active materials under their minimum.
func (s *Service) LowStock(ctx context.Context) ([]Material, error) {
	return s.repo.LowStock(ctx)
}

// Catalog resolves materials for the cost calculator.
func (s *Service) Catalog(ctx context.Context, ids []int64) (costing.Catalog, error) {
	items, err := s.repo.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	list := make([]costing.Material, 0, len(items))
	for _, m := range items {
		list = append(list, m.Costing())
	}
	return costing.NewCatalog(list), nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "raw_material", EntityID: strconv.FormatInt(id, 10), Meta: meta}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
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

func nonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

func nameKey(name string) string {
	return shared.NameKey(name)
}

func unitOf(raw string) units.Unit {
	if u, err := units.Parse(raw); err == nil {
		return u
	}
	return units.Unit(raw)
}

func statusOf(raw string) costing.Status {
	return costing.Status(raw)
}
