package formulations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/spicemill/spicemill/internal/costing"
	"github.com/spicemill/spicemill/internal/shared"
	"github.com/spicemill/spicemill/internal/units"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Formulation, error)
	List(ctx context.Context, filter ListFilter) ([]Formulation, int, error)
}

// MaterialCatalog resolves materials for the calculator.
type MaterialCatalog interface {
	Catalog(ctx context.Context, ids []int64) (costing.Catalog, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Invalidator drops derived read caches after a write.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// Service coordinates formulation authoring and planning.
type Service struct {
	repo      RepositoryPort
	materials MaterialCatalog
	audit     AuditPort
	cache     Invalidator
	logger    *slog.Logger
}

// NewService builds Service. audit and cache may be nil.
func NewService(repo RepositoryPort, materials MaterialCatalog, audit AuditPort, cache Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, materials: materials, audit: audit, cache: cache, logger: logger}
}

// Create validates and stores a new active formulation.
func (s *Service) Create(ctx context.Context, input Input) (Formulation, error) {
	f, err := s.prepare(ctx, input)
	if err != nil {
		return Formulation{}, err
	}
	f.Status = costing.StatusActive
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		taken, err := tx.NameTaken(ctx, shared.NameKey(f.Name), 0)
		if err != nil {
			return err
		}
		if taken {
			return ErrDuplicateName
		}
		ings := f.Ingredients
		f, err = tx.Insert(ctx, f)
		if err != nil {
			return err
		}
		f.Ingredients = ings
		return tx.ReplaceIngredients(ctx, f.ID, ings)
	})
	if err != nil {
		return Formulation{}, err
	}
	s.recordAudit(ctx, input.ActorID, "formulation:create", f.ID, map[string]any{"name": f.Name, "ingredients": len(f.Ingredients)})
	s.invalidate(ctx)
	return f, nil
}

// Replace overwrites header fields and swaps every ingredient at once.
func (s *Service) Replace(ctx context.Context, id int64, input Input) (Formulation, error) {
	next, err := s.prepare(ctx, input)
	if err != nil {
		return Formulation{}, err
	}
	var out Formulation
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		taken, err := tx.NameTaken(ctx, shared.NameKey(next.Name), id)
		if err != nil {
			return err
		}
		if taken {
			return ErrDuplicateName
		}
		next.ID = current.ID
		next.Status = current.Status
		next.CreatedAt = current.CreatedAt
		out, err = tx.Update(ctx, next)
		if err != nil {
			return err
		}
		out.Ingredients = next.Ingredients
		return tx.ReplaceIngredients(ctx, id, next.Ingredients)
	})
	if err != nil {
		return Formulation{}, err
	}
	s.recordAudit(ctx, input.ActorID, "formulation:replace", id, map[string]any{"name": out.Name, "ingredients": len(out.Ingredients)})
	s.invalidate(ctx)
	return out, nil
}

// SetStatus soft-enables or disables a formulation.
func (s *Service) SetStatus(ctx context.Context, id int64, input StatusInput) (Formulation, error) {
	status := costing.Status(input.Status)
	if !status.Valid() {
		return Formulation{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, input.Status)
	}
	var out Formulation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == status {
			out = current
			return nil
		}
		current.Status = status
		ings := current.Ingredients
		out, err = tx.Update(ctx, current)
		out.Ingredients = ings
		return err
	})
	if err != nil {
		return Formulation{}, err
	}
	s.recordAudit(ctx, input.ActorID, "formulation:status", id, map[string]any{"status": status})
	s.invalidate(ctx)
	return out, nil
}

// Get returns one formulation with ingredients.
func (s *Service) Get(ctx context.Context, id int64) (Formulation, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of formulations.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Formulation, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
	}
	return s.repo.List(ctx, filter)
}

// Preview runs the quantity calculator without writing. Lines whose
// material cannot be resolved are left out like any other incomplete row.
func (s *Service) Preview(ctx context.Context, input PreviewInput) (costing.QuantityResult, error) {
	rows, _, err := s.quantityRows(ctx, input.Lines)
	if err != nil {
		return costing.QuantityResult{}, err
	}
	return costing.FromQuantities(rows), nil
}

// quantityRows resolves lines against the material catalog and reports the
// ids it could not find.
func (s *Service) quantityRows(ctx context.Context, lines []QuantityLine) ([]costing.QuantityRow, []int64, error) {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		if line.MaterialID != 0 {
			ids = append(ids, line.MaterialID)
		}
	}
	catalog, err := s.materials.Catalog(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	rows := make([]costing.QuantityRow, 0, len(lines))
	var unknown []int64
	for _, line := range lines {
		if line.MaterialID == 0 {
			continue
		}
		m, ok := catalog[line.MaterialID]
		if !ok {
			unknown = append(unknown, line.MaterialID)
			continue
		}
		rows = append(rows, costing.QuantityRow{MaterialID: line.MaterialID, Quantity: line.Quantity, Material: &m})
	}
	return rows, unknown, nil
}

// CreateFromQuantities authors a formulation from typed quantities. The base
// quantity is the total of the lines expressed in BaseUnit.
func (s *Service) CreateFromQuantities(ctx context.Context, input BuildInput) (Formulation, costing.QuantityResult, error) {
	unit, err := units.Parse(input.BaseUnit)
	if err != nil {
		return Formulation{}, costing.QuantityResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	rows, unknown, err := s.quantityRows(ctx, input.Lines)
	if err != nil {
		return Formulation{}, costing.QuantityResult{}, err
	}
	if len(unknown) > 0 {
		return Formulation{}, costing.QuantityResult{}, fmt.Errorf("%w: %d", costing.ErrMaterialNotFound, unknown[0])
	}
	preview := costing.FromQuantities(rows)
	if len(preview.Ingredients) == 0 {
		return Formulation{}, preview, costing.ErrNoIngredients
	}
	f, err := s.Create(ctx, Input{
		Name:            input.Name,
		BaseQuantity:    units.Convert(preview.TotalQtyKg, units.Kilogram, unit),
		BaseUnit:        string(unit),
		DefaultQuantity: input.DefaultQuantity,
		Ingredients:     preview.Recipe(),
		ActorID:         input.ActorID,
	})
	return f, preview, err
}

// Plan scales formulation id to the requested target.
func (s *Service) Plan(ctx context.Context, id int64, input PlanInput) (PlanResult, error) {
	f, err := s.repo.Get(ctx, id)
	if err != nil {
		return PlanResult{}, err
	}
	return s.PlanFor(ctx, f, input)
}

// PlanFor runs the planner against an already loaded formulation.
func (s *Service) PlanFor(ctx context.Context, f Formulation, input PlanInput) (PlanResult, error) {
	target := input.Target
	if math.IsNaN(target) || math.IsInf(target, 0) || target <= 0 {
		return PlanResult{}, fmt.Errorf("%w: target must be positive", ErrInvalidInput)
	}
	if input.Unit != "" {
		u, err := units.Parse(input.Unit)
		if err != nil {
			return PlanResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		target = units.Convert(target, u, f.BaseUnit)
	}
	subs := costing.Substitutions(input.Substitutions)
	catalog, err := s.materials.Catalog(ctx, costing.MaterialIDs(f.Ingredients, subs))
	if err != nil {
		return PlanResult{}, err
	}
	reqs, err := costing.Plan(f.Spec(), target, catalog, subs)
	if err != nil {
		return PlanResult{}, err
	}
	reqs = costing.WithActual(reqs, input.ActualQuantities)
	res := PlanResult{
		FormulationID: f.ID,
		Name:          f.Name,
		Active:        f.Active(),
		Target:        target,
		Unit:          f.BaseUnit,
		ScaleFactor:   costing.ScaleFactor(f.BaseQuantity, target),
		Requirements:  reqs,
		Totals:        costing.Totals(reqs),
		Warnings:      Warnings(reqs),
	}
	if r, ok := costing.FirstInactive(reqs); ok {
		res.InactiveMaterial = &r
	}
	return res, nil
}

// Warnings renders insufficient-stock notices for a plan.
func Warnings(reqs []costing.MaterialRequirement) []string {
	out := []string{}
	for _, r := range costing.Insufficient(reqs) {
		out = append(out, fmt.Sprintf("%s: need %.3f %s, %.3f available", r.Name, r.RequiredQuantity, r.Unit, r.AvailableStock))
	}
	return out
}

// UpsertByName writes f inside tx, replacing the ingredients of an existing
// formulation with the same case-folded name or creating a new active one.
// It reports whether a formulation was created.
func UpsertByName(ctx context.Context, tx TxRepository, f Formulation) (Formulation, bool, error) {
	if err := costing.ValidatePercentages(f.Ingredients); err != nil {
		return Formulation{}, false, err
	}
	ings := f.Ingredients
	existing, err := tx.FindByNameKey(ctx, shared.NameKey(f.Name))
	switch {
	case errors.Is(err, ErrNotFound):
		f.Status = costing.StatusActive
		created, err := tx.Insert(ctx, f)
		if err != nil {
			return Formulation{}, false, err
		}
		created.Ingredients = ings
		return created, true, tx.ReplaceIngredients(ctx, created.ID, ings)
	case err != nil:
		return Formulation{}, false, err
	}
	existing.BaseQuantity = f.BaseQuantity
	existing.BaseUnit = f.BaseUnit
	if f.DefaultQuantity > 0 {
		existing.DefaultQuantity = f.DefaultQuantity
	}
	existing.Status = costing.StatusActive
	updated, err := tx.Update(ctx, existing)
	if err != nil {
		return Formulation{}, false, err
	}
	updated.Ingredients = ings
	return updated, false, tx.ReplaceIngredients(ctx, updated.ID, ings)
}

func (s *Service) prepare(ctx context.Context, input Input) (Formulation, error) {
	f, err := Normalize(input)
	if err != nil {
		return Formulation{}, err
	}
	catalog, err := s.materials.Catalog(ctx, costing.MaterialIDs(f.Ingredients, nil))
	if err != nil {
		return Formulation{}, err
	}
	if err := costing.CheckMaterials(f.Ingredients, catalog); err != nil {
		return Formulation{}, err
	}
	return f, nil
}

// Normalize validates header fields and recipe percentages without touching
// storage.
func Normalize(input Input) (Formulation, error) {
	name := shared.DisplayName(input.Name)
	if name == "" {
		return Formulation{}, fmt.Errorf("%w: name required", ErrInvalidInput)
	}
	unit, err := units.Parse(input.BaseUnit)
	if err != nil {
		return Formulation{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if math.IsNaN(input.BaseQuantity) || math.IsInf(input.BaseQuantity, 0) || input.BaseQuantity <= 0 {
		return Formulation{}, fmt.Errorf("%w: base quantity must be positive", ErrInvalidInput)
	}
	if math.IsNaN(input.DefaultQuantity) || input.DefaultQuantity < 0 {
		return Formulation{}, fmt.Errorf("%w: default quantity must be zero or more", ErrInvalidInput)
	}
	if err := costing.ValidatePercentages(input.Ingredients); err != nil {
		return Formulation{}, err
	}
	ings := make([]costing.Ingredient, len(input.Ingredients))
	copy(ings, input.Ingredients)
	return Formulation{
		Name:            name,
		BaseQuantity:    input.BaseQuantity,
		BaseUnit:        unit,
		DefaultQuantity: input.DefaultQuantity,
		Ingredients:     ings,
	}, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "formulation", EntityID: strconv.FormatInt(id, 10), Meta: meta}); err != nil {
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
