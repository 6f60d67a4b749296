package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/spicemill/spicemill/internal/costing"
	"github.com/spicemill/spicemill/internal/formulations"
	"github.com/spicemill/spicemill/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Draft, error)
	List(ctx context.Context, filter ListFilter) ([]Draft, int, error)
}

// ApprovalPort records the review trail.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// MaterialCatalog resolves materials for validation.
type MaterialCatalog interface {
	Catalog(ctx context.Context, ids []int64) (costing.Catalog, error)
}

// Planner costs a draft as if it were a formulation.
type Planner interface {
	PlanFor(ctx context.Context, f formulations.Formulation, input formulations.PlanInput) (formulations.PlanResult, error)
}

// Invalidator drops derived read caches after a write.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// Service runs the research review workflow.
type Service struct {
	repo      RepositoryPort
	approvals ApprovalPort
	materials MaterialCatalog
	planner   Planner
	cache     Invalidator
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds Service. approvals and cache may be nil.
func NewService(repo RepositoryPort, approvals ApprovalPort, materials MaterialCatalog, planner Planner, cache Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, approvals: approvals, materials: materials, planner: planner, cache: cache, logger: logger, now: time.Now}
}

// Submit stores a new pending draft owned by actor.
func (s *Service) Submit(ctx context.Context, actor shared.Actor, input SubmitInput) (Draft, error) {
	if err := actor.Require(); err != nil {
		return Draft{}, err
	}
	d, err := s.prepare(ctx, input)
	if err != nil {
		return Draft{}, err
	}
	d.Status = StatusPending
	d.ResearcherID = actor.ID
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ings := d.Ingredients
		var err error
		d, err = tx.Insert(ctx, d)
		if err != nil {
			return err
		}
		d.Ingredients = ings
		return tx.ReplaceIngredients(ctx, d.ID, ings)
	})
	if err != nil {
		return Draft{}, err
	}
	s.record(ctx, d.ID, actor.ID, shared.ApprovalSubmit, "")
	s.invalidate(ctx)
	return d, nil
}

// Approve promotes a pending draft into the live formulation of the same
// name, creating it when absent.
func (s *Service) Approve(ctx context.Context, actor shared.Actor, id int64) (Draft, error) {
	if err := s.requireReviewer(actor); err != nil {
		return Draft{}, err
	}
	var out Draft
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := Next(d.Status, ActionApprove)
		if err != nil {
			return fmt.Errorf("%w: draft is %s", err, d.Status)
		}
		promoted, _, err := formulations.UpsertByName(ctx, tx.Formulations(), formulations.Formulation{
			Name:         d.Name,
			BaseQuantity: d.BaseQuantity,
			BaseUnit:     d.BaseUnit,
			Ingredients:  d.Ingredients,
		})
		if err != nil {
			return err
		}
		at := s.now().UTC()
		d.Status = next
		d.ReviewedBy = actor.ID
		d.ReviewedAt = &at
		d.FormulationID = promoted.ID
		d.RejectionReason = ""
		ings := d.Ingredients
		out, err = tx.Update(ctx, d)
		out.Ingredients = ings
		return err
	})
	if err != nil {
		return Draft{}, err
	}
	s.logger.Info("research approved", slog.Int64("research_id", id), slog.Int64("formulation_id", out.FormulationID))
	s.record(ctx, id, actor.ID, shared.ApprovalApprove, "")
	s.invalidate(ctx)
	return out, nil
}

// Reject closes a pending draft with a reason of at least MinReasonLength
// characters.
func (s *Service) Reject(ctx context.Context, actor shared.Actor, id int64, input RejectInput) (Draft, error) {
	if err := s.requireReviewer(actor); err != nil {
		return Draft{}, err
	}
	reason := strings.TrimSpace(input.Reason)
	if utf8.RuneCountInString(reason) < MinReasonLength {
		return Draft{}, ErrReasonRequired
	}
	var out Draft
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := Next(d.Status, ActionReject)
		if err != nil {
			return fmt.Errorf("%w: draft is %s", err, d.Status)
		}
		at := s.now().UTC()
		d.Status = next
		d.RejectionReason = reason
		d.ReviewedBy = actor.ID
		d.ReviewedAt = &at
		ings := d.Ingredients
		out, err = tx.Update(ctx, d)
		out.Ingredients = ings
		return err
	})
	if err != nil {
		return Draft{}, err
	}
	s.record(ctx, id, actor.ID, shared.ApprovalReject, reason)
	s.invalidate(ctx)
	return out, nil
}

// Resubmit revises a rejected draft and returns it to pending. Only the
// original researcher may resubmit.
func (s *Service) Resubmit(ctx context.Context, actor shared.Actor, id int64, input SubmitInput) (Draft, error) {
	if err := actor.Require(); err != nil {
		return Draft{}, err
	}
	revised, err := s.prepare(ctx, input)
	if err != nil {
		return Draft{}, err
	}
	var out Draft
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if d.ResearcherID != actor.ID {
			return ErrNotOwner
		}
		next, err := Next(d.Status, ActionResubmit)
		if err != nil {
			return fmt.Errorf("%w: draft is %s", err, d.Status)
		}
		d.Name = revised.Name
		d.BaseQuantity = revised.BaseQuantity
		d.BaseUnit = revised.BaseUnit
		d.Status = next
		d.RejectionReason = ""
		d.ReviewedBy = 0
		d.ReviewedAt = nil
		out, err = tx.Update(ctx, d)
		if err != nil {
			return err
		}
		out.Ingredients = revised.Ingredients
		return tx.ReplaceIngredients(ctx, id, revised.Ingredients)
	})
	if err != nil {
		return Draft{}, err
	}
	s.record(ctx, id, actor.ID, shared.ApprovalSubmit, "resubmitted")
	s.invalidate(ctx)
	return out, nil
}

// Get returns one draft.
func (s *Service) Get(ctx context.Context, actor shared.Actor, id int64) (Draft, error) {
	return s.visible(ctx, actor, id)
}

// List returns drafts. Non-reviewers only see their own.
func (s *Service) List(ctx context.Context, actor shared.Actor, filter ListFilter) ([]Draft, int, error) {
	if !actor.Can(shared.PermResearchReview) {
		filter.ResearcherID = actor.ID
	}
	return s.repo.List(ctx, filter)
}

// History returns the approval trail of a draft.
func (s *Service) History(ctx context.Context, actor shared.Actor, id int64) ([]shared.ApprovalLog, error) {
	if _, err := s.visible(ctx, actor, id); err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return []shared.ApprovalLog{}, nil
	}
	return s.approvals.List(ctx, shared.ApprovalModuleResearch, shared.ApprovalRef(shared.ApprovalModuleResearch, id))
}

// Preview costs the draft at its base quantity with current stock.
func (s *Service) Preview(ctx context.Context, actor shared.Actor, id int64) (formulations.PlanResult, error) {
	d, err := s.visible(ctx, actor, id)
	if err != nil {
		return formulations.PlanResult{}, err
	}
	return s.planner.PlanFor(ctx, formulations.Formulation{
		Name:         d.Name,
		BaseQuantity: d.BaseQuantity,
		BaseUnit:     d.BaseUnit,
		Status:       costing.StatusActive,
		Ingredients:  d.Ingredients,
	}, formulations.PlanInput{Target: d.BaseQuantity})
}

// visible loads a draft the actor may read. Another researcher's draft is
// reported as missing, matching what List shows them.
func (s *Service) visible(ctx context.Context, actor shared.Actor, id int64) (Draft, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return Draft{}, err
	}
	if !actor.Can(shared.PermResearchReview) && d.ResearcherID != actor.ID {
		return Draft{}, ErrNotFound
	}
	return d, nil
}

func (s *Service) prepare(ctx context.Context, input SubmitInput) (Draft, error) {
	f, err := formulations.Normalize(formulations.Input{
		Name:         input.Name,
		BaseQuantity: input.BaseQuantity,
		BaseUnit:     input.BaseUnit,
		Ingredients:  input.Ingredients,
	})
	if err != nil {
		return Draft{}, err
	}
	catalog, err := s.materials.Catalog(ctx, costing.MaterialIDs(f.Ingredients, nil))
	if err != nil {
		return Draft{}, err
	}
	if err := costing.CheckMaterials(f.Ingredients, catalog); err != nil {
		return Draft{}, err
	}
	return Draft{Name: f.Name, BaseQuantity: f.BaseQuantity, BaseUnit: f.BaseUnit, Ingredients: f.Ingredients}, nil
}

func (s *Service) requireReviewer(actor shared.Actor) error {
	if err := actor.Require(); err != nil {
		return err
	}
	if !actor.IsAdmin() {
		return ErrReviewerRequired
	}
	return nil
}

func (s *Service) record(ctx context.Context, id, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  shared.ApprovalModuleResearch,
		RefID:   shared.ApprovalRef(shared.ApprovalModuleResearch, id),
		ActorID: actorID,
		Action:  action,
		Note:    note,
	})
	if err != nil {
		s.logger.Warn("approval record", slog.Int64("research_id", id), slog.Any("error", err))
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
