package sales

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spicemill/spicemill/internal/observability"
	"github.com/spicemill/spicemill/internal/packaging"
	"github.com/spicemill/spicemill/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Record, error)
	List(ctx context.Context, filter ListFilter) ([]Record, int, error)
	Totals(ctx context.Context, from, to time.Time) (Totals, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Invalidator drops derived read caches after a write.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// Service records sales.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	cache   Invalidator
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds Service. audit, cache and metrics may be nil.
func NewService(repo RepositoryPort, audit AuditPort, cache Invalidator, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, cache: cache, metrics: metrics, logger: logger, now: time.Now}
}

// Create reserves packets from the packaged item and records the sale at
// the item's production cost per packet.
func (s *Service) Create(ctx context.Context, input CreateInput) (Record, error) {
	if _, err := Compute(input.Quantity, input.UnitPrice, input.DiscountPercent, decimal.Zero); err != nil {
		return Record{}, err
	}
	soldAt := input.SoldAt
	if soldAt.IsZero() {
		soldAt = s.now()
	}
	rec := Record{
		PackagedItemID:  input.PackagedItemID,
		Quantity:        input.Quantity,
		UnitPrice:       input.UnitPrice,
		DiscountPercent: input.DiscountPercent,
		Customer:        strings.TrimSpace(input.Customer),
		SoldAt:          soldAt.UTC(),
		ActorID:         input.ActorID,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		item, err := packaging.Reserve(ctx, tx.Packaging(), input.PackagedItemID, input.Quantity)
		if err != nil {
			return err
		}
		rec.BatchID = item.BatchID
		rec.Product = item.Product
		rec.ProductionCostPerUnit = decimal.NewFromFloat(item.ProductionCostPerPacket).Round(4)
		amounts, err := Compute(rec.Quantity, rec.UnitPrice, rec.DiscountPercent, rec.ProductionCostPerUnit)
		if err != nil {
			return err
		}
		rec.Revenue, rec.Cost, rec.Profit, rec.Free = amounts.Revenue, amounts.Cost, amounts.Profit, amounts.Free
		rec, err = tx.Insert(ctx, rec)
		return err
	})
	if err != nil {
		return Record{}, err
	}

	s.metrics.SaleRecorded(rec.Free)
	s.logger.Info("sale recorded",
		slog.Int64("sale_id", rec.ID),
		slog.Int64("packaged_item_id", rec.PackagedItemID),
		slog.Int("quantity", rec.Quantity),
		slog.String("revenue", rec.Revenue.StringFixed(MoneyPlaces)),
		slog.String("profit", rec.Profit.StringFixed(MoneyPlaces)))
	s.recordAudit(ctx, rec)
	s.invalidate(ctx)
	return rec, nil
}

// Get returns one sale.
func (s *Service) Get(ctx context.Context, id int64) (Record, error) {
	return s.repo.Get(ctx, id)
}

// List returns sales newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Record, int, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, 0, fmt.Errorf("%w: to precedes from", ErrInvalidInput)
	}
	return s.repo.List(ctx, filter)
}

// Totals aggregates sales sold within [from, to).
func (s *Service) Totals(ctx context.Context, from, to time.Time) (Totals, error) {
	return s.repo.Totals(ctx, from, to)
}

func (s *Service) recordAudit(ctx context.Context, rec Record) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  rec.ActorID,
		Action:   "sales:create",
		Entity:   "sales_record",
		EntityID: strconv.FormatInt(rec.ID, 10),
		Meta: map[string]any{
			"packaged_item_id": rec.PackagedItemID,
			"quantity":         rec.Quantity,
			"revenue":          rec.Revenue.StringFixed(MoneyPlaces),
			"free":             rec.Free,
		},
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
