package packaging

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spicemill/spicemill/internal/shared"
	"github.com/spicemill/spicemill/internal/units"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSession(ctx context.Context, id int64) (Session, error)
	Stock(ctx context.Context, batchID int64) (Stock, error)
	Item(ctx context.Context, id int64) (Item, error)
	Available(ctx context.Context) ([]Item, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Invalidator drops derived read caches after a write.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// Service records packaging sessions.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	cache  Invalidator
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service. audit and cache may be nil.
func NewService(repo RepositoryPort, audit AuditPort, cache Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, cache: cache, logger: logger, now: time.Now}
}

// Record packs part of a batch's bulk. The batch row is locked while the
// remaining bulk is checked so concurrent sessions cannot overdraw it.
func (s *Service) Record(ctx context.Context, input RecordInput) (Session, error) {
	items, err := normalizeItems(input.Items)
	if err != nil {
		return Session{}, err
	}
	if math.IsNaN(input.LossQuantity) || math.IsInf(input.LossQuantity, 0) || input.LossQuantity < 0 {
		return Session{}, fmt.Errorf("%w: packaging loss must not be negative", ErrInvalidInput)
	}
	packedAt := input.PackedAt
	if packedAt.IsZero() {
		packedAt = s.now()
	}
	session := Session{
		BatchID:      input.BatchID,
		PackedAt:     packedAt.UTC(),
		LossQuantity: input.LossQuantity,
		Notes:        strings.TrimSpace(input.Notes),
		ActorID:      input.ActorID,
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		bulk, err := tx.GetBulkForUpdate(ctx, input.BatchID)
		if err != nil {
			return err
		}
		packed, loss, err := tx.UsedBulk(ctx, input.BatchID)
		if err != nil {
			return err
		}
		need := session.LossQuantity
		for i := range items {
			it := &items[i]
			it.BulkQuantity = PacketBulk(it.PacketSize, it.PacketUnit, it.PacketCount, bulk.Unit)
			it.ProductionCostPerPacket = CostPerPacket(bulk.CostPerUnit, it.PacketSize, it.PacketUnit, bulk.Unit)
			need += it.BulkQuantity
		}
		remaining := Remaining(bulk.FinalQuantity, packed, loss)
		if !Fits(need, remaining) {
			return fmt.Errorf("%w: need %.3f %s, %.3f remaining", ErrExceedsBulk, need, bulk.Unit, remaining)
		}
		session.BatchCode = bulk.Code
		session.Unit = bulk.Unit
		session, err = tx.InsertSession(ctx, session)
		if err != nil {
			return err
		}
		session.Items, err = tx.InsertItems(ctx, session.ID, session.BatchID, items)
		return err
	})
	if err != nil {
		return Session{}, err
	}

	s.logger.Info("packaging recorded",
		slog.Int64("session_id", session.ID),
		slog.String("batch", session.BatchCode),
		slog.Float64("packed", session.PackedQuantity()),
		slog.Float64("loss", session.LossQuantity))
	s.recordAudit(ctx, session)
	s.invalidate(ctx)
	return session, nil
}

// Reserve takes count packets of an item inside tx, failing when fewer are
// unsold. It returns the item as it was before the reservation.
func Reserve(ctx context.Context, tx TxRepository, itemID int64, count int) (Item, error) {
	if count <= 0 {
		return Item{}, fmt.Errorf("%w: packet count must be positive", ErrInvalidInput)
	}
	item, err := tx.GetItemForUpdate(ctx, itemID)
	if err != nil {
		return Item{}, err
	}
	if item.Available() < count {
		return Item{}, fmt.Errorf("%w: %d requested, %d available", ErrInsufficientPackets, count, item.Available())
	}
	if err := tx.AddSold(ctx, itemID, count); err != nil {
		return Item{}, err
	}
	return item, nil
}

// GetSession returns one session with packets.
func (s *Service) GetSession(ctx context.Context, id int64) (Session, error) {
	return s.repo.GetSession(ctx, id)
}

// Stock returns the batch's bulk and packet summary.
func (s *Service) Stock(ctx context.Context, batchID int64) (Stock, error) {
	return s.repo.Stock(ctx, batchID)
}

// Remaining returns the batch's unpacked bulk in the batch unit.
func (s *Service) Remaining(ctx context.Context, batchID int64) (float64, error) {
	st, err := s.repo.Stock(ctx, batchID)
	if err != nil {
		return 0, err
	}
	return st.Remaining, nil
}

// Item returns one packaged item.
func (s *Service) Item(ctx context.Context, id int64) (Item, error) {
	return s.repo.Item(ctx, id)
}

// Available lists packets that can still be sold.
func (s *Service) Available(ctx context.Context) ([]Item, error) {
	return s.repo.Available(ctx)
}

func normalizeItems(in []ItemInput) ([]Item, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: at least one packet line required", ErrInvalidInput)
	}
	out := make([]Item, 0, len(in))
	for i, line := range in {
		product := shared.DisplayName(line.Product)
		if product == "" {
			return nil, fmt.Errorf("%w: line %d: product required", ErrInvalidInput, i+1)
		}
		if !finitePositive(line.PacketSize) || line.PacketCount <= 0 {
			return nil, fmt.Errorf("%w: line %d: packet size and count must be positive", ErrInvalidInput, i+1)
		}
		unit, err := units.Parse(line.PacketUnit)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidInput, i+1, err)
		}
		out = append(out, Item{Product: product, PacketSize: line.PacketSize, PacketUnit: unit, PacketCount: line.PacketCount})
	}
	return out, nil
}

func (s *Service) recordAudit(ctx context.Context, session Session) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  session.ActorID,
		Action:   "packaging:record",
		Entity:   "packaging_session",
		EntityID: strconv.FormatInt(session.ID, 10),
		Meta:     map[string]any{"batch": session.BatchCode, "packed": session.PackedQuantity(), "loss": session.LossQuantity},
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
