package packaging

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spicemill/spicemill/internal/platform/db"
	"github.com/spicemill/spicemill/internal/units"
)

// Repository persists packaging sessions and packets.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional packaging operations.
type TxRepository interface {
	GetBulkForUpdate(ctx context.Context, batchID int64) (Bulk, error)
	UsedBulk(ctx context.Context, batchID int64) (packed, loss float64, err error)
	InsertSession(ctx context.Context, s Session) (Session, error)
	InsertItems(ctx context.Context, sessionID, batchID int64, items []Item) ([]Item, error)
	GetItemForUpdate(ctx context.Context, itemID int64) (Item, error)
	AddSold(ctx context.Context, itemID int64, count int) error
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds packaging writes to a transaction owned by another
// package, so packet reservations commit with a sale.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const itemColumns = `id, session_id, batch_id, product, packet_size, packet_unit, packet_count, sold_count,
bulk_quantity, production_cost_per_packet`

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetSession loads a session and its packets.
func (r *Repository) GetSession(ctx context.Context, id int64) (Session, error) {
	var s Session
	var unit string
	err := r.pool.QueryRow(ctx, `SELECT s.id, s.batch_id, b.code, b.unit, s.packed_at, s.loss_quantity, COALESCE(s.notes, ''),
COALESCE(s.actor_id, 0), s.created_at
FROM packaging_sessions s JOIN production_batches b ON b.id = s.batch_id WHERE s.id=$1`, id).Scan(
		&s.ID, &s.BatchID, &s.BatchCode, &unit, &s.PackedAt, &s.LossQuantity, &s.Notes, &s.ActorID, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	s.Unit = units.Unit(unit)
	s.Items, err = listItems(ctx, r.pool, `WHERE session_id=$1`, id)
	return s, err
}

// Stock summarises a batch's bulk, usage and packets.
func (r *Repository) Stock(ctx context.Context, batchID int64) (Stock, error) {
	bulk, err := scanBulk(r.pool.QueryRow(ctx, bulkQuery, batchID))
	if err != nil {
		return Stock{}, err
	}
	packed, loss, err := usedBulk(ctx, r.pool, batchID)
	if err != nil {
		return Stock{}, err
	}
	items, err := listItems(ctx, r.pool, `WHERE batch_id=$1`, batchID)
	if err != nil {
		return Stock{}, err
	}
	return Stock{
		Bulk:           bulk,
		PackedQuantity: packed,
		LossQuantity:   loss,
		Remaining:      Remaining(bulk.FinalQuantity, packed, loss),
		Items:          items,
	}, nil
}

// Item loads one packaged item.
func (r *Repository) Item(ctx context.Context, id int64) (Item, error) {
	return scanItem(r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM packaged_items WHERE id=$1`, id))
}

// Available lists packets with unsold stock.
func (r *Repository) Available(ctx context.Context) ([]Item, error) {
	return listItems(ctx, r.pool, `WHERE sold_count < packet_count`)
}

const bulkQuery = `SELECT id, code, unit, final_quantity, cost_per_unit FROM production_batches WHERE id=$1`

func (r *txRepository) GetBulkForUpdate(ctx context.Context, batchID int64) (Bulk, error) {
	return scanBulk(r.tx.QueryRow(ctx, bulkQuery+` FOR UPDATE`, batchID))
}

func (r *txRepository) UsedBulk(ctx context.Context, batchID int64) (float64, float64, error) {
	return usedBulk(ctx, r.tx, batchID)
}

func (r *txRepository) InsertSession(ctx context.Context, s Session) (Session, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO packaging_sessions (batch_id, packed_at, loss_quantity, notes, actor_id, created_at)
VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING id, created_at`,
		s.BatchID, s.PackedAt, s.LossQuantity, db.NullString(s.Notes), db.NullInt(s.ActorID)).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

func (r *txRepository) InsertItems(ctx context.Context, sessionID, batchID int64, items []Item) ([]Item, error) {
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`INSERT INTO packaged_items (session_id, batch_id, product, packet_size, packet_unit, packet_count, sold_count,
bulk_quantity, production_cost_per_packet)
VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8) RETURNING id`,
			sessionID, batchID, it.Product, it.PacketSize, string(it.PacketUnit), it.PacketCount, it.BulkQuantity, it.ProductionCostPerPacket)
	}
	results := r.tx.SendBatch(ctx, batch)
	defer results.Close()
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if err := results.QueryRow().Scan(&it.ID); err != nil {
			return nil, err
		}
		it.SessionID = sessionID
		it.BatchID = batchID
		it.SoldCount = 0
		out = append(out, it)
	}
	return out, nil
}

func (r *txRepository) GetItemForUpdate(ctx context.Context, itemID int64) (Item, error) {
	return scanItem(r.tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM packaged_items WHERE id=$1 FOR UPDATE`, itemID))
}

func (r *txRepository) AddSold(ctx context.Context, itemID int64, count int) error {
	tag, err := r.tx.Exec(ctx, `UPDATE packaged_items SET sold_count = sold_count + $2 WHERE id=$1`, itemID, count)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func usedBulk(ctx context.Context, q querier, batchID int64) (float64, float64, error) {
	var packed, loss float64
	err := q.QueryRow(ctx, `SELECT
COALESCE((SELECT SUM(bulk_quantity) FROM packaged_items WHERE batch_id=$1), 0),
COALESCE((SELECT SUM(loss_quantity) FROM packaging_sessions WHERE batch_id=$1), 0)`, batchID).Scan(&packed, &loss)
	return packed, loss, err
}

func listItems(ctx context.Context, q querier, where string, args ...any) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT `+itemColumns+` FROM packaged_items `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanBulk(row pgx.Row) (Bulk, error) {
	var b Bulk
	var unit string
	if err := row.Scan(&b.BatchID, &b.Code, &unit, &b.FinalQuantity, &b.CostPerUnit); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bulk{}, ErrBatchNotFound
		}
		return Bulk{}, err
	}
	b.Unit = units.Unit(unit)
	return b, nil
}

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	var unit string
	err := row.Scan(&it.ID, &it.SessionID, &it.BatchID, &it.Product, &it.PacketSize, &unit, &it.PacketCount, &it.SoldCount,
		&it.BulkQuantity, &it.ProductionCostPerPacket)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, err
	}
	it.PacketUnit = units.Unit(unit)
	return it, nil
}
