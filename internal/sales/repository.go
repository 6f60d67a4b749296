package sales

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spicemill/spicemill/internal/packaging"
	"github.com/spicemill/spicemill/internal/platform/db"
)

// Repository persists sale records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional sale writes. Packaging shares the
// transaction so the packet reservation commits with the sale.
type TxRepository interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	Packaging() packaging.TxRepository
}

type txRepository struct {
	tx pgx.Tx
}

const recordColumns = `s.id, s.packaged_item_id, i.batch_id, i.product, s.quantity, s.unit_price, s.discount_percent,
s.production_cost_per_unit, s.revenue, s.cost, s.profit, s.free, COALESCE(s.customer, ''), s.sold_at,
COALESCE(s.actor_id, 0), s.created_at`

const recordFrom = `FROM sales_records s JOIN packaged_items i ON i.id = s.packaged_item_id`

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Get loads one sale.
func (r *Repository) Get(ctx context.Context, id int64) (Record, error) {
	return scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` `+recordFrom+` WHERE s.id=$1`, id))
}

// List returns sales newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Record, int, error) {
	cond, args := filterClause(filter.PackagedItemID, filter.From, filter.To)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sales_records s WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit, filter.Offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s %s WHERE %s ORDER BY s.sold_at DESC, s.id DESC LIMIT $%d OFFSET $%d`,
		recordColumns, recordFrom, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

// Totals aggregates sales sold within [from, to).
func (r *Repository) Totals(ctx context.Context, from, to time.Time) (Totals, error) {
	cond, args := filterClause(0, from, time.Time{})
	if !to.IsZero() {
		args = append(args, to)
		cond += fmt.Sprintf(" AND s.sold_at < $%d", len(args))
	}
	var t Totals
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(s.quantity), 0), COALESCE(SUM(s.revenue), 0),
COALESCE(SUM(s.cost), 0), COALESCE(SUM(s.profit), 0) FROM sales_records s WHERE `+cond, args...).Scan(
		&t.Count, &t.Quantity, &t.Revenue, &t.Cost, &t.Profit)
	return t, err
}

func filterClause(itemID int64, from, to time.Time) (string, []any) {
	where := []string{"1=1"}
	args := []any{}
	if itemID != 0 {
		args = append(args, itemID)
		where = append(where, fmt.Sprintf("s.packaged_item_id=$%d", len(args)))
	}
	if !from.IsZero() {
		args = append(args, from)
		where = append(where, fmt.Sprintf("s.sold_at >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		where = append(where, fmt.Sprintf("s.sold_at <= $%d", len(args)))
	}
	return strings.Join(where, " AND "), args
}

func (r *txRepository) Insert(ctx context.Context, rec Record) (Record, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO sales_records (packaged_item_id, quantity, unit_price, discount_percent,
production_cost_per_unit, revenue, cost, profit, free, customer, sold_at, actor_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW()) RETURNING id, created_at`,
		rec.PackagedItemID, rec.Quantity, rec.UnitPrice, rec.DiscountPercent, rec.ProductionCostPerUnit,
		rec.Revenue, rec.Cost, rec.Profit, rec.Free, db.NullString(rec.Customer), rec.SoldAt, db.NullInt(rec.ActorID)).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return Record{}, packaging.ErrItemNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

func (r *txRepository) Packaging() packaging.TxRepository {
	return packaging.NewTxRepository(r.tx)
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.PackagedItemID, &rec.BatchID, &rec.Product, &rec.Quantity, &rec.UnitPrice, &rec.DiscountPercent,
		&rec.ProductionCostPerUnit, &rec.Revenue, &rec.Cost, &rec.Profit, &rec.Free, &rec.Customer, &rec.SoldAt,
		&rec.ActorID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}
