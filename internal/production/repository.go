package production

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spicemill/spicemill/internal/materials"
	"github.com/spicemill/spicemill/internal/platform/db"
	"github.com/spicemill/spicemill/internal/units"
)

// Repository persists batches and their frozen material usage.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional batch writes. Materials shares the
// transaction so stock movements commit with the batch.
type TxRepository interface {
	InsertBatch(ctx context.Context, b Batch) (Batch, error)
	InsertUsages(ctx context.Context, batchID int64, usages []MaterialUsage) ([]MaterialUsage, error)
	Materials() materials.TxRepository
}

type txRepository struct {
	tx pgx.Tx
}

const batchColumns = `b.id, b.code, b.formulation_id, f.name, b.planned_quantity, b.loss_quantity, b.final_quantity, b.unit,
b.total_cost, b.cost_per_unit, b.production_date, COALESCE(b.actor_id, 0), b.created_at`

const batchFrom = `FROM production_batches b JOIN formulations f ON f.id = b.formulation_id`

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Get loads a batch with usages.
func (r *Repository) Get(ctx context.Context, id int64) (Batch, error) {
	b, err := scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` `+batchFrom+` WHERE b.id=$1`, id))
	if err != nil {
		return Batch{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT u.id, u.batch_id, u.material_id, COALESCE(u.substituted_for, 0), u.material_name, u.percentage,
u.quantity, u.material_unit, u.native_quantity, u.rate_per_unit, u.cost
FROM material_usages u WHERE u.batch_id=$1 ORDER BY u.id`, id)
	if err != nil {
		return Batch{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var u MaterialUsage
		var unit string
		if err := rows.Scan(&u.ID, &u.BatchID, &u.MaterialID, &u.SubstitutedFor, &u.MaterialName, &u.Percentage,
			&u.Quantity, &unit, &u.NativeQuantity, &u.RatePerUnit, &u.Cost); err != nil {
			return Batch{}, err
		}
		u.MaterialUnit = units.Unit(unit)
		b.Usages = append(b.Usages, u)
	}
	return b, rows.Err()
}

// List returns batches newest first, without usages.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Batch, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.FormulationID != 0 {
		args = append(args, filter.FormulationID)
		where = append(where, fmt.Sprintf("b.formulation_id=$%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		where = append(where, fmt.Sprintf("b.production_date >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		where = append(where, fmt.Sprintf("b.production_date <= $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM production_batches b WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit, filter.Offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s %s WHERE %s ORDER BY b.production_date DESC, b.id DESC LIMIT $%d OFFSET $%d`,
		batchColumns, batchFrom, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, rows.Err()
}

func (r *txRepository) InsertBatch(ctx context.Context, b Batch) (Batch, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO production_batches (code, formulation_id, planned_quantity, loss_quantity, final_quantity, unit,
total_cost, cost_per_unit, production_date, actor_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW()) RETURNING id, created_at`,
		b.Code, b.FormulationID, b.PlannedQuantity, b.LossQuantity, b.FinalQuantity, string(b.Unit),
		b.TotalCost, b.CostPerUnit, b.ProductionDate, db.NullInt(b.ActorID)).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Batch{}, ErrDuplicateRequest
		}
		return Batch{}, err
	}
	return b, nil
}

func (r *txRepository) InsertUsages(ctx context.Context, batchID int64, usages []MaterialUsage) ([]MaterialUsage, error) {
	out := make([]MaterialUsage, 0, len(usages))
	for _, u := range usages {
		u.BatchID = batchID
		err := r.tx.QueryRow(ctx, `INSERT INTO material_usages (batch_id, material_id, substituted_for, material_name, percentage,
quantity, material_unit, native_quantity, rate_per_unit, cost)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
			batchID, u.MaterialID, db.NullInt(u.SubstitutedFor), u.MaterialName, u.Percentage,
			u.Quantity, string(u.MaterialUnit), u.NativeQuantity, u.RatePerUnit, u.Cost).Scan(&u.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (r *txRepository) Materials() materials.TxRepository {
	return materials.NewTxRepository(r.tx)
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	var unit string
	err := row.Scan(&b.ID, &b.Code, &b.FormulationID, &b.FormulationName, &b.PlannedQuantity, &b.LossQuantity, &b.FinalQuantity,
		&unit, &b.TotalCost, &b.CostPerUnit, &b.ProductionDate, &b.ActorID, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrNotFound
		}
		return Batch{}, err
	}
	b.Unit = units.Unit(unit)
	b.Usages = []MaterialUsage{}
	return b, nil
}
