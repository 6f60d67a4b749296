package research

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spicemill/spicemill/internal/costing"
	"github.com/spicemill/spicemill/internal/formulations"
	"github.com/spicemill/spicemill/internal/materials"
	"github.com/spicemill/spicemill/internal/platform/db"
	"github.com/spicemill/spicemill/internal/units"
)

// Repository persists research drafts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional draft writes. Formulations shares the
// transaction so a promotion commits or rolls back with the review.
type TxRepository interface {
	Insert(ctx context.Context, d Draft) (Draft, error)
	GetForUpdate(ctx context.Context, id int64) (Draft, error)
	Update(ctx context.Context, d Draft) (Draft, error)
	ReplaceIngredients(ctx context.Context, id int64, ings []costing.Ingredient) error
	Formulations() formulations.TxRepository
}

type txRepository struct {
	tx pgx.Tx
}

const draftColumns = `id, name, base_quantity, base_unit, status, COALESCE(rejection_reason, ''), researcher_id,
COALESCE(reviewed_by, 0), reviewed_at, COALESCE(formulation_id, 0), created_at, updated_at`

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Get loads a draft with ingredients.
func (r *Repository) Get(ctx context.Context, id int64) (Draft, error) {
	d, err := scanDraft(r.pool.QueryRow(ctx, `SELECT `+draftColumns+` FROM research_formulations WHERE id=$1`, id))
	if err != nil {
		return Draft{}, err
	}
	d.Ingredients, err = loadIngredients(ctx, r.pool, id)
	return d, err
}

// List returns drafts newest first, without ingredients.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Draft, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if filter.ResearcherID != 0 {
		args = append(args, filter.ResearcherID)
		where = append(where, fmt.Sprintf("researcher_id=$%d", len(args)))
	}
	cond := strings.Join(where, " AND ")
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM research_formulations WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit, filter.Offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM research_formulations WHERE %s ORDER BY updated_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		draftColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []Draft{}
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

func (r *txRepository) Insert(ctx context.Context, d Draft) (Draft, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO research_formulations (name, base_quantity, base_unit, status, researcher_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW()) RETURNING id, created_at, updated_at`,
		d.Name, d.BaseQuantity, string(d.BaseUnit), string(d.Status), d.ResearcherID).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Draft{}, err
	}
	return d, nil
}

func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (Draft, error) {
	d, err := scanDraft(r.tx.QueryRow(ctx, `SELECT `+draftColumns+` FROM research_formulations WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Draft{}, err
	}
	d.Ingredients, err = loadIngredients(ctx, r.tx, id)
	return d, err
}

func (r *txRepository) Update(ctx context.Context, d Draft) (Draft, error) {
	err := r.tx.QueryRow(ctx, `UPDATE research_formulations SET name=$2, base_quantity=$3, base_unit=$4, status=$5,
rejection_reason=$6, reviewed_by=$7, reviewed_at=$8, formulation_id=$9, updated_at=NOW()
WHERE id=$1 RETURNING updated_at`,
		d.ID, d.Name, d.BaseQuantity, string(d.BaseUnit), string(d.Status), db.NullString(d.RejectionReason),
		db.NullInt(d.ReviewedBy), d.ReviewedAt, db.NullInt(d.FormulationID)).Scan(&d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Draft{}, ErrNotFound
		}
		return Draft{}, err
	}
	return d, nil
}

func (r *txRepository) ReplaceIngredients(ctx context.Context, id int64, ings []costing.Ingredient) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM research_ingredients WHERE research_id=$1`, id); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for i, ing := range ings {
		batch.Queue(`INSERT INTO research_ingredients (research_id, material_id, percentage, position) VALUES ($1, $2, $3, $4)`,
			id, ing.MaterialID, ing.Percentage, i+1)
	}
	if err := r.tx.SendBatch(ctx, batch).Close(); err != nil {
		if db.IsForeignKeyViolation(err) {
			return materials.ErrMaterialNotFound
		}
		return err
	}
	return nil
}

func (r *txRepository) Formulations() formulations.TxRepository {
	return formulations.NewTxRepository(r.tx)
}

func loadIngredients(ctx context.Context, q db.Querier, id int64) ([]costing.Ingredient, error) {
	rows, err := q.Query(ctx, `SELECT material_id, percentage FROM research_ingredients WHERE research_id=$1 ORDER BY position, material_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ings := []costing.Ingredient{}
	for rows.Next() {
		var ing costing.Ingredient
		if err := rows.Scan(&ing.MaterialID, &ing.Percentage); err != nil {
			return nil, err
		}
		ings = append(ings, ing)
	}
	return ings, rows.Err()
}

func scanDraft(row pgx.Row) (Draft, error) {
	var d Draft
	var unit, status string
	err := row.Scan(&d.ID, &d.Name, &d.BaseQuantity, &unit, &status, &d.RejectionReason, &d.ResearcherID,
		&d.ReviewedBy, &d.ReviewedAt, &d.FormulationID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Draft{}, ErrNotFound
		}
		return Draft{}, err
	}
	d.BaseUnit = units.Unit(unit)
	d.Status = Status(status)
	d.Ingredients = []costing.Ingredient{}
	return d, nil
}
