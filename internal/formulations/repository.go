package formulations

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spicemill/spicemill/internal/costing"
	"github.com/spicemill/spicemill/internal/materials"
	"github.com/spicemill/spicemill/internal/platform/db"
	"github.com/spicemill/spicemill/internal/shared"
	"github.com/spicemill/spicemill/internal/units"
)

// Repository persists formulations and their ingredients.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional formulation writes. Research promotion
// binds it to its own transaction.
type TxRepository interface {
	Insert(ctx context.Context, f Formulation) (Formulation, error)
	GetForUpdate(ctx context.Context, id int64) (Formulation, error)
	FindByNameKey(ctx context.Context, key string) (Formulation, error)
	Update(ctx context.Context, f Formulation) (Formulation, error)
	ReplaceIngredients(ctx context.Context, id int64, ings []costing.Ingredient) error
	NameTaken(ctx context.Context, key string, exceptID int64) (bool, error)
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds the formulation queries to an open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

const formulationColumns = `id, name, base_quantity, base_unit, default_quantity, status, created_at, updated_at`

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Get loads a formulation with ingredients.
func (r *Repository) Get(ctx context.Context, id int64) (Formulation, error) {
	f, err := scanFormulation(r.pool.QueryRow(ctx, `SELECT `+formulationColumns+` FROM formulations WHERE id=$1`, id))
	if err != nil {
		return Formulation{}, err
	}
	f.Ingredients, err = loadIngredients(ctx, r.pool, id)
	return f, err
}

// List returns formulations without ingredients, plus the unpaged total.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Formulation, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		args = append(args, "%"+s+"%")
		where = append(where, fmt.Sprintf("name ILIKE $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM formulations WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit, filter.Offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM formulations WHERE %s ORDER BY name ASC LIMIT $%d OFFSET $%d`,
		formulationColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []Formulation{}
	for rows.Next() {
		f, err := scanFormulation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, f)
	}
	return items, total, rows.Err()
}

func (r *txRepository) Insert(ctx context.Context, f Formulation) (Formulation, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO formulations (name, name_key, base_quantity, base_unit, default_quantity, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW()) RETURNING id, created_at, updated_at`,
		f.Name, shared.NameKey(f.Name), f.BaseQuantity, string(f.BaseUnit), f.DefaultQuantity, string(f.Status)).
		Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Formulation{}, ErrDuplicateName
		}
		return Formulation{}, err
	}
	return f, nil
}

func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (Formulation, error) {
	f, err := scanFormulation(r.tx.QueryRow(ctx, `SELECT `+formulationColumns+` FROM formulations WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Formulation{}, err
	}
	f.Ingredients, err = loadIngredients(ctx, r.tx, id)
	return f, err
}

func (r *txRepository) FindByNameKey(ctx context.Context, key string) (Formulation, error) {
	f, err := scanFormulation(r.tx.QueryRow(ctx, `SELECT `+formulationColumns+` FROM formulations WHERE name_key=$1 FOR UPDATE`, key))
	if err != nil {
		return Formulation{}, err
	}
	f.Ingredients, err = loadIngredients(ctx, r.tx, f.ID)
	return f, err
}

func (r *txRepository) Update(ctx context.Context, f Formulation) (Formulation, error) {
	err := r.tx.QueryRow(ctx, `UPDATE formulations SET name=$2, name_key=$3, base_quantity=$4, base_unit=$5, default_quantity=$6, status=$7, updated_at=NOW()
WHERE id=$1 RETURNING updated_at`, f.ID, f.Name, shared.NameKey(f.Name), f.BaseQuantity, string(f.BaseUnit), f.DefaultQuantity, string(f.Status)).
		Scan(&f.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Formulation{}, ErrNotFound
		}
		if db.IsUniqueViolation(err) {
			return Formulation{}, ErrDuplicateName
		}
		return Formulation{}, err
	}
	return f, nil
}

func (r *txRepository) ReplaceIngredients(ctx context.Context, id int64, ings []costing.Ingredient) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM formulation_ingredients WHERE formulation_id=$1`, id); err != nil {
		return err
	}
	rows := make([][]any, 0, len(ings))
	for i, ing := range ings {
		rows = append(rows, []any{id, ing.MaterialID, ing.Percentage, i + 1})
	}
	_, err := r.tx.CopyFrom(ctx, pgx.Identifier{"formulation_ingredients"},
		[]string{"formulation_id", "material_id", "percentage", "position"}, pgx.CopyFromRows(rows))
	if err != nil && db.IsForeignKeyViolation(err) {
		return materials.ErrMaterialNotFound
	}
	return err
}

func (r *txRepository) NameTaken(ctx context.Context, key string, exceptID int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM formulations WHERE name_key=$1 AND id<>$2)`, key, exceptID).Scan(&exists)
	return exists, err
}

func loadIngredients(ctx context.Context, q db.Querier, id int64) ([]costing.Ingredient, error) {
	rows, err := q.Query(ctx, `SELECT material_id, percentage FROM formulation_ingredients WHERE formulation_id=$1 ORDER BY position, material_id`, id)
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

func scanFormulation(row pgx.Row) (Formulation, error) {
	var f Formulation
	var unit, status string
	if err := row.Scan(&f.ID, &f.Name, &f.BaseQuantity, &unit, &f.DefaultQuantity, &status, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Formulation{}, ErrNotFound
		}
		return Formulation{}, err
	}
	f.BaseUnit = units.Unit(unit)
	f.Status = costing.Status(status)
	f.Ingredients = []costing.Ingredient{}
	return f, nil
}
