package materials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spicemill/spicemill/internal/ledger"
	"github.com/spicemill/spicemill/internal/platform/db"
)

// Repository persists materials, movements and balances in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations. Other packages that
// consume stock (production) receive it to append movements atomically
// with their own writes.
type TxRepository interface {
	Insert(ctx context.Context, m Material) (Material, error)
	GetForUpdate(ctx context.Context, id int64) (Material, error)
	Update(ctx context.Context, m Material) (Material, error)
	Delete(ctx context.Context, id int64) error
	HasMovements(ctx context.Context, id int64) (bool, error)
	InFormulations(ctx context.Context, id int64) (bool, error)
	NameTaken(ctx context.Context, key string, exceptID int64) (bool, error)
	InsertMovement(ctx context.Context, m ledger.Movement) (ledger.Movement, error)
	ListMovements(ctx context.Context, materialID int64) ([]ledger.Movement, error)
	GetBalanceForUpdate(ctx context.Context, materialID int64) (ledger.Balance, error)
	UpsertBalance(ctx context.Context, b ledger.Balance) error
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds the material queries to an open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

const materialColumns = `m.id, m.name, m.unit, m.cost_per_unit, m.min_stock, m.status, COALESCE(b.quantity, 0), m.created_at, m.updated_at`

const materialFrom = `FROM raw_materials m LEFT JOIN material_balances b ON b.material_id = m.id`

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("materials repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Get loads one material with its cached balance.
func (r *Repository) Get(ctx context.Context, id int64) (Material, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+materialColumns+` `+materialFrom+` WHERE m.id=$1`, id)
	return scanMaterial(row)
}

// List returns materials ordered by name plus the unpaged total.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Material, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("m.status=$%d", len(args)))
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		args = append(args, "%"+s+"%")
		where = append(where, fmt.Sprintf("m.name ILIKE $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM raw_materials m WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit, filter.Offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s %s WHERE %s ORDER BY m.name ASC LIMIT $%d OFFSET $%d`,
		materialColumns, materialFrom, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectMaterials(rows)
	return items, total, err
}

// ListByIDs loads the given materials; missing ids are simply absent.
func (r *Repository) ListByIDs(ctx context.Context, ids []int64) ([]Material, error) {
	if len(ids) == 0 {
		return []Material{}, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+materialColumns+` `+materialFrom+` WHERE m.id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return collectMaterials(rows)
}

// ListMovements returns the full ledger of a material.
func (r *Repository) ListMovements(ctx context.Context, materialID int64) ([]ledger.Movement, error) {
	return listMovements(ctx, r.pool, materialID)
}

// LowStock lists active materials whose balance is under min_stock.
func (r *Repository) LowStock(ctx context.Context) ([]Material, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+materialColumns+` `+materialFrom+`
WHERE m.status='active' AND m.min_stock > 0 AND COALESCE(b.quantity, 0) < m.min_stock
ORDER BY (COALESCE(b.quantity, 0) / m.min_stock) ASC, m.name ASC`)
	if err != nil {
		return nil, err
	}
	return collectMaterials(rows)
}

// IDs lists every material id, used by the reconcile job.
func (r *Repository) IDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM raw_materials ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *txRepository) Insert(ctx context.Context, m Material) (Material, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO raw_materials (name, name_key, unit, cost_per_unit, min_stock, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW()) RETURNING id, created_at, updated_at`,
		m.Name, nameKey(m.Name), string(m.Unit), m.CostPerUnit, m.MinStock, string(m.Status)).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Material{}, ErrDuplicateName
		}
		return Material{}, err
	}
	return m, nil
}

func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (Material, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+materialColumns+` FROM raw_materials m
LEFT JOIN material_balances b ON b.material_id = m.id WHERE m.id=$1 FOR UPDATE OF m`, id)
	return scanMaterial(row)
}

func (r *txRepository) Update(ctx context.Context, m Material) (Material, error) {
	err := r.tx.QueryRow(ctx, `UPDATE raw_materials SET name=$2, name_key=$3, unit=$4, cost_per_unit=$5, min_stock=$6, status=$7, updated_at=NOW()
WHERE id=$1 RETURNING updated_at`, m.ID, m.Name, nameKey(m.Name), string(m.Unit), m.CostPerUnit, m.MinStock, string(m.Status)).Scan(&m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Material{}, ErrMaterialNotFound
		}
		if db.IsUniqueViolation(err) {
			return Material{}, ErrDuplicateName
		}
		return Material{}, err
	}
	return m, nil
}

func (r *txRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM raw_materials WHERE id=$1`, id)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return ErrMaterialInUse
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMaterialNotFound
	}
	return nil
}

func (r *txRepository) HasMovements(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock_movements WHERE material_id=$1)`, id).Scan(&exists)
	return exists, err
}

func (r *txRepository) InFormulations(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM formulation_ingredients WHERE material_id=$1)
OR EXISTS (SELECT 1 FROM research_ingredients WHERE material_id=$1)`, id).Scan(&exists)
	return exists, err
}

func (r *txRepository) NameTaken(ctx context.Context, key string, exceptID int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM raw_materials WHERE name_key=$1 AND id<>$2)`, key, exceptID).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertMovement(ctx context.Context, m ledger.Movement) (ledger.Movement, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (material_id, action, quantity, reason, reference, actor_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW()) RETURNING id, created_at`,
		m.MaterialID, string(m.Action), m.Quantity, string(m.Reason), db.NullString(m.Reference), db.NullInt(m.ActorID)).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return ledger.Movement{}, ErrMaterialNotFound
		}
		return ledger.Movement{}, err
	}
	return m, nil
}

func (r *txRepository) ListMovements(ctx context.Context, materialID int64) ([]ledger.Movement, error) {
	return listMovements(ctx, r.tx, materialID)
}

func (r *txRepository) GetBalanceForUpdate(ctx context.Context, materialID int64) (ledger.Balance, error) {
	var bal ledger.Balance
	err := r.tx.QueryRow(ctx, `SELECT material_id, quantity, updated_at FROM material_balances WHERE material_id=$1 FOR UPDATE`, materialID).
		Scan(&bal.MaterialID, &bal.Quantity, &bal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Balance{MaterialID: materialID}, ErrBalanceNotFound
		}
		return ledger.Balance{}, err
	}
	return bal, nil
}

func (r *txRepository) UpsertBalance(ctx context.Context, b ledger.Balance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO material_balances (material_id, quantity, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (material_id) DO UPDATE SET quantity=EXCLUDED.quantity, updated_at=NOW()`, b.MaterialID, b.Quantity)
	return err
}

func listMovements(ctx context.Context, q db.Querier, materialID int64) ([]ledger.Movement, error) {
	rows, err := q.Query(ctx, `SELECT id, material_id, action, quantity, reason, COALESCE(reference, ''), COALESCE(actor_id, 0), created_at
FROM stock_movements WHERE material_id=$1 ORDER BY created_at ASC, id ASC`, materialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ledger.Movement{}
	for rows.Next() {
		var m ledger.Movement
		var action, reason string
		if err := rows.Scan(&m.ID, &m.MaterialID, &action, &m.Quantity, &reason, &m.Reference, &m.ActorID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Action = ledger.Action(action)
		m.Reason = ledger.Reason(reason)
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMaterial(row pgx.Row) (Material, error) {
	var m Material
	var unit, status string
	if err := row.Scan(&m.ID, &m.Name, &unit, &m.CostPerUnit, &m.MinStock, &status, &m.AvailableStock, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Material{}, ErrMaterialNotFound
		}
		return Material{}, err
	}
	m.Unit = unitOf(unit)
	m.Status = statusOf(status)
	return m, nil
}

func collectMaterials(rows pgx.Rows) ([]Material, error) {
	defer rows.Close()
	items := []Material{}
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
