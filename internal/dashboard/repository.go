package dashboard

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads dashboard counts from Postgres.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Counts implements Repository.
func (r *PGRepository) Counts(ctx context.Context, monthStart time.Time) (Counts, error) {
	var c Counts
	err := r.pool.QueryRow(ctx, `SELECT
(SELECT COUNT(*) FROM raw_materials),
(SELECT COUNT(*) FROM formulations WHERE status='active'),
(SELECT COUNT(*) FROM research_formulations WHERE status='pending'),
(SELECT COUNT(*) FROM production_batches WHERE production_date >= $1),
(SELECT COALESCE(SUM(CASE unit WHEN 'gm' THEN final_quantity / 1000 ELSE final_quantity END), 0)
   FROM production_batches WHERE production_date >= $1)`, monthStart).Scan(
		&c.Materials, &c.ActiveFormulations, &c.PendingResearch, &c.BatchesThisMonth, &c.OutputKgThisMonth)
	return c, err
}
