// Package dashboard serves the cached business summary.
package dashboard

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/spicemill/spicemill/internal/materials"
	"github.com/spicemill/spicemill/internal/sales"
	"github.com/spicemill/spicemill/internal/units"
)

// TopLowStock caps the low-stock list on the summary.
const TopLowStock = 5

// loadTimeout bounds a shared summary load, which outlives the request that
// started it.
const loadTimeout = 15 * time.Second

// Counts are the aggregate figures read straight from the database.
type Counts struct {
	Materials          int     `json:"materials"`
	ActiveFormulations int     `json:"active_formulations"`
	PendingResearch    int     `json:"pending_research"`
	BatchesThisMonth   int     `json:"batches_this_month"`
	OutputKgThisMonth  float64 `json:"output_kg_this_month"`
}

// Repository loads aggregate counts. Batch figures cover production dates
// on or after monthStart.
type Repository interface {
	Counts(ctx context.Context, monthStart time.Time) (Counts, error)
}

// StockSource lists materials below their minimum.
type StockSource interface {
	LowStock(ctx context.Context) ([]materials.Material, error)
}

// SalesSource aggregates sales over a period.
type SalesSource interface {
	Totals(ctx context.Context, from, to time.Time) (sales.Totals, error)
}

// LowStockItem is one entry of the low-stock list.
type LowStockItem struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Unit           units.Unit `json:"unit"`
	AvailableStock float64    `json:"available_stock"`
	MinStock       float64    `json:"min_stock"`
}

// Summary is the dashboard read model.
type Summary struct {
	Month         string          `json:"month"`
	Counts        Counts          `json:"counts"`
	LowStockCount int             `json:"low_stock_count"`
	LowStock      []LowStockItem  `json:"low_stock"`
	SalesCount    int             `json:"sales_this_month"`
	Revenue       decimal.Decimal `json:"revenue_this_month"`
	Profit        decimal.Decimal `json:"profit_this_month"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

// Service builds summaries through the cache.
type Service struct {
	repo   Repository
	stock  StockSource
	sales  SalesSource
	cache  *Cache
	logger *slog.Logger
	group  singleflight.Group
	now    func() time.Time
}

// NewService wires the summary sources with the cache. cache may be nil.
func NewService(repo Repository, stock StockSource, sales SalesSource, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, stock: stock, sales: sales, cache: cache, logger: logger, now: time.Now}
}

// Summary returns the current month's summary. Concurrent misses for the
// same cache key share one load.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	now := s.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	key, err := s.cache.BuildKey(ctx, "dashboard", "summary", monthStart.Format("2006-01"))
	if err != nil {
		s.logger.Warn("dashboard cache key", slog.Any("error", err))
		return s.load(ctx, monthStart)
	}
	ch := s.group.DoChan(key, func() (any, error) {
		// followers share this load; one caller leaving must not cancel it
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		var out Summary
		err := s.cache.FetchJSON(loadCtx, key, &out, func(ctx context.Context) (any, error) {
			return s.load(ctx, monthStart)
		})
		return out, err
	})
	select {
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Summary{}, res.Err
		}
		return res.Val.(Summary), nil
	}
}

func (s *Service) load(ctx context.Context, monthStart time.Time) (Summary, error) {
	out := Summary{Month: monthStart.Format("2006-01"), LowStock: []LowStockItem{}, GeneratedAt: s.now().UTC()}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		counts, err := s.repo.Counts(ctx, monthStart)
		out.Counts = counts
		return err
	})
	g.Go(func() error {
		low, err := s.stock.LowStock(ctx)
		if err != nil {
			return err
		}
		out.LowStockCount = len(low)
		for _, m := range low[:min(len(low), TopLowStock)] {
			out.LowStock = append(out.LowStock, LowStockItem{
				ID:             m.ID,
				Name:           m.Name,
				Unit:           m.Unit,
				AvailableStock: m.AvailableStock,
				MinStock:       m.MinStock,
			})
		}
		return nil
	})
	g.Go(func() error {
		totals, err := s.sales.Totals(ctx, monthStart, monthStart.AddDate(0, 1, 0))
		out.SalesCount, out.Revenue, out.Profit = totals.Count, totals.Revenue, totals.Profit
		return err
	})
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}
	return out, nil
}
