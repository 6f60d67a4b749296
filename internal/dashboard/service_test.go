package dashboard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spicemill/spicemill/internal/materials"
	"github.com/spicemill/spicemill/internal/sales"
	"github.com/spicemill/spicemill/internal/units"
)

type countingRepo struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (r *countingRepo) Counts(_ context.Context, monthStart time.Time) (Counts, error) {
	r.calls.Add(1)
	if r.release != nil {
		<-r.release
	}
	if r.err != nil {
		return Counts{}, r.err
	}
	return Counts{Materials: 12, ActiveFormulations: 3, PendingResearch: 2, BatchesThisMonth: monthStart.Day(), OutputKgThisMonth: 48.5}, nil
}

type lowStock []materials.Material

func (l lowStock) LowStock(context.Context) ([]materials.Material, error) {
	return l, nil
}

type salesTotals struct {
	from, to time.Time
}

func (s *salesTotals) Totals(_ context.Context, from, to time.Time) (sales.Totals, error) {
	s.from, s.to = from, to
	return sales.Totals{Count: 4, Quantity: 9, Revenue: decimal.RequireFromString("270.50"), Profit: decimal.RequireFromString("110.25")}, nil
}

func newTestService(t *testing.T, repo *countingRepo) (*Service, *Cache, *salesTotals) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, time.Minute)

	low := lowStock{}
	for i := 1; i <= 7; i++ {
		low = append(low, materials.Material{ID: int64(i), Name: "M", Unit: units.Kilogram, MinStock: 10, AvailableStock: float64(i)})
	}
	st := &salesTotals{}
	svc := NewService(repo, low, st, cache, nil)
	svc.now = func() time.Time { return time.Date(2024, 7, 19, 12, 0, 0, 0, time.UTC) }
	return svc, cache, st
}

func TestSummaryAggregatesSources(t *testing.T) {
	svc, _, st := newTestService(t, &countingRepo{})

	got, err := svc.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-07", got.Month)
	assert.Equal(t, 12, got.Counts.Materials)
	assert.Equal(t, 1, got.Counts.BatchesThisMonth)
	assert.Equal(t, 7, got.LowStockCount)
	assert.Len(t, got.LowStock, TopLowStock)
	assert.Equal(t, 4, got.SalesCount)
	assert.Equal(t, "270.50", got.Revenue.StringFixed(2))
	assert.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), st.from)
	assert.Equal(t, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC), st.to)
}

func TestSummaryIsCachedUntilBump(t *testing.T) {
	repo := &countingRepo{}
	svc, cache, _ := newTestService(t, repo)
	ctx := context.Background()

	first, err := svc.Summary(ctx)
	require.NoError(t, err)
	second, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), repo.calls.Load())
	assert.True(t, first.Profit.Equal(second.Profit))

	require.NoError(t, cache.Bump(ctx))
	_, err = svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), repo.calls.Load())

	ver, err := cache.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ver)
}

func TestSummaryCoalescesConcurrentMisses(t *testing.T) {
	repo := &countingRepo{release: make(chan struct{})}
	svc, _, _ := newTestService(t, repo)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Summary(context.Background())
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return repo.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(repo.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), repo.calls.Load())
}

func TestSummarySharedLoadSurvivesLeaderCancel(t *testing.T) {
	repo := &countingRepo{release: make(chan struct{})}
	svc, _, _ := newTestService(t, repo)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := svc.Summary(leaderCtx)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return repo.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		summary Summary
		err     error
	}
	follower := make(chan result, 1)
	go func() {
		got, err := svc.Summary(context.Background())
		follower <- result{got, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	require.ErrorIs(t, <-leaderErr, context.Canceled)
	close(repo.release)

	res := <-follower
	require.NoError(t, res.err)
	assert.Equal(t, 12, res.summary.Counts.Materials)
	assert.Equal(t, int32(1), repo.calls.Load())
}

func TestSummaryErrorIsNotCached(t *testing.T) {
	repo := &countingRepo{err: errors.New("db down")}
	svc, _, _ := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.Summary(ctx)
	require.Error(t, err)
	repo.err = nil
	got, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, got.Counts.Materials)
}

func TestNilCacheLoadsDirectly(t *testing.T) {
	repo := &countingRepo{}
	svc := NewService(repo, lowStock{}, &salesTotals{}, nil, nil)
	ctx := context.Background()
	_, err := svc.Summary(ctx)
	require.NoError(t, err)
	_, err = svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), repo.calls.Load())

	var c *Cache
	require.NoError(t, c.Bump(ctx))
}
