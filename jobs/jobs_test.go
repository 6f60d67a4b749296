package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/spicemill/spicemill/internal/jobs"
	"github.com/spicemill/spicemill/internal/materials"
	"github.com/spicemill/spicemill/internal/units"
)

type reconcilerStub struct {
	single  []int64
	all     int
	results []materials.ReconcileResult
	err     error
}

func (r *reconcilerStub) Reconcile(_ context.Context, id, _ int64) (materials.ReconcileResult, error) {
	r.single = append(r.single, id)
	if r.err != nil {
		return materials.ReconcileResult{}, r.err
	}
	return materials.ReconcileResult{MaterialID: id, Corrected: true}, nil
}

func (r *reconcilerStub) ReconcileAll(context.Context) ([]materials.ReconcileResult, error) {
	r.all++
	return r.results, r.err
}

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rr := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rr.Body.String()
}

func TestReconcileJob(t *testing.T) {
	reg := prometheus.NewRegistry()
	stub := &reconcilerStub{results: []materials.ReconcileResult{{MaterialID: 1}, {MaterialID: 2, Corrected: true}, {MaterialID: 3, Corrected: true}}}
	job := NewReconcileJob(stub, nil, jobmetrics.NewMetrics(reg))
	ctx := context.Background()

	all, err := NewReconcileTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(ctx, all))
	one, err := NewReconcileTask(9)
	require.NoError(t, err)
	require.NoError(t, job.Handle(ctx, one))

	assert.Equal(t, 1, stub.all)
	assert.Equal(t, []int64{9}, stub.single)
	body := scrape(t, reg)
	assert.Contains(t, body, "spicemill_ledger_drift_corrections_total 3")
	assert.Contains(t, body, `spicemill_jobs_total{job="ledger:reconcile",status="success"} 2`)
}

func TestReconcileJobToleratesDeletedMaterial(t *testing.T) {
	stub := &reconcilerStub{err: materials.ErrMaterialNotFound}
	job := NewReconcileJob(stub, nil, nil)
	task, err := NewReconcileTask(4)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	stub.err = errors.New("db down")
	require.Error(t, job.Handle(context.Background(), task))
}

func TestHandlersSkipRetryOnBadPayload(t *testing.T) {
	bad := asynq.NewTask(TaskLedgerReconcile, []byte("{"))
	require.ErrorIs(t, NewReconcileJob(&reconcilerStub{}, nil, nil).Handle(context.Background(), bad), asynq.SkipRetry)
	require.ErrorIs(t, NewLowStockJob(lowStub{}, nil, nil).Handle(context.Background(), bad), asynq.SkipRetry)
	require.ErrorIs(t, NewCleanupJob(&keyStub{}, nil, nil).Handle(context.Background(), bad), asynq.SkipRetry)

	var unset *ReconcileJob
	require.Error(t, unset.Handle(context.Background(), bad))
}

type lowStub []materials.Material

func (l lowStub) LowStock(context.Context) ([]materials.Material, error) {
	return l, nil
}

func TestLowStockJobPublishesCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	low := lowStub{
		{ID: 1, Name: "Cumin", Unit: units.Kilogram, MinStock: 10, AvailableStock: 2},
		{ID: 2, Name: "Salt", Unit: units.Gram, MinStock: 500, AvailableStock: -20},
	}
	task, err := NewLowStockTask(time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, NewLowStockJob(low, nil, jobmetrics.NewMetrics(reg)).Handle(context.Background(), task))
	assert.Contains(t, scrape(t, reg), "spicemill_low_stock_materials 2")
}

type keyStub struct {
	olderThan time.Duration
}

func (k *keyStub) Cleanup(_ context.Context, olderThan time.Duration) error {
	k.olderThan = olderThan
	return nil
}

func TestCleanupJobDefaultsRetention(t *testing.T) {
	keys := &keyStub{}
	task, err := NewCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, NewCleanupJob(keys, nil, nil).Handle(context.Background(), task))
	assert.Equal(t, DefaultKeyRetention, keys.olderThan)

	task, err = NewCleanupTask(time.Hour)
	require.NoError(t, err)
	require.NoError(t, NewCleanupJob(keys, nil, nil).Handle(context.Background(), task))
	assert.Equal(t, time.Hour, keys.olderThan)
}

type inspectorStub struct {
	info *asynq.QueueInfo
	err  error
}

func (i inspectorStub) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return i.info, i.err
}

func TestHealthEndpoint(t *testing.T) {
	get := func(h *Handler) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		r.Route("/jobs", h.MountRoutes)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
		return rr
	}

	rr := get(NewHandler(inspectorStub{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Failed: 1}}, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var health QueueHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, 3, health.Pending)
	assert.Equal(t, 1, health.Failed)

	rr = get(NewHandler(inspectorStub{err: asynq.ErrQueueNotFound}, nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = get(NewHandler(inspectorStub{err: errors.New("redis gone")}, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = get(NewHandler(nil, nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
