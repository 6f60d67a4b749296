package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spicemill/spicemill/internal/observability"
	"github.com/spicemill/spicemill/internal/rbac"
	"github.com/spicemill/spicemill/internal/shared"
)

type actorLoader map[int64]shared.Actor

func (l actorLoader) LoadActor(_ context.Context, id int64) (shared.Actor, error) {
	a, ok := l[id]
	if !ok {
		return shared.Actor{}, rbac.ErrNotFound
	}
	return a, nil
}

func testRouter(t *testing.T, health map[string]HealthCheck) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &Config{AppEnv: "production", AppRequestTimeout: 5 * time.Second, RateLimitPerMinute: 1000}
	mw := rbac.Middleware{Logger: logger, Loader: actorLoader{
		1: {ID: 1, Name: "Asha", Status: shared.ActorActive, Roles: []string{shared.RoleAdmin}},
	}}
	return NewRouter(RouterParams{
		Logger:             logger,
		Config:             cfg,
		RBACMiddleware:     mw,
		Metrics:            observability.NewMetrics(),
		Health:             health,
		PermissionsHandler: rbac.NewPermissionsHandler(logger, nil, mw),
	})
}

func TestHealthz(t *testing.T) {
	h := testRouter(t, map[string]HealthCheck{
		"postgres": func(*http.Request) error { return nil },
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"postgres":"ok"`)
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func TestHealthzDegraded(t *testing.T) {
	h := testRouter(t, map[string]HealthCheck{
		"redis": func(*http.Request) error { return errors.New("dial tcp: refused") },
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"redis":"unavailable"`)
}

func TestAPIRequiresActor(t *testing.T) {
	h := testRouter(t, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/access/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/access/me", nil)
	req.Header.Set(rbac.ActorHeader, "1")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Asha")
}

func TestMetricsEndpoint(t *testing.T) {
	h := testRouter(t, nil)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "spicemill_")
}
