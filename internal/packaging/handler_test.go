package packaging_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spicemill/spicemill/internal/packaging"
	"github.com/spicemill/spicemill/internal/rbac"
	"github.com/spicemill/spicemill/internal/shared"
)

func newRouter(t *testing.T, actor shared.Actor) http.Handler {
	t.Helper()
	svc, _ := newService(t)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithActor(req.Context(), actor)))
		})
	})
	r.Route("/api/packaging", packaging.NewHandler(nil, svc, rbac.Middleware{}).MountRoutes)
	return r
}

func send(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerRecordAndStock(t *testing.T) {
	packer := shared.Actor{ID: 5, Status: shared.ActorActive, Permissions: []string{shared.PermPackagingView, shared.PermPackagingEdit}}
	h := newRouter(t, packer)

	rr := send(h, http.MethodPost, "/api/packaging/sessions",
		`{"batch_id":1,"loss_quantity":0.5,"items":[{"product":"Masala 1kg","packet_size":1,"packet_unit":"kg","packet_count":40}]}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var session packaging.Session
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &session))
	assert.Equal(t, int64(5), session.ActorID)

	rr = send(h, http.MethodPost, "/api/packaging/sessions",
		`{"batch_id":1,"items":[{"product":"Masala 1kg","packet_size":1,"packet_unit":"kg","packet_count":8}]}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = send(h, http.MethodPost, "/api/packaging/sessions", `{"batch_id":1,"items":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = send(h, http.MethodGet, "/api/packaging/batches/1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st packaging.Stock
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.InDelta(t, 7.5, st.Remaining, 1e-9)

	rr = send(h, http.MethodGet, "/api/packaging/batches/77", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandlerRequiresEditPermission(t *testing.T) {
	viewer := shared.Actor{ID: 6, Status: shared.ActorActive, Permissions: []string{shared.PermPackagingView}}
	h := newRouter(t, viewer)

	rr := send(h, http.MethodPost, "/api/packaging/sessions",
		`{"batch_id":1,"items":[{"product":"Masala 1kg","packet_size":1,"packet_unit":"kg","packet_count":1}]}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = send(h, http.MethodGet, "/api/packaging/sessions/1", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
