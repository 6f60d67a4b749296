package research

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spicemill/spicemill/internal/formulations"
	"github.com/spicemill/spicemill/internal/rbac"
	"github.com/spicemill/spicemill/internal/shared"
)

// as serves each request as the given actor.
func as(fx fixture, actor shared.Actor) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithActor(req.Context(), actor)))
		})
	})
	r.Route("/api/research", NewHandler(nil, fx.svc, rbac.Middleware{}).MountRoutes)
	return r
}

func call(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerReviewCycle(t *testing.T) {
	fx := newFixture(t)
	body, err := json.Marshal(fx.input(40))
	require.NoError(t, err)

	rr := call(as(fx, researcher), http.MethodPost, "/api/research/", string(body))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var d Draft
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.Equal(t, StatusPending, d.Status)
	assert.Equal(t, researcher.ID, d.ResearcherID)
	path := fmt.Sprintf("/api/research/%d", d.ID)

	rr = call(as(fx, researcher), http.MethodPost, path+"/approve", "")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = call(as(fx, admin), http.MethodPost, path+"/reject", `{"reason":"hot"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = call(as(fx, admin), http.MethodPost, path+"/reject", `{"reason":"too hot for retail"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.Equal(t, StatusRejected, d.Status)
	assert.Equal(t, "too hot for retail", d.RejectionReason)

	revised, err := json.Marshal(fx.input(30))
	require.NoError(t, err)
	rr = call(as(fx, colleague), http.MethodPut, path, string(revised))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = call(as(fx, researcher), http.MethodPut, path, string(revised))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = call(as(fx, admin), http.MethodPost, path+"/approve", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.Equal(t, StatusApproved, d.Status)
	assert.NotZero(t, d.FormulationID)

	rr = call(as(fx, admin), http.MethodPost, path+"/approve", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = call(as(fx, researcher), http.MethodGet, path+"/history", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var history struct {
		Items []shared.ApprovalLog `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
	assert.GreaterOrEqual(t, len(history.Items), 3)
}

func TestHandlerPreviewAndLookup(t *testing.T) {
	fx := newFixture(t)
	body, err := json.Marshal(fx.input(40))
	require.NoError(t, err)
	rr := call(as(fx, researcher), http.MethodPost, "/api/research/", string(body))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var d Draft
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))

	rr = call(as(fx, researcher), http.MethodGet, fmt.Sprintf("/api/research/%d/preview", d.ID), "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var plan formulations.PlanResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &plan))
	assert.InDelta(t, 1920.0, plan.Totals.Cost, 1e-6)
	assert.Empty(t, plan.Warnings)

	rr = call(as(fx, researcher), http.MethodGet, "/api/research/404", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	for _, suffix := range []string{"", "/history", "/preview"} {
		rr = call(as(fx, colleague), http.MethodGet, fmt.Sprintf("/api/research/%d%s", d.ID, suffix), "")
		assert.Equal(t, http.StatusNotFound, rr.Code, suffix)
	}
	rr = call(as(fx, admin), http.MethodGet, fmt.Sprintf("/api/research/%d", d.ID), "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = call(as(fx, researcher), http.MethodPost, "/api/research/", `{"name":"Bad","base_quantity":10,"base_unit":"kg","ingredients":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	outsider := shared.Actor{ID: 8, Status: shared.ActorActive, Permissions: []string{shared.PermMaterialsView}}
	rr = call(as(fx, outsider), http.MethodGet, "/api/research/", "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
