package materials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/spicemill/spicemill/internal/costing"
	"github.com/spicemill/spicemill/internal/ledger"
	"github.com/spicemill/spicemill/internal/platform/httpx"
	"github.com/spicemill/spicemill/internal/rbac"
	"github.com/spicemill/spicemill/internal/shared"
)

// ReconcileEnqueuer schedules a background reconcile of one material.
type ReconcileEnqueuer interface {
	EnqueueReconcile(ctx context.Context, materialID int64) error
}

// Handler serves the materials JSON API.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
	queue   ReconcileEnqueuer
}

// NewHandler builds the materials handler. queue may be nil, in which case
// reconcile requests always run inline.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware, queue ReconcileEnqueuer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, queue: queue}
}

// MountRoutes registers material routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermMaterialsView))
		r.Get("/", h.list)
		r.Get("/low-stock", h.lowStock)
		r.Get("/{id}", h.get)
		r.Get("/{id}/ledger", h.ledger)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermMaterialsEdit))
		r.Post("/", h.create)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.delete)
		r.Post("/{id}/movements", h.adjust)
		r.Post("/{id}/reconcile", h.reconcile)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := shared.PageFromQuery(q)
	items, total, err := h.service.List(r.Context(), ListFilter{
		Status: costing.Status(strings.TrimSpace(q.Get("status"))),
		Search: q.Get("q"),
		Limit:  page.Limit(),
		Offset: page.Offset(),
	})
	if err != nil {
		h.fail(w, "list materials", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"pagination": shared.NewPagination(page.Page, page.PerPage, total),
	})
}

func (h *Handler) lowStock(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.LowStock(r.Context())
	if err != nil {
		h.fail(w, "low stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	m, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get material", err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) ledger(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.service.Ledger(r.Context(), id)
	if err != nil {
		h.fail(w, "material ledger", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.ActorID = actorID(r)
	m, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.fail(w, "create material", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in UpdateInput
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.ActorID = actorID(r)
	m, err := h.service.Update(r.Context(), id, in)
	if err != nil {
		h.fail(w, "update material", err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), id, actorID(r)); err != nil {
		h.fail(w, "delete material", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in AdjustInput
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.MaterialID = id
	in.ActorID = actorID(r)
	posting, err := h.service.AdjustStock(r.Context(), in)
	if err != nil {
		h.fail(w, "adjust stock", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, posting)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if h.queue != nil && r.URL.Query().Get("async") == "true" {
		if err := h.queue.EnqueueReconcile(r.Context(), id); err != nil {
			h.fail(w, "enqueue reconcile", err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"material_id": id, "queued": true})
		return
	}
	res, err := h.service.Reconcile(r.Context(), id, actorID(r))
	if err != nil {
		h.fail(w, "reconcile material", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	mapped := toHTTPError(err)
	if mapped == err {
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, costing.ErrMaterialNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrDuplicateName):
		return fmt.Errorf("%w: %v", httpx.ErrDuplicate, err)
	case errors.Is(err, ErrUnitLocked), errors.Is(err, ErrMaterialInUse):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ledger.ErrInvalidMovement):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return err
}

func actorID(r *http.Request) int64 {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor.ID
}
