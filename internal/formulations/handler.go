package formulations

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/spicemill/spicemill/internal/costing"
	"github.com/spicemill/spicemill/internal/platform/httpx"
	"github.com/spicemill/spicemill/internal/rbac"
	"github.com/spicemill/spicemill/internal/shared"
)

// Handler serves the formulations JSON API.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds the formulations handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers formulation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermFormulationsView))
		r.Get("/", h.list)
		r.Post("/preview", h.preview)
		r.Get("/{id}", h.get)
		r.Post("/{id}/plan", h.plan)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermFormulationsEdit))
		r.Post("/", h.create)
		r.Post("/from-quantities", h.build)
		r.Put("/{id}", h.replace)
		r.Post("/{id}/status", h.setStatus)
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
		h.fail(w, "list formulations", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"pagination": shared.NewPagination(page.Page, page.PerPage, total),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	f, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get formulation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, f)
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	var in PreviewInput
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Preview(r.Context(), in)
	if err != nil {
		h.fail(w, "preview formulation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) plan(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in PlanInput
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Plan(r.Context(), id, in)
	if err != nil {
		h.fail(w, "plan formulation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in Input
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.ActorID = actorID(r)
	f, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.fail(w, "create formulation", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, f)
}

func (h *Handler) build(w http.ResponseWriter, r *http.Request) {
	var in BuildInput
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.ActorID = actorID(r)
	f, preview, err := h.service.CreateFromQuantities(r.Context(), in)
	if err != nil {
		h.fail(w, "create formulation from quantities", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"formulation": f, "preview": preview})
}

func (h *Handler) replace(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in Input
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.ActorID = actorID(r)
	f, err := h.service.Replace(r.Context(), id, in)
	if err != nil {
		h.fail(w, "replace formulation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, f)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in StatusInput
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.ActorID = actorID(r)
	f, err := h.service.SetStatus(r.Context(), id, in)
	if err != nil {
		h.fail(w, "set formulation status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, f)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	mapped := ToHTTPError(err)
	if mapped == err {
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

// ToHTTPError maps formulation and recipe errors onto httpx sentinels.
func ToHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrDuplicateName):
		return fmt.Errorf("%w: %v", httpx.ErrDuplicate, err)
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, costing.ErrNoIngredients),
		errors.Is(err, costing.ErrPercentageSum),
		errors.Is(err, costing.ErrInvalidPercentage),
		errors.Is(err, costing.ErrDuplicateIngredient),
		errors.Is(err, costing.ErrMaterialNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return err
}

func actorID(r *http.Request) int64 {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor.ID
}
