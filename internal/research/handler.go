package research

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/spicemill/spicemill/internal/formulations"
	"github.com/spicemill/spicemill/internal/platform/httpx"
	"github.com/spicemill/spicemill/internal/rbac"
	"github.com/spicemill/spicemill/internal/shared"
)

// Handler serves the research JSON API.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds the research handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers research routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermResearchView))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Get("/{id}/history", h.history)
		r.Get("/{id}/preview", h.preview)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermResearchSubmit))
		r.Post("/", h.submit)
		r.Put("/{id}", h.resubmit)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermResearchReview))
		r.Post("/{id}/approve", h.approve)
		r.Post("/{id}/reject", h.reject)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	q := r.URL.Query()
	page := shared.PageFromQuery(q)
	items, total, err := h.service.List(r.Context(), actor, ListFilter{
		Status: Status(strings.TrimSpace(q.Get("status"))),
		Limit:  page.Limit(),
		Offset: page.Offset(),
	})
	if err != nil {
		h.fail(w, "list research", err)
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
	actor, _ := shared.ActorFromContext(r.Context())
	d, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "get research", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	logs, err := h.service.History(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "research history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	res, err := h.service.Preview(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "preview research", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var in SubmitInput
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	d, err := h.service.Submit(r.Context(), actor, in)
	if err != nil {
		h.fail(w, "submit research", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

func (h *Handler) resubmit(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in SubmitInput
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	d, err := h.service.Resubmit(r.Context(), actor, id, in)
	if err != nil {
		h.fail(w, "resubmit research", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	d, err := h.service.Approve(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "approve research", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in RejectInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	d, err := h.service.Reject(r.Context(), actor, id, in)
	if err != nil {
		h.fail(w, "reject research", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
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
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrInvalidState):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, ErrReasonRequired):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrReviewerRequired), errors.Is(err, shared.ErrInactiveActor):
		return fmt.Errorf("%w: %v", httpx.ErrForbidden, err)
	case errors.Is(err, shared.ErrUnauthenticated):
		return fmt.Errorf("%w: %v", httpx.ErrUnauthorized, err)
	}
	return formulations.ToHTTPError(err)
}
