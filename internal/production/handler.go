package production

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/spicemill/spicemill/internal/formulations"
	"github.com/spicemill/spicemill/internal/platform/httpx"
	"github.com/spicemill/spicemill/internal/rbac"
	"github.com/spicemill/spicemill/internal/shared"
)

// Handler serves the production JSON API.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds the production handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers production routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermProductionView))
		r.Get("/batches", h.list)
		r.Get("/batches/{id}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermProductionConfirm))
		r.Post("/batches", h.confirm)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := shared.PageFromQuery(q)
	filter := ListFilter{Limit: page.Limit(), Offset: page.Offset()}
	if raw := q.Get("formulation_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid formulation_id", httpx.ErrValidation))
			return
		}
		filter.FormulationID = id
	}
	var err error
	if filter.From, err = parseDate(q.Get("from")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.To, err = parseDate(q.Get("to")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, "list batches", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"pagination": shared.NewPagination(page.Page, page.PerPage, total),
	})
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: dates use YYYY-MM-DD", httpx.ErrValidation)
	}
	return t, nil
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	b, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get batch", err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	var in ConfirmInput
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	actor, _ := shared.ActorFromContext(r.Context())
	in.ActorID = actor.ID
	res, err := h.service.Confirm(r.Context(), in)
	if err != nil {
		h.fail(w, "confirm batch", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
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
	case errors.Is(err, ErrInactiveFormulation), errors.Is(err, ErrInactiveMaterial):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, ErrDuplicateRequest):
		return fmt.Errorf("%w: %v", httpx.ErrDuplicate, err)
	case errors.Is(err, ErrInvalidLoss), errors.Is(err, ErrInvalidInput):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return formulations.ToHTTPError(err)
}
