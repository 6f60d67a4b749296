package packaging

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/spicemill/spicemill/internal/platform/httpx"
	"github.com/spicemill/spicemill/internal/rbac"
	"github.com/spicemill/spicemill/internal/shared"
)

// Handler serves the packaging JSON API.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds the packaging handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers packaging routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermPackagingView, shared.PermSalesEdit))
		r.Get("/batches/{id}", h.stock)
		r.Get("/sessions/{id}", h.getSession)
		r.Get("/items", h.available)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermPackagingEdit))
		r.Post("/sessions", h.record)
	})
}

func (h *Handler) record(w http.ResponseWriter, r *http.Request) {
	var in RecordInput
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	in.ActorID = actor.ID
	session, err := h.service.Record(r.Context(), in)
	if err != nil {
		h.fail(w, "record packaging", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, session)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	session, err := h.service.GetSession(r.Context(), id)
	if err != nil {
		h.fail(w, "get packaging session", err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) stock(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	st, err := h.service.Stock(r.Context(), id)
	if err != nil {
		h.fail(w, "batch packaging stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) available(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.Available(r.Context())
	if err != nil {
		h.fail(w, "list packets", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	mapped := ToHTTPError(err)
	if mapped == err {
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

// ToHTTPError maps packaging errors onto HTTP sentinels.
func ToHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrBatchNotFound), errors.Is(err, ErrItemNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrExceedsBulk), errors.Is(err, ErrInsufficientPackets):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, ErrInvalidInput):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return err
}
