package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type createBody struct {
	Name string  `json:"name" validate:"required"`
	Cost float64 `json:"cost" validate:"gte=0"`
}

func TestRespondErrorMapsSentinels(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("material 7: %w", ErrNotFound): http.StatusNotFound,
		ErrDuplicate:                              http.StatusConflict,
		ErrConflict:                               http.StatusConflict,
		fmt.Errorf("x: %w", ErrValidation):        http.StatusBadRequest,
		ErrForbidden:                              http.StatusForbidden,
		ErrUnauthorized:                           http.StatusUnauthorized,
		errors.New("boom"):                        http.StatusInternalServerError,
	}
	for err, status := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, err)
		require.Equal(t, status, rr.Code, err.Error())
		var pd ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pd))
		require.Equal(t, status, pd.Status)
	}
}

func TestBindValidatesFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"","cost":-1}`))
	var body createBody
	err := Bind(req, &body)
	require.ErrorIs(t, err, ErrValidation)

	rr := httptest.NewRecorder()
	RespondError(rr, err)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var pd ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pd))
	require.Equal(t, "required", pd.Errors["name"])
	require.Equal(t, "gte=0", pd.Errors["cost"])
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x","colour":"red"}`))
	var body createBody
	require.ErrorIs(t, DecodeJSON(req, &body), ErrValidation)
}

func TestParamID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/materials/12", nil)
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("id", "12")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
	id, err := ParamID(req, "id")
	require.NoError(t, err)
	require.Equal(t, int64(12), id)

	routeCtx.URLParams = chi.RouteParams{}
	routeCtx.URLParams.Add("id", "-3")
	_, err = ParamID(req, "id")
	require.ErrorIs(t, err, ErrValidation)
}
