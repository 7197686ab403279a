package payer

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/auth"
	"github.com/ehr/preauth/internal/platform/middleware"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group, _ *echo.Group) {
	admin := auth.RequireRole(auth.RolePayerAdmin)
	api.GET("/payer-rules", h.List)
	api.GET("/payer-rules/active", h.GetActive)
	api.PUT("/payer-rules/active", h.PutActive, admin)
	api.POST("/payer-rules", h.SaveDraft, admin)
	api.POST("/payer-rules/:id/activate", h.Activate, admin)
}

func (h *Handler) List(c echo.Context) error {
	sets, err := h.store.List(c.Request().Context(), c.QueryParam("payer"))
	if err != nil {
		return err
	}
	if sets == nil {
		sets = []*RuleSet{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ruleSets": sets})
}

func (h *Handler) GetActive(c echo.Context) error {
	payer := c.QueryParam("payer")
	rs, err := h.store.GetActive(c.Request().Context(), payer)
	if err != nil {
		return err
	}
	if rs == nil {
		return apperr.NotFound("Active rule set for payer", payer)
	}
	return c.JSON(http.StatusOK, rs)
}

func (h *Handler) PutActive(c echo.Context) error {
	req, err := bindUpsert(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	rs, err := h.store.UpsertActive(ctx, req, middleware.CorrelationIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rs)
}

func (h *Handler) SaveDraft(c echo.Context) error {
	req, err := bindUpsert(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	rs, err := h.store.SaveDraft(ctx, req, middleware.CorrelationIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rs)
}

func (h *Handler) Activate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid id (expected UUID)")
	}
	ctx := c.Request().Context()
	rs, err := h.store.Activate(ctx, id, middleware.CorrelationIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rs)
}

// bindUpsert accepts either {payer, rules, notes} or a bare rules document
// with payer and notes in the query string.
func bindUpsert(c echo.Context) (UpsertRequest, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return UpsertRequest{}, apperr.Validation("invalid request body: %v", err)
	}
	var req UpsertRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return UpsertRequest{}, apperr.Validation("rules must be an object")
	}
	if len(req.Rules) == 0 {
		req.Rules = body
	}
	if p := c.QueryParam("payer"); p != "" {
		req.Payer = p
	}
	if n := c.QueryParam("notes"); n != "" {
		req.Notes = &n
	}
	return req, nil
}
