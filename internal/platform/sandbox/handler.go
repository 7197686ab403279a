package sandbox

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/auth"
	"github.com/ehr/preauth/internal/platform/middleware"
)

type Handler struct {
	scenarios *Scenarios
}

func NewHandler(scenarios *Scenarios) *Handler {
	return &Handler{scenarios: scenarios}
}

func (h *Handler) RegisterRoutes(api *echo.Group, _ *echo.Group) {
	api.GET("/scenarios", h.ListTemplates)
	api.GET("/scenarios/templates", h.ListTemplates)
	api.POST("/scenarios", h.Create, auth.RequireRole(auth.RoleClinician))
}

func (h *Handler) ListTemplates(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"templates": Templates()})
}

func (h *Handler) Create(c echo.Context) error {
	var req ScenarioRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	ctx := c.Request().Context()
	out, err := h.scenarios.Create(ctx, req, middleware.CorrelationIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, out)
}
