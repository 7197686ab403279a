package admin

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/auth"
	"github.com/ehr/preauth/internal/platform/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, _ *echo.Group) {
	api.POST("/admin/reset", h.Reset, auth.RequireRole(auth.RoleAdmin))
}

// Reset accepts an empty body as {"seed": true}.
func (h *Handler) Reset(c echo.Context) error {
	var req ResetRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return apperr.Validation("invalid request body")
		}
	}
	ctx := c.Request().Context()
	out, err := h.svc.Reset(ctx, req, middleware.CorrelationIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}
