package job

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, _ *echo.Group) {
	api.POST("/jobs", h.Create)
	api.GET("/jobs", h.List)
	api.GET("/jobs/:id", h.Get)
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	ctx := c.Request().Context()
	j, err := h.svc.Create(ctx, req, middleware.CorrelationIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"jobId": j.ID})
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid id (expected UUID)")
	}
	j, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, j)
}

func (h *Handler) List(c echo.Context) error {
	jobs, err := h.svc.List(c.Request().Context(), c.QueryParam("status"))
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"jobs": jobs})
}
