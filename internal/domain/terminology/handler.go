package terminology

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/middleware"
)

type Handler struct {
	n *Normalizer
}

func NewHandler(n *Normalizer) *Handler {
	return &Handler{n: n}
}

func (h *Handler) RegisterRoutes(api *echo.Group, _ *echo.Group) {
	g := api.Group("/terminology")
	g.POST("/normalize", h.Normalize)
	g.GET("/concepts/:id", h.GetConcept)
}

// Normalize handles POST /api/v1/terminology/normalize.
func (h *Handler) Normalize(c echo.Context) error {
	var in Coding
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body")
	}
	ctx := c.Request().Context()
	concept, err := h.n.Normalize(ctx, in, middleware.CorrelationIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, concept)
}

func (h *Handler) GetConcept(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid concept id")
	}
	concept, err := h.n.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, concept)
}
