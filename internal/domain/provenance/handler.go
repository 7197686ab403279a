package provenance

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/preauth/internal/platform/fhir"
)

// Handler provides HTTP handlers for provenance lookups.
type Handler struct {
	rec *Recorder
}

func NewHandler(rec *Recorder) *Handler {
	return &Handler{rec: rec}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	api.GET("/provenance", h.ListByTarget)
	fhirGroup.GET("/Provenance/:id", h.GetFHIR)
}

func (h *Handler) ListByTarget(c echo.Context) error {
	target := c.QueryParam("target")
	if target == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "target query parameter is required")
	}
	items, err := h.rec.ListByTarget(c.Request().Context(), target)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Provenance{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items})
}

func (h *Handler) GetFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Provenance", c.Param("id")))
	}
	p, err := h.rec.Get(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Provenance", c.Param("id")))
	}
	return c.JSON(http.StatusOK, p.ToFHIR())
}
