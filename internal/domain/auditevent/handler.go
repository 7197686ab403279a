package auditevent

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	log *Log
}

func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

func (h *Handler) RegisterRoutes(api *echo.Group, _ *echo.Group) {
	api.GET("/audit/trace", h.Trace)
}

func (h *Handler) Trace(c echo.Context) error {
	events, err := h.log.Trace(c.Request().Context(), TraceFilter{
		CorrelationID: c.QueryParam("correlationId"),
		ResourceType:  c.QueryParam("resourceType"),
		ResourceID:    c.QueryParam("resourceId"),
	})
	if err != nil {
		return err
	}
	if events == nil {
		events = []*AuditEvent{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events})
}
