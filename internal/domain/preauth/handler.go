package preauth

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/auth"
	"github.com/ehr/preauth/internal/platform/middleware"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	write := auth.RequireRole(auth.RoleClinician)
	api.POST("/preauth", h.Create, write)
	api.GET("/preauth", h.Search)
	api.GET("/preauth/:id", h.Get)
	api.POST("/preauth/:id/submit", h.Submit, write)
	api.POST("/preauth/:id/resubmit", h.Resubmit, write)
	api.POST("/preauth/:id/enqueue-review", h.EnqueueReview, write)
	api.POST("/preauth/:id/documents", h.AttachDocument, write)
	api.GET("/preauth/:id/status-history", h.StatusHistory)
	api.GET("/preauth/:id/decision", h.LatestDecision)

	fhirGroup.GET("/Claim/:id", h.GetClaim)
	fhirGroup.GET("/ClaimResponse/:id", h.GetClaimResponse)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid id (expected UUID)")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	var req DraftRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	ctx := c.Request().Context()
	v, err := h.engine.CreateDraft(ctx, req, middleware.CorrelationIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	v, err := h.engine.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Search(c echo.Context) error {
	f := Filter{Status: c.QueryParam("status"), Payer: c.QueryParam("payer")}
	if p := c.QueryParam("patientId"); p != "" {
		id, err := uuid.Parse(p)
		if err != nil {
			return apperr.Validation("patientId must be a UUID")
		}
		f.PatientID = &id
	}
	views, err := h.engine.Search(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"preauth": views})
}

func (h *Handler) Submit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	out, err := h.engine.Submit(ctx, id, middleware.CorrelationIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, out)
}

func (h *Handler) Resubmit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	out, err := h.engine.Resubmit(ctx, id, middleware.CorrelationIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, out)
}

func (h *Handler) EnqueueReview(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	out, err := h.engine.EnqueueReview(ctx, id, middleware.CorrelationIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, out)
}

func (h *Handler) AttachDocument(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req AttachRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	ctx := c.Request().Context()
	out, err := h.engine.AttachDocument(ctx, id, req, middleware.CorrelationIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) StatusHistory(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	rows, err := h.engine.StatusHistory(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"history": rows})
}

// LatestDecision responds with {"decision": null} before the first
// determination.
func (h *Handler) LatestDecision(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	d, err := h.engine.LatestDecision(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"decision": d})
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	v, err := h.engine.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v.ToClaim())
}

// GetClaimResponse takes the preauth id and renders its latest decision.
func (h *Handler) GetClaimResponse(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	v, err := h.engine.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if v.LatestDecision == nil {
		return apperr.NotFound("ClaimResponse", id.String())
	}
	return c.JSON(http.StatusOK, v.LatestDecision.ToClaimResponse(v))
}
