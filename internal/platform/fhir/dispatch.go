package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/preauth/internal/platform/apperr"
)

// ResourceHandler maps one FHIR resource type to and from internal records.
type ResourceHandler interface {
	ResourceType() string
	Create(ctx context.Context, body json.RawMessage, correlationID string) (map[string]interface{}, error)
	Read(ctx context.Context, id string) (map[string]interface{}, error)
}

// Searcher is implemented by handlers that support type-level search with
// a small fixed set of parameters.
type Searcher interface {
	Search(ctx context.Context, params url.Values) ([]map[string]interface{}, error)
}

// Updater is implemented by handlers whose resources can be replaced in
// place.
type Updater interface {
	Update(ctx context.Context, id string, body json.RawMessage, correlationID string) (map[string]interface{}, error)
}

// Historian is implemented by versioned resources.
type Historian interface {
	History(ctx context.Context, id string) ([]map[string]interface{}, error)
}

// UnsupportedResourceError is returned for resource types that have no
// registered handler.
type UnsupportedResourceError struct {
	ResourceType string
}

func (e *UnsupportedResourceError) Error() string {
	return "unsupported resource type: " + e.ResourceType
}

// Registry is the closed resource-type dispatch table. It is built once at
// startup and never mutated afterwards.
type Registry struct {
	handlers map[string]ResourceHandler
}

func NewRegistry(handlers ...ResourceHandler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]ResourceHandler, len(handlers))}
	for _, h := range handlers {
		key := strings.ToLower(h.ResourceType())
		if _, dup := r.handlers[key]; dup {
			return nil, fmt.Errorf("duplicate handler for resource type %s", h.ResourceType())
		}
		r.handlers[key] = h
	}
	return r, nil
}

// Lookup resolves a resource type case-insensitively.
func (r *Registry) Lookup(resourceType string) (ResourceHandler, error) {
	h, ok := r.handlers[strings.ToLower(resourceType)]
	if !ok {
		return nil, &UnsupportedResourceError{ResourceType: resourceType}
	}
	return h, nil
}

// Types lists registered resource types in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.ResourceType())
	}
	sort.Strings(out)
	return out
}

// RegisterRoutes mounts generic create/read endpoints for every registered
// type. Routes with a static resource segment registered elsewhere win.
func (r *Registry) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("/:type", r.create)
	fhirGroup.GET("/:type", r.search)
	fhirGroup.GET("/:type/:id", r.read)
	fhirGroup.PUT("/:type/:id", r.update)
	fhirGroup.GET("/:type/:id/_history", r.history)
}

func notSupported(c echo.Context, what, resourceType string) error {
	return c.JSON(http.StatusBadRequest, NewOperationOutcome(IssueSeverityError, IssueTypeNotSupported,
		what+" is not supported for "+resourceType))
}

func (r *Registry) update(c echo.Context) error {
	h, err := r.Lookup(c.Param("type"))
	if err != nil {
		return unsupported(c, err)
	}
	u, ok := h.(Updater)
	if !ok {
		return notSupported(c, "update", h.ResourceType())
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || len(body) == 0 {
		return c.JSON(http.StatusBadRequest, ErrorOutcome("request body is required"))
	}
	out, err := u.Update(c.Request().Context(), c.Param("id"), body, c.Request().Header.Get("X-Correlation-Id"))
	if err != nil {
		if apperr.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, NotFoundOutcome(h.ResourceType(), c.Param("id")))
		}
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (r *Registry) history(c echo.Context) error {
	h, err := r.Lookup(c.Param("type"))
	if err != nil {
		return unsupported(c, err)
	}
	hs, ok := h.(Historian)
	if !ok {
		return notSupported(c, "history", h.ResourceType())
	}
	versions, err := hs.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		if apperr.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, NotFoundOutcome(h.ResourceType(), c.Param("id")))
		}
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, NewHistoryBundle(versions))
}

func (r *Registry) search(c echo.Context) error {
	h, err := r.Lookup(c.Param("type"))
	if err != nil {
		return unsupported(c, err)
	}
	s, ok := h.(Searcher)
	if !ok {
		return notSupported(c, "search", h.ResourceType())
	}
	items, err := s.Search(c.Request().Context(), c.QueryParams())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, NewSearchBundle(items, c.Request().URL.String()))
}

func (r *Registry) create(c echo.Context) error {
	h, err := r.Lookup(c.Param("type"))
	if err != nil {
		return unsupported(c, err)
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || len(body) == 0 {
		return c.JSON(http.StatusBadRequest, ErrorOutcome("request body is required"))
	}
	out, err := h.Create(c.Request().Context(), body, c.Request().Header.Get("X-Correlation-Id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (r *Registry) read(c echo.Context) error {
	h, err := r.Lookup(c.Param("type"))
	if err != nil {
		return unsupported(c, err)
	}
	out, err := h.Read(c.Request().Context(), c.Param("id"))
	if err != nil {
		if apperr.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, NotFoundOutcome(h.ResourceType(), c.Param("id")))
		}
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// writeError renders taxonomy errors as an OperationOutcome and leaves
// anything else to the server error handler.
func writeError(c echo.Context, err error) error {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		return err
	}
	return c.JSON(status, OutcomeFromError(err))
}

func unsupported(c echo.Context, err error) error {
	var ue *UnsupportedResourceError
	if errors.As(err, &ue) {
		return c.JSON(http.StatusBadRequest, NewOperationOutcome(IssueSeverityError, IssueTypeNotSupported, err.Error()))
	}
	return err
}
