package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/preauth/internal/platform/auth"
)

func newTestHandler(dev bool, roles ...string) (*Handler, *echo.Echo, *testEnv) {
	env := newTestEnv(dev, nil)
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), "ops", roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	h := NewHandler(env.svc)
	h.RegisterRoutes(e.Group("/api/v1"), e.Group("/fhir"))
	return h, e, env
}

func TestHandler_Reset(t *testing.T) {
	_, e, env := newTestHandler(true, auth.RoleAdmin)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reset", strings.NewReader(`{"seed":false}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out ResetResult
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Seeded {
		t.Error("expected seed to be skipped")
	}
	if env.seeds != 0 {
		t.Errorf("expected no seeding, got %d", env.seeds)
	}
}

func TestHandler_Reset_EmptyBodySeeds(t *testing.T) {
	_, e, env := newTestHandler(true, auth.RoleAdmin)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reset", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env.seeds != 1 {
		t.Errorf("expected one seed, got %d", env.seeds)
	}
}

func TestHandler_Reset_RequiresAdmin(t *testing.T) {
	_, e, env := newTestHandler(true, auth.RoleClinician)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reset", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if len(env.tables.truncated) != 0 {
		t.Error("nothing should be truncated")
	}
}
