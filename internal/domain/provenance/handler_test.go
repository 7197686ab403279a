package provenance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo) {
	rec, _ := newTestRecorder()
	return NewHandler(rec), echo.New()
}

func TestHandler_ListByTarget(t *testing.T) {
	h, e := newTestHandler()
	target := uuid.New()
	_, _ = h.rec.Record(context.Background(), Entry{Activity: "create", Target: &Target{ResourceType: "PreAuthRequest", ResourceID: target}})

	req := httptest.NewRequest(http.MethodGet, "/?target=PreAuthRequest/"+target.String(), nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.ListByTarget(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Items []Provenance `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Items) != 1 {
		t.Errorf("expected 1 item, got %d", len(body.Items))
	}
}

func TestHandler_ListByTarget_MissingParam(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := h.ListByTarget(c); err == nil {
		t.Error("expected error for missing target")
	}
}

func TestHandler_GetFHIR(t *testing.T) {
	h, e := newTestHandler()
	id, _ := h.rec.Record(context.Background(), Entry{Activity: "create"})

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	if err := h.GetFHIR(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_GetFHIR_NotFound(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	_ = h.GetFHIR(c)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
