package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestAuthSkipper(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/health/db", true},
		{"/fhir/metadata", true},
		{"/api/v1/preauth", false},
		{"/fhir/Patient/:id", false},
	}
	e := echo.New()
	for _, tt := range tests {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		c.SetPath(tt.path)
		if got := AuthSkipper(c); got != tt.want {
			t.Errorf("AuthSkipper(%q) = %v, want %v", tt.path, got, tt.want)
		}
		if got := IsPublicPath(tt.path); got != tt.want {
			t.Errorf("IsPublicPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestAuthSkipper_Preflight(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/preauth", nil)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/api/v1/preauth")
	if !AuthSkipper(c) {
		t.Error("expected CORS preflight to skip auth")
	}

	plain := e.NewContext(httptest.NewRequest(http.MethodOptions, "/api/v1/preauth", nil), httptest.NewRecorder())
	plain.SetPath("/api/v1/preauth")
	if AuthSkipper(plain) {
		t.Error("a bare OPTIONS request should still require auth")
	}
}
