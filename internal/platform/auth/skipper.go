package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// publicRoutes are served without a bearer token. Keys are echo route
// patterns, not raw paths.
var publicRoutes = map[string]bool{
	"/health":        true,
	"/health/db":     true,
	"/fhir/metadata": true,
}

// AuthSkipper lets health probes, the capability statement and CORS
// preflight requests through without authentication.
func AuthSkipper(c echo.Context) bool {
	if c.Request().Method == http.MethodOptions && c.Request().Header.Get("Access-Control-Request-Method") != "" {
		return true
	}
	return IsPublicPath(c.Path())
}

func IsPublicPath(route string) bool {
	return publicRoutes[route]
}
