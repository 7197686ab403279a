package middleware

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"
)

const CorrelationIDHeader = "X-Correlation-Id"

type correlationKey struct{}

// WithCorrelationID returns a context carrying the caller-supplied
// correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the correlation id, or "" when the
// caller did not supply one.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// CorrelationID copies X-Correlation-Id into the request context and echoes
// it back. No id is generated when absent: retries are only deduplicated
// when the caller asks for it.
func CorrelationID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := strings.TrimSpace(c.Request().Header.Get(CorrelationIDHeader))
			if id != "" {
				c.Set("correlation_id", id)
				c.SetRequest(c.Request().WithContext(WithCorrelationID(c.Request().Context(), id)))
				c.Response().Header().Set(CorrelationIDHeader, id)
			}
			return next(c)
		}
	}
}
