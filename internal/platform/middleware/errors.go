package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/fhir"
)

// ErrorHandler renders domain errors. Requests under /fhir get an
// OperationOutcome body, everything else gets {"error": "..."}.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := apperr.HTTPStatus(err)
		message := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			if m, ok := he.Message.(string); ok {
				message = m
			} else {
				message = http.StatusText(he.Code)
			}
		}
		if status >= 500 {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
			if he == nil {
				message = "internal server error"
			}
		}

		var werr error
		switch {
		case c.Request().Method == http.MethodHead:
			werr = c.NoContent(status)
		case strings.HasPrefix(c.Request().URL.Path, "/fhir"):
			oo := fhir.OutcomeFromError(err)
			if he != nil {
				oo = fhir.ErrorOutcome(message)
			}
			werr = c.JSON(status, oo)
		default:
			body := map[string]interface{}{"error": message}
			var mr *apperr.MissingRequirementError
			if errors.As(err, &mr) {
				body["missing"] = mr.Codes
			}
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
