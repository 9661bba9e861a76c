package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"commerce-payments/internal/apperror"
	"commerce-payments/internal/dto"

	"github.com/labstack/echo/v4"
)

// ErrorHandler renders every error as {code, message}, mapping service
// errors through apperror.Code.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			body   dto.ErrorResponse
			status int
		)
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			status = httpErr.Code
			body.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
			if msg, ok := httpErr.Message.(string); ok {
				body.Message = msg
			} else {
				body.Message = http.StatusText(status)
			}
		} else {
			body.Code, status = apperror.Code(err)
			body.Message = err.Error()
			var gwErr *apperror.GatewayError
			if errors.As(err, &gwErr) {
				body.Message = gwErr.Public()
			}
		}

		if status >= http.StatusInternalServerError {
			logger.ErrorContext(c.Request().Context(), "request failed",
				"method", c.Request().Method, "path", c.Path(), "error", err)
			body.Message = "internal error"
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.ErrorContext(c.Request().Context(), "write error response", "error", writeErr)
		}
	}
}
