package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// PlainTextErrorHandler replaces Echo's JSON error handler so that router
// errors, rate limiting and recovered panics answer in the same plain-text
// form as the relay itself. Errors that are not *echo.HTTPError become a bare
// 500 and are logged with their detail.
func PlainTextErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
		} else {
			logger.Error("unhandled error", "err", err, "path", c.Request().URL.Path)
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.String(code, http.StatusText(code))
		}
		if werr != nil {
			logger.Warn("writing error response", "err", werr)
		}
	}
}
