package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout bounds each request by timeout. The handler runs on the
// request goroutine; when it gives up because the deadline passed and has not
// written a response, the client gets a 504.
//
// Paths containing one of skip run without a deadline. Synchronous phase runs
// are skipped: a cancelled phase only stops at its next checkpoint.
func RequestTimeout(timeout time.Duration, skip ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, s := range skip {
				if strings.Contains(c.Request().URL.Path, s) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) || c.Response().Committed {
				return err
			}
			return c.JSON(http.StatusGatewayTimeout, map[string]string{
				"message": "request exceeded " + timeout.String(),
			})
		}
	}
}
