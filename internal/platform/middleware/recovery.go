package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery turns a handler panic into a 500 and logs it with the caller's
// identity. http.ErrAbortHandler is re-raised so net/http can drop the
// connection as it intends.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				perr, ok := r.(error)
				if !ok {
					perr = fmt.Errorf("%v", r)
				}
				actorID, _ := c.Get("actor_id").(string)
				logger.Error().
					Err(perr).
					Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
					Str("method", c.Request().Method).
					Str("path", c.Request().URL.Path).
					Str("actor_id", actorID).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(perr)
			}()
			return next(c)
		}
	}
}
