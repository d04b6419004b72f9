package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			status := c.Response().Status
			evt := logger.Info()
			switch {
			case err != nil:
				evt = logger.Error().Err(err)
			case status >= 500:
				evt = logger.Error()
			case status >= 400:
				evt = logger.Warn()
			}

			if actor := ActorFrom(c); actor != "" {
				evt = evt.Str("actor_id", actor)
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("route", c.Path()).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
