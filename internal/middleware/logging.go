// Package middleware provides the Echo middleware chain in front of the proxy.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/requestid"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Client disconnects (499) are logged at debug, 5xx at warn.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			switch {
			case res.Status == model.StatusClientClosedRequest:
				level = slog.LevelDebug
			case res.Status >= 500:
				level = slog.LevelWarn
			}

			logger.Log(context.Background(), level, "request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", requestid.FromContext(req.Context()),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
				"stage", model.StageClosed,
			)

			return err
		}
	}
}
