package handler

import (
	"github.com/labstack/echo/v4"
)

// ProxyMiddleware is the admission chain applied to relayed traffic only,
// in order. Health and status routes bypass it.
type ProxyMiddleware []echo.MiddlewareFunc

// RegisterRoutes wires all route handlers onto the Echo instance. Every path
// other than the health endpoints is relayed.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler, mw ProxyMiddleware) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.Any("/", proxy.Handle, mw...)
	e.Any("/*", proxy.Handle, mw...)
}
