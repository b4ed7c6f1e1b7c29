package middleware

import (
	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/obfuscate"
	"relay-proxy-go/internal/requestid"
)

// Obfuscate rewrites the inbound request headers with t before they reach
// the proxy handler.
func Obfuscate(t *obfuscate.Transformer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			t.Apply(req.Header, requestid.FromContext(req.Context()))
			return next(c)
		}
	}
}
