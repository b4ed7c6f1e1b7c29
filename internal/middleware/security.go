package middleware

import (
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/model"
)

// SecurityHeaders returns an Echo middleware that sets defensive response
// headers and strips hop-by-hop headers from plain HTTP requests. Upgrade
// requests keep Connection and Upgrade so the handshake can be detected.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !websocket.IsWebSocketUpgrade(req) {
				model.StripHopByHop(req.Header)
			}

			res := c.Response()
			res.Before(func() {
				h := res.Header()
				h.Set("X-Content-Type-Options", "nosniff")
				h.Set("X-Frame-Options", "DENY")
				h.Set("Referrer-Policy", "no-referrer")
				h.Del("X-Powered-By")
			})

			return next(c)
		}
	}
}
