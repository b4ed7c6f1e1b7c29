package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"relay-proxy-go/internal/requestid"
)

// RequestContext mints a fresh request id for every inbound request, exposes
// it on the X-Request-Id response header and stores it in the request
// context. Ids supplied by the caller are discarded.
func RequestContext() echo.MiddlewareFunc {
	mint := echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator:    requestid.Mint,
		TargetHeader: requestid.Header,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(requestid.NewContext(req.Context(), id)))
		},
	})
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		h := mint(next)
		return func(c echo.Context) error {
			c.Request().Header.Del(requestid.Header)
			return h(c)
		}
	}
}
