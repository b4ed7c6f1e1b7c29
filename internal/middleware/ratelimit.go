package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/ratelimit"
	"relay-proxy-go/internal/requestid"
)

// RateLimitMessage is the error text of a 429 response.
const RateLimitMessage = "Too many requests, please try again later."

// RateLimit admits at most the limiter's quota per client IP per window and
// answers 429 otherwise. Every response carries the standard RateLimit-*
// headers. Denials are logged at most once per ten seconds. The metrics
// parameter is optional.
func RateLimit(l *ratelimit.FixedWindow, logger *slog.Logger, m *metrics.Metrics) echo.MiddlewareFunc {
	policy := fmt.Sprintf("%d;w=%d", l.Limit(), int(l.Window()/time.Second))
	denials := &rate.Sometimes{Interval: 10 * time.Second}
	logger = logger.With("component", "rate_limiter")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			now := time.Now()
			ip := c.RealIP()
			d := l.Take(ip, now)
			reset := strconv.Itoa(int(d.RetryAfter(now) / time.Second))

			h := c.Response().Header()
			h.Set("RateLimit-Policy", policy)
			h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("RateLimit-Reset", reset)

			if d.Allowed {
				return next(c)
			}

			id := requestid.FromContext(c.Request().Context())
			denials.Do(func() {
				logger.Warn("rate limit exceeded",
					"request_id", id,
					"remote_ip", ip,
					"stage", model.StageRateChecked,
					"err", model.ErrRateLimited,
				)
			})
			if m != nil {
				m.Rejections.WithLabelValues("rate_limited", transport(c.Request())).Inc()
			}

			h.Set("Retry-After", reset)
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error":     RateLimitMessage,
				"requestId": id,
			})
		}
	}
}

func transport(r *http.Request) string {
	if websocket.IsWebSocketUpgrade(r) {
		return "websocket"
	}
	return "http"
}
