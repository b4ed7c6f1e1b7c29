package handler

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/middleware"
	"relay-proxy-go/internal/obfuscate"
	"relay-proxy-go/internal/ratelimit"
	"relay-proxy-go/internal/service"
	"relay-proxy-go/internal/target"
)

type testStack struct {
	echo    *echo.Echo
	service *service.ProxyService
	metrics *metrics.Metrics
	cfg     *config.Config
}

// newTestStack assembles the same middleware chain and routes as the binary,
// allowing 127.0.0.1 as the only upstream and admitting limit requests per
// client.
func newTestStack(t *testing.T, limit int) *testStack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			AllowedDomains:  []string{"127.0.0.1"},
			TimeoutSeconds:  5,
			IdleConnections: 4,
		},
		Obfuscation: config.ObfuscationConfig{Level: string(obfuscate.LevelFull)},
	}

	v, err := target.NewValidator(cfg.Upstream.AllowedDomains)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	tr, err := obfuscate.New(obfuscate.Options{Level: obfuscate.LevelFull})
	if err != nil {
		t.Fatalf("obfuscate.New: %v", err)
	}
	m := metrics.New()
	uc := client.NewUpstreamClient(cfg, logger, m, v)
	svc := service.NewProxyServiceWithJitter(uc, logger, m, nil, nil)

	e := echo.New()
	e.IPExtractor = echo.ExtractIPDirect()
	e.Use(middleware.RequestContext(), middleware.SecurityHeaders())

	mw := ProxyMiddleware{
		middleware.RateLimit(ratelimit.NewFixedWindow(limit, time.Hour), logger, m),
		middleware.Obfuscate(tr),
	}
	RegisterRoutes(e, NewProxyHandler(svc, v, m, logger), NewHealthHandler(cfg, "test", svc), mw)

	return &testStack{echo: e, service: svc, metrics: m, cfg: cfg}
}
