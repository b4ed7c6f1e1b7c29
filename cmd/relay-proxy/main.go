package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/handler"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/middleware"
	"relay-proxy-go/internal/obfuscate"
	"relay-proxy-go/internal/ratelimit"
	"relay-proxy-go/internal/service"
	"relay-proxy-go/internal/target"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// sweepInterval is how often expired rate-limit windows are evicted.
const sweepInterval = time.Minute

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("relay-proxy"),
		kong.Description("Forwarding proxy for allow-listed HTTP and WebSocket upstreams."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.StopTimeout(time.Minute),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newValidator,
			newTransformer,
			newRateLimiter,
			newEcho,
			client.NewUpstreamClient,
			service.NewProxyService,
			newProxyMiddleware,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, registerMetrics, warnConfigPermissions, startSweeper, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newValidator(cfg *config.Config) (*target.Validator, error) {
	return target.NewValidator(cfg.Upstream.AllowedDomains)
}

func newTransformer(cfg *config.Config) (*obfuscate.Transformer, error) {
	level, err := obfuscate.ParseLevel(cfg.Obfuscation.Level)
	if err != nil {
		return nil, err
	}
	return obfuscate.New(obfuscate.Options{
		Level:        level,
		UserAgents:   cfg.Obfuscation.UserAgents,
		StripHeaders: cfg.Obfuscation.StripHeaders,
	})
}

func newRateLimiter(cfg *config.Config) *ratelimit.FixedWindow {
	rl := cfg.Server.RateLimit
	return ratelimit.NewFixedWindow(rl.MaxRequests, time.Duration(rl.WindowSeconds)*time.Second)
}

// newProxyMiddleware orders the admission chain for relayed traffic: rate
// limiting first, then header rewriting.
func newProxyMiddleware(
	cfg *config.Config,
	rl *ratelimit.FixedWindow,
	tr *obfuscate.Transformer,
	m *metrics.Metrics,
	logger *slog.Logger,
) handler.ProxyMiddleware {
	var mw handler.ProxyMiddleware
	if cfg.Server.RateLimitEnabled() {
		mw = append(mw, middleware.RateLimit(rl, logger, m))
		logger.Info("rate limiter enabled",
			"max_requests", rl.Limit(),
			"window", rl.Window().String(),
		)
	}
	mw = append(mw, middleware.Obfuscate(tr))
	logger.Info("header obfuscation enabled", "level", string(tr.Level()))
	return mw
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so streamed responses and spliced
	// WebSocket sessions are not cut off.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	if cfg.Server.TrustProxyHeaders {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	e.Use(echomw.Recover())
	e.Use(middleware.RequestContext())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  []string{"*"},
		ExposeHeaders: []string{"X-Request-Id", "RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset", "Retry-After"},
	}))

	return e
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	logger.Info("metrics endpoint enabled", "path", cfg.Metrics.Path)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startSweeper(lc fx.Lifecycle, cfg *config.Config, rl *ratelimit.FixedWindow) {
	if !cfg.Server.RateLimitEnabled() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go rl.Run(ctx, sweepInterval)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "version", version)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout())
			defer cancel()

			logger.Info("shutting down server", "websocket_sessions", svc.ActiveSessions())
			return errors.Join(e.Shutdown(ctx), svc.Shutdown(ctx))
		},
	})
}
