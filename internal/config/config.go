// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"relay-proxy-go/internal/obfuscate"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/relay-proxy/config.toml",
	"configs/config.toml",
}

// DefaultAllowedDomains are the upstream domain suffixes used when none are configured.
var DefaultAllowedDomains = []string{"whatsapp.net", "cdn.whatsapp.net", "graph.whatsapp.net"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config           string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host             string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port             int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel         string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	AllowedDomains   []string `kong:"help='Allowed upstream domain suffixes (overrides config).',env='ALLOWED_DOMAINS',sep=','"`
	Obfuscation      string   `kong:"help='Obfuscation level: standard|full (overrides config).',env='OBFUSCATION_LEVEL'"`
	InsecureUpstream bool     `kong:"help='Skip upstream TLS certificate verification.',env='UPSTREAM_INSECURE_SKIP_VERIFY'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Upstream    UpstreamConfig    `toml:"upstream"`
	Obfuscation ObfuscationConfig `toml:"obfuscation"`
	Log         LogConfig         `toml:"log"`
	Metrics     MetricsConfig     `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host                   string          `toml:"host"`
	Port                   int             `toml:"port"` // 0 means "use default" (7860); TOML cannot distinguish 0 from unset
	BodyMaxBytes           int64           `toml:"body_max_bytes"`
	TrustProxyHeaders      bool            `toml:"trust_proxy_headers"`
	ShutdownTimeoutSeconds int             `toml:"shutdown_timeout_seconds"`
	RateLimit              RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP fixed-window rate limiting.
// Enabled is a pointer so an omitted key keeps the default (on).
type RateLimitConfig struct {
	Enabled       *bool `toml:"enabled"`
	MaxRequests   int   `toml:"max_requests"`
	WindowSeconds int   `toml:"window_seconds"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	AllowedDomains     []string `toml:"allowed_domains"`
	TimeoutSeconds     int      `toml:"timeout_seconds"`
	IdleConnections    int      `toml:"idle_connections"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify"`
}

// ObfuscationConfig controls header rewriting and dispatch jitter.
type ObfuscationConfig struct {
	Level         string   `toml:"level"`
	UserAgents    []string `toml:"user_agents"`
	StripHeaders  []string `toml:"strip_headers"`
	DisableJitter bool     `toml:"disable_jitter"`
	JitterMinMS   int      `toml:"jitter_min_ms"`
	JitterMaxMS   int      `toml:"jitter_max_ms"`
	WSJitterMinMS int      `toml:"ws_jitter_min_ms"`
	WSJitterMaxMS int      `toml:"ws_jitter_max_ms"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/relay-proxy/config.toml then configs/config.toml; if neither exists
// the built-in defaults are used.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if len(cli.AllowedDomains) > 0 {
		c.Upstream.AllowedDomains = cli.AllowedDomains
	}
	if cli.Obfuscation != "" {
		c.Obfuscation.Level = cli.Obfuscation
	}
	if cli.InsecureUpstream {
		c.Upstream.InsecureSkipVerify = true
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("server.shutdown_timeout_seconds must be non-negative; got %d", c.Server.ShutdownTimeoutSeconds)
	}
	if c.Server.RateLimit.MaxRequests < 0 {
		return fmt.Errorf("server.rate_limit.max_requests must be non-negative; got %d", c.Server.RateLimit.MaxRequests)
	}
	if c.Server.RateLimit.WindowSeconds < 0 {
		return fmt.Errorf("server.rate_limit.window_seconds must be non-negative; got %d", c.Server.RateLimit.WindowSeconds)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}

	// Allow-list entries must be bare domains, not URLs.
	for _, d := range c.Upstream.AllowedDomains {
		d = strings.TrimSpace(d)
		if d == "" || strings.ContainsAny(d, "/:@ *") {
			return fmt.Errorf("upstream.allowed_domains entry %q must be a bare domain name", d)
		}
	}

	if _, err := obfuscate.ParseLevel(c.Obfuscation.Level); err != nil {
		return fmt.Errorf("obfuscation.level must be one of: standard, full; got %q", c.Obfuscation.Level)
	}
	o := c.Obfuscation
	for _, v := range []struct {
		name     string
		min, max int
	}{
		{"jitter", o.JitterMinMS, o.JitterMaxMS},
		{"ws_jitter", o.WSJitterMinMS, o.WSJitterMaxMS},
	} {
		if v.min < 0 || v.max < 0 {
			return fmt.Errorf("obfuscation.%s_min_ms/%s_max_ms must be non-negative", v.name, v.name)
		}
		if v.max != 0 && v.min > v.max {
			return fmt.Errorf("obfuscation.%s_min_ms (%d) exceeds %s_max_ms (%d)", v.name, v.min, v.name, v.max)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with the proxy route", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Jitter is the
// exception: set disable_jitter to turn it off.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 7860
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Server.RateLimit.Enabled == nil {
		enabled := true
		c.Server.RateLimit.Enabled = &enabled
	}
	if c.Server.RateLimit.MaxRequests == 0 {
		c.Server.RateLimit.MaxRequests = 50
	}
	if c.Server.RateLimit.WindowSeconds == 0 {
		c.Server.RateLimit.WindowSeconds = 600
	}
	if len(c.Upstream.AllowedDomains) == 0 {
		c.Upstream.AllowedDomains = append([]string(nil), DefaultAllowedDomains...)
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Obfuscation.Level == "" {
		c.Obfuscation.Level = string(obfuscate.LevelFull)
	}
	if c.Obfuscation.JitterMinMS == 0 && c.Obfuscation.JitterMaxMS == 0 {
		c.Obfuscation.JitterMinMS, c.Obfuscation.JitterMaxMS = 100, 600
	}
	if c.Obfuscation.WSJitterMinMS == 0 && c.Obfuscation.WSJitterMaxMS == 0 {
		c.Obfuscation.WSJitterMinMS, c.Obfuscation.WSJitterMaxMS = 50, 250
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ShutdownTimeout returns the drain budget for graceful shutdown.
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// RateLimitEnabled reports whether rate limiting is on.
func (c *ServerConfig) RateLimitEnabled() bool {
	return c.RateLimit.Enabled == nil || *c.RateLimit.Enabled
}

// Timeout returns the upstream response-header and handshake timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Jitter returns the HTTP dispatch delay bounds; both zero when disabled.
func (c *ObfuscationConfig) Jitter() (minDelay, maxDelay time.Duration) {
	if c.DisableJitter {
		return 0, 0
	}
	return time.Duration(c.JitterMinMS) * time.Millisecond, time.Duration(c.JitterMaxMS) * time.Millisecond
}

// WSJitter returns the WebSocket handshake delay bounds; both zero when disabled.
func (c *ObfuscationConfig) WSJitter() (minDelay, maxDelay time.Duration) {
	if c.DisableJitter {
		return 0, 0
	}
	return time.Duration(c.WSJitterMinMS) * time.Millisecond, time.Duration(c.WSJitterMaxMS) * time.Millisecond
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
