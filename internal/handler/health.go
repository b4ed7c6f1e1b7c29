package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	service *service.ProxyService
}

// NewHealthHandler creates a HealthHandler. svc may be nil, in which case
// active sessions are reported as zero.
func NewHealthHandler(cfg *config.Config, v Version, svc *service.ProxyService) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, service: svc}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status            string   `json:"status"`
	Version           string   `json:"version"`
	AllowedDomains    []string `json:"allowed_domains"`
	Obfuscation       string   `json:"obfuscation_level"`
	RateLimited       bool     `json:"rate_limit_enabled"`
	WebSocketSessions int      `json:"websocket_sessions"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := StatusResponse{
		Status:         "ok",
		Version:        string(h.version),
		AllowedDomains: h.cfg.Upstream.AllowedDomains,
		Obfuscation:    h.cfg.Obfuscation.Level,
		RateLimited:    h.cfg.Server.RateLimitEnabled(),
	}
	if h.service != nil {
		resp.WebSocketSessions = h.service.ActiveSessions()
	}
	return c.JSON(http.StatusOK, resp)
}
