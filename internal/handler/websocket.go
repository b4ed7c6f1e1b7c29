package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/target"
)

// handleWebSocket validates the ws/wss target, dials it, upgrades the
// client and splices the two connections. A rejected or failed handshake
// closes the client connection without a response.
func (h *ProxyHandler) handleWebSocket(c echo.Context, id string, log *slog.Logger) error {
	req := c.Request()

	t, err := h.validator.Validate(req.URL.Query().Get(targetParam), target.FamilyWebSocket)
	if err != nil {
		log.Warn("rejected websocket target",
			"stage", model.StageFailed,
			"err", sanitizeError(err),
		)
		if h.metrics != nil {
			h.metrics.Rejections.WithLabelValues("invalid_target", "websocket").Inc()
		}
		return dropConnection(c, http.StatusBadRequest)
	}

	log.Info("opening websocket",
		"stage", model.StageValidated,
		"target_host", t.Host,
	)

	upstream, err := h.service.OpenWebSocket(req.Context(), id, t, req.Header)
	if err != nil {
		if errors.Is(err, model.ErrClientDisconnected) {
			log.Debug("client went away during websocket handshake", "err", err)
			return dropConnection(c, model.StatusClientClosedRequest)
		}
		if h.metrics != nil {
			h.metrics.UpstreamFailures.WithLabelValues("websocket").Inc()
		}
		log.Error("upstream websocket handshake failed",
			"stage", model.StageFailed,
			"reason", describeUpstreamError(err),
			"err", sanitizeError(err),
		)
		return dropConnection(c, http.StatusBadGateway)
	}

	var respHeader http.Header
	if p := upstream.Subprotocol(); p != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {p}}
	}
	downstream, err := h.upgrader.Upgrade(c.Response(), req, respHeader)
	if err != nil {
		// Upgrade has already answered the client with an HTTP error.
		_ = upstream.Close()
		log.Warn("client websocket upgrade failed", "stage", model.StageFailed, "err", err)
		return nil
	}
	c.Response().Status = http.StatusSwitchingProtocols

	log.Debug("websocket spliced", "stage", model.StageForwarding, "target_host", t.Host)

	err = h.service.Splice(req.Context(), downstream, upstream)
	switch {
	case err == nil:
		log.Info("websocket closed", "stage", model.StageClosed)
	case errors.Is(err, model.ErrClientDisconnected):
		log.Debug("websocket client went away", "stage", model.StageClosed, "err", err)
	default:
		if h.metrics != nil {
			h.metrics.UpstreamFailures.WithLabelValues("websocket").Inc()
		}
		log.Error("websocket upstream failed", "stage", model.StageFailed, "err", sanitizeError(err))
	}
	return nil
}

// dropConnection closes the client connection without writing a response.
// status is recorded for logs and metrics only. Writers that cannot be
// hijacked get a bare status line instead.
func dropConnection(c echo.Context, status int) error {
	conn, _, err := http.NewResponseController(c.Response().Writer).Hijack()
	if err != nil {
		return c.NoContent(status)
	}
	c.Response().Status = status
	return conn.Close()
}
