// Package service implements the upstream forwarding engine.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/target"
)

// handshakeHeaders are generated by the WebSocket dialer and must not be
// copied from the inbound upgrade request.
var handshakeHeaders = []string{
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Accept",
}

// ProxyService forwards validated requests to their upstream target.
type ProxyService struct {
	client   *client.UpstreamClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	jitter   *Jitter
	wsJitter *Jitter

	sessions sessionRegistry
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	lo, hi := cfg.Obfuscation.Jitter()
	wsLo, wsHi := cfg.Obfuscation.WSJitter()
	return NewProxyServiceWithJitter(c, logger, m, NewJitter(lo, hi, nil), NewJitter(wsLo, wsHi, nil))
}

// NewProxyServiceWithJitter creates a ProxyService with explicit jitter
// sources for HTTP dispatch and WebSocket handshakes. Either may be nil.
func NewProxyServiceWithJitter(c *client.UpstreamClient, logger *slog.Logger, m *metrics.Metrics, jitter, wsJitter *Jitter) *ProxyService {
	return &ProxyService{
		client:   c,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
		jitter:   jitter,
		wsJitter: wsJitter,
		sessions: sessionRegistry{cancels: make(map[uint64]context.CancelFunc)},
	}
}

// Forward sends pr to t and returns the upstream response with hop-by-hop
// headers removed. The caller is responsible for closing the response body.
//
// Errors wrap model.ErrClientDisconnected when pr.Ctx ended first and
// model.ErrUpstreamUnreachable otherwise.
func (s *ProxyService) Forward(pr *model.ProxyRequest, t *target.Descriptor) (*model.ProxyResponse, error) {
	if err := s.jitter.Wait(pr.Ctx); err != nil {
		return nil, fmt.Errorf("%w: during jitter: %w", model.ErrClientDisconnected, err)
	}

	header := pr.Header.Clone()
	model.StripHopByHop(header)

	s.logger.Debug("forwarding request",
		"request_id", pr.RequestID,
		"method", pr.Method,
		"target_host", t.Host,
	)

	out := *pr
	out.Header = header
	resp, err := s.client.DoStream(&out, t.URL.String())
	if err != nil {
		if pr.Ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrClientDisconnected, err)
		}
		return nil, fmt.Errorf("%w: %w", model.ErrUpstreamUnreachable, err)
	}

	model.StripHopByHop(resp.Header)
	return resp, nil
}

// OpenWebSocket waits for the handshake jitter and dials t, forwarding the
// inbound header minus handshake and hop-by-hop headers. Requested
// subprotocols are passed through.
func (s *ProxyService) OpenWebSocket(ctx context.Context, requestID string, t *target.Descriptor, inbound http.Header) (*websocket.Conn, error) {
	if err := s.wsJitter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: during jitter: %w", model.ErrClientDisconnected, err)
	}

	header := inbound.Clone()
	model.StripHopByHop(header)
	for _, k := range handshakeHeaders {
		header.Del(k)
	}

	s.logger.Debug("dialing upstream websocket",
		"request_id", requestID,
		"target_host", t.Host,
	)

	conn, _, err := s.client.DialWebSocket(ctx, t.URL.String(), header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrClientDisconnected, err)
		}
		return nil, fmt.Errorf("%w: %w", model.ErrUpstreamUnreachable, err)
	}
	return conn, nil
}

// ActiveSessions returns the number of WebSocket sessions being spliced.
func (s *ProxyService) ActiveSessions() int {
	return s.sessions.len()
}

// Shutdown closes every spliced WebSocket session with 1001 (going away),
// refuses new ones, and waits for their relays to finish or ctx to end.
func (s *ProxyService) Shutdown(ctx context.Context) error {
	n := s.sessions.closeAll()
	if n > 0 {
		s.logger.Info("closing websocket sessions", "count", n)
	}

	done := make(chan struct{})
	go func() {
		s.sessions.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain websocket sessions: %w", ctx.Err())
	}
}
