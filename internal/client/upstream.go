// Package client provides the upstream HTTP and WebSocket clients.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/target"
)

// maxRedirects bounds redirect chains followed on behalf of the caller.
const maxRedirects = 10

// UpstreamClient sends requests to allow-listed upstream hosts.
type UpstreamClient struct {
	httpClient *http.Client
	wsDialer   *websocket.Dialer
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// Redirects are followed only while every hop stays on the allow-list held
// by v. The metrics parameter is optional; pass nil to disable upstream
// metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, v *target.Validator) *UpstreamClient {
	timeout := cfg.Upstream.Timeout()
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify, //nolint:gosec // opt-in for development upstreams
	}

	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
		// Relay bodies exactly as the upstream encoded them.
		DisableCompression: true,
	}

	c := &UpstreamClient{
		wsDialer: &websocket.Dialer{
			NetDialContext:   dialer.DialContext,
			TLSClientConfig:  tlsConfig,
			HandshakeTimeout: timeout,
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}

	// Connect and response-header timeouts on the transport bound each call;
	// streamed bodies are not time limited.
	c.httpClient = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			if !v.Allowed(req.URL.Hostname()) {
				c.logger.Warn("not following redirect off the allow-list",
					"location_host", req.URL.Hostname(),
				)
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	return c
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream sends pr to url and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// pr.Ctx controls the lifetime of the upstream request: when it is canceled
// (e.g. client disconnects), the upstream request is also canceled.
func (c *UpstreamClient) DoStream(pr *model.ProxyRequest, url string) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, url, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = pr.Header
	if pr.Body != nil && pr.Body != http.NoBody {
		req.ContentLength = pr.ContentLength
	}

	return c.Do(req)
}

// DialWebSocket opens a WebSocket connection to url. header must not carry
// handshake headers other than Sec-WebSocket-Protocol.
func (c *UpstreamClient) DialWebSocket(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	start := time.Now()
	conn, resp, err := c.wsDialer.DialContext(ctx, url, header)
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(duration)
		if resp != nil {
			c.metrics.UpstreamResponses.WithLabelValues(http.MethodGet, strconv.Itoa(resp.StatusCode)).Inc()
		}
	}

	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, resp, fmt.Errorf("upstream websocket handshake (status %d): %w", status, err)
	}
	return conn, resp, nil
}
