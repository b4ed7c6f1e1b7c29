package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/requestid"
	"relay-proxy-go/internal/service"
	"relay-proxy-go/internal/target"
)

// Error texts returned to callers.
const (
	InvalidTargetMessage = "Invalid or missing target URL."
	ProxyFailedMessage   = "Proxy failed."
)

// targetParam names the query parameter and JSON body field carrying the
// upstream URL.
const targetParam = "url"

// secretParamPattern matches credential-looking query values in URLs embedded
// in error messages.
var secretParamPattern = regexp.MustCompile(`(?i)((?:key|token|auth|sig|signature|password|secret)=)[^&\s"]+`)

// ProxyHandler relays requests to the upstream named by the caller.
type ProxyHandler struct {
	service   *service.ProxyService
	validator *target.Validator
	upgrader  websocket.Upgrader
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, v *target.Validator, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:   svc,
		validator: v,
		upgrader: websocket.Upgrader{
			// Origin checks are left to the upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		metrics: m,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle validates the target and either streams an HTTP exchange or splices
// a WebSocket session.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	id := requestid.FromContext(req.Context())
	log := h.logger.With("request_id", id)

	if websocket.IsWebSocketUpgrade(req) {
		return h.handleWebSocket(c, id, log)
	}

	raw, body, err := targetFromRequest(req)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return h.rejectTarget(c, id, log, err)
	}

	t, err := h.validator.Validate(raw, target.FamilyHTTP)
	if err != nil {
		return h.rejectTarget(c, id, log, err)
	}

	log.Info("forwarding",
		"stage", model.StageValidated,
		"method", req.Method,
		"target_host", t.Host,
	)

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		RequestID:     id,
		Method:        req.Method,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}
	if body != nil {
		pr.Body = io.NopCloser(bytes.NewReader(body))
		pr.ContentLength = int64(len(body))
	}

	resp, err := h.service.Forward(pr, t)
	if err != nil {
		return h.mapError(c, id, log, err)
	}
	defer func() { _ = resp.Body.Close() }()

	res := c.Response()
	for key, vals := range resp.Header {
		if key == requestid.Header {
			continue
		}
		res.Header().Del(key)
		for _, v := range vals {
			res.Header().Add(key, v)
		}
	}
	res.WriteHeader(resp.StatusCode)

	// Headers are committed; a failure from here on truncates the body.
	if _, err := stream(res, resp.Body); err != nil {
		if req.Context().Err() != nil || errors.Is(err, model.ErrClientDisconnected) {
			log.Debug("client went away mid-stream", "err", err)
			return nil
		}
		if h.metrics != nil {
			h.metrics.UpstreamFailures.WithLabelValues("http").Inc()
		}
		log.Error("streaming response body",
			"stage", model.StageFailed,
			"err", sanitizeError(err),
		)
	}

	return nil
}

// targetFromRequest returns the raw target URL from the url query parameter
// or, failing that, from the url field of a JSON body. When the body was
// read to find it, the buffered bytes are returned for forwarding.
func targetFromRequest(req *http.Request) (string, []byte, error) {
	if raw := req.URL.Query().Get(targetParam); raw != "" {
		return raw, nil, nil
	}
	if req.Body == nil || req.Body == http.NoBody {
		return "", nil, nil
	}
	mt, _, err := mime.ParseMediaType(req.Header.Get(echo.HeaderContentType))
	if err != nil || mt != echo.MIMEApplicationJSON {
		return "", nil, nil
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return "", nil, err
	}
	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", body, nil
	}
	return payload.URL, body, nil
}

// stream copies body to res, flushing after every chunk so upstream
// streaming (SSE, long polls) reaches the client as it arrives.
func stream(res *echo.Response, body io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			w, werr := res.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, errors.Join(model.ErrClientDisconnected, werr)
			}
			res.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, errors.Join(model.ErrUpstreamUnreachable, rerr)
		}
	}
}

func (h *ProxyHandler) rejectTarget(c echo.Context, id string, log *slog.Logger, err error) error {
	log.Warn("rejected target",
		"stage", model.StageFailed,
		"err", sanitizeError(err),
	)
	if h.metrics != nil {
		h.metrics.Rejections.WithLabelValues("invalid_target", "http").Inc()
	}
	return c.JSON(http.StatusBadRequest, map[string]string{
		"error":     InvalidTargetMessage,
		"requestId": id,
	})
}

func (h *ProxyHandler) mapError(c echo.Context, id string, log *slog.Logger, err error) error {
	if errors.Is(err, model.ErrClientDisconnected) {
		log.Debug("client went away before the upstream answered", "err", err)
		return c.NoContent(model.StatusClientClosedRequest)
	}

	if h.metrics != nil {
		h.metrics.UpstreamFailures.WithLabelValues("http").Inc()
	}
	log.Error("proxy error",
		"stage", model.StageFailed,
		"reason", describeUpstreamError(err),
		"err", sanitizeError(err),
	)
	return c.JSON(http.StatusBadGateway, map[string]string{
		"error":     ProxyFailedMessage,
		"requestId": id,
	})
}

// describeUpstreamError classifies err for logs. Callers never see it.
func describeUpstreamError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "upstream request timed out"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "upstream request timed out"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "upstream host unreachable"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "upstream connection failed"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "upstream request failed"
	}

	return "proxy failure"
}

// sanitizeError redacts credential-looking query values from error messages
// that may contain target URLs.
func sanitizeError(err error) string {
	return secretParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
