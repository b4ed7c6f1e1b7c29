package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relay-proxy-go/internal/model"
)

// controlWriteWait bounds writes of close, ping and pong frames.
const controlWriteWait = 5 * time.Second

type side int

const (
	sideDownstream side = iota
	sideUpstream
)

func (s side) String() string {
	if s == sideUpstream {
		return "upstream"
	}
	return "downstream"
}

// pumpEnd records which connection ended a session and why.
type pumpEnd struct {
	side     side
	err      error
	shutdown bool
}

// Splice relays frames between downstream and upstream until either side
// closes, fails, ctx is canceled, or Shutdown is called. Both connections
// are closed on return.
//
// A close frame from either peer is forwarded to the other with its code,
// and the session ends cleanly (nil). A failure on the downstream side wraps
// model.ErrClientDisconnected; a failure on the upstream side wraps
// model.ErrUpstreamUnreachable.
func (s *ProxyService) Splice(ctx context.Context, downstream, upstream *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	id, ok := s.sessions.add(cancel)
	if !ok {
		goingAway(downstream, upstream)
		_ = downstream.Close()
		_ = upstream.Close()
		return nil
	}
	defer s.sessions.remove(id)

	if s.metrics != nil {
		s.metrics.WebSocketSessions.Inc()
		defer s.metrics.WebSocketSessions.Dec()
	}

	relayControl(downstream, upstream)
	relayControl(upstream, downstream)

	results := make(chan pumpEnd, 2)
	go func() { results <- s.pump(upstream, downstream, sideDownstream) }()
	go func() { results <- s.pump(downstream, upstream, sideUpstream) }()

	pending := 2
	var end pumpEnd
	select {
	case end = <-results:
		pending--
		finish(end, downstream, upstream)
	case <-ctx.Done():
		end = pumpEnd{shutdown: true}
		goingAway(downstream, upstream)
	}

	_ = downstream.Close()
	_ = upstream.Close()
	for ; pending > 0; pending-- {
		<-results
	}

	return classify(end)
}

// pump copies data messages from src to dst one frame at a time.
func (s *ProxyService) pump(dst, src *websocket.Conn, from side) pumpEnd {
	direction := "client_to_upstream"
	if from == sideUpstream {
		direction = "upstream_to_client"
	}
	to := sideUpstream
	if from == sideUpstream {
		to = sideDownstream
	}

	buf := make([]byte, 32*1024)
	for {
		mt, r, err := src.NextReader()
		if err != nil {
			return pumpEnd{side: from, err: err}
		}
		w, err := dst.NextWriter(mt)
		if err != nil {
			return pumpEnd{side: to, err: err}
		}
		if end, ok := copyFrame(w, r, buf, from, to); !ok {
			_ = w.Close()
			return end
		}
		if err := w.Close(); err != nil {
			return pumpEnd{side: to, err: err}
		}
		if s.metrics != nil {
			s.metrics.WebSocketMessages.WithLabelValues(direction).Inc()
		}
	}
}

// copyFrame streams one message body, attributing a failure to the side
// that caused it.
func copyFrame(w io.Writer, r io.Reader, buf []byte, from, to side) (pumpEnd, bool) {
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return pumpEnd{side: to, err: werr}, false
			}
		}
		if rerr == io.EOF {
			return pumpEnd{}, true
		}
		if rerr != nil {
			return pumpEnd{side: from, err: rerr}, false
		}
	}
}

// relayControl forwards ping and pong frames read from src to dst instead of
// answering them locally.
func relayControl(src, dst *websocket.Conn) {
	src.SetPingHandler(func(data string) error {
		_ = dst.WriteControl(websocket.PingMessage, []byte(data), time.Now().Add(controlWriteWait))
		return nil
	})
	src.SetPongHandler(func(data string) error {
		_ = dst.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWriteWait))
		return nil
	})
}

// finish tells the surviving peer how the session ended.
func finish(end pumpEnd, downstream, upstream *websocket.Conn) {
	peer := upstream
	if end.side == sideUpstream {
		peer = downstream
	}

	var msg []byte
	var ce *websocket.CloseError
	switch {
	case errors.As(end.err, &ce) && ce.Code != websocket.CloseAbnormalClosure:
		msg = websocket.FormatCloseMessage(ce.Code, ce.Text)
	case end.side == sideUpstream:
		msg = websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "upstream failed")
	default:
		msg = websocket.FormatCloseMessage(websocket.CloseGoingAway, "client went away")
	}
	_ = peer.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
}

func goingAway(conns ...*websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "proxy shutting down")
	deadline := time.Now().Add(controlWriteWait)
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, msg, deadline)
	}
}

func classify(end pumpEnd) error {
	if end.shutdown {
		return nil
	}
	var ce *websocket.CloseError
	if errors.As(end.err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		return nil
	}
	if end.side == sideDownstream {
		return fmt.Errorf("%w: websocket %s: %w", model.ErrClientDisconnected, end.side, end.err)
	}
	return fmt.Errorf("%w: websocket %s: %w", model.ErrUpstreamUnreachable, end.side, end.err)
}

// sessionRegistry tracks live sessions so they can be closed on shutdown.
type sessionRegistry struct {
	mu      sync.Mutex
	closed  bool
	next    uint64
	cancels map[uint64]context.CancelFunc
	wg      sync.WaitGroup
}

func (r *sessionRegistry) add(cancel context.CancelFunc) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, false
	}
	r.next++
	r.cancels[r.next] = cancel
	r.wg.Add(1)
	return r.next, true
}

func (r *sessionRegistry) remove(id uint64) {
	r.mu.Lock()
	delete(r.cancels, id)
	r.mu.Unlock()
	r.wg.Done()
}

func (r *sessionRegistry) closeAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, cancel := range r.cancels {
		cancel()
	}
	return len(r.cancels)
}

func (r *sessionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
