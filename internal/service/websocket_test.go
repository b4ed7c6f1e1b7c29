package service

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/target"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// echoUpstream echoes every data message back to the sender.
func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

// spliceServer accepts downstream upgrades and splices them to upstreamURL,
// reporting each Splice result on the returned channel.
func spliceServer(t *testing.T, svc *ProxyService, upstreamURL string) (*httptest.Server, <-chan error) {
	t.Helper()
	results := make(chan error, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := descriptor(t, upstreamURL, target.FamilyWebSocket)
		up, err := svc.OpenWebSocket(r.Context(), "req-ws", d, r.Header)
		if err != nil {
			results <- err
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		down, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			_ = up.Close()
			results <- err
			return
		}
		results <- svc.Splice(context.Background(), down, up)
	}))
	return srv, results
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func waitResult(t *testing.T, results <-chan error) error {
	t.Helper()
	select {
	case err := <-results:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for splice to end")
		return nil
	}
}

func TestSplice_RelaysMessagesByteIdentical(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	m := metrics.New()
	svc := newTestService(t, m)
	proxy, results := spliceServer(t, svc, wsURL(upstream.URL))
	defer proxy.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(proxy.URL), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	messages := []struct {
		mt   int
		data []byte
	}{
		{websocket.TextMessage, []byte("hello")},
		{websocket.BinaryMessage, []byte{0x00, 0xff, 0x10, 0x7f}},
		{websocket.BinaryMessage, bytes.Repeat([]byte{0xab}, 100_000)},
	}
	for _, msg := range messages {
		if err := conn.WriteMessage(msg.mt, msg.data); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		if mt != msg.mt {
			t.Errorf("message type = %d, want %d", mt, msg.mt)
		}
		if !bytes.Equal(data, msg.data) {
			t.Errorf("payload of %d bytes differs from the %d bytes sent", len(data), len(msg.data))
		}
	}

	if got := svc.ActiveSessions(); got != 1 {
		t.Errorf("ActiveSessions() = %d, want 1", got)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("WriteControl(close) error = %v", err)
	}
	if err := waitResult(t, results); err != nil {
		t.Errorf("Splice() error = %v, want nil on clean close", err)
	}
	_ = conn.Close()

	if got := svc.ActiveSessions(); got != 0 {
		t.Errorf("ActiveSessions() after close = %d, want 0", got)
	}
}

func TestSplice_ForwardsCloseCodeFromUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		msg := websocket.FormatCloseMessage(4001, "session expired")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
		_ = conn.Close()
	}))
	defer upstream.Close()

	svc := newTestService(t, nil)
	proxy, results := spliceServer(t, svc, wsURL(upstream.URL))
	defer proxy.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(proxy.URL), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("ReadMessage() error = %v, want *websocket.CloseError", err)
	}
	if ce.Code != 4001 || ce.Text != "session expired" {
		t.Errorf("close = %d %q, want 4001 %q", ce.Code, ce.Text, "session expired")
	}
	if err := waitResult(t, results); err != nil {
		t.Errorf("Splice() error = %v, want nil", err)
	}
}

func TestSplice_UpstreamDropIsUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = conn.ReadMessage()
		_ = conn.NetConn().Close()
	}))
	defer upstream.Close()

	svc := newTestService(t, nil)
	proxy, results := spliceServer(t, svc, wsURL(upstream.URL))
	defer proxy.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(proxy.URL), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("trigger")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	err = waitResult(t, results)
	if !errors.Is(err, model.ErrUpstreamUnreachable) {
		t.Errorf("Splice() error = %v, want ErrUpstreamUnreachable", err)
	}

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseInternalServerErr {
		t.Errorf("downstream close = %v, want code %d", err, websocket.CloseInternalServerErr)
	}
}

func TestSplice_ClientDropIsClientDisconnect(t *testing.T) {
	var upstreamClose sync.WaitGroup
	upstreamClose.Add(1)
	var closeCode int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer upstreamClose.Done()
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		_, _, err = conn.ReadMessage()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			closeCode = ce.Code
		}
	}))
	defer upstream.Close()

	svc := newTestService(t, nil)
	proxy, results := spliceServer(t, svc, wsURL(upstream.URL))
	defer proxy.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(proxy.URL), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	_ = conn.NetConn().Close()

	err = waitResult(t, results)
	if !errors.Is(err, model.ErrClientDisconnected) {
		t.Errorf("Splice() error = %v, want ErrClientDisconnected", err)
	}

	upstreamClose.Wait()
	if closeCode != websocket.CloseGoingAway {
		t.Errorf("upstream close code = %d, want %d", closeCode, websocket.CloseGoingAway)
	}
}

func TestShutdown_ClosesSessionsWithGoingAway(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	svc := newTestService(t, nil)
	proxy, results := spliceServer(t, svc, wsURL(upstream.URL))
	defer proxy.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(proxy.URL), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	// Round trip once so the session is registered before shutting down.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseGoingAway {
		t.Errorf("close = %v, want code %d", err, websocket.CloseGoingAway)
	}
	if err := waitResult(t, results); err != nil {
		t.Errorf("Splice() error = %v, want nil on shutdown", err)
	}
	if got := svc.ActiveSessions(); got != 0 {
		t.Errorf("ActiveSessions() = %d, want 0", got)
	}
}

func TestOpenWebSocket_PassesSubprotocolAndDropsHandshakeHeaders(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		u := websocket.Upgrader{Subprotocols: []string{"chat"}}
		conn, err := u.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer upstream.Close()

	svc := newTestService(t, nil)
	in := http.Header{}
	in.Set("Connection", "Upgrade")
	in.Set("Upgrade", "websocket")
	in.Set("Sec-Websocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	in.Set("Sec-Websocket-Version", "13")
	in.Set("Sec-Websocket-Extensions", "permessage-deflate")
	in.Set("Sec-Websocket-Protocol", "chat")
	in.Set("X-Request-Id", "req-ws")

	conn, err := svc.OpenWebSocket(context.Background(), "req-ws", descriptor(t, wsURL(upstream.URL), target.FamilyWebSocket), in)
	if err != nil {
		t.Fatalf("OpenWebSocket() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	if conn.Subprotocol() != "chat" {
		t.Errorf("Subprotocol() = %q, want %q", conn.Subprotocol(), "chat")
	}
	if got.Get("Sec-Websocket-Key") == in.Get("Sec-Websocket-Key") {
		t.Error("inbound Sec-Websocket-Key must not be reused upstream")
	}
	if got.Get("Sec-Websocket-Extensions") != "" {
		t.Errorf("Sec-Websocket-Extensions = %q, want empty", got.Get("Sec-Websocket-Extensions"))
	}
	if got.Get("X-Request-Id") != "req-ws" {
		t.Errorf("X-Request-Id = %q, want %q", got.Get("X-Request-Id"), "req-ws")
	}
}

func TestOpenWebSocket_RefusedHandshake(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer upstream.Close()

	svc := newTestService(t, nil)
	_, err := svc.OpenWebSocket(context.Background(), "req", descriptor(t, wsURL(upstream.URL), target.FamilyWebSocket), http.Header{})
	if !errors.Is(err, model.ErrUpstreamUnreachable) {
		t.Errorf("OpenWebSocket() error = %v, want ErrUpstreamUnreachable", err)
	}
}
