package hass

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const testToken = "test-token"

// fakeHA is an in-process Home Assistant WebSocket endpoint.
type fakeHA struct {
	server   *httptest.Server
	token    string
	upgrader websocket.Upgrader

	refuse   atomic.Bool
	accepted atomic.Int32

	mu       sync.Mutex
	conns    map[*fakeConn]struct{}
	ids      []int64
	greeting string
	handler  func(fc *fakeConn, msg map[string]any)
}

// fakeConn serialises server-side writes.
type fakeConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (fc *fakeConn) send(v any) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.ws.WriteJSON(v)
}

func (fc *fakeConn) reply(id, result any) {
	_ = fc.send(map[string]any{"id": id, "type": "result", "success": true, "result": result})
}

func (fc *fakeConn) replyError(id any, code, message string) {
	_ = fc.send(map[string]any{
		"id":      id,
		"type":    "result",
		"success": false,
		"error":   map[string]any{"code": code, "message": message},
	})
}

// echoHandler answers ping with pong and everything else with
// {"type": <command type>, "tag": <tag field>}.
func echoHandler(fc *fakeConn, msg map[string]any) {
	if msg["type"] == "ping" {
		_ = fc.send(map[string]any{"id": msg["id"], "type": "pong"})
		return
	}
	fc.reply(msg["id"], map[string]any{"type": msg["type"], "tag": msg["tag"]})
}

func newFakeHA(t *testing.T) *fakeHA {
	t.Helper()

	f := &fakeHA{
		token:   testToken,
		conns:   make(map[*fakeConn]struct{}),
		handler: echoHandler,
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(func() {
		f.dropAll()
		f.server.Close()
	})
	return f
}

func (f *fakeHA) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/websocket"
}

func (f *fakeHA) setHandler(h func(fc *fakeConn, msg map[string]any)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeHA) setGreeting(msgType string) {
	f.mu.Lock()
	f.greeting = msgType
	f.mu.Unlock()
}

// dropAll closes every server-side socket without a close frame.
func (f *fakeHA) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for fc := range f.conns {
		_ = fc.ws.Close()
	}
}

func (f *fakeHA) seenIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.ids...)
}

func (f *fakeHA) serve(w http.ResponseWriter, r *http.Request) {
	if f.refuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fc := &fakeConn{ws: ws}

	f.mu.Lock()
	f.conns[fc] = struct{}{}
	greeting := f.greeting
	f.mu.Unlock()
	f.accepted.Add(1)

	defer func() {
		f.mu.Lock()
		delete(f.conns, fc)
		f.mu.Unlock()
		_ = ws.Close()
	}()

	if greeting == "" {
		greeting = "auth_required"
	}
	if err := fc.send(map[string]any{"type": greeting, "ha_version": "2024.1.0"}); err != nil {
		return
	}

	var auth map[string]any
	if err := ws.ReadJSON(&auth); err != nil {
		return
	}
	if auth["type"] != "auth" || auth["access_token"] != f.token {
		_ = fc.send(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
		return
	}
	if err := fc.send(map[string]any{"type": "auth_ok", "ha_version": "2024.1.0"}); err != nil {
		return
	}

	for {
		var msg map[string]any
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}

		f.mu.Lock()
		if id, ok := msg["id"].(float64); ok {
			f.ids = append(f.ids, int64(id))
		}
		h := f.handler
		f.mu.Unlock()

		h(fc, msg)
	}
}

// fastOptions keeps reconnect delays short for tests.
func fastOptions() WSOptions {
	return WSOptions{
		CommandTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       40 * time.Millisecond,
	}
}

func newTestWSClient(t *testing.T, f *fakeHA, opts WSOptions) *WSClient {
	t.Helper()
	c := NewWSClient(f.url(), testToken, opts)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
