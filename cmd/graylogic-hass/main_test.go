package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/nerrad567/gray-logic-hass/internal/hass"
)

// fakeHomeAssistant completes the auth handshake with auth_ok, or
// auth_invalid when reject is set, and answers pings.
func fakeHomeAssistant(t *testing.T, reject bool) (*httptest.Server, <-chan struct{}) {
	t.Helper()

	authed := make(chan struct{})
	var once sync.Once
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(map[string]any{"type": "auth_required", "ha_version": "2026.10.0"}); err != nil {
			return
		}
		var auth map[string]any
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if reject {
			_ = conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
			return
		}
		if err := conn.WriteJSON(map[string]any{"type": "auth_ok", "ha_version": "2026.10.0"}); err != nil {
			return
		}
		once.Do(func() { close(authed) })

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] == "ping" {
				_ = conn.WriteJSON(map[string]any{"id": msg["id"], "type": "pong"})
			}
		}
	}))
	t.Cleanup(srv.Close)

	return srv, authed
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func testConfig(hassURL, dbPath string) string {
	database := "database:\n  enabled: false\n"
	if dbPath != "" {
		database = fmt.Sprintf("database:\n  enabled: true\n  path: %q\n", dbPath)
	}

	return fmt.Sprintf(`
hass:
  url: %q
  token: "test-token"
  handshake_timeout: 2
  reconnect:
    initial_delay: 1
    max_delay: 1
%s
mqtt:
  enabled: false
influxdb:
  enabled: false
api:
  enabled: false
logging:
  level: error
  format: text
  output: stdout
`, hassURL, database)
}

func TestParseFlags(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "")

	opts, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.configPath != defaultConfigPath {
		t.Errorf("configPath = %q, want %q", opts.configPath, defaultConfigPath)
	}

	t.Setenv("GRAYLOGIC_CONFIG", "/etc/graylogic/hass.yaml")
	opts, err = parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.configPath != "/etc/graylogic/hass.yaml" {
		t.Errorf("configPath = %q, want env value", opts.configPath)
	}

	opts, err = parseFlags([]string{"-c", "local.yaml", "--log-level", "debug", "--version"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.configPath != "local.yaml" || opts.logLevel != "debug" || !opts.showVersion {
		t.Errorf("parseFlags() = %+v", opts)
	}
}

func TestParseFlags_Errors(t *testing.T) {
	if _, err := parseFlags([]string{"--help"}); !errors.Is(err, pflag.ErrHelp) {
		t.Errorf("--help error = %v, want pflag.ErrHelp", err)
	}
	if _, err := parseFlags([]string{"--bogus"}); err == nil {
		t.Error("unknown flag should fail")
	}
	if _, err := parseFlags([]string{"extra"}); err == nil {
		t.Error("positional argument should fail")
	}
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, options{configPath: "/nonexistent/path/config.yaml"})
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_AuthFailure(t *testing.T) {
	t.Setenv("GRAYLOGIC_HASS_TOKEN", "")
	srv, _ := fakeHomeAssistant(t, true)
	path := writeConfig(t, testConfig(srv.URL, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx, options{configPath: path})
	if !errors.Is(err, hass.ErrAuth) {
		t.Fatalf("run() error = %v, want ErrAuth", err)
	}
}

func TestRun_ShutdownAfterConnect(t *testing.T) {
	t.Setenv("GRAYLOGIC_HASS_TOKEN", "")
	t.Setenv("GRAYLOGIC_DATABASE_PATH", "")
	srv, authed := fakeHomeAssistant(t, false)
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	path := writeConfig(t, testConfig(srv.URL, dbPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx, options{configPath: path}) }()

	select {
	case <-authed:
	case err := <-done:
		t.Fatalf("run() returned early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("session never authenticated")
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancel")
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("journal database not created: %v", err)
	}
}

func TestRun_CancelWhileUnreachable(t *testing.T) {
	t.Setenv("GRAYLOGIC_HASS_TOKEN", "")
	srv := httptest.NewServer(http.NotFoundHandler())
	unreachable := srv.URL
	srv.Close()

	path := writeConfig(t, testConfig(unreachable, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := run(ctx, options{configPath: path}); err != nil {
		t.Fatalf("run() error = %v, want nil on shutdown during startup", err)
	}
}

type fakeMetrics struct {
	mu          sync.Mutex
	commands    []string
	connections []string
}

func (f *fakeMetrics) WriteCommandMetric(transport, command, outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, transport+" "+command+" "+outcome)
}

func (f *fakeMetrics) WriteConnectionMetric(state string, backoff time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connections = append(f.connections, fmt.Sprintf("%s %s", state, backoff))
}

func TestSinks(t *testing.T) {
	// All sinks absent: every hook must be a no-op.
	empty := &sinks{}
	empty.onCommand(hass.CommandStats{Type: "get_states"})
	empty.onRequest(hass.RequestStats{Method: http.MethodGet, Path: "/api/"})
	empty.onConnect()
	empty.onDisconnect(errors.New("gone"))
	empty.onReconnecting(1, time.Second)

	metrics := &fakeMetrics{}
	s := &sinks{metrics: metrics}
	s.onCommand(hass.CommandStats{Type: "get_states"})
	s.onCommand(hass.CommandStats{Type: "call_service", Err: hass.ErrTimeout})
	s.onRequest(hass.RequestStats{Method: http.MethodGet, Path: "/api/states?x=1"})
	s.onReconnecting(2, 4*time.Second)
	s.onConnect()

	wantCommands := []string{
		"websocket get_states ok",
		"websocket call_service timeout",
		"rest GET /api/states ok",
	}
	if fmt.Sprint(metrics.commands) != fmt.Sprint(wantCommands) {
		t.Errorf("commands = %v, want %v", metrics.commands, wantCommands)
	}

	wantConnections := []string{"reconnecting 4s", "connected 0s"}
	if fmt.Sprint(metrics.connections) != fmt.Sprint(wantConnections) {
		t.Errorf("connections = %v, want %v", metrics.connections, wantConnections)
	}
}
