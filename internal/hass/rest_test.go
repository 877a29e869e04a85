package hass

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestRESTClient(t *testing.T, handler http.HandlerFunc) (*RESTClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewRESTClient(srv.URL+"/", testToken, RESTOptions{RequestTimeout: 5 * time.Second})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, srv
}

func writeJSONBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRESTRequestNotConnected(t *testing.T) {
	c := NewRESTClient("http://127.0.0.1:1", testToken, RESTOptions{})

	_, err := c.Request(context.Background(), http.MethodGet, "/api/states", nil)
	if !errors.Is(err, ErrConnection) {
		t.Errorf("Request() error = %v, want ErrConnection", err)
	}
}

func TestRESTRequestHeadersAndJSON(t *testing.T) {
	c, _ := newTestRESTClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer "+testToken {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		if r.URL.Path != "/api/states" {
			t.Errorf("path = %q, want /api/states", r.URL.Path)
		}
		writeJSONBody(w, http.StatusOK, []map[string]any{{"entity_id": "light.kitchen", "state": "on"}})
	})

	out, err := c.GetStates(context.Background())
	if err != nil {
		t.Fatalf("GetStates() error = %v", err)
	}
	states, ok := out.([]any)
	if !ok || len(states) != 1 {
		t.Fatalf("GetStates() = %#v, want one state", out)
	}
}

func TestRESTRequestText(t *testing.T) {
	c, _ := newTestRESTClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "2026-01-01 ERROR something broke")
	})

	got, err := c.GetErrorLog(context.Background())
	if err != nil {
		t.Fatalf("GetErrorLog() error = %v", err)
	}
	if got != "2026-01-01 ERROR something broke" {
		t.Errorf("GetErrorLog() = %q", got)
	}
}

func TestRESTStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusBadRequest, ErrValidation},
		{http.StatusInternalServerError, ErrConnection},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, _ := newTestRESTClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			_, err := c.GetState(context.Background(), "light.kitchen")
			if !errors.Is(err, tt.want) {
				t.Fatalf("GetState() error = %v, want %v", err, tt.want)
			}
			var statusErr *StatusError
			if !errors.As(err, &statusErr) {
				t.Fatalf("error %T is not *StatusError", err)
			}
			if statusErr.StatusCode != tt.status || statusErr.Body != "nope" {
				t.Errorf("StatusError = %+v", statusErr)
			}
		})
	}
}

func TestRESTNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewRESTClient(url, testToken, RESTOptions{})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	_, err := c.Request(context.Background(), http.MethodGet, "/api/", nil)
	if !errors.Is(err, ErrConnection) {
		t.Errorf("Request() error = %v, want ErrConnection", err)
	}
}

func TestRESTHistoryAndLogbookQuery(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	c, _ := newTestRESTClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.RequestURI())
		mu.Unlock()
		writeJSONBody(w, http.StatusOK, []any{})
	})

	ctx := context.Background()
	if _, err := c.GetHistory(ctx, "sensor.temp", "2026-01-01T00:00:00", "2026-01-02T00:00:00"); err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if _, err := c.GetLogbook(ctx, "light.kitchen", "", ""); err != nil {
		t.Fatalf("GetLogbook() error = %v", err)
	}
	if _, err := c.GetHistory(ctx, "", "", ""); err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}

	want := []string{
		"/api/history/period/2026-01-01T00:00:00?end_time=2026-01-02T00%3A00%3A00&filter_entity_id=sensor.temp",
		"/api/logbook?entity=light.kitchen",
		"/api/history/period",
	}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if i >= len(seen) || seen[i] != want[i] {
			t.Errorf("request %d = %q, want %q", i, seen, want[i])
		}
	}
}

func TestRESTConfigHelpers(t *testing.T) {
	type call struct {
		method string
		path   string
		body   string
	}
	var (
		mu    sync.Mutex
		calls []call
	)
	c, _ := newTestRESTClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, call{r.Method, r.URL.Path, string(body)})
		mu.Unlock()
		writeJSONBody(w, http.StatusOK, map[string]any{"result": "ok"})
	})

	ctx := context.Background()
	if _, err := c.GetConfig(ctx, ConfigAutomation, "morning"); err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if err := c.SaveConfig(ctx, ConfigScript, "bedtime", map[string]any{"alias": "Bedtime"}); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}
	if err := c.DeleteConfig(ctx, ConfigScene, "movie"); err != nil {
		t.Fatalf("DeleteConfig() error = %v", err)
	}
	if _, err := c.CallService(ctx, "light", "turn_on", nil); err != nil {
		t.Fatalf("CallService() error = %v", err)
	}

	want := []call{
		{http.MethodGet, "/api/config/automation/config/morning", ""},
		{http.MethodPost, "/api/config/script/config/bedtime", `{"alias":"Bedtime"}`},
		{http.MethodDelete, "/api/config/scene/config/movie", ""},
		{http.MethodPost, "/api/services/light/turn_on", `{}`},
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != len(want) {
		t.Fatalf("got %d calls, want %d", len(calls), len(want))
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}
}

func TestRESTConfigKindValidation(t *testing.T) {
	c := NewRESTClient("http://127.0.0.1:1", testToken, RESTOptions{})

	if _, err := c.GetConfig(context.Background(), "dashboard", "x"); !errors.Is(err, ErrValidation) {
		t.Errorf("GetConfig(dashboard) error = %v, want ErrValidation", err)
	}
	if err := c.DeleteConfig(context.Background(), ConfigScene, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("DeleteConfig(empty id) error = %v, want ErrValidation", err)
	}
}

func TestRESTRenderTemplate(t *testing.T) {
	c, _ := newTestRESTClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "rendered:"+body["template"])
	})

	got, err := c.RenderTemplate(context.Background(), "{{ 1 + 1 }}")
	if err != nil {
		t.Fatalf("RenderTemplate() error = %v", err)
	}
	if got != "rendered:{{ 1 + 1 }}" {
		t.Errorf("RenderTemplate() = %q", got)
	}
}

func TestRESTRequestJSON(t *testing.T) {
	c, _ := newTestRESTClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSONBody(w, http.StatusOK, map[string]any{"entity_id": "light.kitchen", "state": "off"})
	})

	var state struct {
		EntityID string `json:"entity_id"`
		State    string `json:"state"`
	}
	if err := c.RequestJSON(context.Background(), http.MethodGet, "/api/states/light.kitchen", nil, &state); err != nil {
		t.Fatalf("RequestJSON() error = %v", err)
	}
	if state.EntityID != "light.kitchen" || state.State != "off" {
		t.Errorf("state = %+v", state)
	}
}

func TestRESTPermitLimit(t *testing.T) {
	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
	)
	c, _ := newTestRESTClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		writeJSONBody(w, http.StatusOK, map[string]any{})
	})

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetStates(context.Background()); err != nil {
				t.Errorf("GetStates() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := maxSeen.Load(); got > DefaultHTTPConcurrency {
		t.Errorf("max concurrent requests = %d, want <= %d", got, DefaultHTTPConcurrency)
	}
}

func TestRESTOnRequestAndHealthCheck(t *testing.T) {
	c, _ := newTestRESTClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSONBody(w, http.StatusOK, map[string]any{"message": "API running."})
	})

	stats := make(chan RequestStats, 1)
	c.SetOnRequest(func(s RequestStats) { stats <- s })

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	s := <-stats
	if s.Method != http.MethodGet || s.Path != "/api/" || s.StatusCode != http.StatusOK || s.Err != nil {
		t.Errorf("RequestStats = %+v", s)
	}
}

func TestRESTDisconnectIdempotent(t *testing.T) {
	c := NewRESTClient("http://127.0.0.1:1", testToken, RESTOptions{})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("Disconnect() error = %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
}

func TestRESTStats(t *testing.T) {
	c, _ := newTestRESTClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/states/missing.entity" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSONBody(w, http.StatusOK, map[string]any{"message": "API running."})
	})
	ctx := context.Background()

	if _, err := c.Request(ctx, http.MethodGet, "/api/", nil); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if _, err := c.GetState(ctx, "missing.entity"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetState() error = %v, want ErrNotFound", err)
	}

	stats := c.Stats()
	if !stats.Connected {
		t.Error("Stats().Connected = false")
	}
	if stats.Requests != 2 || stats.Failures != 1 || stats.InFlight != 0 {
		t.Errorf("Stats() = %+v, want 2 requests, 1 failure, 0 in flight", stats)
	}
}
