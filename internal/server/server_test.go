package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/crmsync/internal/config"
	"github.com/scrypster/crmsync/internal/engine"
	"github.com/scrypster/crmsync/internal/schema"
)

type fakeEngine struct {
	mu        sync.Mutex
	texts     []string
	result    *engine.ProcessResult
	schemaErr error
	observers []engine.Observer
}

func (f *fakeEngine) ProcessText(ctx context.Context, text string) *engine.ProcessResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.result != nil {
		return f.result
	}
	s := engine.Summarize(nil)
	return &engine.ProcessResult{Success: true, RunID: "run-1", Summary: &s}
}

func (f *fakeEngine) InitializeSchema(ctx context.Context) (*schema.Snapshot, error) {
	if f.schemaErr != nil {
		return nil, f.schemaErr
	}
	return &schema.Snapshot{Initialized: true, Objects: []schema.ObjectSnapshot{{Slug: "companies", Name: "Companies"}}}, nil
}

func (f *fakeEngine) SchemaInfo() schema.Snapshot {
	return schema.Snapshot{Initialized: f.schemaErr == nil, Objects: []schema.ObjectSnapshot{}}
}

func (f *fakeEngine) Subscribe(o engine.Observer) func() {
	f.mu.Lock()
	f.observers = append(f.observers, o)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeEngine) emit(ev engine.Event) {
	f.mu.Lock()
	obs := append([]engine.Observer(nil), f.observers...)
	f.mu.Unlock()
	for _, o := range obs {
		o(ev)
	}
}

type fakeSubscriber struct {
	ch chan []byte
}

func (f *fakeSubscriber) sendChannel() chan []byte { return f.ch }
func (f *fakeSubscriber) close()                   {}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:              "127.0.0.1",
			Port:              0,
			SecurityMode:      "development",
			RequestsPerSecond: 1000,
			Burst:             1000,
		},
	}
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h := New(testConfig(), &fakeEngine{}, WithVersion("1.2.3")).Handler()

	w := do(t, h, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestProcess(t *testing.T) {
	eng := &fakeEngine{}
	h := New(testConfig(), eng).Handler()

	w := do(t, h, http.MethodPost, "/api/process", `{"text": "Met Jane at Acme"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var res engine.ProcessResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, []string{"Met Jane at Acme"}, eng.texts)
}

func TestProcess_RejectsBadRequests(t *testing.T) {
	eng := &fakeEngine{}
	h := New(testConfig(), eng).Handler()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"text": `},
		{"missing text", `{}`},
		{"blank text", `{"text": "  \n "}`},
		{"too large", `{"text": "` + strings.Repeat("a", maxRequestBodySize) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/process", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
		})
	}
	assert.Empty(t, eng.texts)
}

func TestProcess_EngineFailure(t *testing.T) {
	eng := &fakeEngine{result: &engine.ProcessResult{RunID: "run-2", Error: "schema unavailable"}}
	h := New(testConfig(), eng).Handler()

	w := do(t, h, http.MethodPost, "/api/process", `{"text": "hello"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "schema unavailable")
}

func TestSchemaRoutes(t *testing.T) {
	eng := &fakeEngine{}
	h := New(testConfig(), eng).Handler()

	w := do(t, h, http.MethodPost, "/api/schema/init", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"slug":"companies"`)

	w = do(t, h, http.MethodGet, "/api/schema", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"initialized":true`)

	eng.schemaErr = errors.New("workspace unavailable")
	w = do(t, h, http.MethodPost, "/api/schema/init", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "SCHEMA_UNAVAILABLE")
}

func TestRequireAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Server.SecurityMode = "production"
	cfg.Server.APIToken = "secret"
	h := New(cfg, &fakeEngine{}).Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/schema", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/schema", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/schema", "", "Authorization", "secret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/schema", "", "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", "").Code, "health needs no token")
}

func TestRequireAuth_ProductionWithoutToken(t *testing.T) {
	cfg := testConfig()
	cfg.Server.SecurityMode = "production"
	h := New(cfg, &fakeEngine{}).Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/schema", "", "Authorization", "Bearer ").Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RequestsPerSecond = 0.001
	cfg.Server.Burst = 2
	h := New(cfg, &fakeEngine{}).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", "").Code)
	w := do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("crmsync_runs_total 1\n"))
	})

	h := New(testConfig(), &fakeEngine{}, WithMetricsHandler(metrics)).Handler()
	w := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "crmsync_runs_total")

	h = New(testConfig(), &fakeEngine{}).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/metrics", "").Code)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	h := New(testConfig(), &fakeEngine{}).Handler()

	w := do(t, h, http.MethodGet, "/ws", "",
		"Origin", "http://evil.example",
		"Connection", "Upgrade",
		"Upgrade", "websocket",
		"Sec-WebSocket-Version", "13",
		"Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==",
	)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	sub := &fakeSubscriber{ch: make(chan []byte, 1)}
	hub.Register(sub)
	hub.Broadcast(map[string]string{"kind": "plan_ready"})

	select {
	case msg := <-sub.ch:
		assert.JSONEq(t, `{"kind":"plan_ready"}`, string(msg))
	case <-time.After(time.Second):
		t.Fatal("broadcast not delivered")
	}
}

func TestHub_DropsSlowSubscribers(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	slow := &fakeSubscriber{ch: make(chan []byte)}
	hub.Register(slow)
	hub.Broadcast("first")

	select {
	case _, open := <-slow.ch:
		assert.False(t, open, "slow subscriber channel is closed")
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
}

func TestStart_BroadcastsEngineEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := &fakeEngine{}
	addr, srv, err := Start(ctx, testConfig(), eng)
	require.NoError(t, err)
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sub := &fakeSubscriber{ch: make(chan []byte, 1)}
	srv.Hub().Register(sub)
	eng.emit(engine.Event{Kind: engine.EventRunCompleted, RunID: "run-9"})

	select {
	case msg := <-sub.ch:
		assert.Contains(t, string(msg), `"kind":"run_completed"`)
		assert.Contains(t, string(msg), `"run_id":"run-9"`)
	case <-time.After(2 * time.Second):
		t.Fatal("engine event not broadcast")
	}
}
