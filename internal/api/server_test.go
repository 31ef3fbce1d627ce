package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/observability/metrics"
	"AgentForge/internal/orchestrator"
	"AgentForge/internal/session"
)

type stubExecutor struct {
	mu       sync.Mutex
	requests []orchestrator.Request
}

func (s *stubExecutor) Execute(_ context.Context, req orchestrator.Request) *orchestrator.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return &orchestrator.Result{
		Success:             true,
		Response:            "echo: " + req.Message,
		SessionID:           "s-1",
		GuardrailsTriggered: []string{},
		CreditsCharged:      2,
	}
}

type stubInvalidator struct {
	ids []string
	n   int
	err error
}

func (s *stubInvalidator) InvalidateAll(_ context.Context, id string) (int, error) {
	s.ids = append(s.ids, id)
	return s.n, s.err
}

func newTestServer(exec Executor, store session.Store, inv Invalidator) (*Server, *metrics.Collector) {
	collector := metrics.New()
	return NewServer(":0", exec, store, inv, WithMetrics(collector)), collector
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleExecuteSuccess(t *testing.T) {
	exec := &stubExecutor{}
	server, collector := newTestServer(exec, session.NewMemoryStore(), nil)

	body := `{"description":{"id":"desc-1","version":2,"mode":"single_agent","model":{"name":"gpt-4o"}},"message":"hi","user_id":" alice ","session_id":"s-1"}`
	rec := do(t, server.Handler(), http.MethodPost, "/api/v1/executions", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d body %s", rec.Code, rec.Body.String())
	}
	var got orchestrator.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !got.Success || got.Response != "echo: hi" || got.CreditsCharged != 2 {
		t.Fatalf("unexpected result: %+v", got)
	}
	if len(exec.requests) != 1 {
		t.Fatalf("expected one execution, got %d", len(exec.requests))
	}
	req := exec.requests[0]
	if req.UserID != "alice" || req.SessionID != "s-1" || req.Description.Version != 2 {
		t.Fatalf("unexpected request forwarded: %+v", req)
	}
	if !strings.Contains(collector.Render(), `handler="/api/v1/executions",method="POST",code="200"`) {
		t.Fatalf("request metric missing")
	}
}

func TestHandleExecuteValidation(t *testing.T) {
	server, _ := newTestServer(&stubExecutor{}, session.NewMemoryStore(), nil)
	cases := map[string]string{
		"malformed":      `{"description":`,
		"no description": `{"message":"hi"}`,
		"no id":          `{"description":{"mode":"single_agent"},"message":"hi"}`,
		"empty message":  `{"description":{"id":"d"},"message":"  "}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, server.Handler(), http.MethodPost, "/api/v1/executions", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if resp.Code != xerrors.CodeInvalidArgument {
				t.Fatalf("unexpected code %s", resp.Code)
			}
		})
	}
}

func TestHandleExecuteMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(&stubExecutor{}, session.NewMemoryStore(), nil)
	rec := do(t, server.Handler(), http.MethodGet, "/api/v1/executions", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleExecuteWithoutExecutor(t *testing.T) {
	server, _ := newTestServer(nil, session.NewMemoryStore(), nil)
	rec := do(t, server.Handler(), http.MethodPost, "/api/v1/executions", `{"description":{"id":"d"},"message":"hi"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleSessionLogs(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()
	sess, err := store.GetOrCreate(ctx, "s-42")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for _, typ := range []string{session.EventExecutionStarted, session.EventExecutionCompleted} {
		if err := store.AppendLog(ctx, sess.ID, session.LogEvent{SessionID: sess.ID, EventType: typ, Timestamp: time.Now()}); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}
	server, _ := newTestServer(&stubExecutor{}, store, nil)

	rec := do(t, server.Handler(), http.MethodGet, "/api/v1/sessions/s-42/logs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var got logsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.SessionID != "s-42" || len(got.Logs) != 2 || got.Logs[1].EventType != session.EventExecutionCompleted {
		t.Fatalf("unexpected logs: %+v", got)
	}

	rec = do(t, server.Handler(), http.MethodGet, "/api/v1/sessions/missing/logs", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestHandleInvalidateCache(t *testing.T) {
	inv := &stubInvalidator{n: 3}
	server, _ := newTestServer(&stubExecutor{}, session.NewMemoryStore(), inv)

	rec := do(t, server.Handler(), http.MethodDelete, "/api/v1/descriptions/desc-1/cache", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var got invalidateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.DescriptionID != "desc-1" || got.Invalidated != 3 {
		t.Fatalf("unexpected response: %+v", got)
	}
	if len(inv.ids) != 1 || inv.ids[0] != "desc-1" {
		t.Fatalf("unexpected invalidations: %v", inv.ids)
	}

	inv.err = errors.New("redis down")
	rec = do(t, server.Handler(), http.MethodDelete, "/api/v1/descriptions/desc-1/cache", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	server, _ := newTestServer(&stubExecutor{}, session.NewMemoryStore(), nil)

	rec := do(t, server.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, server.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "agentforge_executions_total") {
		t.Fatalf("unexpected metrics response: %d", rec.Code)
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := do(t, handler, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
