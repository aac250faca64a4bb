package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/maximhar/oh-my-pi/internal/agents"
	"github.com/maximhar/oh-my-pi/internal/config"
	"github.com/maximhar/oh-my-pi/internal/events"
	"github.com/maximhar/oh-my-pi/internal/models"
	"github.com/maximhar/oh-my-pi/internal/session"
	"github.com/maximhar/oh-my-pi/internal/subagent"
	"github.com/maximhar/oh-my-pi/internal/wire"
	"github.com/maximhar/oh-my-pi/internal/worker"
)

// instantSession calls the completion tool on its first prompt.
type instantSession struct {
	msgs []*wire.AssistantMessage
	subs []func(wire.Event)
}

func (s *instantSession) Prompt(ctx context.Context, text string) error {
	msg := &wire.AssistantMessage{
		Role: "assistant",
		Content: []*wire.ContentBlock{{
			Kind: wire.BlockToolCall,
			ID:   "tu_1",
			Name: worker.CompletionTool,
			Arguments: map[string]any{
				"status": "completed",
				"result": "ok",
			},
		}},
		StopReason: wire.StopReasonToolUse,
		Usage:      wire.Usage{Input: 10, Output: 5, TotalTokens: 15},
		Timestamp:  time.Now(),
	}
	s.msgs = append(s.msgs, msg)
	for _, fn := range s.subs {
		fn(wire.Event{Type: wire.EventToolcallStart, ContentIndex: 0, Message: msg})
		fn(wire.Event{Type: wire.EventToolcallEnd, ContentIndex: 0, Message: msg})
		fn(wire.Event{Type: wire.EventDone, Message: msg})
	}
	return nil
}

func (s *instantSession) Abort()   {}
func (s *instantSession) Dispose() {}

func (s *instantSession) Subscribe(fn func(wire.Event)) func() {
	s.subs = append(s.subs, fn)
	return func() {}
}

func (s *instantSession) Messages() []*wire.AssistantMessage { return s.msgs }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(func() { bus.Close() })

	agentReg := agents.NewRegistry()
	if err := agentReg.Register(agents.Definition{Name: "explorer", SystemPrompt: "explore"}); err != nil {
		t.Fatal(err)
	}
	modelReg := models.NewRegistry(config.ModelsConfig{}, nil)

	orch := subagent.NewOrchestrator(subagent.Options{
		Config: config.SubagentsConfig{MaxConcurrent: 2, OutputMaxBytes: 10_000, OutputMaxLines: 100},
		Agents: agentReg,
		Bus:    bus,
		Sessions: func(ctx context.Context, payload worker.StartPayload) (session.Session, error) {
			return &instantSession{}, nil
		},
	})
	return NewServer(bus, orch, agentReg, modelReg, "localhost", 0)
}

func doJSON(t *testing.T, srv *Server, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		if err := json.NewDecoder(w.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return w
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	var body map[string]string
	w := doJSON(t, srv, http.MethodGet, "/api/health", "", &body)
	if w.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", w.Code, body)
	}
}

func TestHandleAgentsAndModels(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	var names []string
	doJSON(t, srv, http.MethodGet, "/api/agents", "", &names)
	if len(names) != 1 || names[0] != "explorer" {
		t.Fatalf("agents: %v", names)
	}

	var modelNames []string
	doJSON(t, srv, http.MethodGet, "/api/models", "", &modelNames)
	if len(modelNames) == 0 {
		t.Fatal("expected built-in model catalog")
	}
}

func TestSubmitBatchLifecycle(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	var accepted map[string]string
	w := doJSON(t, srv, http.MethodPost, "/api/batches",
		`{"tasks":[{"agent":"explorer","task":"look around"}]}`, &accepted)
	if w.Code != http.StatusAccepted || accepted["id"] == "" {
		t.Fatalf("submit: %d %v", w.Code, accepted)
	}

	var rec batchRecord
	deadline := time.Now().Add(5 * time.Second)
	for {
		doJSON(t, srv, http.MethodGet, "/api/batches/"+accepted["id"], "", &rec)
		if rec.Status == batchDone || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rec.Status != batchDone {
		t.Fatalf("batch never finished: %+v", rec)
	}
	if len(rec.Results) != 1 || rec.Results[0].Output != "ok" {
		t.Fatalf("results: %+v", rec.Results)
	}
}

func TestSubmitBatchValidation(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	if w := doJSON(t, srv, http.MethodPost, "/api/batches", `{"tasks":[]}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("empty batch: %d", w.Code)
	}
	if w := doJSON(t, srv, http.MethodPost, "/api/batches",
		`{"tasks":[{"agent":"ghost","task":"x"}]}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown agent: %d", w.Code)
	}
	if w := doJSON(t, srv, http.MethodGet, "/api/batches/nope", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown batch: %d", w.Code)
	}
}
