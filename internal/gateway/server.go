// Package gateway exposes batch execution over HTTP: submit batches, poll
// results, and follow live events over a WebSocket bridged to the bus.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/maximhar/oh-my-pi/internal/agents"
	"github.com/maximhar/oh-my-pi/internal/events"
	"github.com/maximhar/oh-my-pi/internal/models"
	"github.com/maximhar/oh-my-pi/internal/subagent"
)

type batchStatus string

const (
	batchRunning batchStatus = "running"
	batchDone    batchStatus = "done"
	batchFailed  batchStatus = "failed"
)

type batchRecord struct {
	ID        string                  `json:"id"`
	Status    batchStatus             `json:"status"`
	CreatedAt time.Time               `json:"createdAt"`
	TaskCount int                     `json:"taskCount"`
	Results   []subagent.SingleResult `json:"results,omitempty"`
	Error     string                  `json:"error,omitempty"`

	cancel context.CancelFunc
}

// Server is the omp gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *Hub
	bus        *events.Bus
	orch       *subagent.Orchestrator
	agents     *agents.Registry
	models     *models.Registry

	mu      sync.RWMutex
	batches map[string]*batchRecord
}

func NewServer(bus *events.Bus, orch *subagent.Orchestrator, agentReg *agents.Registry, modelReg *models.Registry, host string, port int) *Server {
	s := &Server{
		hub:     NewHub(bus),
		bus:     bus,
		orch:    orch,
		agents:  agentReg,
		models:  modelReg,
		batches: make(map[string]*batchRecord),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", s.hub.ServeWS)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/agents", s.handleAgents)
	r.Get("/api/models", s.handleModels)
	r.Post("/api/batches", s.handleSubmitBatch)
	r.Get("/api/batches", s.handleListBatches)
	r.Get("/api/batches/{id}", s.handleGetBatch)
	r.Delete("/api/batches/{id}", s.handleCancelBatch)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}
	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("omp gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully stops the server and cancels running batches.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, rec := range s.batches {
		if rec.cancel != nil {
			rec.cancel()
		}
	}
	s.mu.Unlock()
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		fmt.Sscanf(q, "%d", &limit)
	}
	writeJSON(w, http.StatusOK, s.bus.History(limit))
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agents.Names())
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.models.Names())
}

type submitBatchRequest struct {
	Tasks []subagent.Task `json:"tasks"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Tasks) == 0 {
		http.Error(w, "no tasks", http.StatusBadRequest)
		return
	}
	for _, task := range req.Tasks {
		if _, err := s.agents.Get(task.Agent); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &batchRecord{
		ID:        uuid.NewString(),
		Status:    batchRunning,
		CreatedAt: time.Now(),
		TaskCount: len(req.Tasks),
		cancel:    cancel,
	}
	s.mu.Lock()
	s.batches[rec.ID] = rec
	s.mu.Unlock()

	go func() {
		defer cancel()
		results, err := s.orch.RunAll(ctx, req.Tasks)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			rec.Status = batchFailed
			rec.Error = err.Error()
			return
		}
		rec.Status = batchDone
		rec.Results = results
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"id": rec.ID})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	list := make([]batchRecord, 0, len(s.batches))
	for _, rec := range s.batches {
		list = append(list, *rec)
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.RLock()
	rec, ok := s.batches[id]
	var snapshot batchRecord
	if ok {
		snapshot = *rec
	}
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown batch", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.RLock()
	rec, ok := s.batches[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown batch", http.StatusNotFound)
		return
	}
	if rec.cancel != nil {
		rec.cancel()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}
