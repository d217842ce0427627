package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/austindbirch/flowhook/internal/health"
	"github.com/austindbirch/flowhook/internal/logging"
	"github.com/austindbirch/flowhook/internal/metadata"
)

const apiKeyHeader = "x-api-key"

type task struct {
	FlowID    string `json:"flow_id"`
	RunNumber string `json:"run_number"`
	StepName  string `json:"step_name"`
	TaskID    string `json:"task_id"`
}

type fieldRecord struct {
	Route     string `json:"route"`
	FieldName string `json:"field_name"`
	Value     string `json:"value"`
	Type      string `json:"type"`
	User      string `json:"user"`
}

// server fakes the slice of the metadata service the event logger uses and
// doubles as an HTTP event source for the trigger.
type server struct {
	failFirstN int
	apiKey     string
	newID      func() string
	logger     *logging.Logger

	mu       sync.Mutex
	lookups  map[string]int
	tasks    map[string]task
	metadata []fieldRecord
	events   []json.RawMessage
}

func newServer(failFirstN int, apiKey string, logger *logging.Logger) *server {
	return &server{
		failFirstN: failFirstN,
		apiKey:     apiKey,
		newID:      uuid.NewString,
		logger:     logger,
		lookups:    make(map[string]int),
		tasks:      make(map[string]task),
	}
}

func main() {
	failFirstN := 0
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	logging.SetDefaultService("fake-metadata")
	logger := logging.Default()
	s := newServer(failFirstN, os.Getenv("METADATA_API_KEY"), logger)

	logger.Plain().WithField("addr", addr).WithField("fail_first_n", failFirstN).Info("fake-metadata listening")
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		logger.Plain().WithError(err).Fatal("server stopped")
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", health.HTTPHandler())
	r.Get("/received", s.handleReceived)
	r.Post("/events", s.handleEvent)

	r.Route("/flows/{flow}/runs/{run}/steps/{step}", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Get("/", s.handleTasks)
		r.Post("/tasks/{task}", s.handleMetadata)
	})
	return r
}

func (s *server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get(apiKeyHeader) != s.apiKey {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleTasks answers 404 for the first failFirstN lookups of each step,
// then a single task with a generated id.
func (s *server) handleTasks(w http.ResponseWriter, r *http.Request) {
	flow, run, step := chi.URLParam(r, "flow"), chi.URLParam(r, "run"), chi.URLParam(r, "step")
	key := metadata.BuildRoute("", metadata.Route{Flow: flow, Run: run, Step: step})

	s.mu.Lock()
	s.lookups[key]++
	n := s.lookups[key]
	if n <= s.failFirstN {
		s.mu.Unlock()
		s.logger.Plain().WithFlow(flow).WithRun(run).WithStep(step).
			WithField("attempt", n).Info("step not visible yet")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	t, ok := s.tasks[key]
	if !ok {
		t = task{FlowID: flow, RunNumber: run, StepName: step, TaskID: s.newID()}
		s.tasks[key] = t
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, []task{t})
}

func (s *server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	flow, run, step := chi.URLParam(r, "flow"), chi.URLParam(r, "run"), chi.URLParam(r, "step")
	taskID := chi.URLParam(r, "task")
	stepKey := metadata.BuildRoute("", metadata.Route{Flow: flow, Run: run, Step: step})

	var rec fieldRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	rec.Route = r.URL.Path

	s.mu.Lock()
	t, ok := s.tasks[stepKey]
	if !ok || t.TaskID != taskID {
		s.mu.Unlock()
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}
	s.metadata = append(s.metadata, rec)
	s.mu.Unlock()

	s.logger.Plain().WithFlow(flow).WithRun(run).WithStep(step).WithTask(taskID).
		WithField("field_name", rec.FieldName).
		WithField("value", truncate(rec.Value, 160)).
		Info("metadata recorded")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *server) handleEvent(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var env struct {
		Payload *struct {
			EventName string `json:"event_name"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(b, &env); err != nil || env.Payload == nil || env.Payload.EventName == "" {
		http.Error(w, "expected {\"payload\":{\"event_name\":...}}", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.events = append(s.events, json.RawMessage(b))
	s.mu.Unlock()

	s.logger.Plain().WithEventName(env.Payload.EventName).
		WithField("body", truncate(string(b), 160)).
		Info("event received")
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleReceived(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"metadata": append([]fieldRecord{}, s.metadata...),
		"events":   append([]json.RawMessage{}, s.events...),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
