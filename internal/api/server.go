package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bgflow/internal/eventbus"
	"bgflow/internal/orchestrator"
	"bgflow/internal/recovery"
	"bgflow/internal/sched"
)

type Server struct {
	r      *chi.Mux
	tasks  *sched.Scheduler
	events *eventbus.Manager
	recov  *recovery.Manager
	orch   *orchestrator.Orchestrator
}

func NewServer(tasks *sched.Scheduler, events *eventbus.Manager, recov *recovery.Manager, orch *orchestrator.Orchestrator) http.Handler {
	return NewServerWithDebug(tasks, events, recov, orch, false)
}

func NewServerWithDebug(tasks *sched.Scheduler, events *eventbus.Manager, recov *recovery.Manager, orch *orchestrator.Orchestrator, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, tasks: tasks, events: events, recov: recov, orch: orch}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Delete("/api/tasks/{id}", s.cancelTask)
	r.Get("/api/events", s.eventHistory)
	r.Post("/api/events", s.publishEvent)
	r.Get("/api/errors", s.errorHistory)
	r.Post("/api/errors", s.reportError)
	r.Get("/api/processes", s.listProcesses)
	r.Get("/api/processes/{id}", s.getProcess)
	r.Post("/api/processes/{id}/run", s.runProcess)

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := s.recov.CheckSystemHealth(r.Context())
	code := http.StatusOK
	if status.Overall == recovery.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("bgflow_up 1\n"))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.tasks.Statuses())
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.tasks.Status(id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, st)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tasks.Cancel(id); err != nil {
		if errors.Is(err, sched.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) eventHistory(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, 200, s.events.History(name, limit))
}

type publishReq struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	var data any
	if len(req.Data) > 0 {
		var m map[string]any
		if err := json.Unmarshal(req.Data, &m); err == nil {
			data = m
		} else {
			data = string(req.Data)
		}
	}
	pub := s.events.Publish(r.Context(), req.Name, data, "api")
	writeJSON(w, http.StatusAccepted, pub)
}

func (s *Server) errorHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	var resolved *bool
	if v := q.Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "resolved must be a boolean", 400)
			return
		}
		resolved = &b
	}
	writeJSON(w, 200, s.recov.ErrorHistory(q.Get("type"), resolved, limit))
}

type reportErrorReq struct {
	ErrorType string         `json:"error_type"`
	Details   map[string]any `json:"details"`
	Component string         `json:"component"`
}

func (s *Server) reportError(w http.ResponseWriter, r *http.Request) {
	var req reportErrorReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.ErrorType == "" {
		http.Error(w, "error_type is required", 400)
		return
	}
	result := s.recov.ReportError(r.Context(), req.ErrorType, req.Details, req.Component)
	writeJSON(w, 200, result)
}

func (s *Server) listProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.orch.Statuses())
}

func (s *Server) getProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.orch.Status(id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, st)
}

func (s *Server) runProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.orch.Status(id); err != nil {
		http.Error(w, "not found", 404)
		return
	}
	var params map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&params)
	}
	result := s.orch.Execute(r.Context(), id, params)
	writeJSON(w, 200, result)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
