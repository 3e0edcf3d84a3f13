// Package api is the ingress HTTP surface of the gateway. Handlers
// validate, authorize and delegate to the core actors.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/taskgate/internal/balancer"
	"github.com/example/taskgate/internal/observability"
	"github.com/example/taskgate/internal/registry"
	"github.com/example/taskgate/internal/server"
	"github.com/example/taskgate/internal/stats"
	"github.com/example/taskgate/internal/task"
	"github.com/example/taskgate/pkg/gateapi"
)

type Server struct {
	registry *registry.Registry
	fleet    *server.Fleet
	bal      *balancer.Balancer
	tasks    *task.Directory
	stats    *stats.Directory
	auth     *authorizer
}

func NewServer(reg *registry.Registry, fleet *server.Fleet, bal *balancer.Balancer,
	tasks *task.Directory, statsDir *stats.Directory, jwtSecret string) *Server {
	return &Server{
		registry: reg,
		fleet:    fleet,
		bal:      bal,
		tasks:    tasks,
		stats:    statsDir,
		auth:     newAuthorizer(jwtSecret),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/task", s.handleCreateTask)
	mux.HandleFunc("/api/task/", s.handleTaskByID)
	mux.HandleFunc("/api/servers", s.handleServers)
	mux.HandleFunc("/api/servers/", s.handleServerSubresource)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/stats/hourly", s.handleStatsHourly)
	mux.HandleFunc("/api/stats/server/", s.handleStatsServer)
	mux.HandleFunc("/api/loadbalancer/status", s.handleLoadBalancerStatus)
	mux.HandleFunc("/api/loadbalancer/algorithm", s.handleLoadBalancerAlgorithm)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/metrics/prometheus", s.handleMetricsPrometheus)
	return withTracing(withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "task:submit"); !ok {
		return
	}
	var req gateapi.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateTaskRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID := "task-" + uuid.NewString()
	created, err := s.tasks.Create(r.Context(), taskID, req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	observability.TaskCreated(req.Type)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/task/")
	if path == "" {
		writeError(w, http.StatusNotFound, "task id is required")
		return
	}
	parts := strings.Split(path, "/")
	taskID := parts[0]
	subresource := ""
	if len(parts) > 1 {
		subresource = parts[1]
	}

	switch subresource {
	case "":
		switch r.Method {
		case http.MethodGet:
			if _, ok := s.requireScopes(w, r, "task:read"); !ok {
				return
			}
			snapshot, err := s.tasks.Status(taskID)
			if err != nil {
				s.writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, snapshot)
		case http.MethodPut:
			// Backend-worker callbacks share the client bearer surface.
			if _, ok := s.requireScopes(w, r, "task:submit"); !ok {
				return
			}
			var upd gateapi.TaskUpdate
			if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			snapshot, err := s.tasks.UpdateTask(r.Context(), taskID, upd)
			if err != nil {
				s.writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, snapshot)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "retry":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, ok := s.requireScopes(w, r, "task:submit"); !ok {
			return
		}
		if s.tasks.Retry(r.Context(), taskID) {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "task requeued"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "task is not retryable"})
	case "cancel":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, ok := s.requireScopes(w, r, "task:cancel"); !ok {
			return
		}
		if _, err := s.tasks.Cancel(r.Context(), taskID); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "task cancelled"})
	default:
		writeError(w, http.StatusNotFound, "task subresource not found")
	}
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if _, ok := s.requireScopes(w, r, "admin"); !ok {
			return
		}
		var cfg gateapi.ServerConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := validateServerConfig(cfg); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		serverID, err := s.registry.RegisterServer(r.Context(), cfg)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"serverId": serverID, "message": "server registered"})
	case http.MethodGet:
		if _, ok := s.requireScopes(w, r, "admin", "operator"); !ok {
			return
		}
		filter := registry.Filter{
			Status: strings.TrimSpace(r.URL.Query().Get("status")),
			Group:  strings.TrimSpace(r.URL.Query().Get("group")),
		}
		servers := s.registry.GetAvailableServers(r.Context(), filter)
		writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleServerSubresource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/servers/")
	if path == "" {
		writeError(w, http.StatusNotFound, "server id is required")
		return
	}
	parts := strings.Split(path, "/")
	serverID := parts[0]
	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}
	if _, ok := s.requireScopes(w, r, "admin"); !ok {
		return
	}

	switch sub {
	case "":
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := s.registry.UnregisterServer(r.Context(), serverID); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case "heartbeat":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		// The body is optional; workers that sample host load include it.
		var report gateapi.HeartbeatReport
		err := json.NewDecoder(r.Body).Decode(&report)
		switch {
		case err == nil:
			err = s.registry.RecordHeartbeatReport(serverID, report)
		case errors.Is(err, io.EOF):
			err = s.registry.UpdateHeartbeat(serverID)
		default:
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case "maintenance":
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.fleet.SetMaintenanceMode(r.Context(), serverID, req.Enabled); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case "metrics":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		metrics, err := s.fleet.GetMetrics(serverID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, metrics)
	default:
		writeError(w, http.StatusNotFound, "server subresource not found")
	}
}

func (s *Server) statsForRequest(w http.ResponseWriter, r *http.Request) (*stats.Aggregator, bool) {
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if err := validateStatsDate(date); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if date == "" {
		return s.stats.Today(), true
	}
	return s.stats.ForDate(date), true
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "admin", "operator"); !ok {
		return
	}
	agg, ok := s.statsForRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, agg.GetStats())
}

func (s *Server) handleStatsHourly(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "admin", "operator"); !ok {
		return
	}
	agg, ok := s.statsForRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, agg.GetHourlyReport())
}

func (s *Server) handleStatsServer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "admin", "operator"); !ok {
		return
	}
	serverID := strings.TrimPrefix(r.URL.Path, "/api/stats/server/")
	if serverID == "" {
		writeError(w, http.StatusNotFound, "server id is required")
		return
	}
	agg, ok := s.statsForRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, agg.GetServerStats(serverID))
}

func (s *Server) handleLoadBalancerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "admin", "operator"); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.bal.Status())
}

func (s *Server) handleLoadBalancerAlgorithm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "admin"); !ok {
		return
	}
	var req struct {
		Algorithm string `json:"algorithm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.bal.SetAlgorithm(req.Algorithm); err != nil {
		writeError(w, http.StatusBadRequest, "unknown algorithm "+req.Algorithm)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "admin", "operator"); !ok {
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "admin", "operator"); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderText()))
}

func (s *Server) requireScopes(w http.ResponseWriter, r *http.Request, scopes ...string) (principal, bool) {
	p, code, msg := s.auth.authorize(r, scopes...)
	if code != http.StatusOK {
		writeError(w, code, msg)
		return principal{}, false
	}
	return p, true
}

// writeDomainError maps core error kinds to HTTP statuses with sanitized
// messages.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateapi.ErrNotFound), errors.Is(err, gateapi.ErrNotRegistered):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, gateapi.ErrValidation), errors.Is(err, gateapi.ErrIllegalTransition):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
