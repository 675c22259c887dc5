package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"swarm_auction/internal/coordinator"
	"swarm_auction/internal/domain"
	"swarm_auction/internal/metrics"
)

type Coordinator interface {
	Status(ctx context.Context) (domain.SwarmStatus, error)
	ListAgents(ctx context.Context) ([]domain.AgentRecord, error)
	SpawnAgent(ctx context.Context, name, agentID string) (coordinator.SpawnResult, error)
	StopAgent(ctx context.Context, agentID string) (bool, error)
	Heartbeat(ctx context.Context, agentID string) (domain.AgentRecord, bool, error)
	ListTasks(ctx context.Context, status *domain.TaskStatus) ([]domain.Task, error)
	PostTask(ctx context.Context, description string) (domain.Task, error)
	AuctionTask(ctx context.Context, description string, window time.Duration) (domain.Task, *domain.Bid, error)
	GetTask(ctx context.Context, taskID string) (domain.Task, bool, error)
	CompleteTask(ctx context.Context, taskID, result string) (domain.Task, bool, error)
	DeleteTask(ctx context.Context, taskID string) (bool, error)
	BusConnected() bool
}

type Config struct {
	AuctionWindow time.Duration
	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
}

type Server struct {
	coord   Coordinator
	live    http.Handler
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
}

// New builds the API. live serves the push feed; nil disables /swarm/live.
func New(coord Coordinator, live http.Handler, cfg Config, logger *zap.Logger, m *metrics.Collector) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		coord:   coord,
		live:    live,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "http")),
		metrics: m,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /swarm", s.handleStatus)
	mux.HandleFunc("GET /swarm/agents", s.handleListAgents)
	mux.HandleFunc("POST /swarm/spawn", s.handleSpawn)
	mux.HandleFunc("DELETE /swarm/agents/{id}", s.handleStopAgent)
	mux.HandleFunc("POST /swarm/agents/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /swarm/tasks", s.handleListTasks)
	mux.HandleFunc("POST /swarm/tasks", s.handlePostTask)
	mux.HandleFunc("POST /swarm/tasks/auction", s.handleAuctionTask)
	mux.HandleFunc("GET /swarm/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /swarm/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /swarm/tasks/{id}/complete", s.handleCompleteTask)
	if s.live != nil {
		mux.Handle("GET /swarm/live", s.live)
	}
	gatherer := s.cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return s.loggingMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"bus_connected": s.coord.BusConnected(),
		"time":          time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.coord.Status(r.Context())
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type agentView struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Status       domain.AgentStatus `json:"status"`
	Capabilities string             `json:"capabilities"`
	LastSeen     time.Time          `json:"last_seen"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.coord.ListAgents(r.Context())
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentView{ID: a.ID, Name: a.Name, Status: a.Status, Capabilities: a.Capabilities, LastSeen: a.LastSeen})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	in, err := readFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := strings.TrimSpace(in["name"])
	if name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	res, err := s.coord.SpawnAgent(r.Context(), name, strings.TrimSpace(in["agent_id"]))
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	stopped, err := s.coord.StopAgent(r.Context(), agentID)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped, "agent_id": agentID})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	rec, ok, err := s.coord.Heartbeat(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"error": "Agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter *domain.TaskStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st := domain.TaskStatus(raw)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown task status %q", raw))
			return
		}
		filter = &st
	}
	tasks, err := s.coord.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handlePostTask(w http.ResponseWriter, r *http.Request) {
	description, ok := readDescription(w, r)
	if !ok {
		return
	}
	task, err := s.coord.PostTask(r.Context(), description)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":     task.ID,
		"description": task.Description,
		"status":      task.Status,
	})
}

func (s *Server) handleAuctionTask(w http.ResponseWriter, r *http.Request) {
	description, ok := readDescription(w, r)
	if !ok {
		return
	}
	task, bid, err := s.coord.AuctionTask(r.Context(), description, s.cfg.AuctionWindow)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	var winning any
	if bid != nil {
		winning = bid.BidSats
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":        task.ID,
		"description":    task.Description,
		"status":         task.Status,
		"assigned_agent": task.AssignedAgent,
		"winning_bid":    winning,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok, err := s.coord.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"error": "Task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	deleted, err := s.coord.DeleteTask(r.Context(), taskID)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "task_id": taskID})
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	in, err := readFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, ok, err := s.coord.CompleteTask(r.Context(), r.PathValue("id"), in["result"])
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"error": "Task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func readDescription(w http.ResponseWriter, r *http.Request) (string, bool) {
	in, err := readFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return "", false
	}
	description := in["description"]
	if strings.TrimSpace(description) == "" {
		writeError(w, http.StatusBadRequest, errors.New("description is required"))
		return "", false
	}
	return description, true
}

// readFields accepts a flat JSON object or a form-encoded body.
func readFields(r *http.Request) (map[string]string, error) {
	out := make(map[string]string)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode request body: %w", err)
		}
		for k, v := range raw {
			switch val := v.(type) {
			case string:
				out[k] = val
			case nil:
			default:
				out[k] = fmt.Sprint(val)
			}
		}
		return out, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parse form: %w", err)
	}
	for k := range r.PostForm {
		out[k] = r.PostForm.Get(k)
	}
	return out, nil
}

func (s *Server) writeInternal(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrade reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.HTTPRequest(r.Method, pattern, rec.status, elapsed)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed),
		)
	})
}
