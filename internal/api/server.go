// Package api implements parley's HTTP surface: the streaming chat
// endpoint, conversation history, scheduled tasks, health and the live
// event feed.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/scheduler"
	"github.com/nugget/parley/internal/usage"
)

// Agent runs turns and manages stored conversations.
type Agent interface {
	Turn(ctx context.Context, req agent.TurnRequest) (<-chan chat.StreamEvent, error)
	History(ctx context.Context, conversationID string) (chat.History, error)
	Clear(ctx context.Context, conversationID string) error
}

// ProviderInfo reports the model provider used when a request names none.
type ProviderInfo interface {
	Default() string
}

// TaskManager inspects and triggers scheduled tasks.
type TaskManager interface {
	ListTasks(ctx context.Context, enabledOnly bool, createdBy string) ([]*scheduler.Task, error)
	TaskExecutions(ctx context.Context, taskID string, limit int) ([]*scheduler.Execution, error)
	TriggerTask(ctx context.Context, taskID string) (*scheduler.Execution, error)
	Stats(ctx context.Context) map[string]any
}

// UsageReporter aggregates the token ledger.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByConversation(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthSource reports the reachability of external services.
type HealthSource interface {
	Status() []connwatch.ServiceStatus
}

// Options configures a Server. Agent is required; the rest may be nil.
type Options struct {
	Addr      string
	Agent     Agent
	Providers ProviderInfo
	Tasks     TaskManager
	Usage     UsageReporter
	Health    HealthSource
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	opts   Options
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{opts: opts, logger: opts.Logger}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /agents/chat/{conversation}", s.handleChat)
	mux.HandleFunc("GET /agents/chat/{conversation}/messages", s.handleMessages)
	mux.HandleFunc("DELETE /agents/chat/{conversation}/messages", s.handleClear)
	mux.HandleFunc("GET /agents/chat/{conversation}/transcript", s.handleTranscript)

	mux.HandleFunc("GET /check-provider", s.handleCheckProvider)
	mux.HandleFunc("GET /check-open-ai-key", s.handleCheckProvider)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/tasks", s.handleTasks)
	mux.HandleFunc("GET /v1/tasks/{id}/executions", s.handleTaskExecutions)
	mux.HandleFunc("POST /v1/tasks/{id}/run", s.handleRunTask)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start serves until Shutdown is called or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting API server", "addr", s.opts.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Flush and deadlines.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes websocket upgrades through to the underlying writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Error types used in error responses.
const (
	errInvalidRequest = "invalid_request_error"
	errNotFound       = "not_found_error"
	errUnavailable    = "unavailable_error"
	errServer         = "server_error"
)

func (s *Server) errorResponse(w http.ResponseWriter, code int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// CheckProviderResponse reports whether a model provider is configured.
type CheckProviderResponse struct {
	Success  bool    `json:"success"`
	Provider *string `json:"provider"`
}

func (s *Server) handleCheckProvider(w http.ResponseWriter, r *http.Request) {
	var resp CheckProviderResponse
	if s.opts.Providers != nil {
		if name := s.opts.Providers.Default(); name != "" {
			resp.Success = true
			resp.Provider = &name
		}
	}
	writeJSON(w, resp, s.logger)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                    `json:"status"`
	Uptime    string                    `json:"uptime"`
	Build     map[string]string         `json:"build"`
	Services  []connwatch.ServiceStatus `json:"services"`
	Scheduler map[string]any            `json:"scheduler,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "healthy",
		Uptime:   buildinfo.Uptime().Truncate(time.Second).String(),
		Build:    buildinfo.Info(),
		Services: []connwatch.ServiceStatus{},
	}
	if s.opts.Health != nil {
		resp.Services = s.opts.Health.Status()
	}
	if s.opts.Tasks != nil {
		resp.Scheduler = s.opts.Tasks.Stats(r.Context())
	}
	for _, svc := range resp.Services {
		if !svc.Ready {
			resp.Status = "degraded"
			break
		}
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}
