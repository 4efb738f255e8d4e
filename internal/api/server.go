// Package api implements parley's HTTP API: chat, streaming chat over
// WebSocket, channel envelopes, per-user history and preferences, and an
// Ollama-compatible chat surface.
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
	"github.com/nugget/parley/internal/channel"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/metrics"
	"github.com/nugget/parley/internal/tools"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner runs one conversational turn. *agent.Loop implements it.
type Runner interface {
	Run(ctx context.Context, req *agent.Request, stream agent.StreamCallback) (*agent.Response, error)
}

// HistoryManager reads and clears per-user history.
// *memory.HistoryCache implements it.
type HistoryManager interface {
	Get(ctx context.Context, userID string) ([]memory.Entry, error)
	Clear(ctx context.Context, userID string) error
}

// PreferenceStore reads and writes per-user preferences.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (memory.Preferences, error)
	SetPreference(ctx context.Context, userID, key string, value any) error
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	loop    Runner
	logger  *slog.Logger
	server  *http.Server

	history    HistoryManager
	prefs      PreferenceStore
	registry   *tools.Registry
	dispatcher *channel.Dispatcher
	bus        *events.Bus
	metrics    *metrics.Metrics
	model      string
	health     func(context.Context) error
	storeStats func(context.Context) map[string]any
}

// NewServer creates a new API server.
func NewServer(address string, port int, loop Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		loop:    loop,
		logger:  logger,
		model:   buildinfo.Name,
	}
}

// SetHistory configures the history endpoints.
func (s *Server) SetHistory(h HistoryManager) { s.history = h }

// SetPreferences configures the preference endpoints.
func (s *Server) SetPreferences(p PreferenceStore) { s.prefs = p }

// SetTools configures the tool listing endpoint.
func (s *Server) SetTools(r *tools.Registry) { s.registry = r }

// SetDispatcher configures the channel envelope endpoint.
func (s *Server) SetDispatcher(d *channel.Dispatcher) { s.dispatcher = d }

// SetEventBus configures where API events are published.
func (s *Server) SetEventBus(bus *events.Bus) { s.bus = bus }

// SetMetrics enables request instrumentation and the /metrics endpoint.
func (s *Server) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetModelName sets the model name reported by the Ollama-compatible
// endpoints.
func (s *Server) SetModelName(name string) {
	if name != "" {
		s.model = name
	}
}

// SetHealthCheck configures a dependency check run by /health. A failing
// check turns the response into 503.
func (s *Server) SetHealthCheck(fn func(context.Context) error) { s.health = fn }

// SetStoreStats adds storage statistics to the /health response.
func (s *Server) SetStoreStats(fn func(context.Context) map[string]any) { s.storeStats = fn }

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)
	mux.HandleFunc("POST /v1/messages", s.handleMessages)

	mux.HandleFunc("GET /v1/users/{id}/history", s.handleHistoryGet)
	mux.HandleFunc("DELETE /v1/users/{id}/history", s.handleHistoryDelete)
	mux.HandleFunc("GET /v1/users/{id}/preferences", s.handlePreferencesGet)
	mux.HandleFunc("PUT /v1/users/{id}/preferences/{key}", s.handlePreferenceSet)

	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.registerOllamaRoutes(mux)

	return s.withLogging(mux)
}

// shutdownTimeout bounds the drain of in-flight requests once the
// serving context is cancelled.
const shutdownTimeout = 10 * time.Second

// Start begins serving HTTP requests. It returns when the server is shut
// down or ctx is cancelled, draining in-flight requests in the latter case.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for logging and metrics.
// It passes through Flush and Hijack so streaming and WebSocket upgrades
// keep working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.HTTPRequest(r.Method, pattern, status, elapsed)

		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", elapsed,
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    buildinfo.Name,
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Current(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, map[string]string{"status": "unhealthy", "error": err.Error()}, s.logger)
			return
		}
	}
	resp := map[string]any{"status": "healthy"}
	if s.storeStats != nil {
		resp["store"] = s.storeStats(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.errorResponse(w, http.StatusNotFound, "no tools configured")
		return
	}
	defs := s.registry.Definitions()
	if defs == nil {
		defs = []map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": defs}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
