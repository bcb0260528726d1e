// Package web is the HTTP surface of Kineo: the browser bridge of the voice
// assistant plus the small studio API, health probes, metrics and MCP.
//
// Routes:
//
//	GET    /assistant                    WebSocket voice bridge
//	GET    /api/view                     current studio view
//	GET    /api/projects                 project catalog
//	POST   /api/projects/{id}/toggle     flip a project's status
//	DELETE /api/projects/{id}            delete a project
//	PUT    /api/key                      store the live model API key
//	GET    /healthz, /readyz             probes
//	GET    /metrics                      Prometheus scrape
//	       /mcp                          MCP streamable HTTP endpoint
package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/kineo-ai/kineo/internal/assistant"
	"github.com/kineo-ai/kineo/internal/health"
	"github.com/kineo-ai/kineo/internal/observe"
	"github.com/kineo-ai/kineo/internal/storage"
	"github.com/kineo-ai/kineo/internal/studio"
	"github.com/kineo-ai/kineo/internal/tools"
	"github.com/kineo-ai/kineo/pkg/provider/live"
)

// maxMessageSize caps inbound WebSocket messages. A 4096-sample stereo
// float32 frame is 32 KiB.
const maxMessageSize = 1 << 20

// Server serves the Kineo HTTP surface. It is safe for concurrent use.
type Server struct {
	provider   live.Provider
	creds      assistant.CredentialSource
	dispatcher *tools.Dispatcher

	studio         *studio.Studio
	store          storage.Store
	optsMu         sync.RWMutex
	assistantOpts  []assistant.Option
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	mcpHandler     http.Handler
	originPatterns []string
	logger         *slog.Logger

	conns sync.WaitGroup
}

// Option configures a [Server].
type Option func(*Server)

// WithStudio enables view updates and the studio API.
func WithStudio(s *studio.Studio) Option {
	return func(srv *Server) { srv.studio = s }
}

// WithStore enables PUT /api/key.
func WithStore(s storage.Store) Option {
	return func(srv *Server) { srv.store = s }
}

// WithAssistantOptions applies opts to every assistant the server creates.
func WithAssistantOptions(opts ...assistant.Option) Option {
	return func(srv *Server) { srv.assistantOpts = append(srv.assistantOpts, opts...) }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(srv *Server) { srv.health = h }
}

// WithMetrics records HTTP and assistant metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(srv *Server) { srv.metricsHandler = h }
}

// WithMCPHandler mounts h at /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(srv *Server) { srv.mcpHandler = h }
}

// WithOriginPatterns allows cross-origin WebSocket handshakes from the given
// host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(srv *Server) { srv.originPatterns = append(srv.originPatterns, patterns...) }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) { srv.logger = l }
}

// New creates a Server. Every WebSocket connection gets its own assistant
// built from provider, creds and dispatcher.
func New(provider live.Provider, creds assistant.CredentialSource, dispatcher *tools.Dispatcher, opts ...Option) *Server {
	s := &Server{
		provider:   provider,
		creds:      creds,
		dispatcher: dispatcher,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /assistant", s.serveAssistant)

	if s.studio != nil {
		mux.HandleFunc("GET /api/view", s.handleView)
		mux.HandleFunc("GET /api/projects", s.handleProjects)
		mux.HandleFunc("POST /api/projects/{id}/toggle", s.handleToggleProject)
		mux.HandleFunc("DELETE /api/projects/{id}", s.handleDeleteProject)
	}
	if s.store != nil {
		mux.HandleFunc("PUT /api/key", s.handleSetKey)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	if s.mcpHandler != nil {
		mux.Handle("/mcp", s.mcpHandler)
	}
	return observe.Middleware(s.metrics, s.logger)(mux)
}

// SetAssistantOptions replaces the options applied to assistants created
// from now on. Running sessions keep theirs.
func (s *Server) SetAssistantOptions(opts ...assistant.Option) {
	s.optsMu.Lock()
	defer s.optsMu.Unlock()
	s.assistantOpts = slices.Clone(opts)
}

func (s *Server) assistantOptions() []assistant.Option {
	s.optsMu.RLock()
	defer s.optsMu.RUnlock()
	return slices.Clone(s.assistantOpts)
}

// Wait blocks until every assistant connection has been torn down. Call it
// after the HTTP server stopped accepting connections.
func (s *Server) Wait() { s.conns.Wait() }

func (s *Server) serveAssistant(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.logger.Warn("web: websocket accept", "err", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	s.conns.Add(1)
	defer s.conns.Done()

	b := newBridge(r.Context(), s, conn)
	b.log.Info("web: assistant connection opened", "remote", r.RemoteAddr)
	b.run()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// ── Studio API ──────────────────────────────────────────────────────────────

func (s *Server) handleView(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.studio.View())
}

func (s *Server) handleProjects(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.studio.Projects())
}

func (s *Server) handleToggleProject(w http.ResponseWriter, r *http.Request) {
	if err := s.studio.ToggleProjectStatus(r.Context(), r.PathValue("id")); err != nil {
		s.respondStudioError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.studio.DeleteProject(r.Context(), r.PathValue("id")); err != nil {
		s.respondStudioError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondStudioError(w http.ResponseWriter, err error) {
	if errors.Is(err, studio.ErrProjectNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("web: studio request", "err", err)
	respondError(w, http.StatusInternalServerError, "internal error")
}

type setKeyRequest struct {
	APIKey string `json:"apiKey"`
}

func (s *Server) handleSetKey(w http.ResponseWriter, r *http.Request) {
	var req setKeyRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		respondError(w, http.StatusBadRequest, "Please enter a valid API key.")
		return
	}
	if err := s.store.Set(r.Context(), storage.KeyAPIKey, key); err != nil {
		s.logger.Error("web: store api key", "err", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}
