// Package httpapi is the HTTP and websocket surface of the chat service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/osman-sultan/persona-ai/internal/engine"
	"github.com/osman-sultan/persona-ai/internal/identity"
	"github.com/osman-sultan/persona-ai/internal/observability"
	"github.com/osman-sultan/persona-ai/internal/store"
)

// ChatEngine runs chat turns.
type ChatEngine interface {
	Prepare(ctx context.Context, req engine.ChatRequest) (*engine.Turn, error)
	Messages(ctx context.Context, personaID, callerID string) ([]store.Message, error)
}

type Options struct {
	Identity identity.Provider
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	// Ready reports whether dependencies are reachable; nil means always ready.
	Ready func(ctx context.Context) error
	// AllowAnyOrigin disables the same-origin websocket check.
	AllowAnyOrigin bool
	// WSPingInterval paces websocket keepalive pings. Zero means 30s.
	WSPingInterval time.Duration
	// WSReadTimeout is how long a websocket may stay silent, pongs
	// included, before it is dropped. Zero means 120s.
	WSReadTimeout time.Duration
}

type Server struct {
	engine   ChatEngine
	personas store.Store
	identity identity.Provider
	metrics  *observability.Metrics
	log      *slog.Logger
	ready    func(ctx context.Context) error
	upgrader websocket.Upgrader

	wsPingInterval time.Duration
	wsReadTimeout  time.Duration
}

func New(eng ChatEngine, personas store.Store, opt Options) *Server {
	if opt.Identity == nil {
		opt.Identity = identity.NewHeaderProvider("", "")
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Metrics == nil {
		opt.Metrics = observability.NewMetrics("personaai")
	}
	if opt.WSReadTimeout <= 0 {
		opt.WSReadTimeout = 120 * time.Second
	}
	if opt.WSPingInterval <= 0 || opt.WSPingInterval >= opt.WSReadTimeout {
		opt.WSPingInterval = min(30*time.Second, opt.WSReadTimeout/2)
	}
	return &Server{
		engine:   eng,
		personas: personas,
		identity: opt.Identity,
		metrics:  opt.Metrics,
		log:      opt.Logger,
		ready:    opt.Ready,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if opt.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
		wsPingInterval: opt.WSPingInterval,
		wsReadTimeout:  opt.WSReadTimeout,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(identity.Middleware(s.identity))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/chat/{personaId}", func(r chi.Router) {
		r.Post("/", s.handleChat)
		r.Get("/ws", s.handleChatWS)
		r.Get("/messages", s.handleListMessages)
	})

	r.Post("/persona", s.handleCreatePersona)
	r.Route("/persona/{personaId}", func(r chi.Router) {
		r.Get("/", s.handleGetPersona)
		r.Patch("/", s.handleUpdatePersona)
		r.Delete("/", s.handleDeletePersona)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.log.Warn("readiness check failed", "error", err)
			respondError(w, http.StatusServiceUnavailable, "not_ready", "dependencies unavailable")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// caller returns the authenticated caller or writes a 401.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (identity.Caller, bool) {
	c, ok := identity.FromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return identity.Caller{}, false
	}
	return c, true
}

// statusFor maps an engine failure onto a status, a stable code and a
// caller-safe message.
func statusFor(err error) (int, string, string) {
	switch engine.KindOf(err) {
	case engine.AuthenticationRequired:
		return http.StatusUnauthorized, "unauthorized", "Unauthorized"
	case engine.ValidationFailed:
		return http.StatusBadRequest, "invalid_request", "Invalid request"
	case engine.RateLimitExceeded:
		return http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded"
	case engine.PersonaNotFound:
		return http.StatusNotFound, "persona_not_found", "Persona not found"
	case engine.InputTooLarge:
		return http.StatusRequestEntityTooLarge, "input_too_large", "Conversation too long for the model"
	case engine.BackendUnavailable:
		return http.StatusBadGateway, "backend_unavailable", "Model backend unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "Internal Server Error"
	}
}

func (s *Server) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := statusFor(err)
	if status >= 500 {
		s.log.Error("request failed", "request_id", middleware.GetReqID(r.Context()), "code", code, "error", err)
	}
	respondError(w, status, code, msg)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
