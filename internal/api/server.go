// Package api provides the HTTP control surface used by the recording UI.
package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mikeyg42/emocapture/internal/config"
	"github.com/mikeyg42/emocapture/internal/recorderlog"
	"github.com/mikeyg42/emocapture/internal/session"
)

// HealthChecker is an optional dependency reported by /api/health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	orch       *session.Orchestrator
	limiter    *RateLimiter
	upgrader   websocket.Upgrader
	checks     map[string]HealthChecker
	log        recorderlog.Logger

	// ctx outlives requests; background recordings started over HTTP use it.
	ctx context.Context
}

// NewServer creates the API server. ctx bounds recordings started through it.
func NewServer(ctx context.Context, cfg config.APIConfig, orch *session.Orchestrator, log recorderlog.Logger) *Server {
	if log == nil {
		log = recorderlog.L()
	}

	allowed := make(map[string]bool, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		allowed[o] = true
	}

	s := &Server{
		mux:    http.NewServeMux(),
		orch:   orch,
		checks: make(map[string]HealthChecker),
		log:    log.Named("api"),
		ctx:    ctx,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, time.Minute)
	}

	s.routes(cfg.StaticDir)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           corsMiddleware(allowed, s.logRequests(s.mux)),
		ReadHeaderTimeout: 10 * time.Second,
		// uploads wait for the backend acknowledgement
		WriteTimeout:   5 * time.Minute,
		MaxHeaderBytes: 1 << 20,
		BaseContext:    func(net.Listener) context.Context { return ctx },
	}
	return s
}

// AddHealthCheck reports c under name in /api/health.
func (s *Server) AddHealthCheck(name string, c HealthChecker) {
	s.checks[name] = c
}

// Handler returns the root handler, including CORS.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes(staticDir string) {
	mutating := func(h http.HandlerFunc) http.HandlerFunc {
		if s.limiter == nil {
			return h
		}
		return s.limiter.Middleware(h)
	}

	s.mux.HandleFunc("POST /api/record/start", mutating(s.handleStart))
	s.mux.HandleFunc("POST /api/record/pool", mutating(s.handlePool))
	s.mux.HandleFunc("POST /api/record/label/{label}", mutating(s.handleLabel))
	s.mux.HandleFunc("POST /api/queue/pause", mutating(s.handlePause))
	s.mux.HandleFunc("POST /api/queue/resume", mutating(s.handleResume))
	s.mux.HandleFunc("POST /api/queue/stop", mutating(s.handleStop))
	s.mux.HandleFunc("POST /api/batch/save", mutating(s.handleSave))
	s.mux.HandleFunc("DELETE /api/batch", mutating(s.handleDiscard))

	s.mux.HandleFunc("GET /api/state", s.handleState)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/events/ws", s.handleEventStream)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	if staticDir != "" {
		s.mux.Handle("GET /", http.FileServer(http.Dir(staticDir)))
	}
}

// corsMiddleware adds CORS headers for whitelisted origins
func corsMiddleware(allowed map[string]bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Debug("request",
			recorderlog.String("method", r.Method),
			recorderlog.String("path", r.URL.Path),
			recorderlog.Int("status", sw.status),
			recorderlog.Duration("elapsed", time.Since(start)))
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is needed by the event stream upgrade.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.log.Info("starting API server", recorderlog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// StartInBackground starts the server in a goroutine
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("API server error", recorderlog.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down API server")
	if s.limiter != nil {
		s.limiter.Close()
	}
	return s.httpServer.Shutdown(ctx)
}
