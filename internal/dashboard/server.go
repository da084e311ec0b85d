// Package dashboard serves extwatch to browsers: a REST API over the
// presence cache and agent records, and a WebSocket that keeps each UI
// surface in sync with versioned init and delta frames.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxdesk/extwatch/internal/agents"
	"github.com/voxdesk/extwatch/internal/reconcile"
)

// DefaultContext is used when a browser connects without ?context=.
const DefaultContext = "dashboard"

// Options configures a Server.
type Options struct {
	ListenAddr     string
	AllowedOrigins []string // empty allows any origin

	Presence *reconcile.Reconciler
	Agents   *agents.Service // nil disables /api/agents

	Log zerolog.Logger
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	addr       string
	log        zerolog.Logger
	presence   *reconcile.Reconciler
	agents     *agents.Service
	hub        *Hub
	router     *chi.Mux
	wsUpgrader *websocket.Upgrader

	// ctx scopes browser mounts; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server and starts its hub.
func New(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:     opts.ListenAddr,
		log:      opts.Log.With().Str("component", "dashboard").Logger(),
		presence: opts.Presence,
		agents:   opts.Agents,
		hub:      NewHub(opts.Presence, opts.Log),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.wsUpgrader = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}

	s.setupRouter()

	go s.hub.Run()

	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/presence", s.handleGetPresence)
		r.Post("/presence/refresh", s.handleRefresh)

		r.Route("/agents", func(r chi.Router) {
			r.Use(s.requireAgents)
			r.Get("/", s.handleListAgents)
			r.Post("/", s.handleCreateAgent)
			r.Get("/{ext}", s.handleGetAgent)
			r.Patch("/{ext}", s.handleUpdateAgent)
			r.Delete("/{ext}", s.handleDeleteAgent)
		})
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAgents(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.agents == nil {
			writeError(w, http.StatusNotImplemented, "agents API not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originChecker allows any origin when none are configured, otherwise
// only exact scheme://host matches. Requests without Origin are allowed.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[u.Scheme+"://"+u.Host]
	}
}

// Hub returns the browser hub, e.g. to broadcast session expiry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("starting dashboard server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	s.log.Info().Msg("dashboard server stopped")
	return err
}

// Close disconnects browsers and disposes their mounts.
func (s *Server) Close() {
	s.cancel()
	s.hub.Close()
}
