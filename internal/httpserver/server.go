// Package httpserver is grov-proxy's HTTP surface: the two upstream-facing
// proxy endpoints, a health check, and the admin SSE event stream, wired
// together the way the teacher's chi-based server wires its API.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/grovhq/grov-proxy/internal/config"
)

// ProxyHandler forwards an intercepted agent request to its upstream and
// writes the (possibly streamed) response back to w. The two wire
// protocols grov-proxy fronts — Claude-style messages and Codex-style
// responses — each get their own route but share this contract.
type ProxyHandler interface {
	HandleMessages(w http.ResponseWriter, r *http.Request)
	HandleResponses(w http.ResponseWriter, r *http.Request)
}

// Server is the HTTP server fronting the proxy and its admin surface.
type Server struct {
	cfg     *config.Config
	router  *chi.Mux
	httpSrv *http.Server
	proxy   ProxyHandler
}

// New builds a Server. proxy may be nil only for tests that exercise
// routing/middleware without a live upstream.
func New(cfg *config.Config, proxy ProxyHandler) *Server {
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		proxy:  proxy,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if s.cfg != nil && s.cfg.BodyLimit > 0 {
		s.router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				r.Body = http.MaxBytesReader(w, r.Body, s.cfg.BodyLimit)
				next.ServeHTTP(w, r)
			})
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Post("/v1/messages", s.handleMessages)
	s.router.Post("/v1/responses", s.handleResponses)

	s.router.Route("/admin/events", func(r chi.Router) {
		r.Get("/", s.allEvents)
		r.Get("/global", s.globalEvents)
		r.Get("/session", s.sessionEvents)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.proxy == nil {
		notImplemented(w)
		return
	}
	s.proxy.HandleMessages(w, r)
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	if s.proxy == nil {
		notImplemented(w)
		return
	}
	s.proxy.HandleResponses(w, r)
}

// Router exposes the chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout: SSE and streamed proxy responses stay open
	}
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits for in-flight
// requests to drain, then publishes nothing further: callers are
// responsible for stopping the keep-alive ticker and wiping the extended
// cache before calling this, per the shutdown sequence.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
