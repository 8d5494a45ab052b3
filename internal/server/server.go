// Package server exposes a running sweep's control plane over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/fmaxsweep/internal/server/handlers"
	"github.com/3leaps/fmaxsweep/internal/server/middleware"
	"github.com/3leaps/fmaxsweep/pkg/control"
)

// Default timeouts, used when an Option does not override them.
const (
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Server serves the control-plane API for one run.
type Server struct {
	host   string
	port   int
	ctl    control.Controller
	router chi.Router
	health *handlers.HealthManager
	logger *zap.Logger

	version handlers.VersionResponse

	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration

	httpServer *http.Server
	serveErr   chan error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithVersion sets the build information reported by /version and /health.
func WithVersion(version, commit, buildDate string) Option {
	return func(s *Server) {
		s.version = handlers.VersionResponse{Version: version, Commit: commit, BuildDate: buildDate}
	}
}

// WithTimeouts overrides the HTTP timeouts. Zero values keep the defaults.
func WithTimeouts(read, write, idle, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// New creates a server for ctl listening on host:port. Port 0 picks a free
// port at Start.
func New(host string, port int, ctl control.Controller, opts ...Option) *Server {
	s := &Server{
		host:            host,
		port:            port,
		ctl:             ctl,
		logger:          zap.NewNop(),
		version:         handlers.VersionResponse{Version: "dev"},
		readTimeout:     DefaultReadTimeout,
		writeTimeout:    DefaultWriteTimeout,
		idleTimeout:     DefaultIdleTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.health = handlers.NewHealthManager(s.version.Version)
	if ctl != nil {
		s.health.RegisterChecker("engine", handlers.CheckerFunc(func(context.Context) error {
			_, err := ctl.Snapshot("")
			return err
		}))
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestLogger)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found: "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path))
	})

	r.Get("/health", s.health.HealthHandler)
	r.Get("/health/live", s.health.LivenessHandler)
	r.Get("/version", handlers.VersionHandler(s.version))

	if s.ctl != nil {
		h := handlers.NewControlHandlers(s.ctl)
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/snapshot", h.Snapshot)
			r.Post("/commands", h.Command)
		})
	}

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port, or the bound port once started.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	if s.httpServer != nil {
		return errors.New("server already started")
	}
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcp.Port
	}

	s.serveErr = make(chan error, 1)
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}
	go func() {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.serveErr <- err
	}()

	s.logger.Info("Control server listening", zap.String("addr", s.Addr()))
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones, bounded
// by ctx and the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown control server: %w", err)
	}
	err := <-s.serveErr
	s.logger.Info("Control server stopped")
	return err
}
