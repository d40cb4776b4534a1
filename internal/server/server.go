// Package server implements the runner service: an HTTP endpoint that
// upgrades dashboard connections to websockets, owns one browser session per
// connection, and dispatches submitted tests to the executor.
package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/palebluedot/testrig/internal/browser"
	"github.com/palebluedot/testrig/internal/protocol"
	"github.com/palebluedot/testrig/internal/runner"
)

// Executor runs one test request against a page. Satisfied by
// *runner.Executor; tests substitute fakes.
type Executor interface {
	Run(ctx context.Context, req *protocol.TestRequest, page browser.Page) error
}

// BrowserSession is the per-connection automation context the server owns.
type BrowserSession interface {
	Page(ctx context.Context) (browser.Page, error)
	Close() error
}

// defaultQueueSize bounds the per-connection request queue. Requests beyond
// it are rejected with a busy error instead of stalling the read loop.
const defaultQueueSize = 16

// Config configures a Server.
type Config struct {
	// Exec runs submitted tests. Defaults to a runner.Executor.
	Exec Executor
	// NewSession creates the browser session for a new connection.
	// Defaults to chromedp-backed sessions honoring Headless.
	NewSession func() BrowserSession
	Headless   bool
	QueueSize  int
	Logger     *zap.Logger
}

// Server accepts dashboard connections and tracks one session per
// connection in an explicit table keyed by a generated connection id.
type Server struct {
	cfg      Config
	log      *zap.Logger
	upgrader websocket.Upgrader
	router   chi.Router

	mu    sync.Mutex
	conns map[string]*conn
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	log := cfg.Logger.Named("server")
	if cfg.Exec == nil {
		cfg.Exec = runner.New(runner.Options{Logger: cfg.Logger})
	}
	if cfg.NewSession == nil {
		headless := cfg.Headless
		cfg.NewSession = func() BrowserSession {
			return browser.NewSession(browser.Options{Headless: headless, Logger: cfg.Logger})
		}
	}

	s := &Server{
		cfg:   cfg,
		log:   log,
		conns: make(map[string]*conn),
		upgrader: websocket.Upgrader{
			// The dashboard is served from its own dev origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Get("/ping", s.handlePing)
	r.Get("/run", s.handleRun)
	s.router = r
	return s
}

// Router returns the HTTP handler serving the health check and the
// websocket upgrade path.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Pong!"))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	c := newConn(id, ws, s.cfg.NewSession(), s.cfg.Exec, s.cfg.QueueSize,
		s.log.With(zap.String("conn_id", id)), s.removeConn)

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
	s.log.Info("connection opened", zap.String("conn_id", id))

	c.serve()
}

func (s *Server) removeConn(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	s.log.Info("connection closed", zap.String("conn_id", id))
}

// ConnCount reports the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close tears down every live connection and its session.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return nil
}
