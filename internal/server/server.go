package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/codepair/internal/config"
	"github.com/michaelbrown/codepair/internal/language"
	"github.com/michaelbrown/codepair/internal/logging"
	"github.com/michaelbrown/codepair/internal/ratelimit"
	"github.com/michaelbrown/codepair/internal/realtime"
	"github.com/michaelbrown/codepair/internal/sandbox"
	"github.com/michaelbrown/codepair/internal/session"
	"github.com/michaelbrown/codepair/internal/storage"
)

const janitorInterval = time.Minute

// Deps are the pieces a Server is assembled from. Archive may be nil.
type Deps struct {
	Catalog *language.Catalog
	Sandbox sandbox.Sandbox
	Archive storage.Archive
	Logger  *log.Logger
	Version string
}

// Server is the HTTP server for the CodePair API and websocket endpoint.
type Server struct {
	cfg      *config.Config
	store    *session.Store
	registry *realtime.Registry
	engine   *realtime.Engine
	limiter  *ratelimit.Limiter
	catalog  *language.Catalog
	sessions *SessionManager
	logger   *log.Logger
	version  string
	upgrader websocket.Upgrader
	// readLimit is the inbound frame cap: the configured limit, raised to
	// fit the largest message the decoder accepts.
	readLimit int64
	router    chi.Router
	http     *http.Server

	mu          sync.Mutex
	stopJanitor context.CancelFunc
	janitorDone chan struct{}
}

// New wires the session core and the HTTP routes.
func New(cfg *config.Config, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	catalog := d.Catalog
	if catalog == nil {
		catalog = language.Default()
	}
	sb := d.Sandbox
	if sb == nil {
		sb = sandbox.Disabled{}
	}

	registry := realtime.NewRegistry(logger)
	limiter := ratelimit.New(cfg.Execution.RateLimitPerMinute)
	sessions := &SessionManager{
		registry: registry,
		limiter:  limiter,
		archive:  d.Archive,
		maxAge:   time.Duration(cfg.Session.MaxAgeHours) * time.Hour,
		logger:   logging.Component(logger, "lifecycle"),
	}
	store := session.NewStore(catalog,
		session.WithIDLength(cfg.Session.IDLength),
		session.WithSweep(sessions.maxAge, cfg.Session.SweepWatermark),
		session.WithEvictHook(sessions.evicted),
		session.WithLogger(logger),
	)
	decoder := realtime.Decoder{
		MaxCodeSize: cfg.Session.MaxCodeSize,
		KnownLanguage: func(id string) bool {
			_, ok := catalog.Get(id)
			return ok
		},
	}
	engine := realtime.NewEngine(realtime.Deps{
		Store:    store,
		Registry: registry,
		Limiter:  limiter,
		Sandbox:  sb,
		Decoder:  decoder,
		Logger:   logger,
	})
	sessions.store = store
	sessions.engine = engine

	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: registry,
		engine:   engine,
		limiter:  limiter,
		catalog:  catalog,
		sessions: sessions,
		logger:   logging.Component(logger, "http"),
		version:  d.Version,
		router:   chi.NewRouter(),

		readLimit: max(cfg.WebSocket.MessageSizeLimit, decoder.FrameLimit()),
	}
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/health", s.handleHealth)

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Post("/sessions/{id}/execute", s.handleExecute)

		r.Get("/languages", s.handleListLanguages)
		r.Get("/languages/{id}/template", s.handleLanguageTemplate)
	})

	// WebSocket (no JSON content-type)
	r.Get("/ws/sessions/{id}", s.handleWebSocket)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions exposes the lifecycle manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Start begins listening on the configured port and runs the janitor. It
// returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.startJanitor()
	s.logger.Info("CodePair server listening", "addr", ln.Addr().String(),
		"execution", s.cfg.Execution.Mode, "version", s.version)
	return s.http.Serve(ln)
}

// Shutdown stops the janitor, archives every live session and drains HTTP
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.haltJanitor()

	n := s.sessions.ArchiveAll(ctx)
	s.logger.Info("archived live sessions", "count", n)
	s.sessions.DisconnectAll(reasonShutdown)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		return s.http.Close()
	}
	return err
}

func (s *Server) startJanitor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopJanitor != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stopJanitor, s.janitorDone = cancel, done
	go func() {
		defer close(done)
		s.sessions.RunJanitor(ctx, janitorInterval)
	}()
}

func (s *Server) haltJanitor() {
	s.mu.Lock()
	stop, done := s.stopJanitor, s.janitorDone
	s.stopJanitor, s.janitorDone = nil, nil
	s.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}
