// Package server exposes the playbook and evolution API over HTTP, plus a
// WebSocket feed of job updates.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acehq/ace/config"
	"github.com/acehq/ace/evolution"
	"github.com/acehq/ace/outcome"
	"github.com/acehq/ace/playbook"
	"github.com/acehq/ace/usage"
	"github.com/acehq/ace/version"
)

// CallerHeader identifies the requesting owner. Playbook creation requires
// it; other operations fall back to anonymous and let authorization decide.
const CallerHeader = "X-ACE-Caller"

// Deps collects the wired components the server fronts
type Deps struct {
	DB          *sql.DB
	Jobs        *evolution.Store
	Coordinator *evolution.Coordinator
	Tracker     *usage.Tracker
	Budget      *usage.Budget
}

// Server is the ACE HTTP server
type Server struct {
	cfg         *config.Config
	db          *sql.DB
	playbooks   *playbook.Store
	versions    *playbook.VersionStore
	outcomes    *outcome.Store
	jobs        *evolution.Store
	coordinator *evolution.Coordinator
	tracker     *usage.Tracker
	budget      *usage.Budget

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	startedAt time.Time
}

// NewServer creates the ACE server over already-wired components
func NewServer(ctx context.Context, cfg *config.Config, deps Deps, logger *zap.SugaredLogger) *Server {
	serverCtx, cancel := context.WithCancel(ctx)

	s := &Server{
		cfg:         cfg,
		db:          deps.DB,
		playbooks:   playbook.NewStore(deps.DB),
		versions:    playbook.NewVersionStore(deps.DB),
		outcomes:    outcome.NewStore(deps.DB),
		jobs:        deps.Jobs,
		coordinator: deps.Coordinator,
		tracker:     deps.Tracker,
		budget:      deps.Budget,
		ctx:         serverCtx,
		cancel:      cancel,
		logger:      logger.Named("server"),
		clients:     make(map[*wsClient]struct{}),
		startedAt:   time.Now(),
	}

	mux := http.NewServeMux()
	s.routes(mux)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.GetServerPort()),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// routes wires every HTTP handler
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.cors(s.handleHealth))

	mux.HandleFunc("POST /api/playbooks", s.cors(s.handleCreatePlaybook))
	mux.HandleFunc("GET /api/playbooks", s.cors(s.handleListPlaybooks))
	mux.HandleFunc("GET /api/playbooks/{id}", s.cors(s.handleGetPlaybook))
	mux.HandleFunc("POST /api/playbooks/{id}/archive", s.cors(s.handleArchivePlaybook))
	mux.HandleFunc("GET /api/playbooks/{id}/versions", s.cors(s.handleListVersions))

	mux.HandleFunc("POST /api/playbooks/{id}/outcomes", s.cors(s.handleReportOutcome))
	mux.HandleFunc("POST /api/playbooks/{id}/evolve", s.cors(s.handleTriggerEvolution))
	mux.HandleFunc("GET /api/playbooks/{id}/jobs", s.cors(s.handleListPlaybookJobs))

	mux.HandleFunc("GET /api/jobs", s.cors(s.handleListJobs))
	mux.HandleFunc("GET /api/jobs/{id}", s.cors(s.handleGetJob))

	mux.HandleFunc("GET /api/usage", s.cors(s.handleUsage))

	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.startJobBroadcaster()

	s.logger.Infow("ACE server listening",
		"addr", s.httpServer.Addr,
		"version", version.Version,
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server, closing WebSocket clients first so their write
// pumps exit before the listener goes away.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	for client := range s.clients {
		client.close()
	}
	s.clients = make(map[*wsClient]struct{})
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	s.logger.Infow("ACE server stopped")
	return err
}

// cors adds CORS headers for configured origins and answers preflights
func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+CallerHeader)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.GetServerAllowedOrigins() {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// caller extracts the requesting owner from the caller header
func caller(r *http.Request) string {
	return r.Header.Get(CallerHeader)
}
