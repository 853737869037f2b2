// Package serve exposes the orchestration core over HTTP. Turn progress
// streams to clients as newline-delimited JSON.
package serve

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/coppicelabs/relay"
	"github.com/coppicelabs/relay/toolproc"
)

// Config holds server configuration.
type Config struct {
	Addr string
}

// Server is the HTTP front end over an Orchestrator.
type Server struct {
	orch      *relay.Orchestrator
	mgr       *toolproc.Manager
	cfg       Config
	startedAt time.Time
}

// New creates a Server over an orchestrator and its worker manager.
func New(orch *relay.Orchestrator, mgr *toolproc.Manager, cfg Config) *Server {
	return &Server{orch: orch, mgr: mgr, cfg: cfg}
}

// Start listens for HTTP requests and blocks until ctx is cancelled, then
// drains in-flight requests and shuts the worker pool down.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
		// Streaming responses are long-lived; only bound the read side.
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", s.cfg.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		s.mgr.Shutdown()
		return nil
	})

	return g.Wait()
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/threads/{id}/messages", s.handleSubmit)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThread)
	mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}
