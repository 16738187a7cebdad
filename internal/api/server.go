// Package api exposes the OutreachPipe HTTP surface: lead import and
// inspection, reply intake, dead-letter and quota views, and manual triggers
// for the batch run and the retry sweep.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/engine"
	"github.com/BTreeMap/OutreachPipe/internal/metrics"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/replies"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultAPIAddr is the default address for the API server.
const DefaultAPIAddr = ":8080"

// Runner triggers batch runs and retry sweeps.
type Runner interface {
	SendNow(ctx context.Context) (*models.BatchRun, error)
	RetrySweep(ctx context.Context, trigger models.RunTrigger) (*engine.SweepResult, error)
	Today() models.Date
}

// DeadLetters is the read side of the dead-letter queue.
type DeadLetters interface {
	Get(ctx context.Context, id string) (*models.FailedEmail, error)
	List(ctx context.Context, f store.DLQFilter) ([]models.FailedEmail, error)
	Stats(ctx context.Context) (models.DLQStats, error)
}

// QuotaView reports today's quota row.
type QuotaView interface {
	Today(ctx context.Context, today models.Date) (*models.DailyQuota, error)
}

// ReplyIngestor records inbound replies.
type ReplyIngestor interface {
	Ingest(ctx context.Context, r replies.Reply) (*replies.Result, error)
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Leads   store.LeadRepo
	Runs    store.BatchRunRepo
	DLQ     DeadLetters
	Quota   QuotaView
	Runner  Runner
	Replies ReplyIngestor
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr           string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAllowedOrigins sets the CORS origins allowed to call the API.
func WithAllowedOrigins(origins []string) Option {
	return func(o *Opts) { o.AllowedOrigins = origins }
}

// WithRequestTimeout bounds every request except the manual triggers.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// Server is the HTTP API.
type Server struct {
	deps   Deps
	opts   Opts
	router chi.Router
	http   *http.Server
}

// NewServer builds the router.
func NewServer(deps Deps, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAPIAddr, AllowedOrigins: []string{"*"}, RequestTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{deps: deps, opts: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))
			r.Get("/leads", s.listLeadsHandler)
			r.Post("/leads", s.createLeadHandler)
			r.Get("/leads/{id}", s.getLeadHandler)
			r.Post("/leads/{id}/reply", s.replyHandler)
			r.Get("/stats/leads", s.leadStatsHandler)
			r.Get("/dlq", s.listDLQHandler)
			r.Get("/dlq/stats", s.dlqStatsHandler)
			r.Get("/dlq/{id}", s.getDLQHandler)
			r.Get("/quota/today", s.quotaTodayHandler)
			r.Get("/batches", s.listBatchesHandler)
		})
		// Manual runs may take as long as a scheduled one.
		r.Post("/send-now", s.sendNowHandler)
		r.Post("/dlq/sweep", s.sweepHandler)
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Start: API listening", "addr", s.opts.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("Server.Start: shutting down API")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "outreachpipe"}))
}
