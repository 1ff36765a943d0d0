package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dshills/routeforge/engine"
	"github.com/dshills/routeforge/engine/emit"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves the REST API and the SSE event stream.
type Server struct {
	engine *engine.Engine
	bus    *emit.Bus
	http   *http.Server
}

// New creates a Server for the given engine and event bus. gatherer
// backs GET /metrics; nil selects the default Prometheus registry.
func New(eng *engine.Engine, bus *emit.Bus, addr string, gatherer prometheus.Gatherer) *Server {
	s := &Server{engine: eng, bus: bus}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router(gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route tree, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown is called. Blocks.
func (s *Server) Start() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) router(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	if gatherer == nil {
		r.Handle("/metrics", promhttp.Handler())
	} else {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(api chi.Router) {
		api.Route("/exchanges", func(ex chi.Router) {
			ex.Post("/", s.createExchange)
			ex.Get("/", s.listExchanges)
			ex.Get("/{exchangeID}", s.getExchange)
			ex.Post("/{exchangeID}/pause", s.pauseExchange)
			ex.Post("/{exchangeID}/resume", s.resumeExchange)
			ex.Post("/{exchangeID}/cancel", s.cancelExchange)
			ex.Get("/{exchangeID}/checkpoints", s.listCheckpoints)
		})

		api.Route("/approvals", func(ap chi.Router) {
			ap.Get("/", s.listPendingApprovals)
			ap.Get("/by-exchange/{exchangeID}", s.getApprovalByExchange)
			ap.Get("/{approvalID}", s.getApproval)
			ap.Post("/{approvalID}/approve", s.approve)
			ap.Post("/{approvalID}/reject", s.reject)
		})

		api.Route("/routes", func(rt chi.Router) {
			rt.Get("/", s.listRoutes)
			rt.Get("/metrics", s.listRouteMetrics)
			rt.Get("/recovery-stats", s.recoveryStats)
			rt.Get("/logs/exchange/{exchangeID}", s.listLogsByExchange)
			rt.Get("/{routeID}/status", s.routeStatus)
			rt.Get("/{routeID}/metrics", s.routeMetrics)
			rt.Get("/{routeID}/logs", s.routeLogs)
		})

		api.Route("/events", func(ev chi.Router) {
			ev.Get("/stream", s.streamEvents)
			ev.Get("/health", s.eventsHealth)
			ev.Get("/clients/count", s.clientCount)
		})
	})

	return r
}
