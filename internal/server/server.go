// Package server provides the read HTTP API over the engines and the
// shared store.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/hynous/hynous-data/internal/collectors/hlp"
	"github.com/hynous/hynous-data/internal/collectors/poller"
	"github.com/hynous/hynous-data/internal/collectors/tradestream"
	"github.com/hynous/hynous-data/internal/database"
	"github.com/hynous/hynous-data/internal/engine/heatmap"
	"github.com/hynous/hynous-data/internal/engine/orderflow"
	"github.com/hynous/hynous-data/internal/engine/smartmoney"
	"github.com/hynous/hynous-data/internal/engine/whales"
	"github.com/hynous/hynous-data/internal/ratelimit"
	"github.com/hynous/hynous-data/pkg/logger"
)

// Engines is the typed component bundle handed to the HTTP layer.
// Disabled subsystems are nil; handlers answer "not available" for them
// instead of guessing at a name-keyed registry.
type Engines struct {
	DB          *database.DB
	Limiter     *ratelimit.Limiter
	TradeStream *tradestream.Stream
	L2Book      *tradestream.L2Subscriber
	Poller      *poller.Poller
	Hlp         *hlp.Tracker
	Heatmap     *heatmap.Engine
	OrderFlow   *orderflow.Engine
	Whales      *whales.Tracker
	SmartMoney  *smartmoney.Engine
	Profiler    *smartmoney.Profiler
	StartTime   time.Time
}

// Server is the HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	engines Engines
	log     zerolog.Logger
}

// New creates the server bound to host:port.
func New(host string, port int, engines Engines, log zerolog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		engines: engines,
		log:     logger.Component(log, "server"),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/heatmap/{coin}", s.handleHeatmap)
		r.Get("/hlp/positions", s.handleHlpPositions)
		r.Get("/hlp/sentiment", s.handleHlpSentiment)
		r.Get("/orderflow/{coin}", s.handleOrderFlow)
		r.Get("/book/{coin}", s.handleBook)
		r.Get("/whales/{coin}", s.handleWhales)
		r.Get("/whales", s.handleWhaleSummary)
		r.Get("/stats", s.handleStats)

		r.Get("/smart-money", s.handleSmartMoney)
		r.Get("/smart-money/watchlist", s.handleWatchlist)
		r.Get("/smart-money/wallet/{address}", s.handleWalletProfile)
		r.Get("/smart-money/changes", s.handleChanges)
		r.Post("/smart-money/watch", s.handleWatch)
		r.Delete("/smart-money/watch/{address}", s.handleUnwatch)
	})
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// writeJSON renders a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("response encode failed")
	}
}

// writeError renders a JSON error envelope.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
