package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/tokenswap/service/db"
	"github.com/brojonat/tokenswap/service/metrics"
	natspkg "github.com/brojonat/tokenswap/service/nats"
)

// Server represents the HTTP co-signing and read service for one pool.
type Server struct {
	addr         string
	signer       Cosigner
	reader       PoolReader
	ledger       Ledger
	store        CosignStore
	publisher    natspkg.Publisher
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The store is optional - if nil, decisions are not audited and the list endpoint returns 503.
// The publisher is optional - if nil, co-sign events are not published.
// The ssePublisher is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(
	addr string,
	signer Cosigner,
	reader PoolReader,
	ledger Ledger,
	store *db.Store,
	publisher natspkg.Publisher,
	ssePublisher *SSEPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	s := &Server{
		addr:         addr,
		signer:       signer,
		reader:       reader,
		ledger:       ledger,
		publisher:    publisher,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger,
	}
	if store != nil {
		s.store = store
	}
	return s
}

// WithCosignStore replaces the audit store. Used where the store is not a *db.Store.
func (s *Server) WithCosignStore(store CosignStore) *Server {
	s.store = store
	return s
}

// Handler builds the routed handler, wrapped in CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "POST /api/v1/cosign", "/api/v1/cosign", handleCosign(s.signer, s.store, s.publisher, s.logger))
	s.route(mux, "GET /api/v1/authority", "/api/v1/authority", handleGetAuthority(s.signer))
	s.route(mux, "GET /api/v1/pool", "/api/v1/pool", handleGetPool(s.reader, s.logger))
	s.route(mux, "GET /api/v1/balances/{owner}", "/api/v1/balances", handleGetBalances(s.reader, s.logger))
	s.route(mux, "GET /api/v1/accounts/{owner}", "/api/v1/accounts", handleGetAccount(s.reader, s.ledger, s.logger))
	s.route(mux, "GET /api/v1/cosigns", "/api/v1/cosigns", handleListCosigns(s.store, s.logger))

	if s.ssePublisher != nil {
		stream := handleStreamCosigns(s.ssePublisher, s.logger)
		s.route(mux, "GET /api/v1/stream/cosigns/{address}", "/api/v1/stream/cosigns", stream)
		s.route(mux, "GET /api/v1/stream/cosigns", "/api/v1/stream/cosigns", stream)
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.Handler) {
	mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server",
		"addr", s.addr,
		"authority", s.signer.PublicKey().String(),
		"pool", s.reader.Pool().State.String(),
	)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
