// Package server exposes the engine over HTTP: version queries, run
// bookkeeping, snapshot and event ingestion, CSV export and Prometheus
// metrics.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"dimhist/internal/domain"
	"dimhist/internal/engine"
	"dimhist/internal/export"
	"dimhist/internal/ingestion"
	"dimhist/internal/middleware"
	"dimhist/internal/repository"
)

// Server wires the services behind the HTTP API. Construct with New and
// mount Handler on an http.Server.
type Server struct {
	classifier *domain.Classifier
	dimension  string
	store      repository.Store
	engine     *engine.Engine
	ingest     *ingestion.Service
	exporter   *export.Service
	logger     zerolog.Logger

	allowedOrigins []string
}

type Option func(*Server)

// WithAllowedOrigins sets the CORS origins. Defaults to localhost dev hosts.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
	}
}

func New(
	dimension string,
	classifier *domain.Classifier,
	store repository.Store,
	eng *engine.Engine,
	ingest *ingestion.Service,
	exporter *export.Service,
	logger zerolog.Logger,
	opts ...Option,
) *Server {
	server := &Server{
		classifier:     classifier,
		dimension:      dimension,
		store:          store,
		engine:         eng,
		ingest:         ingest,
		exporter:       exporter,
		logger:         logger,
		allowedOrigins: []string{"http://localhost:3000"},
	}
	for _, opt := range opts {
		opt(server)
	}
	return server
}

// Handler builds the route table wrapped in request id, logging and CORS
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/dimension", s.handleDimension)
	mux.HandleFunc("/v1/versions/current", s.handleCurrent)
	mux.HandleFunc("/v1/versions/at", s.handleAt)
	mux.HandleFunc("/v1/versions/history", s.handleHistory)
	mux.HandleFunc("/v1/runs", s.handleRuns)
	mux.HandleFunc("/v1/runs/", s.handleRun)
	mux.HandleFunc("/v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/export/current.csv", s.handleExport(export.ScopeCurrent))
	mux.HandleFunc("/v1/export/history.csv", s.handleExport(export.ScopeHistory))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	return middleware.RequestID(middleware.Logging(s.logger)(corsHandler.Handler(mux)))
}
