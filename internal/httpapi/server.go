// Package httpapi exposes the pipeline over HTTP: audio upload and
// recognition, text summarization, and service discovery endpoints.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/linguabridge/linguabridge/internal/config"
	"github.com/linguabridge/linguabridge/internal/jobstore"
	"github.com/linguabridge/linguabridge/internal/pipeline"
	"github.com/linguabridge/linguabridge/internal/registry"
)

type Server struct {
	cfg   config.Config
	orch  *pipeline.Orchestrator
	reg   *registry.Registry
	store *jobstore.Store
	log   *slog.Logger
	ready func() bool
}

func NewServer(cfg config.Config, orch *pipeline.Orchestrator, reg *registry.Registry, store *jobstore.Store, ready func() bool, logger *slog.Logger) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{
		cfg:   cfg,
		orch:  orch,
		reg:   reg,
		store: store,
		log:   logger.With(slog.String("component", "httpapi")),
		ready: ready,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))

	origins := s.cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload-audio", s.handleUploadAudio)
		r.Post("/asr-and-summarize", s.handleASRAndSummarize)
		r.Post("/summarize", s.handleSummarize)
		r.Post("/batch-summarize", s.handleBatchSummarize)
		r.Get("/models", s.handleModels)
		r.Get("/summary-types", s.handleSummaryTypes)
		r.Get("/services", s.handleServices)
		r.Get("/services/health", s.handleServicesHealth)
		r.Get("/jobs", s.handleJobs)
		r.Get("/jobs/{jobID}", s.handleJob)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}
