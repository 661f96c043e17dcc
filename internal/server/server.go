// Package server provides the HTTP API for stylematch.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/stylematch/internal/catalog"
	"github.com/hyperjump/stylematch/internal/classifier"
	"github.com/hyperjump/stylematch/internal/config"
	"github.com/hyperjump/stylematch/internal/recommend"
	"github.com/hyperjump/stylematch/pkg/utils"
)

// Reloader reloads the active snapshot on demand.
type Reloader interface {
	Reload(ctx context.Context) (*catalog.Snapshot, bool, error)
}

// Server is the HTTP server for the stylematch API.
type Server struct {
	engine     *recommend.Engine
	classifier classifier.Classifier
	reloader   Reloader
	config     *config.Config
	logger     *zap.Logger
	server     *http.Server
}

// NewServer creates a server with the given dependencies. classifier and
// reloader may be nil, which disables /classify and /admin/reload.
func NewServer(
	engine *recommend.Engine,
	cls classifier.Classifier,
	reloader Reloader,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	return &Server{
		engine:     engine,
		classifier: cls,
		reloader:   reloader,
		config:     cfg,
		logger:     utils.LoggerOrNop(logger),
	}
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	timeout := time.Duration(s.config.Server.RequestTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(middleware.Compress(5))

	r.Post("/classify", s.handleClassify)
	r.Post("/recommend", s.handleRecommend)
	r.Get("/dataset_size", s.handleDatasetSize)
	r.Get("/status", s.handleStatus)
	r.Post("/admin/reload", s.handleReload)
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
