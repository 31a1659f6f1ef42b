package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"warden/config"
	"warden/core"
	"warden/ingest"
)

// Engine is the part of the detection engine served over HTTP
type Engine interface {
	ingest.Ingester
	IsBlocked(kind core.EntityType, identifier string) bool
	AllowRequest(identity string) bool
}

// HealthChecker reports whether a dependency is usable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// API holds the HTTP server
type API struct {
	router *mux.Router
	server *http.Server
	engine Engine
	checks map[string]HealthChecker
	config *config.Config
	logger *zap.SugaredLogger
}

// NewAPI creates the HTTP surface. checks are probed by /health.
func NewAPI(engine Engine, checks map[string]HealthChecker, cfg *config.Config, logger *zap.SugaredLogger) *API {
	a := &API{
		router: mux.NewRouter(),
		engine: engine,
		checks: checks,
		config: cfg,
		logger: logger,
	}
	a.setupRoutes()
	return a
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.recoverMiddleware)
	a.router.Use(a.requestIDMiddleware)

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/events", a.ingestEvent).Methods(http.MethodPost)
	v1.HandleFunc("/blocked/{type}/{id}", a.getBlocked).Methods(http.MethodGet)
	v1.HandleFunc("/ratelimit/{identity}/allow", a.allowRequest).Methods(http.MethodPost)

	a.router.HandleFunc("/health", a.healthCheck).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Handler returns the router, mainly for tests
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves on the configured address until Stop is called
func (a *API) Start() error {
	a.server = &http.Server{
		Addr:              a.config.Server.Addr,
		Handler:           a.router,
		ReadTimeout:       a.config.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      a.config.Server.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	a.logger.Infow("HTTP server listening", "addr", a.config.Server.Addr)
	err := a.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
