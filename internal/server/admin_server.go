package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cupnote/cupsync/internal/cache"
	"github.com/cupnote/cupsync/internal/errors"
	"github.com/cupnote/cupsync/internal/health"
	"github.com/cupnote/cupsync/internal/migration"
	"github.com/cupnote/cupsync/internal/model"
	"github.com/cupnote/cupsync/internal/orchestrator"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SyncService is the orchestrator surface exposed over HTTP
type SyncService interface {
	PerformSync(ctx context.Context, trigger model.Trigger) model.SyncResult
	RebuildLocalData(ctx context.Context) (model.SyncResult, error)
	CheckConsistency(ctx context.Context) (*model.ConsistencyReport, error)
	Status() model.SyncStatus
}

// QueueService is the offline queue surface exposed over HTTP
type QueueService interface {
	Status() model.QueueStatus
	Items() []model.QueueItem
	Clear(ctx context.Context) error
	DeadLetters() []model.DeadLetter
	ClearDeadLetters(ctx context.Context) error
}

// CacheService is the local cache surface exposed over HTTP
type CacheService interface {
	Stats(ctx context.Context) model.CacheStats
	Optimize(ctx context.Context) (cache.OptimizeAction, error)
	ValidateIntegrity(ctx context.Context) bool
}

// MigrationService is the migration runner surface exposed over HTTP
type MigrationService interface {
	State() model.MigrationState
	Catalog() []model.MigrationInfo
	GetPendingMigrations() []model.MigrationInfo
	RunMigrations(ctx context.Context, opts migration.RunOptions) (*model.MigrationReport, error)
	CanUseApp(now time.Time) bool
}

// ConnectionService is the realtime connection surface exposed over HTTP
type ConnectionService interface {
	State() model.ConnectionState
	Subscriptions() []string
}

// Services bundles the components the admin API serves
type Services struct {
	Sync       SyncService
	Queue      QueueService
	Cache      CacheService
	Migrations MigrationService
	Connection ConnectionService
	Health     *health.HealthChecker
}

// AdminConfig holds admin server configuration
type AdminConfig struct {
	Port              int
	RateLimitEnabled  bool
	RequestsPerSecond float64
	BurstSize         int
	MetricsEnabled    bool
	MetricsPath       string
	Gatherer          prometheus.Gatherer
}

// AdminServer serves the local admin API
type AdminServer struct {
	config     *AdminConfig
	services   Services
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
	now        func() time.Time
}

// NewAdminServer creates the admin server and registers its routes
func NewAdminServer(cfg *AdminConfig, services Services, logger *zap.Logger) *AdminServer {
	router := mux.NewRouter()

	s := &AdminServer{
		config:   cfg,
		services: services,
		router:   router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *AdminServer) setupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		Recovery(s.logger),
		RequestID,
		Logging(s.logger),
	}
	if s.config.RateLimitEnabled {
		limiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.BurstSize, s.logger)
		middlewareChain = append(middlewareChain, limiter.Limit)
	}
	chain := Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	if s.services.Health != nil {
		s.router.HandleFunc("/health", s.services.Health.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/ready", s.services.Health.ReadinessHandler).Methods(http.MethodGet)
	}

	if s.config.MetricsEnabled {
		gatherer := s.config.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		s.router.Handle(s.config.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/sync/status", s.syncStatus).Methods(http.MethodGet)
	v1.HandleFunc("/sync", s.triggerSync).Methods(http.MethodPost)
	v1.HandleFunc("/sync/rebuild", s.rebuild).Methods(http.MethodPost)
	v1.HandleFunc("/sync/consistency", s.consistency).Methods(http.MethodGet)

	v1.HandleFunc("/queue", s.listQueue).Methods(http.MethodGet)
	v1.HandleFunc("/queue", s.clearQueue).Methods(http.MethodDelete)
	v1.HandleFunc("/queue/dead-letters", s.listDeadLetters).Methods(http.MethodGet)
	v1.HandleFunc("/queue/dead-letters", s.clearDeadLetters).Methods(http.MethodDelete)

	v1.HandleFunc("/cache/stats", s.cacheStats).Methods(http.MethodGet)
	v1.HandleFunc("/cache/optimize", s.optimizeCache).Methods(http.MethodPost)
	v1.HandleFunc("/cache/validate", s.validateCache).Methods(http.MethodPost)

	v1.HandleFunc("/migrations", s.listMigrations).Methods(http.MethodGet)
	v1.HandleFunc("/migrations/run", s.runMigrations).Methods(http.MethodPost)

	v1.HandleFunc("/connection", s.connection).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, s.logger, errors.InvalidArgument("endpoint not found", nil))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, s.logger, errors.InvalidArgument("method not allowed", nil))
	})
}

// Handler returns the routed handler with middleware applied
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the admin server
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}

type syncStatusResponse struct {
	model.SyncStatus
	HealthScore int    `json:"healthScore"`
	Badge       string `json:"badge"`
}

func (s *AdminServer) syncStatus(w http.ResponseWriter, r *http.Request) {
	status := s.services.Sync.Status()
	writeJSON(w, http.StatusOK, syncStatusResponse{
		SyncStatus:  status,
		HealthScore: orchestrator.HealthScore(status, s.now()),
		Badge:       orchestrator.Badge(status),
	})
}

type syncResultResponse struct {
	model.SyncResult
	Error string `json:"error,omitempty"`
}

func (s *AdminServer) triggerSync(w http.ResponseWriter, r *http.Request) {
	result := s.services.Sync.PerformSync(r.Context(), model.TriggerManual)
	if result.Err != nil {
		writeJSON(w, httpStatus(result.Err), syncResultResponse{SyncResult: result, Error: result.Err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, syncResultResponse{SyncResult: result})
}

func (s *AdminServer) rebuild(w http.ResponseWriter, r *http.Request) {
	result, err := s.services.Sync.RebuildLocalData(r.Context())
	if err != nil {
		writeJSON(w, httpStatus(err), syncResultResponse{SyncResult: result, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, syncResultResponse{SyncResult: result})
}

func (s *AdminServer) consistency(w http.ResponseWriter, r *http.Request) {
	report, err := s.services.Sync.CheckConsistency(r.Context())
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type queueResponse struct {
	Status model.QueueStatus `json:"status"`
	Items  []model.QueueItem `json:"items"`
}

func (s *AdminServer) listQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueResponse{
		Status: s.services.Queue.Status(),
		Items:  s.services.Queue.Items(),
	})
}

func (s *AdminServer) clearQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.services.Queue.Clear(r.Context()); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deadLetters": s.services.Queue.DeadLetters(),
	})
}

func (s *AdminServer) clearDeadLetters(w http.ResponseWriter, r *http.Request) {
	if err := s.services.Queue.ClearDeadLetters(r.Context()); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.services.Cache.Stats(r.Context()))
}

func (s *AdminServer) optimizeCache(w http.ResponseWriter, r *http.Request) {
	action, err := s.services.Cache.Optimize(r.Context())
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"action": action,
		"stats":  s.services.Cache.Stats(r.Context()),
	})
}

func (s *AdminServer) validateCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid": s.services.Cache.ValidateIntegrity(r.Context()),
	})
}

type migrationsResponse struct {
	State     model.MigrationState  `json:"state"`
	Catalog   []model.MigrationInfo `json:"catalog"`
	Pending   []model.MigrationInfo `json:"pending"`
	CanUseApp bool                  `json:"canUseApp"`
}

func (s *AdminServer) listMigrations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, migrationsResponse{
		State:     s.services.Migrations.State(),
		Catalog:   s.services.Migrations.Catalog(),
		Pending:   s.services.Migrations.GetPendingMigrations(),
		CanUseApp: s.services.Migrations.CanUseApp(s.now()),
	})
}

type runMigrationsRequest struct {
	ForceBreaking        bool `json:"force_breaking"`
	SkipUserConfirmation bool `json:"skip_user_confirmation"`
}

func (s *AdminServer) runMigrations(w http.ResponseWriter, r *http.Request) {
	var req runMigrationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, r, s.logger, errors.InvalidArgument("invalid request body", err))
		return
	}

	report, err := s.services.Migrations.RunMigrations(r.Context(), migration.RunOptions{
		ForceBreaking:        req.ForceBreaking,
		SkipUserConfirmation: req.SkipUserConfirmation,
	})
	if err != nil && report == nil {
		writeError(w, r, s.logger, err)
		return
	}
	if err != nil {
		s.logger.Warn("Migration run finished with a persistence error", zap.Error(err))
	}

	statusCode := http.StatusOK
	if !report.OK() {
		statusCode = http.StatusInternalServerError
	}
	writeJSON(w, statusCode, report)
}

type connectionResponse struct {
	model.ConnectionState
	Subscriptions []string `json:"subscriptions"`
}

func (s *AdminServer) connection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, connectionResponse{
		ConnectionState: s.services.Connection.State(),
		Subscriptions:   s.services.Connection.Subscriptions(),
	})
}
