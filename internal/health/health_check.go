package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cupnote/cupsync/internal/model"
	"github.com/cupnote/cupsync/internal/store"
	"go.uber.org/zap"
)

// Connectivity reports whether the realtime channel is up
type Connectivity interface {
	IsConnected() bool
}

// MigrationGate reports whether pending migrations still allow use of the app
type MigrationGate interface {
	CanUseApp(now time.Time) bool
}

// SyncStatusSource exposes the current sync status
type SyncStatusSource interface {
	Status() model.SyncStatus
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	conn   Connectivity
	store  store.Pinger
	gate   MigrationGate
	sync   SyncStatusSource
	logger *zap.Logger
	now    func() time.Time
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker. Nil dependencies are skipped.
func NewHealthChecker(
	conn Connectivity,
	kv store.Pinger,
	gate MigrationGate,
	sync SyncStatusSource,
	logger *zap.Logger,
) *HealthChecker {
	return &HealthChecker{
		conn:   conn,
		store:  kv,
		gate:   gate,
		sync:   sync,
		logger: logger,
		now:    time.Now,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: h.now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, ready := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Check runs every readiness check.
// An offline realtime channel is reported but does not fail readiness, since
// the device keeps serving from the local cache while offline.
func (h *HealthChecker) Check(ctx context.Context) (HealthStatus, bool) {
	checks := make(map[string]string)
	allHealthy := true

	if h.conn != nil {
		if h.conn.IsConnected() {
			checks["realtime"] = "connected"
		} else {
			checks["realtime"] = "offline"
		}
	}

	if err := h.checkStore(ctx); err != nil {
		h.logger.Error("Local store health check failed", zap.Error(err))
		checks["local_store"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["local_store"] = "healthy"
	}

	if err := h.checkMigrations(); err != nil {
		checks["migrations"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["migrations"] = "healthy"
	}

	if h.sync != nil {
		if msg := h.sync.Status().LastSyncError; msg != "" {
			checks["last_sync"] = "failed: " + msg
			allHealthy = false
		} else {
			checks["last_sync"] = "healthy"
		}
	}

	status := HealthStatus{
		Status:    "ready",
		Timestamp: h.now().Unix(),
		Checks:    checks,
	}
	if !allHealthy {
		status.Status = "not_ready"
	}
	return status, allHealthy
}

// CanServe reports whether the migration gate allows use of the app
func (h *HealthChecker) CanServe() bool {
	return h.checkMigrations() == nil
}

// checkStore checks if the local store is reachable
func (h *HealthChecker) checkStore(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	return h.store.Ping(ctx)
}

func (h *HealthChecker) checkMigrations() error {
	if h.gate == nil {
		return nil
	}
	if !h.gate.CanUseApp(h.now()) {
		return errors.New("required migrations are past their deadline")
	}
	return nil
}
