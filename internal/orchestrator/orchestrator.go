package orchestrator

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cupnote/cupsync/internal/errors"
	"github.com/cupnote/cupsync/internal/metrics"
	"github.com/cupnote/cupsync/internal/model"
	"github.com/cupnote/cupsync/internal/store"
	"github.com/cupnote/cupsync/internal/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Cache is the subset of the local cache store the orchestrator uses
type Cache interface {
	Put(ctx context.Context, category model.Category, items []model.CacheEntry) error
	Get(ctx context.Context, category model.Category) []model.CacheEntry
	AddOrUpdateItem(ctx context.Context, category model.Category, item model.CacheEntry) error
	RemoveItem(ctx context.Context, category model.Category, id string) error
	ClearAll(ctx context.Context) error
}

// Queue is the subset of the offline write queue the orchestrator uses
type Queue interface {
	Drain(ctx context.Context) (model.DrainResult, error)
	Len() int
	Clear(ctx context.Context) error
	OnChange(fn func(int)) func()
}

// Connectivity reports the realtime channel state
type Connectivity interface {
	IsConnected() bool
}

// Config holds sync orchestrator configuration
type Config struct {
	PeriodicInterval time.Duration
	LookbackWindow   time.Duration
	Thresholds       map[model.Category]int64
	Tables           map[model.Category]string
}

// DefaultTables maps each category to its remote table
func DefaultTables() map[model.Category]string {
	return map[model.Category]string{
		model.CategoryRecords:      "tasting_records",
		model.CategoryAchievements: "user_achievements",
		model.CategoryStats:        "user_stats",
		model.CategoryDrafts:       "tasting_drafts",
	}
}

// DefaultThresholds returns the per-category consistency thresholds
func DefaultThresholds() map[model.Category]int64 {
	return map[model.Category]int64{
		model.CategoryRecords:      5,
		model.CategoryAchievements: 2,
	}
}

// Orchestrator runs sync passes: drain the queue, pull remote deltas into the
// cache, optionally check consistency, then persist SyncStatus.
type Orchestrator struct {
	config  *Config
	cache   Cache
	queue   Queue
	remote  store.RemoteStore
	conn    Connectivity
	kv      store.KeyValueStore
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu         sync.Mutex
	status     model.SyncStatus
	rebuilding bool

	listeners   *util.Listeners[model.SyncStatus]
	removeQueue func()
	stopChan    chan struct{}
	wg          sync.WaitGroup
	now         func() time.Time
}

// New creates an orchestrator and starts tracking the queue length
func New(
	cfg *Config,
	cache Cache,
	queue Queue,
	remote store.RemoteStore,
	conn Connectivity,
	kv store.KeyValueStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.PeriodicInterval <= 0 {
		cfg.PeriodicInterval = 5 * time.Minute
	}
	if cfg.LookbackWindow <= 0 {
		cfg.LookbackWindow = 24 * time.Hour
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Tables == nil {
		cfg.Tables = DefaultTables()
	}

	o := &Orchestrator{
		config:    cfg,
		cache:     cache,
		queue:     queue,
		remote:    remote,
		conn:      conn,
		kv:        kv,
		metrics:   m,
		logger:    logger,
		listeners: util.NewListeners[model.SyncStatus](),
		now:       time.Now,
	}
	o.status.PendingChanges = queue.Len()
	o.removeQueue = queue.OnChange(o.setPending)
	return o
}

// LoadStatus restores the persisted SyncStatus. The in-progress flag never survives a restart.
func (o *Orchestrator) LoadStatus(ctx context.Context) error {
	data, err := o.kv.Get(ctx, store.KeySyncStatus)
	if goerrors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		o.logger.Warn("Failed to read sync status, using defaults", zap.Error(err))
		return nil
	}

	var status model.SyncStatus
	if err := json.Unmarshal(data, &status); err != nil {
		o.logger.Warn("Failed to decode sync status, using defaults", zap.Error(err))
		return nil
	}

	o.mu.Lock()
	status.SyncInProgress = false
	status.PendingChanges = o.queue.Len()
	status.IsOnline = o.conn.IsConnected()
	o.status = status
	o.mu.Unlock()
	return nil
}

// PerformSync runs one sync pass. It never returns an error; failures are
// recorded in SyncStatus.LastSyncError and in the result.
func (o *Orchestrator) PerformSync(ctx context.Context, trigger model.Trigger) model.SyncResult {
	return o.performSync(ctx, trigger, false)
}

// performSync is PerformSync; ownsRebuild is set only by RebuildLocalData,
// which holds the rebuild flag for the whole clear-then-sync sequence.
func (o *Orchestrator) performSync(ctx context.Context, trigger model.Trigger, ownsRebuild bool) model.SyncResult {
	result := model.SyncResult{Trigger: trigger}

	o.mu.Lock()
	if o.status.SyncInProgress {
		o.mu.Unlock()
		result.Outcome = model.SyncSkipped
		result.Reason = "sync already in progress"
		return result
	}
	if o.rebuilding && !ownsRebuild {
		o.mu.Unlock()
		result.Outcome = model.SyncSkipped
		result.Reason = "rebuild in progress"
		return result
	}
	online := o.conn.IsConnected()
	o.status.IsOnline = online
	if !online {
		o.mu.Unlock()
		result.Outcome = model.SyncSkipped
		result.Reason = "offline"
		o.logger.Debug("Skipping sync while offline", zap.String("trigger", string(trigger)))
		return result
	}

	o.status.SyncInProgress = true
	o.status.TotalItems = 0
	o.status.SyncedItems = 0
	o.status.FailedItems = 0
	var since time.Time
	if o.status.LastSyncAt != nil {
		since = *o.status.LastSyncAt
	} else {
		since = o.now().Add(-o.config.LookbackWindow)
	}
	snapshot := o.status
	o.mu.Unlock()

	o.listeners.Notify(snapshot)
	start := o.now()
	o.logger.Info("Sync pass started", zap.String("trigger", string(trigger)))

	err := o.runSteps(ctx, trigger, since, &result)

	o.mu.Lock()
	if err == nil {
		finished := o.now()
		o.status.LastSyncAt = &finished
		o.status.PendingChanges = o.queue.Len()
		o.status.LastSyncError = ""
	} else {
		o.status.LastSyncError = err.Error()
	}
	o.status.SyncInProgress = false
	o.status.IsOnline = o.conn.IsConnected()
	final := o.status
	o.mu.Unlock()

	if persistErr := o.persistStatus(ctx, final); persistErr != nil {
		o.logger.Warn("Failed to persist sync status", zap.Error(persistErr))
	}
	o.listeners.Notify(final)

	result.Duration = o.now().Sub(start)
	if err != nil {
		result.Outcome = model.SyncFailed
		result.Err = err
		result.Reason = err.Error()
		o.logger.Warn("Sync pass failed",
			zap.String("trigger", string(trigger)),
			zap.Duration("duration", result.Duration),
			zap.Error(err))
	} else {
		result.Outcome = model.SyncCompleted
		o.logger.Info("Sync pass completed",
			zap.String("trigger", string(trigger)),
			zap.Int("synced", final.SyncedItems),
			zap.Int("failed", final.FailedItems),
			zap.Duration("duration", result.Duration))
	}
	o.metrics.RecordSyncPass(string(trigger), string(result.Outcome), result.Duration.Seconds())
	return result
}

// runSteps executes drain, pull, and the optional consistency check in order.
// Progress from a completed step is kept when a later step fails.
func (o *Orchestrator) runSteps(ctx context.Context, trigger model.Trigger, since time.Time, result *model.SyncResult) error {
	drain, err := o.queue.Drain(ctx)
	result.Drain = drain

	o.mu.Lock()
	o.status.TotalItems = drain.Processed
	o.status.SyncedItems = drain.Succeeded
	o.status.FailedItems = drain.Failed + drain.Dropped
	o.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to drain offline queue: %w", err)
	}

	user, err := o.currentUser(ctx)
	if err != nil {
		return err
	}

	pulled, err := o.pull(ctx, user, since)
	result.Pulled = pulled
	if err != nil {
		return err
	}

	if trigger == model.TriggerManual {
		report, err := o.CheckConsistency(ctx)
		if err != nil {
			return err
		}
		result.Consistency = report
	}

	return nil
}

func (o *Orchestrator) currentUser(ctx context.Context) (*model.UserContext, error) {
	user, err := o.remote.CurrentUser(ctx)
	if err != nil {
		if errors.GetKind(err) == errors.KindAuth {
			return nil, err
		}
		return nil, errors.Unauthenticated("failed to resolve current user", err)
	}
	if user == nil || user.ID == "" {
		return nil, errors.Unauthenticated("no authenticated user", nil)
	}
	return user, nil
}

func (o *Orchestrator) pull(ctx context.Context, user *model.UserContext, since time.Time) (map[model.Category]int, error) {
	pulled := make(map[model.Category]int, len(model.Categories))

	for _, category := range model.Categories {
		table, ok := o.config.Tables[category]
		if !ok {
			continue
		}

		res, err := o.remote.Query(ctx, table, store.Filter{
			Eq:           map[string]interface{}{"user_id": user.ID},
			UpdatedSince: since,
		})
		if err != nil {
			return pulled, errors.NetworkFailure(fmt.Sprintf("failed to pull %s", category), err)
		}

		entries := make([]model.CacheEntry, 0, len(res.Rows))
		for _, row := range res.Rows {
			entry, err := rowToEntry(row)
			if err != nil {
				o.logger.Warn("Skipping unusable remote row",
					zap.String("table", table),
					zap.Error(err))
				continue
			}
			entries = append(entries, entry)
		}

		if err := o.cache.Put(ctx, category, entries); err != nil {
			return pulled, err
		}

		pulled[category] = len(entries)
		o.metrics.RecordPulled(string(category), len(entries))
		o.logger.Debug("Pulled remote changes",
			zap.String("category", string(category)),
			zap.Int("rows", len(entries)),
			zap.Time("since", since))
	}

	return pulled, nil
}

// RebuildLocalData clears the cache and the offline queue, then forces a manual sync
func (o *Orchestrator) RebuildLocalData(ctx context.Context) (model.SyncResult, error) {
	o.mu.Lock()
	if o.status.SyncInProgress || o.rebuilding {
		o.mu.Unlock()
		return model.SyncResult{Trigger: model.TriggerManual, Outcome: model.SyncSkipped, Reason: "sync already in progress"}, nil
	}
	o.rebuilding = true
	o.status.LastSyncAt = nil
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.rebuilding = false
		o.mu.Unlock()
	}()

	if err := o.cache.ClearAll(ctx); err != nil {
		return model.SyncResult{}, err
	}
	if err := o.queue.Clear(ctx); err != nil {
		return model.SyncResult{}, err
	}

	o.logger.Warn("Local data cleared for rebuild")
	return o.performSync(ctx, model.TriggerManual, true), nil
}

// Start runs periodic sync passes until ctx is done or Stop is called
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.stopChan != nil {
		o.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	o.stopChan = stop
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.config.PeriodicInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if !o.conn.IsConnected() || o.Status().SyncInProgress {
					continue
				}
				o.PerformSync(ctx, model.TriggerPeriodic)
			}
		}
	}()

	o.logger.Info("Periodic sync started", zap.Duration("interval", o.config.PeriodicInterval))
}

// Stop halts the periodic loop and waits for an in-flight periodic pass
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	stop := o.stopChan
	o.stopChan = nil
	o.mu.Unlock()

	if stop != nil {
		close(stop)
		o.wg.Wait()
	}
	if o.removeQueue != nil {
		o.removeQueue()
		o.removeQueue = nil
	}
}

// HandleConnectionChange keeps IsOnline current
func (o *Orchestrator) HandleConnectionChange(state model.ConnectionState) {
	o.mu.Lock()
	if o.status.IsOnline == state.Connected {
		o.mu.Unlock()
		return
	}
	o.status.IsOnline = state.Connected
	snapshot := o.status
	o.mu.Unlock()

	o.listeners.Notify(snapshot)
}

// Status returns a copy of the current SyncStatus
func (o *Orchestrator) Status() model.SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// OnStatusChange registers fn for every status change
func (o *Orchestrator) OnStatusChange(fn func(model.SyncStatus)) func() {
	return o.listeners.Add(fn)
}

func (o *Orchestrator) setPending(n int) {
	o.mu.Lock()
	o.status.PendingChanges = n
	snapshot := o.status
	o.mu.Unlock()

	o.listeners.Notify(snapshot)
}

func (o *Orchestrator) persistStatus(ctx context.Context, status model.SyncStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return errors.Internal("failed to encode sync status", err)
	}
	if err := o.kv.Set(ctx, store.KeySyncStatus, data); err != nil {
		return errors.StorageFailure(store.KeySyncStatus, err)
	}
	return nil
}

func rowToEntry(row model.Row) (model.CacheEntry, error) {
	id, err := rowID(row)
	if err != nil {
		return model.CacheEntry{}, err
	}

	payload, err := json.Marshal(row)
	if err != nil {
		return model.CacheEntry{}, fmt.Errorf("failed to encode row %s: %w", id, err)
	}

	entry := model.CacheEntry{ID: id, Payload: payload}
	entry.CreatedAt = rowTime(row, "created_at")
	entry.UpdatedAt = rowTime(row, "updated_at")
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = entry.CreatedAt
	}
	return entry, nil
}

func rowID(row model.Row) (string, error) {
	switch v := row["id"].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case int64:
		return strconv.FormatInt(v, 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case [16]byte:
		return uuid.UUID(v).String(), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	return "", errors.ValidationFailed("id", "remote row has no usable id")
}

func rowTime(row model.Row, field string) time.Time {
	switch v := row[field].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
