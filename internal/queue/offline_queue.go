package queue

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cupnote/cupsync/internal/errors"
	"github.com/cupnote/cupsync/internal/metrics"
	"github.com/cupnote/cupsync/internal/model"
	"github.com/cupnote/cupsync/internal/store"
	"github.com/cupnote/cupsync/internal/util"
	"github.com/cupnote/cupsync/internal/util/workerpool"
	"github.com/cupnote/cupsync/internal/validation"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const drainTaskKey = "offline-queue-drain"

// Connectivity reports whether the realtime channel is currently open
type Connectivity interface {
	IsConnected() bool
}

// QueueConfig holds offline queue configuration
type QueueConfig struct {
	DeadLetterLimit int
	MaxPayloadBytes int
}

// OfflineQueue holds pending remote mutations until they can be applied.
// It owns the offline_queue and offline_queue_dead_letter keys.
type OfflineQueue struct {
	config    *QueueConfig
	kv        store.KeyValueStore
	remote    store.RemoteStore
	conn      Connectivity
	pool      *workerpool.WorkerPool
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu          sync.Mutex
	items       []*model.QueueItem
	deadLetters []model.DeadLetter
	draining    bool

	listeners *util.Listeners[int]
	now       func() time.Time
}

// NewOfflineQueue creates an empty queue; call Load to restore persisted items
func NewOfflineQueue(
	cfg *QueueConfig,
	kv store.KeyValueStore,
	remote store.RemoteStore,
	conn Connectivity,
	pool *workerpool.WorkerPool,
	m *metrics.Metrics,
	logger *zap.Logger,
) *OfflineQueue {
	if cfg.DeadLetterLimit <= 0 {
		cfg.DeadLetterLimit = 100
	}

	return &OfflineQueue{
		config:    cfg,
		kv:        kv,
		remote:    remote,
		conn:      conn,
		pool:      pool,
		validator: validation.NewValidatorWithLimits(cfg.MaxPayloadBytes),
		metrics:   m,
		logger:    logger,
		listeners: util.NewListeners[int](),
		now:       time.Now,
	}
}

// Load restores persisted items and dead letters.
// Unreadable state degrades to an empty queue.
func (q *OfflineQueue) Load(ctx context.Context) error {
	var items []*model.QueueItem
	if err := q.readJSON(ctx, store.KeyOfflineQueue, &items); err != nil {
		q.logger.Warn("Failed to restore offline queue, starting empty", zap.Error(err))
		items = nil
	}

	var deadLetters []model.DeadLetter
	if err := q.readJSON(ctx, store.KeyDeadLetters, &deadLetters); err != nil {
		q.logger.Warn("Failed to restore dead letters", zap.Error(err))
		deadLetters = nil
	}

	q.mu.Lock()
	q.items = items
	q.deadLetters = deadLetters
	n := len(q.items)
	q.mu.Unlock()

	q.metrics.UpdateQueueDepth(n)
	q.logger.Info("Offline queue restored",
		zap.Int("items", n),
		zap.Int("dead_letters", len(deadLetters)))
	q.listeners.Notify(n)
	return nil
}

// Enqueue validates and appends a mutation.
// When connected, a drain is scheduled in the background without blocking the caller.
func (q *OfflineQueue) Enqueue(ctx context.Context, table string, op model.Operation, payload model.Row, priority model.Priority) (*model.QueueItem, error) {
	if priority == "" {
		priority = model.PriorityMedium
	}
	if err := q.validator.ValidatePriority(priority); err != nil {
		return nil, err
	}
	if err := q.validator.ValidateMutation(table, op, payload); err != nil {
		return nil, err
	}

	item := &model.QueueItem{
		ID:         uuid.New().String(),
		Table:      table,
		Operation:  op,
		Payload:    payload,
		EnqueuedAt: q.now(),
		MaxRetries: priority.MaxRetries(),
		Priority:   priority,
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	n := len(q.items)
	copied := *item
	q.mu.Unlock()

	// A failed write leaves the item queued in memory; the next drain persists it again.
	if err := q.persist(ctx); err != nil {
		q.logger.Warn("Failed to persist offline queue after enqueue",
			zap.String("item_id", item.ID),
			zap.Error(err))
	}

	q.metrics.UpdateQueueDepth(n)
	q.listeners.Notify(n)

	q.logger.Debug("Mutation queued",
		zap.String("item_id", item.ID),
		zap.String("table", table),
		zap.String("operation", string(op)),
		zap.String("priority", string(priority)),
		zap.Int("queue_size", n))

	if q.conn != nil && q.conn.IsConnected() {
		q.TriggerDrain()
	}

	return &copied, nil
}

// TriggerDrain schedules a background drain; repeated triggers coalesce
func (q *OfflineQueue) TriggerDrain() {
	task := workerpool.Task{
		Key: drainTaskKey,
		Fn: func(ctx context.Context) error {
			_, err := q.Drain(ctx)
			return err
		},
	}

	if q.pool == nil {
		go func() { _ = task.Fn(context.Background()) }()
		return
	}
	if !q.pool.TrySubmit(task) {
		q.logger.Debug("Drain already scheduled")
	}
}

// Drain applies every queued mutation once, highest priority first and FIFO within a priority.
// A drain already in progress makes this call a no-op.
func (q *OfflineQueue) Drain(ctx context.Context) (model.DrainResult, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return model.DrainResult{Skipped: true}, nil
	}
	q.draining = true
	batch := make([]*model.QueueItem, len(q.items))
	copy(batch, q.items)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	start := q.now()
	sortForDrain(batch)

	result := model.DrainResult{}
	for _, item := range batch {
		if ctx.Err() != nil {
			break
		}
		result.Processed++

		err := q.apply(ctx, item)
		q.metrics.RecordApplied(string(item.Operation), err == nil)

		q.mu.Lock()
		idx := q.indexOf(item.ID)
		if idx < 0 {
			// Cleared while the drain was running.
			q.mu.Unlock()
			continue
		}

		if err == nil {
			q.removeAt(idx)
			q.mu.Unlock()
			result.Succeeded++
			q.logger.Debug("Queued mutation applied",
				zap.String("item_id", item.ID),
				zap.String("table", item.Table),
				zap.String("operation", string(item.Operation)))
			continue
		}

		item.RetryCount++
		item.LastError = err.Error()
		if item.RetryCount >= item.MaxRetries {
			q.removeAt(idx)
			q.addDeadLetter(*item, err)
			q.mu.Unlock()
			result.Dropped++
			q.metrics.DeadLettersTotal.Inc()
			q.logger.Warn("Queued mutation exceeded max retries, dropping",
				zap.String("item_id", item.ID),
				zap.String("table", item.Table),
				zap.String("operation", string(item.Operation)),
				zap.Int("retries", item.RetryCount),
				zap.Error(err))
			continue
		}
		q.mu.Unlock()

		result.Failed++
		q.logger.Debug("Queued mutation failed, will retry",
			zap.String("item_id", item.ID),
			zap.Int("retries", item.RetryCount),
			zap.Int("max_retries", item.MaxRetries),
			zap.Error(err))
	}

	persistErr := q.persist(ctx)

	q.mu.Lock()
	result.Remaining = len(q.items)
	q.mu.Unlock()

	q.metrics.UpdateQueueDepth(result.Remaining)
	q.metrics.DrainDuration.Observe(q.now().Sub(start).Seconds())
	q.listeners.Notify(result.Remaining)

	if result.Processed > 0 {
		q.logger.Info("Offline queue drain completed",
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
			zap.Int("dropped", result.Dropped),
			zap.Int("remaining", result.Remaining))
	}

	if persistErr != nil {
		return result, persistErr
	}
	return result, nil
}

// Status returns a read-only view of the queue
func (q *OfflineQueue) Status() model.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := model.QueueStatus{
		Items:          len(q.items),
		SyncInProgress: q.draining,
		DeadLetters:    len(q.deadLetters),
	}
	for _, item := range q.items {
		if item.Priority == model.PriorityHigh {
			status.HighPriority++
		}
		if status.OldestItem == nil || item.EnqueuedAt.Before(*status.OldestItem) {
			oldest := item.EnqueuedAt
			status.OldestItem = &oldest
		}
	}
	return status
}

// Len returns the number of queued items
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queued items in drain order
func (q *OfflineQueue) Items() []model.QueueItem {
	q.mu.Lock()
	out := make([]model.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}
	q.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return drainsBefore(&out[i], &out[j]) })
	return out
}

// Retain keeps only the items for which keep returns true and persists the result
func (q *OfflineQueue) Retain(ctx context.Context, keep func(model.QueueItem) bool) (int, error) {
	q.mu.Lock()
	kept := q.items[:0:0]
	for _, item := range q.items {
		if keep(*item) {
			kept = append(kept, item)
		}
	}
	removed := len(q.items) - len(kept)
	q.items = kept
	n := len(kept)
	q.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}

	q.metrics.UpdateQueueDepth(n)
	q.listeners.Notify(n)
	return removed, q.persist(ctx)
}

// Clear drops every queued item. This loses data and is only called on explicit request.
func (q *OfflineQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	dropped := len(q.items)
	q.items = nil
	q.mu.Unlock()

	q.logger.Warn("Offline queue cleared", zap.Int("dropped", dropped))
	q.metrics.UpdateQueueDepth(0)
	q.listeners.Notify(0)
	return q.persist(ctx)
}

// DeadLetters returns the mutations abandoned after exhausting their retries
func (q *OfflineQueue) DeadLetters() []model.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.DeadLetter{}, q.deadLetters...)
}

// ClearDeadLetters empties the dead-letter list
func (q *OfflineQueue) ClearDeadLetters(ctx context.Context) error {
	q.mu.Lock()
	q.deadLetters = nil
	q.mu.Unlock()
	return q.persist(ctx)
}

// OnChange registers fn to receive the queue length after every change
func (q *OfflineQueue) OnChange(fn func(int)) func() {
	return q.listeners.Add(fn)
}

func (q *OfflineQueue) apply(ctx context.Context, item *model.QueueItem) error {
	switch item.Operation {
	case model.OperationInsert:
		_, err := q.remote.Insert(ctx, item.Table, item.Payload)
		return err
	case model.OperationUpdate:
		id, _ := item.Payload.ID()
		_, err := q.remote.Update(ctx, item.Table, id, item.Payload)
		return err
	case model.OperationDelete:
		id, _ := item.Payload.ID()
		return q.remote.Delete(ctx, item.Table, id)
	default:
		return errors.ValidationFailed("operation", fmt.Sprintf("unsupported operation '%s'", item.Operation))
	}
}

// indexOf must be called with q.mu held
func (q *OfflineQueue) indexOf(id string) int {
	for i, item := range q.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

// removeAt must be called with q.mu held
func (q *OfflineQueue) removeAt(idx int) {
	q.items = append(q.items[:idx:idx], q.items[idx+1:]...)
}

// addDeadLetter must be called with q.mu held
func (q *OfflineQueue) addDeadLetter(item model.QueueItem, cause error) {
	q.deadLetters = append(q.deadLetters, model.DeadLetter{
		Item:     item,
		FailedAt: q.now(),
		Reason:   cause.Error(),
	})
	if overflow := len(q.deadLetters) - q.config.DeadLetterLimit; overflow > 0 {
		q.deadLetters = q.deadLetters[overflow:]
	}
}

func (q *OfflineQueue) persist(ctx context.Context) error {
	q.mu.Lock()
	items := make([]model.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, *item)
	}
	deadLetters := append([]model.DeadLetter{}, q.deadLetters...)
	q.mu.Unlock()

	if err := q.writeJSON(ctx, store.KeyOfflineQueue, items); err != nil {
		return err
	}
	return q.writeJSON(ctx, store.KeyDeadLetters, deadLetters)
}

func (q *OfflineQueue) readJSON(ctx context.Context, key string, out interface{}) error {
	data, err := q.kv.Get(ctx, key)
	if goerrors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.StorageFailure(key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.CorruptedData(fmt.Sprintf("failed to decode %s", key), err)
	}
	return nil
}

func (q *OfflineQueue) writeJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Internal(fmt.Sprintf("failed to encode %s", key), err)
	}
	if err := q.kv.Set(ctx, key, data); err != nil {
		return errors.StorageFailure(key, err)
	}
	return nil
}

// sortForDrain orders items high > medium > low, then by enqueue time.
// The sort is stable so items enqueued in the same instant keep insertion order.
func sortForDrain(items []*model.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool { return drainsBefore(items[i], items[j]) })
}

// drainsBefore orders by priority rank, then enqueue time
func drainsBefore(a, b *model.QueueItem) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}
