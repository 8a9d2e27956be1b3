package orchestrator

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cupnote/cupsync/internal/cache"
	"github.com/cupnote/cupsync/internal/errors"
	"github.com/cupnote/cupsync/internal/metrics"
	"github.com/cupnote/cupsync/internal/mocks"
	"github.com/cupnote/cupsync/internal/model"
	"github.com/cupnote/cupsync/internal/store"
	"github.com/cupnote/cupsync/internal/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var syncTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeQueue struct {
	mu      sync.Mutex
	length  int
	result  model.DrainResult
	err     error
	block   chan struct{}
	started chan struct{}
	drains  int
	cleared bool
	// clearStarted is closed when Clear begins; Clear then waits on clearBlock.
	clearStarted chan struct{}
	clearBlock   chan struct{}
	listeners    *util.Listeners[int]
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{listeners: util.NewListeners[int]()}
}

func (q *fakeQueue) Drain(context.Context) (model.DrainResult, error) {
	q.mu.Lock()
	q.drains++
	block, started := q.block, q.started
	result, err := q.result, q.err
	q.mu.Unlock()

	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}

	q.mu.Lock()
	q.length = result.Remaining
	q.mu.Unlock()
	q.listeners.Notify(result.Remaining)
	return result, err
}

func (q *fakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

func (q *fakeQueue) Clear(context.Context) error {
	if q.clearStarted != nil {
		close(q.clearStarted)
	}
	if q.clearBlock != nil {
		<-q.clearBlock
	}

	q.mu.Lock()
	q.cleared = true
	q.length = 0
	q.mu.Unlock()
	q.listeners.Notify(0)
	return nil
}

func (q *fakeQueue) OnChange(fn func(int)) func() {
	return q.listeners.Add(fn)
}

func (q *fakeQueue) drainCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drains
}

type fakeConn struct{ connected bool }

func (c *fakeConn) IsConnected() bool { return c.connected }

type fixture struct {
	orch   *Orchestrator
	queue  *fakeQueue
	remote *mocks.MockRemoteStore
	cache  *cache.CacheService
	kv     *store.MemoryStore
	conn   *fakeConn
}

func newFixture(t *testing.T) *fixture {
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test-device")
	kv := store.NewMemoryStore()
	c := cache.NewCacheService(&cache.CacheConfig{}, kv, m, zap.NewNop())
	q := newFakeQueue()
	remote := new(mocks.MockRemoteStore)
	conn := &fakeConn{connected: true}

	o := New(&Config{}, c, q, remote, conn, kv, m, zap.NewNop())
	o.now = func() time.Time { return syncTime }
	t.Cleanup(o.Stop)

	return &fixture{orch: o, queue: q, remote: remote, cache: c, kv: kv, conn: conn}
}

func rows(prefix string, n int) []model.Row {
	out := make([]model.Row, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.Row{
			"id":         fmt.Sprintf("%s-%d", prefix, i),
			"user_id":    "u1",
			"created_at": "2026-03-01T08:00:00Z",
			"updated_at": "2026-03-01T09:00:00Z",
		})
	}
	return out
}

func pullFilter() interface{} {
	return mock.MatchedBy(func(f store.Filter) bool { return !f.CountOnly && f.Eq["user_id"] == "u1" })
}

func countFilter() interface{} {
	return mock.MatchedBy(func(f store.Filter) bool { return f.CountOnly && f.Eq["user_id"] == "u1" })
}

// expectPull stubs the current user and the pull query for every table.
// Tables missing from pulled return no rows.
func (f *fixture) expectPull(pulled map[string][]model.Row) {
	f.remote.On("CurrentUser", mock.Anything).Return(&model.UserContext{ID: "u1"}, nil)
	for _, table := range DefaultTables() {
		f.remote.On("Query", mock.Anything, table, pullFilter()).
			Return(&store.QueryResult{Rows: pulled[table]}, nil)
	}
}

func TestPerformSync_DrainsThenPullsIntoCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.queue.length = 2
	f.queue.result = model.DrainResult{Processed: 2, Succeeded: 1, Failed: 1, Remaining: 1}
	f.expectPull(map[string][]model.Row{"tasting_records": rows("r", 3)})

	result := f.orch.PerformSync(ctx, model.TriggerAutomatic)

	require.Equal(t, model.SyncCompleted, result.Outcome, result.Reason)
	assert.Equal(t, 3, result.Pulled[model.CategoryRecords])
	assert.Nil(t, result.Consistency)

	records := f.cache.Get(ctx, model.CategoryRecords)
	require.Len(t, records, 3)
	assert.Equal(t, "r-0", records[0].ID)
	assert.True(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Equal(records[0].UpdatedAt))

	status := f.orch.Status()
	assert.False(t, status.SyncInProgress)
	require.NotNil(t, status.LastSyncAt)
	assert.True(t, syncTime.Equal(*status.LastSyncAt))
	assert.Empty(t, status.LastSyncError)
	assert.Equal(t, 2, status.TotalItems)
	assert.Equal(t, 1, status.SyncedItems)
	assert.Equal(t, 1, status.FailedItems)
	assert.Equal(t, 1, status.PendingChanges)

	data, err := f.kv.Get(ctx, store.KeySyncStatus)
	require.NoError(t, err)
	var persisted model.SyncStatus
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.True(t, syncTime.Equal(*persisted.LastSyncAt))
	assert.False(t, persisted.SyncInProgress)

	f.remote.AssertCalled(t, "Query", mock.Anything, "tasting_records",
		mock.MatchedBy(func(f store.Filter) bool { return f.UpdatedSince.Equal(syncTime.Add(-24 * time.Hour)) }))
}

func TestPerformSync_UsesLastSyncAtAsLowerBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.expectPull(nil)

	require.Equal(t, model.SyncCompleted, f.orch.PerformSync(ctx, model.TriggerStartup).Outcome)

	later := syncTime.Add(time.Hour)
	f.orch.now = func() time.Time { return later }
	require.Equal(t, model.SyncCompleted, f.orch.PerformSync(ctx, model.TriggerPeriodic).Outcome)

	f.remote.AssertCalled(t, "Query", mock.Anything, "user_stats",
		mock.MatchedBy(func(f store.Filter) bool { return f.UpdatedSince.Equal(syncTime) }))
}

func TestPerformSync_OfflineIsNoop(t *testing.T) {
	f := newFixture(t)
	f.conn.connected = false

	result := f.orch.PerformSync(context.Background(), model.TriggerManual)

	assert.Equal(t, model.SyncSkipped, result.Outcome)
	assert.Equal(t, "offline", result.Reason)
	assert.Equal(t, 0, f.queue.drainCount())
	assert.False(t, f.orch.Status().IsOnline)
	f.remote.AssertNotCalled(t, "CurrentUser", mock.Anything)
}

func TestPerformSync_SingleFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.queue.result = model.DrainResult{Processed: 4, Succeeded: 4}
	f.queue.block = make(chan struct{})
	f.queue.started = make(chan struct{})
	f.expectPull(nil)

	done := make(chan model.SyncResult, 1)
	go func() { done <- f.orch.PerformSync(ctx, model.TriggerAutomatic) }()
	<-f.queue.started

	assert.True(t, f.orch.Status().SyncInProgress)
	second := f.orch.PerformSync(ctx, model.TriggerManual)
	assert.Equal(t, model.SyncSkipped, second.Outcome)
	assert.True(t, f.orch.Status().SyncInProgress)

	close(f.queue.block)
	first := <-done

	assert.Equal(t, model.SyncCompleted, first.Outcome)
	assert.Equal(t, 1, f.queue.drainCount())
	status := f.orch.Status()
	assert.False(t, status.SyncInProgress)
	assert.Equal(t, 4, status.TotalItems)
	assert.Equal(t, 4, status.SyncedItems)
	assert.Equal(t, 0, status.FailedItems)
}

func TestPerformSync_PullFailureKeepsLastSyncAndDrainProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.remote.On("CurrentUser", mock.Anything).Return(&model.UserContext{ID: "u1"}, nil)
	f.remote.On("Query", mock.Anything, "tasting_records", pullFilter()).
		Return(&store.QueryResult{}, nil).Once()
	f.remote.On("Query", mock.Anything, mock.Anything, pullFilter()).
		Return(&store.QueryResult{}, nil).Times(3)

	require.Equal(t, model.SyncCompleted, f.orch.PerformSync(ctx, model.TriggerAutomatic).Outcome)
	firstSync := *f.orch.Status().LastSyncAt

	f.queue.result = model.DrainResult{Processed: 1, Succeeded: 1}
	f.remote.On("Query", mock.Anything, "tasting_records", pullFilter()).
		Return(nil, goerrors.New("upstream timeout"))
	f.orch.now = func() time.Time { return syncTime.Add(time.Hour) }

	result := f.orch.PerformSync(ctx, model.TriggerAutomatic)

	assert.Equal(t, model.SyncFailed, result.Outcome)
	assert.Equal(t, errors.KindNetwork, errors.GetKind(result.Err))
	assert.Equal(t, 1, result.Drain.Succeeded)

	status := f.orch.Status()
	assert.True(t, firstSync.Equal(*status.LastSyncAt))
	assert.Contains(t, status.LastSyncError, "upstream timeout")
	assert.Equal(t, 1, status.SyncedItems)
	assert.False(t, status.SyncInProgress)
}

func TestPerformSync_NoUserIsAuthFailure(t *testing.T) {
	f := newFixture(t)
	f.remote.On("CurrentUser", mock.Anything).Return(nil, nil)

	result := f.orch.PerformSync(context.Background(), model.TriggerAutomatic)

	assert.Equal(t, model.SyncFailed, result.Outcome)
	assert.Equal(t, errors.KindAuth, errors.GetKind(result.Err))
	assert.NotEmpty(t, f.orch.Status().LastSyncError)
}

func TestPerformSync_ManualFlagsLargeDivergenceForReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.expectPull(map[string][]model.Row{"tasting_records": rows("r", 80)})
	f.remote.On("Query", mock.Anything, "tasting_records", countFilter()).
		Return(&store.QueryResult{Count: 100}, nil)
	f.remote.On("Query", mock.Anything, "user_achievements", countFilter()).
		Return(&store.QueryResult{Count: 0}, nil)

	result := f.orch.PerformSync(ctx, model.TriggerManual)

	require.Equal(t, model.SyncCompleted, result.Outcome, result.Reason)
	require.NotNil(t, result.Consistency)
	report := result.Consistency
	assert.False(t, report.Consistent)
	require.Len(t, report.Inconsistencies, 1)

	inc := report.Inconsistencies[0]
	assert.Equal(t, model.CategoryRecords, inc.Category)
	assert.Equal(t, int64(80), inc.LocalCount)
	assert.Equal(t, int64(100), inc.RemoteCount)
	assert.Equal(t, int64(20), inc.Difference)
	assert.Contains(t, inc.Issue, "local 80, remote 100")
	assert.Equal(t, model.RecommendManualReview, report.Recommendation)
}

func TestCheckConsistency_PropagatesCountFailure(t *testing.T) {
	f := newFixture(t)
	f.remote.On("CurrentUser", mock.Anything).Return(&model.UserContext{ID: "u1"}, nil)
	f.remote.On("Query", mock.Anything, "tasting_records", countFilter()).
		Return(nil, goerrors.New("count failed"))
	f.remote.On("Query", mock.Anything, "user_achievements", countFilter()).
		Return(&store.QueryResult{Count: 0}, nil).Maybe()

	report, err := f.orch.CheckConsistency(context.Background())

	assert.Nil(t, report)
	assert.Equal(t, errors.KindNetwork, errors.GetKind(err))
}

func TestRecommend_Precedence(t *testing.T) {
	inc := func(c model.Category, diff int64) model.Inconsistency {
		return model.Inconsistency{Category: c, Difference: diff}
	}

	tests := []struct {
		name  string
		input []model.Inconsistency
		want  model.Recommendation
	}{
		{"none", nil, model.RecommendNone},
		{"single small", []model.Inconsistency{inc(model.CategoryRecords, 6)}, model.RecommendSync},
		{"boundary magnitude", []model.Inconsistency{inc(model.CategoryRecords, 10)}, model.RecommendSync},
		{"large magnitude", []model.Inconsistency{inc(model.CategoryRecords, 20)}, model.RecommendManualReview},
		{"two categories", []model.Inconsistency{inc(model.CategoryRecords, 6), inc(model.CategoryAchievements, 3)}, model.RecommendSync},
		{"three categories", []model.Inconsistency{
			inc(model.CategoryRecords, 6), inc(model.CategoryAchievements, 3), inc(model.CategoryDrafts, 4),
		}, model.RecommendRebuild},
		{"rebuild wins over magnitude", []model.Inconsistency{
			inc(model.CategoryRecords, 50), inc(model.CategoryAchievements, 3), inc(model.CategoryDrafts, 4),
		}, model.RecommendRebuild},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Recommend(tt.input))
		})
	}
}

func TestRebuildLocalData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.queue.length = 3
	f.expectPull(nil)
	f.remote.On("Query", mock.Anything, mock.Anything, countFilter()).Return(&store.QueryResult{}, nil)

	require.NoError(t, f.cache.Put(ctx, model.CategoryDrafts, []model.CacheEntry{{ID: "d1", UpdatedAt: syncTime}}))

	result, err := f.orch.RebuildLocalData(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.SyncCompleted, result.Outcome)
	assert.Equal(t, model.TriggerManual, result.Trigger)
	require.NotNil(t, result.Consistency)
	assert.Equal(t, model.RecommendNone, result.Consistency.Recommendation)
	assert.True(t, f.queue.cleared)
	assert.Empty(t, f.cache.Get(ctx, model.CategoryDrafts))
}

func TestRebuildLocalData_BlocksOtherSyncsUntilDone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.expectPull(nil)
	f.remote.On("Query", mock.Anything, mock.Anything, countFilter()).Return(&store.QueryResult{}, nil)

	f.queue.clearStarted = make(chan struct{})
	f.queue.clearBlock = make(chan struct{})

	done := make(chan model.SyncResult, 1)
	go func() {
		result, err := f.orch.RebuildLocalData(ctx)
		assert.NoError(t, err)
		done <- result
	}()
	<-f.queue.clearStarted

	skipped := f.orch.PerformSync(ctx, model.TriggerPeriodic)
	assert.Equal(t, model.SyncSkipped, skipped.Outcome)
	assert.Equal(t, "rebuild in progress", skipped.Reason)
	assert.Equal(t, 0, f.queue.drainCount())

	again, err := f.orch.RebuildLocalData(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncSkipped, again.Outcome)

	close(f.queue.clearBlock)
	result := <-done
	assert.Equal(t, model.SyncCompleted, result.Outcome)
	assert.Equal(t, 1, f.queue.drainCount())

	after := f.orch.PerformSync(ctx, model.TriggerPeriodic)
	assert.Equal(t, model.SyncCompleted, after.Outcome)
}

func TestPendingChangesFollowQueue(t *testing.T) {
	f := newFixture(t)

	var seen []int
	f.orch.OnStatusChange(func(s model.SyncStatus) { seen = append(seen, s.PendingChanges) })

	f.queue.listeners.Notify(4)
	assert.Equal(t, 4, f.orch.Status().PendingChanges)

	f.orch.HandleConnectionChange(model.ConnectionState{Status: model.ChannelOpen, Connected: true})
	assert.Equal(t, "4 pending", Badge(f.orch.Status()))

	f.orch.HandleConnectionChange(model.ConnectionState{Status: model.ChannelClosed})
	assert.Equal(t, "Offline", Badge(f.orch.Status()))
	assert.Equal(t, []int{4, 4, 4}, seen)
}

func TestLoadStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	last := syncTime.Add(-time.Hour)
	data, err := json.Marshal(model.SyncStatus{LastSyncAt: &last, SyncInProgress: true, LastSyncError: "timeout"})
	require.NoError(t, err)
	require.NoError(t, f.kv.Set(ctx, store.KeySyncStatus, data))

	require.NoError(t, f.orch.LoadStatus(ctx))

	status := f.orch.Status()
	assert.False(t, status.SyncInProgress)
	assert.True(t, status.IsOnline)
	assert.True(t, last.Equal(*status.LastSyncAt))
	assert.Equal(t, "timeout", status.LastSyncError)
}

func TestHealthScore(t *testing.T) {
	ptr := func(d time.Duration) *time.Time {
		ts := syncTime.Add(-d)
		return &ts
	}

	tests := []struct {
		name   string
		status model.SyncStatus
		want   int
	}{
		{"healthy", model.SyncStatus{IsOnline: true, LastSyncAt: ptr(time.Minute)}, 100},
		{"offline", model.SyncStatus{LastSyncAt: ptr(time.Minute)}, 70},
		{"pending", model.SyncStatus{IsOnline: true, LastSyncAt: ptr(time.Minute), PendingChanges: 3}, 85},
		{"pending capped", model.SyncStatus{IsOnline: true, LastSyncAt: ptr(time.Minute), PendingChanges: 50}, 60},
		{"stale 7h", model.SyncStatus{IsOnline: true, LastSyncAt: ptr(7 * time.Hour)}, 90},
		{"stale 2d", model.SyncStatus{IsOnline: true, LastSyncAt: ptr(48 * time.Hour)}, 80},
		{"never synced", model.SyncStatus{IsOnline: true}, 80},
		{"error", model.SyncStatus{IsOnline: true, LastSyncAt: ptr(time.Minute), LastSyncError: "boom"}, 80},
		{"everything wrong", model.SyncStatus{PendingChanges: 20, LastSyncAt: ptr(72 * time.Hour), LastSyncError: "boom"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HealthScore(tt.status, syncTime))
		})
	}
}

func TestBadge(t *testing.T) {
	tests := []struct {
		status model.SyncStatus
		want   string
	}{
		{model.SyncStatus{}, "Offline"},
		{model.SyncStatus{IsOnline: true, SyncInProgress: true}, "Syncing"},
		{model.SyncStatus{IsOnline: true, LastSyncError: "x", PendingChanges: 2}, "Sync failed"},
		{model.SyncStatus{IsOnline: true, PendingChanges: 2}, "2 pending"},
		{model.SyncStatus{IsOnline: true}, "Synced"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Badge(tt.status))
	}
}
