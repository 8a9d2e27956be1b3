package realtime

import (
	"context"
	goerrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cupnote/cupsync/internal/metrics"
	"github.com/cupnote/cupsync/internal/mocks"
	"github.com/cupnote/cupsync/internal/model"
	"github.com/cupnote/cupsync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTransport struct {
	mu       sync.Mutex
	failures []error
	onDown   func(error)
	connects int
	closes   int
}

func (f *fakeTransport) Connect(_ context.Context, onDown func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	f.onDown = onDown
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.onDown = nil
	return nil
}

func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	onDown := f.onDown
	f.onDown = nil
	f.mu.Unlock()
	onDown(err)
}

type fakeScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending func()
	stopped int
}

func (s *fakeScheduler) afterFunc(d time.Duration, fn func()) stopFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.pending = fn
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.stopped++
		s.pending = nil
		return true
	}
}

func (s *fakeScheduler) fire(t *testing.T) {
	s.mu.Lock()
	fn := s.pending
	s.pending = nil
	s.mu.Unlock()
	require.NotNil(t, fn, "no reconnect scheduled")
	fn()
}

func (s *fakeScheduler) lastDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.delays) == 0 {
		return 0
	}
	return s.delays[len(s.delays)-1]
}

func newTestManager(t *testing.T, transport Transport, remote store.RemoteStore, onOnline func(context.Context)) (*ConnectionManager, *fakeScheduler) {
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test-device")
	cm := NewConnectionManager(&ConnectionConfig{HeartbeatInterval: time.Hour}, transport, remote, onOnline, m, zap.NewNop())
	sched := &fakeScheduler{}
	cm.afterFunc = sched.afterFunc
	t.Cleanup(cm.Disconnect)
	return cm, sched
}

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1000 * time.Millisecond},
		{1, 2000 * time.Millisecond},
		{2, 4000 * time.Millisecond},
		{3, 8000 * time.Millisecond},
		{4, 16000 * time.Millisecond},
		{5, 30000 * time.Millisecond},
		{64, 30000 * time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ReconnectDelay(tt.attempt, time.Second, 30*time.Second), "attempt %d", tt.attempt)
	}
}

func TestConnect_InitialStateAndOpen(t *testing.T) {
	online := make(chan struct{}, 1)
	cm, _ := newTestManager(t, &fakeTransport{}, new(mocks.MockRemoteStore), func(context.Context) {
		online <- struct{}{}
	})

	initial := cm.State()
	assert.Equal(t, model.ChannelClosed, initial.Status)
	assert.False(t, initial.Connected)
	assert.Equal(t, 0, initial.ReconnectCount)

	require.NoError(t, cm.Connect(context.Background()))

	state := cm.State()
	assert.Equal(t, model.ChannelOpen, state.Status)
	assert.True(t, state.Connected)
	assert.NotNil(t, state.LastConnected)

	select {
	case <-online:
	case <-time.After(time.Second):
		t.Fatal("online callback not invoked")
	}
}

func TestDropWithoutError_SchedulesBackoffAndResetsOnReconnect(t *testing.T) {
	transport := &fakeTransport{}
	cm, sched := newTestManager(t, transport, new(mocks.MockRemoteStore), nil)

	var statuses []model.ChannelStatus
	var mu sync.Mutex
	cm.OnStateChange(func(s model.ConnectionState) {
		mu.Lock()
		statuses = append(statuses, s.Status)
		mu.Unlock()
		assert.Equal(t, s.Status == model.ChannelOpen, s.Connected)
	})

	require.NoError(t, cm.Connect(context.Background()))
	transport.drop(nil)

	state := cm.State()
	assert.Equal(t, model.ChannelClosed, state.Status)
	assert.False(t, state.Connected)
	assert.Empty(t, state.LastError)
	assert.Equal(t, time.Second, sched.lastDelay())

	sched.fire(t)

	state = cm.State()
	assert.Equal(t, model.ChannelOpen, state.Status)
	assert.Equal(t, 0, state.ReconnectCount)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.ChannelStatus{
		model.ChannelConnecting, model.ChannelOpen,
		model.ChannelClosed,
		model.ChannelConnecting, model.ChannelOpen,
	}, statuses)
}

func TestSetOnOnline_AfterConnectAppliesToNextOpen(t *testing.T) {
	transport := &fakeTransport{}
	cm, sched := newTestManager(t, transport, new(mocks.MockRemoteStore), nil)

	require.NoError(t, cm.Connect(context.Background()))

	online := make(chan struct{}, 1)
	cm.SetOnOnline(func(context.Context) { online <- struct{}{} })

	transport.drop(nil)
	sched.fire(t)

	select {
	case <-online:
	case <-time.After(time.Second):
		t.Fatal("online callback not invoked after reconnect")
	}
}

func TestFailedReconnects_BackOffExponentially(t *testing.T) {
	refused := goerrors.New("connection refused")
	transport := &fakeTransport{failures: []error{refused, refused, refused}}
	cm, sched := newTestManager(t, transport, new(mocks.MockRemoteStore), nil)

	require.Error(t, cm.Connect(context.Background()))
	assert.Equal(t, 1000*time.Millisecond, sched.lastDelay())
	assert.Equal(t, "connection refused", cm.State().LastError)

	sched.fire(t)
	assert.Equal(t, 1, cm.State().ReconnectCount)
	assert.Equal(t, 2000*time.Millisecond, sched.lastDelay())

	sched.fire(t)
	assert.Equal(t, 2, cm.State().ReconnectCount)
	assert.Equal(t, 4000*time.Millisecond, sched.lastDelay())

	sched.fire(t)
	assert.True(t, cm.IsConnected())
	assert.Equal(t, 0, cm.State().ReconnectCount)
	assert.Empty(t, cm.State().LastError)
	assert.Equal(t, 4, transport.connects)
}

func TestHeartbeatFailure_ForcesReconnect(t *testing.T) {
	transport := &fakeTransport{}
	remote := new(mocks.MockRemoteStore)
	cm, sched := newTestManager(t, transport, remote, nil)

	remote.On("Query", mock.Anything, "user_profiles", store.Filter{Limit: 1}).
		Return(&store.QueryResult{}, nil).Once()
	remote.On("Query", mock.Anything, "user_profiles", store.Filter{Limit: 1}).
		Return(nil, goerrors.New("socket silently dead"))

	require.NoError(t, cm.Connect(context.Background()))

	require.NoError(t, cm.checkHeartbeat(context.Background()))
	assert.True(t, cm.IsConnected())

	require.Error(t, cm.checkHeartbeat(context.Background()))
	state := cm.State()
	assert.False(t, state.Connected)
	assert.Equal(t, model.ChannelClosed, state.Status)
	assert.Equal(t, "socket silently dead", state.LastError)
	assert.Equal(t, time.Second, sched.lastDelay())
	assert.Equal(t, 1, transport.closes)
}

func TestSubscribe_ReplacesSameID(t *testing.T) {
	transport := &fakeTransport{}
	remote := new(mocks.MockRemoteStore)
	cm, sched := newTestManager(t, transport, remote, nil)

	var firstClosed, secondClosed, thirdClosed int32
	spec := model.SubscriptionSpec{Table: "cupping_records", Event: model.EventAll, Filter: map[string]string{"user_id": "u1"}}
	remote.On("Subscribe", mock.Anything, "records", spec, mock.Anything).
		Return(func() { atomic.AddInt32(&firstClosed, 1) }, nil).Once()
	remote.On("Subscribe", mock.Anything, "records", spec, mock.Anything).
		Return(func() { atomic.AddInt32(&secondClosed, 1) }, nil).Once()
	remote.On("Subscribe", mock.Anything, "records", spec, mock.Anything).
		Return(func() { atomic.AddInt32(&thirdClosed, 1) }, nil)

	require.NoError(t, cm.Connect(context.Background()))
	handler := func(model.Change) {}

	require.NoError(t, cm.Subscribe(context.Background(), "records", spec, handler))
	require.NoError(t, cm.Subscribe(context.Background(), "records", spec, handler))
	assert.Equal(t, int32(1), atomic.LoadInt32(&firstClosed))
	assert.Equal(t, []string{"records"}, cm.Subscriptions())

	transport.drop(goerrors.New("network lost"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&secondClosed))

	sched.fire(t)
	remote.AssertNumberOfCalls(t, "Subscribe", 3)

	cm.Unsubscribe("records")
	assert.Equal(t, int32(1), atomic.LoadInt32(&thirdClosed))
	assert.Empty(t, cm.Subscriptions())
}

func TestSubscribe_WhileOfflineActivatesOnOpen(t *testing.T) {
	remote := new(mocks.MockRemoteStore)
	cm, _ := newTestManager(t, &fakeTransport{}, remote, nil)

	spec := model.SubscriptionSpec{Table: "user_achievements", Event: model.EventInsert}
	remote.On("Subscribe", mock.Anything, "achievements", spec, mock.Anything).Return(func() {}, nil)

	require.NoError(t, cm.Subscribe(context.Background(), "achievements", spec, func(model.Change) {}))
	remote.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	require.NoError(t, cm.Connect(context.Background()))
	remote.AssertNumberOfCalls(t, "Subscribe", 1)
}

func TestDisconnect_StopsReconnecting(t *testing.T) {
	transport := &fakeTransport{failures: []error{goerrors.New("refused")}}
	cm, sched := newTestManager(t, transport, new(mocks.MockRemoteStore), nil)

	require.Error(t, cm.Connect(context.Background()))
	cm.Disconnect()

	assert.Equal(t, 1, sched.stopped)
	assert.Equal(t, model.ChannelClosed, cm.State().Status)
	assert.Equal(t, 1, transport.connects)
}

func TestRemoteTransport_ProbesTable(t *testing.T) {
	remote := new(mocks.MockRemoteStore)
	remote.On("Query", mock.Anything, "user_profiles", store.Filter{Limit: 1}).Return(nil, goerrors.New("offline")).Once()
	remote.On("Query", mock.Anything, "user_profiles", store.Filter{Limit: 1}).Return(&store.QueryResult{}, nil)

	transport := NewRemoteTransport(remote, "user_profiles")
	assert.Error(t, transport.Connect(context.Background(), nil))
	assert.NoError(t, transport.Connect(context.Background(), nil))
	assert.NoError(t, transport.Close())
}
