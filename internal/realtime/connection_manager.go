package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/cupnote/cupsync/internal/metrics"
	"github.com/cupnote/cupsync/internal/model"
	"github.com/cupnote/cupsync/internal/store"
	"github.com/cupnote/cupsync/internal/util"
	"go.uber.org/zap"
)

// ConnectionConfig holds realtime connection configuration
type ConnectionConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTable     string
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// ReconnectDelay returns min(base * 2^attempt, max)
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

type subscription struct {
	spec        model.SubscriptionSpec
	handler     store.ChangeHandler
	unsubscribe func()
}

// stopFunc cancels a scheduled callback, reporting whether it was still pending
type stopFunc func() bool

// ConnectionManager drives the realtime channel state machine:
// CLOSED -> CONNECTING -> OPEN, OPEN -> CLOSED on drop, and perpetual
// exponential-backoff reconnects while not explicitly disconnected.
type ConnectionManager struct {
	config    *ConnectionConfig
	transport Transport
	remote    store.RemoteStore
	onOnline  func(context.Context)
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu            sync.Mutex
	state         model.ConnectionState
	subs          map[string]*subscription
	heartbeatStop chan struct{}
	reconnect     stopFunc
	disconnected  bool

	listeners *util.Listeners[model.ConnectionState]
	afterFunc func(time.Duration, func()) stopFunc
	now       func() time.Time
}

// NewConnectionManager creates a manager in the CLOSED state.
// onOnline is invoked in its own goroutine after every successful open.
func NewConnectionManager(
	cfg *ConnectionConfig,
	transport Transport,
	remote store.RemoteStore,
	onOnline func(context.Context),
	m *metrics.Metrics,
	logger *zap.Logger,
) *ConnectionManager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTable == "" {
		cfg.HeartbeatTable = "user_profiles"
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}

	return &ConnectionManager{
		config:    cfg,
		transport: transport,
		remote:    remote,
		onOnline:  onOnline,
		metrics:   m,
		logger:    logger,
		state:     model.ConnectionState{Status: model.ChannelClosed},
		subs:      make(map[string]*subscription),
		listeners: util.NewListeners[model.ConnectionState](),
		afterFunc: func(d time.Duration, fn func()) stopFunc {
			return time.AfterFunc(d, fn).Stop
		},
		now: time.Now,
	}
}

// SetOnOnline replaces the online callback. It may be called at any time; the
// callback in place when the channel opens is the one invoked.
func (cm *ConnectionManager) SetOnOnline(fn func(context.Context)) {
	cm.mu.Lock()
	cm.onOnline = fn
	cm.mu.Unlock()
}

// Connect opens the channel. A failed attempt schedules a reconnect and is returned.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	cm.disconnected = false
	if cm.state.Status == model.ChannelConnecting || cm.state.Status == model.ChannelOpen {
		cm.mu.Unlock()
		return nil
	}
	if cm.reconnect != nil {
		cm.reconnect()
		cm.reconnect = nil
	}
	cm.state.Status = model.ChannelConnecting
	cm.state.Connected = false
	snapshot := cm.state
	cm.mu.Unlock()

	cm.listeners.Notify(snapshot)

	if err := cm.transport.Connect(ctx, cm.handleDown); err != nil {
		cm.logger.Warn("Realtime connect failed", zap.Error(err))
		cm.handleDown(err)
		return err
	}

	cm.handleOpen(ctx)
	return nil
}

// Disconnect closes the channel and stops reconnecting until the next Connect.
// Registered subscriptions are kept and re-established on the next open.
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	cm.disconnected = true
	if cm.reconnect != nil {
		cm.reconnect()
		cm.reconnect = nil
	}
	cm.stopHeartbeatLocked()
	cm.state.Status = model.ChannelClosing
	cm.state.Connected = false
	unsubs := cm.detachSubscriptionsLocked()
	closing := cm.state
	cm.mu.Unlock()

	cm.listeners.Notify(closing)
	for _, unsub := range unsubs {
		unsub()
	}

	if err := cm.transport.Close(); err != nil {
		cm.logger.Debug("Realtime transport close failed", zap.Error(err))
	}

	cm.mu.Lock()
	cm.state.Status = model.ChannelClosed
	closed := cm.state
	cm.mu.Unlock()

	cm.metrics.SetConnected(false)
	cm.listeners.Notify(closed)
	cm.logger.Info("Realtime channel disconnected")
}

// Subscribe registers a change subscription under id, replacing any previous one.
// While the channel is down the registration is kept and activated on the next open.
func (cm *ConnectionManager) Subscribe(ctx context.Context, id string, spec model.SubscriptionSpec, handler store.ChangeHandler) error {
	sub := &subscription{spec: spec, handler: handler}

	cm.mu.Lock()
	var previous func()
	if old, ok := cm.subs[id]; ok {
		previous = old.unsubscribe
		old.unsubscribe = nil
	}
	cm.subs[id] = sub
	connected := cm.state.Connected
	cm.mu.Unlock()

	if previous != nil {
		previous()
		cm.logger.Debug("Replaced realtime subscription", zap.String("subscription_id", id))
	}

	if !connected {
		return nil
	}
	return cm.activate(ctx, id, sub)
}

// Unsubscribe removes the subscription registered under id
func (cm *ConnectionManager) Unsubscribe(id string) {
	cm.mu.Lock()
	sub, ok := cm.subs[id]
	delete(cm.subs, id)
	cm.mu.Unlock()

	if ok && sub.unsubscribe != nil {
		sub.unsubscribe()
	}
}

// Subscriptions returns the registered subscription ids
func (cm *ConnectionManager) Subscriptions() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	ids := make([]string, 0, len(cm.subs))
	for id := range cm.subs {
		ids = append(ids, id)
	}
	return ids
}

// State returns a copy of the connection state
func (cm *ConnectionManager) State() model.ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected reports whether the channel is OPEN
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state.Connected
}

// OnStateChange registers fn for every state transition
func (cm *ConnectionManager) OnStateChange(fn func(model.ConnectionState)) func() {
	return cm.listeners.Add(fn)
}

func (cm *ConnectionManager) handleOpen(ctx context.Context) {
	cm.mu.Lock()
	if cm.disconnected {
		cm.mu.Unlock()
		_ = cm.transport.Close()
		return
	}

	now := cm.now()
	cm.state.Status = model.ChannelOpen
	cm.state.Connected = true
	cm.state.LastConnected = &now
	cm.state.LastError = ""
	cm.state.ReconnectCount = 0
	cm.startHeartbeatLocked()

	pending := make(map[string]*subscription, len(cm.subs))
	for id, sub := range cm.subs {
		if sub.unsubscribe == nil {
			pending[id] = sub
		}
	}
	snapshot := cm.state
	onOnline := cm.onOnline
	cm.mu.Unlock()

	cm.metrics.SetConnected(true)
	cm.listeners.Notify(snapshot)
	cm.logger.Info("Realtime channel open", zap.Int("subscriptions", len(pending)))

	for id, sub := range pending {
		if err := cm.activate(ctx, id, sub); err != nil {
			cm.logger.Warn("Failed to re-establish subscription",
				zap.String("subscription_id", id),
				zap.Error(err))
		}
	}

	if onOnline != nil {
		go onOnline(context.Background())
	}
}

// handleDown moves to CLOSED and schedules a reconnect.
// The delay uses the count before this failure; the count increments when the attempt fires.
func (cm *ConnectionManager) handleDown(cause error) {
	cm.mu.Lock()
	if cm.disconnected {
		cm.mu.Unlock()
		return
	}

	cm.stopHeartbeatLocked()
	cm.state.Status = model.ChannelClosed
	cm.state.Connected = false
	if cause != nil {
		cm.state.LastError = cause.Error()
	}
	unsubs := cm.detachSubscriptionsLocked()

	var delay time.Duration
	scheduled := false
	if cm.reconnect == nil {
		delay = ReconnectDelay(cm.state.ReconnectCount, cm.config.ReconnectBaseDelay, cm.config.ReconnectMaxDelay)
		cm.reconnect = cm.afterFunc(delay, cm.attemptReconnect)
		scheduled = true
	}
	snapshot := cm.state
	cm.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	cm.metrics.SetConnected(false)
	cm.listeners.Notify(snapshot)

	if scheduled {
		cm.logger.Info("Realtime channel closed, reconnect scheduled",
			zap.Duration("delay", delay),
			zap.Int("reconnect_count", snapshot.ReconnectCount),
			zap.String("error", snapshot.LastError))
	}
}

func (cm *ConnectionManager) attemptReconnect() {
	cm.mu.Lock()
	cm.reconnect = nil
	if cm.disconnected {
		cm.mu.Unlock()
		return
	}
	cm.state.ReconnectCount++
	attempt := cm.state.ReconnectCount
	cm.mu.Unlock()

	cm.metrics.ReconnectAttemptsTotal.Inc()
	cm.logger.Debug("Attempting realtime reconnect", zap.Int("attempt", attempt))

	ctx, cancel := context.WithTimeout(context.Background(), cm.config.ReconnectMaxDelay)
	defer cancel()
	_ = cm.Connect(ctx)
}

// checkHeartbeat issues a no-op read; a failure forces the channel down
func (cm *ConnectionManager) checkHeartbeat(ctx context.Context) error {
	if !cm.IsConnected() {
		return nil
	}

	_, err := cm.remote.Query(ctx, cm.config.HeartbeatTable, store.Filter{Limit: 1})
	if err == nil {
		return nil
	}

	cm.metrics.HeartbeatFailuresTotal.Inc()
	cm.logger.Warn("Realtime heartbeat failed", zap.Error(err))

	// Close first so the transport does not report the same drop again.
	if closeErr := cm.transport.Close(); closeErr != nil {
		cm.logger.Debug("Realtime transport close failed", zap.Error(closeErr))
	}
	cm.handleDown(err)
	return err
}

// startHeartbeatLocked must be called with cm.mu held
func (cm *ConnectionManager) startHeartbeatLocked() {
	cm.stopHeartbeatLocked()
	stop := make(chan struct{})
	cm.heartbeatStop = stop
	interval := cm.config.HeartbeatInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				_ = cm.checkHeartbeat(ctx)
				cancel()
			}
		}
	}()
}

// stopHeartbeatLocked must be called with cm.mu held
func (cm *ConnectionManager) stopHeartbeatLocked() {
	if cm.heartbeatStop != nil {
		close(cm.heartbeatStop)
		cm.heartbeatStop = nil
	}
}

// detachSubscriptionsLocked must be called with cm.mu held.
// It returns the active unsubscribe funcs so they can run outside the lock.
func (cm *ConnectionManager) detachSubscriptionsLocked() []func() {
	var unsubs []func()
	for _, sub := range cm.subs {
		if sub.unsubscribe != nil {
			unsubs = append(unsubs, sub.unsubscribe)
			sub.unsubscribe = nil
		}
	}
	return unsubs
}

func (cm *ConnectionManager) activate(ctx context.Context, id string, sub *subscription) error {
	unsub, err := cm.remote.Subscribe(ctx, id, sub.spec, sub.handler)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	current, ok := cm.subs[id]
	live := ok && current == sub && cm.state.Connected
	if live {
		sub.unsubscribe = unsub
	}
	cm.mu.Unlock()

	if !live {
		// Replaced or torn down while subscribing.
		unsub()
		return nil
	}

	cm.logger.Debug("Realtime subscription active",
		zap.String("subscription_id", id),
		zap.String("table", sub.spec.Table))
	return nil
}
