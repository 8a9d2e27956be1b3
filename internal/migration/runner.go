package migration

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
	"go.uber.org/zap"
)

// Body is the version-specific work of one migration
type Body func(ctx context.Context) error

// RunOptions are the confirmation overrides for breaking migrations
type RunOptions struct {
	ForceBreaking        bool
	SkipUserConfirmation bool
}

type registered struct {
	info model.MigrationInfo
	body Body
}

// Runner applies catalog migrations at most once each, in dependency order.
// It owns the migration_state key.
type Runner struct {
	kv      store.KeyValueStore
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	catalog map[int]*registered
	state   model.MigrationState
	running bool
	now     func() time.Time

	completions *util.Listeners[model.MigrationReport]
}

// NewRunner creates a runner with an empty catalog and fresh state
func NewRunner(kv store.KeyValueStore, m *metrics.Metrics, logger *zap.Logger) *Runner {
	return &Runner{
		kv:      kv,
		metrics: m,
		logger:  logger,
		catalog: make(map[int]*registered),
		state:   model.MigrationState{CompletedMigrations: []int{}},
		now:     time.Now,

		completions: util.NewListeners[model.MigrationReport](),
	}
}

// OnRunComplete registers fn to be called after every batch that ran, whether or
// not it succeeded. It returns a function that removes fn.
func (r *Runner) OnRunComplete(fn func(model.MigrationReport)) func() {
	return r.completions.Add(fn)
}

// Register adds a catalog entry with its body
func (r *Runner) Register(info model.MigrationInfo, body Body) error {
	if info.Version <= 0 {
		return errors.ValidationFailed("version", "migration version must be positive")
	}
	if info.Name == "" {
		return errors.ValidationFailed("name", fmt.Sprintf("migration %d has no name", info.Version))
	}
	if body == nil {
		return errors.ValidationFailed("body", fmt.Sprintf("migration %d has no body", info.Version))
	}
	for _, dep := range info.Dependencies {
		if dep >= info.Version {
			return errors.ValidationFailed("dependencies",
				fmt.Sprintf("migration %d depends on %d, dependencies must have lower versions", info.Version, dep))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.catalog[info.Version]; exists {
		return errors.ValidationFailed("version", fmt.Sprintf("migration %d is already registered", info.Version))
	}
	info.Dependencies = append([]int(nil), info.Dependencies...)
	r.catalog[info.Version] = &registered{info: info, body: body}
	return nil
}

// Load restores persisted migration state.
// An absent key is a first run; unreadable state is an error since guessing
// could run migrations twice.
func (r *Runner) Load(ctx context.Context) error {
	data, err := r.kv.Get(ctx, store.KeyMigrationState)
	if goerrors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.StorageFailure(store.KeyMigrationState, err)
	}

	var state model.MigrationState
	if err := json.Unmarshal(data, &state); err != nil {
		return errors.CorruptedData("failed to decode migration state", err)
	}
	if state.CompletedMigrations == nil {
		state.CompletedMigrations = []int{}
	}
	// A crash mid-run leaves the flag set; completed versions are still accurate.
	state.InProgress = false

	r.mu.Lock()
	r.state = state
	r.mu.Unlock()

	r.logger.Info("Migration state restored",
		zap.Int("current_version", state.CurrentVersion),
		zap.Int("completed", len(state.CompletedMigrations)))
	return nil
}

// State returns a copy of the migration state
func (r *Runner) State() model.MigrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyState(r.state)
}

// Catalog returns every registered migration in version order
func (r *Runner) Catalog() []model.MigrationInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.MigrationInfo, 0, len(r.catalog))
	for _, reg := range r.catalog {
		out = append(out, reg.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// GetPendingMigrations returns uncompleted migrations ordered so each follows
// its dependencies, breaking ties by ascending version
func (r *Runner) GetPendingMigrations() []model.MigrationInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingLocked()
}

// RunMigrations executes pending migrations in order and stops at the first failure.
// Gate violations (a run already in progress, unconfirmed breaking migrations)
// are returned as errors; failures inside the batch are reported per migration.
func (r *Runner) RunMigrations(ctx context.Context, opts RunOptions) (*model.MigrationReport, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, errors.MigrationInProgress()
	}

	pending := r.pendingLocked()
	if len(pending) == 0 {
		report := &model.MigrationReport{TargetVersion: r.state.CurrentVersion, Results: []model.MigrationResult{}}
		r.mu.Unlock()
		return report, nil
	}

	if !opts.ForceBreaking && !opts.SkipUserConfirmation {
		var breaking []int
		for _, info := range pending {
			if info.Breaking {
				breaking = append(breaking, info.Version)
			}
		}
		if len(breaking) > 0 {
			r.mu.Unlock()
			return nil, errors.BreakingMigrationRequiresConfirmation(breaking)
		}
	}

	target := 0
	for _, info := range pending {
		if info.Version > target {
			target = info.Version
		}
	}

	r.running = true
	r.state.InProgress = true
	r.state.TargetVersion = target
	bodies := make(map[int]Body, len(pending))
	for _, info := range pending {
		bodies[info.Version] = r.catalog[info.Version].body
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	var persistErr error
	if err := r.persist(ctx); err != nil {
		persistErr = err
	}

	report := &model.MigrationReport{TargetVersion: target, Results: make([]model.MigrationResult, 0, len(pending))}
	halted := false

	for _, info := range pending {
		result := model.MigrationResult{Version: info.Version, Name: info.Name}

		if halted {
			result.Status = model.MigrationStatusSkipped
			report.Results = append(report.Results, result)
			continue
		}

		if err := r.checkDependencies(info); err != nil {
			result.Status = model.MigrationStatusFailed
			result.Error = err.Error()
			report.Results = append(report.Results, result)
			report.Failed++
			halted = true
			r.metrics.RecordMigration(false)
			r.logger.Error("Migration dependency not satisfied",
				zap.Int("version", info.Version),
				zap.String("name", info.Name),
				zap.Error(err))
			continue
		}

		r.logger.Info("Running migration",
			zap.Int("version", info.Version),
			zap.String("name", info.Name),
			zap.Duration("estimated_duration", info.EstimatedDuration))

		start := r.now()
		err := bodies[info.Version](ctx)
		result.Duration = r.now().Sub(start)

		if err != nil {
			wrapped := errors.MigrationFailed(info.Version, info.Name, err)
			result.Status = model.MigrationStatusFailed
			result.Error = wrapped.Error()
			report.Results = append(report.Results, result)
			report.Failed++
			halted = true
			r.metrics.RecordMigration(false)
			r.logger.Error("Migration failed, halting batch",
				zap.Int("version", info.Version),
				zap.String("name", info.Name),
				zap.Error(err))
			continue
		}

		r.mu.Lock()
		r.state.CompletedMigrations = append(r.state.CompletedMigrations, info.Version)
		if info.Version > r.state.CurrentVersion {
			r.state.CurrentVersion = info.Version
		}
		r.mu.Unlock()

		if err := r.persist(ctx); err != nil && persistErr == nil {
			persistErr = err
		}

		result.Status = model.MigrationStatusCompleted
		report.Results = append(report.Results, result)
		report.Completed++
		r.metrics.RecordMigration(true)
		r.logger.Info("Migration completed",
			zap.Int("version", info.Version),
			zap.String("name", info.Name),
			zap.Duration("duration", result.Duration))
	}

	r.mu.Lock()
	r.state.InProgress = false
	r.mu.Unlock()
	if err := r.persist(ctx); err != nil && persistErr == nil {
		persistErr = err
	}

	r.completions.Notify(*report)

	if persistErr != nil {
		r.logger.Warn("Failed to persist migration state", zap.Error(persistErr))
		return report, persistErr
	}
	return report, nil
}

// CanUseApp is false while any pending migration is past its deadline
func (r *Runner) CanUseApp(now time.Time) bool {
	for _, info := range r.GetPendingMigrations() {
		if !info.Deadline.IsZero() && now.After(info.Deadline) {
			return false
		}
	}
	return true
}

func (r *Runner) checkDependencies(info model.MigrationInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dep := range info.Dependencies {
		if !r.state.IsCompleted(dep) {
			return errors.MigrationDependency(info.Version, dep)
		}
	}
	return nil
}

// pendingLocked must be called with r.mu held
func (r *Runner) pendingLocked() []model.MigrationInfo {
	pending := make(map[int]model.MigrationInfo)
	for version, reg := range r.catalog {
		if !r.state.IsCompleted(version) {
			pending[version] = reg.info
		}
	}

	// Kahn's algorithm over edges between pending migrations only; completed
	// dependencies are already satisfied.
	indegree := make(map[int]int, len(pending))
	dependents := make(map[int][]int, len(pending))
	for version := range pending {
		indegree[version] = 0
	}
	for version, info := range pending {
		for _, dep := range info.Dependencies {
			if _, ok := pending[dep]; ok {
				indegree[version]++
				dependents[dep] = append(dependents[dep], version)
			}
		}
	}

	var ready []int
	for version, n := range indegree {
		if n == 0 {
			ready = append(ready, version)
		}
	}

	ordered := make([]model.MigrationInfo, 0, len(pending))
	for len(ready) > 0 {
		sort.Ints(ready)
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, pending[next])

		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return ordered
}

func (r *Runner) persist(ctx context.Context) error {
	r.mu.Lock()
	state := copyState(r.state)
	r.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return errors.Internal("failed to encode migration state", err)
	}
	if err := r.kv.Set(ctx, store.KeyMigrationState, data); err != nil {
		return errors.StorageFailure(store.KeyMigrationState, err)
	}
	return nil
}

func copyState(s model.MigrationState) model.MigrationState {
	s.CompletedMigrations = append([]int{}, s.CompletedMigrations...)
	return s
}
