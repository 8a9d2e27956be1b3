package migration

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"testing"
	"time"

	"github.com/cupnote/cupsync/internal/errors"
	"github.com/cupnote/cupsync/internal/metrics"
	"github.com/cupnote/cupsync/internal/model"
	"github.com/cupnote/cupsync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRunner(t *testing.T, kv store.KeyValueStore) *Runner {
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test-device")
	return NewRunner(kv, m, zap.NewNop())
}

type recorder struct {
	ran []int
}

func (r *recorder) body(version int, err error) Body {
	return func(context.Context) error {
		r.ran = append(r.ran, version)
		return err
	}
}

func info(version int, deps ...int) model.MigrationInfo {
	return model.MigrationInfo{Version: version, Name: "m", Dependencies: deps}
}

func versions(infos []model.MigrationInfo) []int {
	out := make([]int, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.Version)
	}
	return out
}

func TestGetPendingMigrations_DependencyOrder(t *testing.T) {
	r := newTestRunner(t, store.NewMemoryStore())
	rec := &recorder{}

	require.NoError(t, r.Register(info(3, 1, 2), rec.body(3, nil)))
	require.NoError(t, r.Register(info(1), rec.body(1, nil)))
	require.NoError(t, r.Register(info(2, 1), rec.body(2, nil)))

	assert.Equal(t, []int{1, 2, 3}, versions(r.GetPendingMigrations()))
}

func TestCatalog_VersionOrderIncludesCompleted(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, store.NewMemoryStore())
	rec := &recorder{}

	require.NoError(t, r.Register(info(2, 1), rec.body(2, nil)))
	require.NoError(t, r.Register(info(1), rec.body(1, nil)))

	_, err := r.RunMigrations(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, versions(r.Catalog()))
	assert.Empty(t, r.GetPendingMigrations())
}

func TestOnRunComplete(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, store.NewMemoryStore())
	rec := &recorder{}

	require.NoError(t, r.Register(info(1), rec.body(1, nil)))
	require.NoError(t, r.Register(info(2, 1), rec.body(2, goerrors.New("disk full"))))

	var reports []model.MigrationReport
	remove := r.OnRunComplete(func(report model.MigrationReport) {
		assert.False(t, r.State().InProgress)
		reports = append(reports, report)
	})

	_, err := r.RunMigrations(ctx, RunOptions{})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].Completed)
	assert.Equal(t, 1, reports[0].Failed)

	remove()
	_, err = r.RunMigrations(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestGetPendingMigrations_TiesByVersion(t *testing.T) {
	r := newTestRunner(t, store.NewMemoryStore())
	rec := &recorder{}

	require.NoError(t, r.Register(info(5, 2), rec.body(5, nil)))
	require.NoError(t, r.Register(info(4), rec.body(4, nil)))
	require.NoError(t, r.Register(info(2), rec.body(2, nil)))
	require.NoError(t, r.Register(info(3, 2), rec.body(3, nil)))

	assert.Equal(t, []int{2, 3, 4, 5}, versions(r.GetPendingMigrations()))
}

func TestRegister_Rejects(t *testing.T) {
	r := newTestRunner(t, store.NewMemoryStore())
	noop := func(context.Context) error { return nil }

	require.NoError(t, r.Register(info(1), noop))

	tests := []struct {
		name string
		info model.MigrationInfo
		body Body
	}{
		{"duplicate", info(1), noop},
		{"self dependency", info(2, 2), noop},
		{"forward dependency", info(2, 3), noop},
		{"zero version", info(0), noop},
		{"missing body", info(4), nil},
		{"missing name", model.MigrationInfo{Version: 5}, noop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.info, tt.body)
			assert.Equal(t, errors.KindValidation, errors.GetKind(err))
		})
	}
}

func TestRunMigrations_RunsOnceAndPersists(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	r := newTestRunner(t, kv)
	rec := &recorder{}

	require.NoError(t, r.Register(info(2, 1), rec.body(2, nil)))
	require.NoError(t, r.Register(info(1), rec.body(1, nil)))

	report, err := r.RunMigrations(ctx, RunOptions{})
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 2, report.TargetVersion)
	assert.Equal(t, []int{1, 2}, rec.ran)

	state := r.State()
	assert.Equal(t, 2, state.CurrentVersion)
	assert.Equal(t, []int{1, 2}, state.CompletedMigrations)
	assert.False(t, state.InProgress)

	again, err := r.RunMigrations(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, again.Results)
	assert.Empty(t, r.GetPendingMigrations())
	assert.Equal(t, []int{1, 2}, rec.ran)

	restored := newTestRunner(t, kv)
	require.NoError(t, restored.Register(info(1), rec.body(1, nil)))
	require.NoError(t, restored.Register(info(2, 1), rec.body(2, nil)))
	require.NoError(t, restored.Load(ctx))
	assert.Empty(t, restored.GetPendingMigrations())
}

func TestRunMigrations_BreakingNeedsConfirmation(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, store.NewMemoryStore())
	rec := &recorder{}

	breaking := info(2, 1)
	breaking.Breaking = true
	require.NoError(t, r.Register(info(1), rec.body(1, nil)))
	require.NoError(t, r.Register(breaking, rec.body(2, nil)))

	report, err := r.RunMigrations(ctx, RunOptions{ForceBreaking: false})
	assert.Nil(t, report)
	assert.Equal(t, errors.ErrCodeBreakingMigration, errors.GetCode(err))
	assert.Empty(t, rec.ran)
	assert.Len(t, r.GetPendingMigrations(), 2)

	report, err = r.RunMigrations(ctx, RunOptions{SkipUserConfirmation: true})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, []int{1, 2}, rec.ran)
}

func TestRunMigrations_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	r := newTestRunner(t, kv)
	rec := &recorder{}

	require.NoError(t, r.Register(info(1), rec.body(1, nil)))
	require.NoError(t, r.Register(info(2, 1), rec.body(2, goerrors.New("profile insert rejected"))))
	require.NoError(t, r.Register(info(3), rec.body(3, nil)))
	require.NoError(t, r.Register(info(4, 2), rec.body(4, nil)))

	report, err := r.RunMigrations(ctx, RunOptions{})
	require.NoError(t, err)

	assert.False(t, report.OK())
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []int{1, 2}, rec.ran)

	require.Len(t, report.Results, 4)
	assert.Equal(t, model.MigrationStatusCompleted, report.Results[0].Status)
	assert.Equal(t, model.MigrationStatusFailed, report.Results[1].Status)
	assert.Contains(t, report.Results[1].Error, "profile insert rejected")
	assert.Equal(t, model.MigrationStatusSkipped, report.Results[2].Status)
	assert.Equal(t, model.MigrationStatusSkipped, report.Results[3].Status)

	data, err := kv.Get(ctx, store.KeyMigrationState)
	require.NoError(t, err)
	var persisted model.MigrationState
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, []int{1}, persisted.CompletedMigrations)
	assert.Equal(t, 1, persisted.CurrentVersion)
	assert.False(t, persisted.InProgress)
}

func TestRunMigrations_UnsatisfiedDependencyIsFatal(t *testing.T) {
	r := newTestRunner(t, store.NewMemoryStore())
	rec := &recorder{}

	// Version 1 is never registered, so 2 can never have its dependency met.
	require.NoError(t, r.Register(info(2, 1), rec.body(2, nil)))
	require.NoError(t, r.Register(info(3), rec.body(3, nil)))

	report, err := r.RunMigrations(context.Background(), RunOptions{})
	require.NoError(t, err)

	require.Len(t, report.Results, 2)
	assert.Equal(t, model.MigrationStatusFailed, report.Results[0].Status)
	assert.Contains(t, report.Results[0].Error, "depends on")
	assert.Equal(t, model.MigrationStatusSkipped, report.Results[1].Status)
	assert.Empty(t, rec.ran)
}

func TestRunMigrations_SingleFlight(t *testing.T) {
	r := newTestRunner(t, store.NewMemoryStore())
	started := make(chan struct{})
	release := make(chan struct{})

	require.NoError(t, r.Register(info(1), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := r.RunMigrations(context.Background(), RunOptions{})
		done <- err
	}()
	<-started

	_, err := r.RunMigrations(context.Background(), RunOptions{})
	assert.Equal(t, errors.ErrCodeMigrationInProgress, errors.GetCode(err))
	assert.True(t, r.State().InProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestLoad_CorruptStateIsError(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	require.NoError(t, kv.Set(ctx, store.KeyMigrationState, []byte("not json")))

	err := newTestRunner(t, kv).Load(ctx)
	assert.Equal(t, errors.ErrCodeCorruptedData, errors.GetCode(err))
}

func TestCanUseApp(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	r := newTestRunner(t, store.NewMemoryStore())

	future := info(1)
	future.Deadline = now.Add(24 * time.Hour)
	require.NoError(t, r.Register(future, func(context.Context) error { return nil }))
	assert.True(t, r.CanUseApp(now))

	past := info(2)
	past.Deadline = now.Add(-time.Hour)
	require.NoError(t, r.Register(past, func(context.Context) error { return nil }))
	assert.False(t, r.CanUseApp(now))

	_, err := r.RunMigrations(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.True(t, r.CanUseApp(now))
}
