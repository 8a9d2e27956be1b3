package migration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cupnote/cupsync/internal/mocks"
	"github.com/cupnote/cupsync/internal/model"
	"github.com/cupnote/cupsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	validated int
	cleared   int
}

func (c *fakeCache) ValidateIntegrity(context.Context) bool {
	c.validated++
	return false
}

func (c *fakeCache) ClearAll(context.Context) error {
	c.cleared++
	return nil
}

type fakeQueue struct {
	items []model.QueueItem
}

func (q *fakeQueue) Retain(_ context.Context, keep func(model.QueueItem) bool) (int, error) {
	kept := q.items[:0]
	for _, item := range q.items {
		if keep(item) {
			kept = append(kept, item)
		}
	}
	removed := len(q.items) - len(kept)
	q.items = kept
	return removed, nil
}

func TestDefaultCatalog(t *testing.T) {
	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	require.Len(t, catalog, 4)

	assert.Equal(t, "init_cache_metadata", catalog[0].Name)
	assert.Equal(t, time.Second, catalog[0].EstimatedDuration)
	assert.Equal(t, []int{1}, catalog[1].Dependencies)
	assert.True(t, catalog[3].Breaking)
	assert.Equal(t, []int{1, 3}, catalog[3].Dependencies)
	assert.Equal(t, 2027, catalog[3].Deadline.Year())
}

func TestLoadCatalog_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
migrations:
  - version: 7
    name: custom
    estimated_duration: 250ms
    dependencies: []
`), 0o644))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, catalog, 1)
	assert.Equal(t, 7, catalog[0].Version)
	assert.Equal(t, 250*time.Millisecond, catalog[0].EstimatedDuration)

	_, err = ParseCatalog([]byte("migrations: []"))
	assert.Error(t, err)
}

func TestRegisterCatalog_RequiresBodies(t *testing.T) {
	r := newTestRunner(t, store.NewMemoryStore())
	catalog := []model.MigrationInfo{info(1), info(2, 1)}

	err := RegisterCatalog(r, catalog, map[int]Body{1: func(context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestBuiltins_FullRun(t *testing.T) {
	ctx := context.Background()
	c := &fakeCache{}
	q := &fakeQueue{items: []model.QueueItem{
		{ID: "keep", Table: "tasting_records", Operation: model.OperationUpdate, Payload: model.Row{"id": "r1"}},
		{ID: "drop", Table: "tasting_records", Operation: model.OperationDelete, Payload: model.Row{}},
	}}
	remote := new(mocks.MockRemoteStore)
	remote.On("CurrentUser", mock.Anything).Return(&model.UserContext{ID: "u1", Email: "barista@example.com"}, nil)
	remote.On("Query", mock.Anything, "user_profiles", store.Filter{Eq: map[string]interface{}{"id": "u1"}, CountOnly: true}).
		Return(&store.QueryResult{Count: 0}, nil)
	remote.On("Insert", mock.Anything, "user_profiles", model.Row{"id": "u1", "email": "barista@example.com"}).
		Return(model.Row{"id": "u1"}, nil)

	catalog, err := DefaultCatalog()
	require.NoError(t, err)

	r := newTestRunner(t, store.NewMemoryStore())
	require.NoError(t, RegisterCatalog(r, catalog, Bodies(Env{Cache: c, Queue: q, Remote: remote})))

	report, err := r.RunMigrations(ctx, RunOptions{ForceBreaking: true})
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 4, report.Completed)

	assert.Equal(t, 1, c.validated)
	assert.Equal(t, 1, c.cleared)
	require.Len(t, q.items, 1)
	assert.Equal(t, "keep", q.items[0].ID)
	remote.AssertExpectations(t)
}

func TestEnsureProfile_ExistingProfileIsLeftAlone(t *testing.T) {
	remote := new(mocks.MockRemoteStore)
	remote.On("CurrentUser", mock.Anything).Return(&model.UserContext{ID: "u1"}, nil)
	remote.On("Query", mock.Anything, "user_profiles", mock.Anything).Return(&store.QueryResult{Count: 1}, nil)

	require.NoError(t, ensureProfile(context.Background(), remote))
	remote.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything, mock.Anything)
}
