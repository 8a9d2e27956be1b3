package orchestrator

import (
	"context"
	"testing"

	"github.com/cupnote/cupsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeSubscriptions(t *testing.T) {
	f := newFixture(t)

	subs := f.orch.ChangeSubscriptions("u1")
	require.Len(t, subs, 4)
	spec := subs["changes:records"]
	assert.Equal(t, "tasting_records", spec.Table)
	assert.Equal(t, model.EventAll, spec.Event)
	assert.Equal(t, map[string]string{"user_id": "u1"}, spec.Filter)

	assert.Nil(t, f.orch.ChangeSubscriptions("")["changes:drafts"].Filter)
}

func TestApplyChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.cache.Put(ctx, model.CategoryRecords, nil))

	insert := model.Change{Table: "tasting_records", Event: model.EventInsert, Record: model.Row{
		"id":         "r1",
		"user_id":    "u1",
		"updated_at": "2026-03-01T10:00:00Z",
	}}
	require.NoError(t, f.orch.ApplyChange(ctx, insert))

	got := f.cache.Get(ctx, model.CategoryRecords)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)

	del := model.Change{Table: "tasting_records", Event: model.EventDelete, Record: model.Row{"id": "r1"}}
	require.NoError(t, f.orch.ApplyChange(ctx, del))
	assert.Empty(t, f.cache.Get(ctx, model.CategoryRecords))

	untracked := model.Change{Table: "coffee_beans", Event: model.EventInsert, Record: model.Row{"id": "b1"}}
	assert.NoError(t, f.orch.ApplyChange(ctx, untracked))

	noID := model.Change{Table: "tasting_records", Event: model.EventUpdate, Record: model.Row{"user_id": "u1"}}
	assert.Error(t, f.orch.ApplyChange(ctx, noID))
}
