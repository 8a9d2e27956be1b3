package orchestrator

import (
	"context"
	"time"

	"github.com/cupnote/cupsync/internal/model"
	"go.uber.org/zap"
)

const changeApplyTimeout = 5 * time.Second

// ChangeSubscriptions returns one realtime subscription per tracked table,
// keyed by subscription id. An empty userID subscribes to every row.
func (o *Orchestrator) ChangeSubscriptions(userID string) map[string]model.SubscriptionSpec {
	subs := make(map[string]model.SubscriptionSpec, len(o.config.Tables))
	for _, category := range model.Categories {
		table, ok := o.config.Tables[category]
		if !ok {
			continue
		}
		spec := model.SubscriptionSpec{Table: table, Event: model.EventAll}
		if userID != "" {
			spec.Filter = map[string]string{"user_id": userID}
		}
		subs["changes:"+string(category)] = spec
	}
	return subs
}

// HandleChange folds one realtime row change into the cache
func (o *Orchestrator) HandleChange(change model.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), changeApplyTimeout)
	defer cancel()

	if err := o.ApplyChange(ctx, change); err != nil {
		o.logger.Warn("Failed to apply realtime change",
			zap.String("table", change.Table),
			zap.String("event", string(change.Event)),
			zap.Error(err))
	}
}

// ApplyChange merges an insert or update into the cached collection, or removes
// a deleted row. Changes for untracked tables are ignored.
func (o *Orchestrator) ApplyChange(ctx context.Context, change model.Change) error {
	category, ok := o.categoryFor(change.Table)
	if !ok {
		return nil
	}

	if change.Event == model.EventDelete {
		id, err := rowID(change.Record)
		if err != nil {
			return err
		}
		return o.cache.RemoveItem(ctx, category, id)
	}

	entry, err := rowToEntry(change.Record)
	if err != nil {
		return err
	}
	if err := o.cache.AddOrUpdateItem(ctx, category, entry); err != nil {
		return err
	}

	o.logger.Debug("Applied realtime change",
		zap.String("category", string(category)),
		zap.String("event", string(change.Event)),
		zap.String("id", entry.ID))
	return nil
}

func (o *Orchestrator) categoryFor(table string) (model.Category, bool) {
	for category, t := range o.config.Tables {
		if t == table {
			return category, true
		}
	}
	return "", false
}
