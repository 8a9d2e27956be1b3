package migration

import (
	"context"
	"fmt"

	"github.com/cupnote/cupsync/internal/errors"
	"github.com/cupnote/cupsync/internal/model"
	"github.com/cupnote/cupsync/internal/store"
	"github.com/cupnote/cupsync/internal/validation"
	"go.uber.org/zap"
)

const profileTable = "user_profiles"

// CacheMaintainer is the cache surface the built-in migrations touch
type CacheMaintainer interface {
	ValidateIntegrity(ctx context.Context) bool
	ClearAll(ctx context.Context) error
}

// QueueMaintainer is the offline queue surface the built-in migrations touch
type QueueMaintainer interface {
	Retain(ctx context.Context, keep func(model.QueueItem) bool) (int, error)
}

// Env carries the collaborators migration bodies act on
type Env struct {
	Cache     CacheMaintainer
	Queue     QueueMaintainer
	Remote    store.RemoteStore
	Validator *validation.Validator
	Logger    *zap.Logger
}

// Bodies returns the built-in migration bodies keyed by version
func Bodies(env Env) map[int]Body {
	if env.Validator == nil {
		env.Validator = validation.NewValidator()
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}

	return map[int]Body{
		1: func(ctx context.Context) error {
			if !env.Cache.ValidateIntegrity(ctx) {
				env.Logger.Info("Cache metadata rebuilt from stored collections")
			}
			return nil
		},
		2: func(ctx context.Context) error {
			return ensureProfile(ctx, env.Remote)
		},
		3: func(ctx context.Context) error {
			removed, err := env.Queue.Retain(ctx, func(item model.QueueItem) bool {
				return env.Validator.ValidateMutation(item.Table, item.Operation, item.Payload) == nil
			})
			if err != nil {
				return err
			}
			if removed > 0 {
				env.Logger.Warn("Dropped queued mutations that no longer validate", zap.Int("removed", removed))
			}
			return nil
		},
		4: func(ctx context.Context) error {
			return env.Cache.ClearAll(ctx)
		},
	}
}

// RegisterCatalog registers every catalog entry with its body.
// An entry without a body is a catalog bug and fails registration.
func RegisterCatalog(r *Runner, catalog []model.MigrationInfo, bodies map[int]Body) error {
	for _, info := range catalog {
		body, ok := bodies[info.Version]
		if !ok {
			return fmt.Errorf("migration %d (%s) has no registered body", info.Version, info.Name)
		}
		if err := r.Register(info, body); err != nil {
			return err
		}
	}
	return nil
}

func ensureProfile(ctx context.Context, remote store.RemoteStore) error {
	user, err := remote.CurrentUser(ctx)
	if err != nil {
		return err
	}
	if user == nil || user.ID == "" {
		return errors.Unauthenticated("no authenticated user", nil)
	}

	res, err := remote.Query(ctx, profileTable, store.Filter{
		Eq:        map[string]interface{}{"id": user.ID},
		CountOnly: true,
	})
	if err != nil {
		return errors.NetworkFailure("failed to look up user profile", err)
	}
	if res.Count > 0 {
		return nil
	}

	profile := model.Row{"id": user.ID}
	if user.Email != "" {
		profile["email"] = user.Email
	}
	if _, err := remote.Insert(ctx, profileTable, profile); err != nil {
		return errors.NetworkFailure("failed to create user profile", err)
	}
	return nil
}
