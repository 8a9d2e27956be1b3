package store

import (
	"context"
	"errors"
	"time"

	"github.com/cupnote/cupsync/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// Persisted keys, one namespace per owning component
const (
	KeySyncStatus     = "sync_status"
	KeySyncCache      = "sync_cache"
	KeyOfflineQueue   = "offline_queue"
	KeyDeadLetters    = "offline_queue_dead_letter"
	KeyMigrationState = "migration_state"
	KeyCacheMetadata  = "cache_metadata"
)

// KeyValueStore is the device-local persisted store.
// Get returns ErrNotFound for an absent key.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Pinger is implemented by stores that can report connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// Filter narrows a remote query
type Filter struct {
	Eq           map[string]interface{}
	UpdatedSince time.Time
	Limit        int
	CountOnly    bool
}

// QueryResult is the result of a remote query
type QueryResult struct {
	Rows  []model.Row
	Count int64
}

// ChangeHandler receives row changes for a subscription
type ChangeHandler func(model.Change)

// Authenticator resolves the current user of the session
type Authenticator interface {
	CurrentUser(ctx context.Context) (*model.UserContext, error)
}

// RemoteStore is the backend operation interface
type RemoteStore interface {
	Authenticator

	Insert(ctx context.Context, table string, payload model.Row) (model.Row, error)
	Update(ctx context.Context, table, id string, payload model.Row) (model.Row, error)
	Delete(ctx context.Context, table, id string) error
	Query(ctx context.Context, table string, filter Filter) (*QueryResult, error)

	// Subscribe delivers matching row changes until the returned function is called
	Subscribe(ctx context.Context, channelID string, spec model.SubscriptionSpec, onChange ChangeHandler) (func(), error)
}
