// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"

	"github.com/cupnote/cupsync/internal/model"
	"github.com/cupnote/cupsync/internal/store"
	"github.com/stretchr/testify/mock"
)

// MockRemoteStore is a mock implementation of store.RemoteStore.
type MockRemoteStore struct {
	mock.Mock
}

// CurrentUser mocks the session lookup.
func (m *MockRemoteStore) CurrentUser(ctx context.Context) (*model.UserContext, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UserContext), args.Error(1)
}

// Insert mocks a remote insert.
func (m *MockRemoteStore) Insert(ctx context.Context, table string, payload model.Row) (model.Row, error) {
	args := m.Called(ctx, table, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(model.Row), args.Error(1)
}

// Update mocks a remote update.
func (m *MockRemoteStore) Update(ctx context.Context, table, id string, payload model.Row) (model.Row, error) {
	args := m.Called(ctx, table, id, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(model.Row), args.Error(1)
}

// Delete mocks a remote delete.
func (m *MockRemoteStore) Delete(ctx context.Context, table, id string) error {
	args := m.Called(ctx, table, id)
	return args.Error(0)
}

// Query mocks a remote query.
func (m *MockRemoteStore) Query(ctx context.Context, table string, filter store.Filter) (*store.QueryResult, error) {
	args := m.Called(ctx, table, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.QueryResult), args.Error(1)
}

// Subscribe mocks a change subscription.
func (m *MockRemoteStore) Subscribe(ctx context.Context, channelID string, spec model.SubscriptionSpec, onChange store.ChangeHandler) (func(), error) {
	args := m.Called(ctx, channelID, spec, onChange)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(func()), args.Error(1)
}
