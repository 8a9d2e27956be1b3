package store

import (
	"context"
	"fmt"

	"github.com/cupnote/cupsync/internal/errors"
	"github.com/cupnote/cupsync/internal/util"
	"github.com/golang/snappy"
)

// FramedStore wraps a KeyValueStore with checksummed, optionally compressed frames.
// Corruption is reported as a CorruptedData error so owners can degrade to empty state.
type FramedStore struct {
	inner    KeyValueStore
	compress bool
}

// NewFramedStore wraps inner
func NewFramedStore(inner KeyValueStore, compress bool) *FramedStore {
	return &FramedStore{inner: inner, compress: compress}
}

// Get reads and validates a frame
func (s *FramedStore) Get(ctx context.Context, key string) ([]byte, error) {
	frame, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	body, flags, err := util.OpenFrame(frame)
	if err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("invalid frame for key '%s'", key), err).
			WithDetail("key", key)
	}

	if flags&util.FlagCompressed == 0 {
		return body, nil
	}

	decoded, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("failed to decompress key '%s'", key), err).
			WithDetail("key", key)
	}
	return decoded, nil
}

// Set frames and writes a value
func (s *FramedStore) Set(ctx context.Context, key string, value []byte) error {
	var flags byte
	body := value
	if s.compress {
		body = snappy.Encode(nil, value)
		flags |= util.FlagCompressed
	}
	return s.inner.Set(ctx, key, util.SealFrame(body, flags))
}

// Remove deletes a key
func (s *FramedStore) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

// Ping forwards to the wrapped store when it supports it
func (s *FramedStore) Ping(ctx context.Context) error {
	if p, ok := s.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
