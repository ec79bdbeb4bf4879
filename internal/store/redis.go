package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedExecutionInfoStore wraps a primary ExecutionInfoStore (PostgreSQL)
// with a Redis read-through cache. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the primary.
//
// A stale cached read is harmless: Save still compares against the primary's
// last_modified and reports ErrConcurrencyConflict.
type CachedExecutionInfoStore struct {
	primary ExecutionInfoStore
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedExecutionInfoStore creates a cached wrapper around a primary store.
func NewCachedExecutionInfoStore(primary ExecutionInfoStore, rdb *redis.Client, ttl time.Duration) *CachedExecutionInfoStore {
	return &CachedExecutionInfoStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedExecutionInfoStore) GetOrAdd(ctx context.Context, operationName, id string, factory func() (json.RawMessage, error)) (*ExecutionInfo, bool, error) {
	if info, err := s.cached(ctx, operationName, id); err == nil {
		return info, false, nil
	}

	info, added, err := s.primary.GetOrAdd(ctx, operationName, id, factory)
	if err != nil {
		return nil, false, err
	}
	s.cache(ctx, info)
	return info, added, nil
}

func (s *CachedExecutionInfoStore) Save(ctx context.Context, info *ExecutionInfo) error {
	err := s.primary.Save(ctx, info)
	// Invalidate on conflict too; the next read must see the winner.
	s.rdb.Del(ctx, executionInfoKey(info.OperationName, info.ID))
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedExecutionInfoStore) Get(ctx context.Context, operationName, id string) (*ExecutionInfo, error) {
	if info, err := s.cached(ctx, operationName, id); err == nil {
		return info, nil
	}

	info, err := s.primary.Get(ctx, operationName, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, info)
	return info, nil
}

// GetPrimary reads the primary store and leaves the cache as it is. Callers
// that act on the state without saving it use this: a cached copy can lag a
// Save by one racing read.
func (s *CachedExecutionInfoStore) GetPrimary(ctx context.Context, operationName, id string) (*ExecutionInfo, error) {
	return s.primary.Get(ctx, operationName, id)
}

// --- Cache helpers ---

func (s *CachedExecutionInfoStore) cached(ctx context.Context, operationName, id string) (*ExecutionInfo, error) {
	data, err := s.rdb.Get(ctx, executionInfoKey(operationName, id)).Bytes()
	if err != nil {
		return nil, err
	}
	var info ExecutionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, errors.New("redis: empty cached execution info")
	}
	return &info, nil
}

func (s *CachedExecutionInfoStore) cache(ctx context.Context, info *ExecutionInfo) {
	if data, err := json.Marshal(info); err == nil {
		s.rdb.Set(ctx, executionInfoKey(info.OperationName, info.ID), data, s.ttl)
	}
}

func executionInfoKey(operationName, id string) string {
	return fmt.Sprintf("execinfo:%s:%s", operationName, id)
}

var (
	_ ExecutionInfoStore = (*CachedExecutionInfoStore)(nil)
	_ PrimaryReader      = (*CachedExecutionInfoStore)(nil)
)
