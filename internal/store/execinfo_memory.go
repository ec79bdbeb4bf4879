package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryExecutionInfoStore implements ExecutionInfoStore in memory. Used for
// testing and development.
type MemoryExecutionInfoStore struct {
	mu      sync.Mutex
	records map[string]ExecutionInfo
}

// NewMemoryExecutionInfoStore creates an empty store.
func NewMemoryExecutionInfoStore() *MemoryExecutionInfoStore {
	return &MemoryExecutionInfoStore{records: make(map[string]ExecutionInfo)}
}

func (s *MemoryExecutionInfoStore) GetOrAdd(_ context.Context, operationName, id string, factory func() (json.RawMessage, error)) (*ExecutionInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := executionKey(operationName, id)
	if existing, ok := s.records[key]; ok {
		return copyInfo(existing), false, nil
	}

	data, err := factory()
	if err != nil {
		return nil, false, err
	}
	info := ExecutionInfo{
		OperationName: operationName,
		ID:            id,
		LastModified:  nextModified(time.Time{}),
		Data:          append(json.RawMessage(nil), data...),
	}
	s.records[key] = info
	return copyInfo(info), true, nil
}

func (s *MemoryExecutionInfoStore) Get(_ context.Context, operationName, id string) (*ExecutionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.records[executionKey(operationName, id)]
	if !ok {
		return nil, fmt.Errorf("execution info %s/%s: %w", operationName, id, ErrNotFound)
	}
	return copyInfo(info), nil
}

func (s *MemoryExecutionInfoStore) Save(_ context.Context, info *ExecutionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := executionKey(info.OperationName, info.ID)
	existing, ok := s.records[key]
	if !ok {
		return fmt.Errorf("execution info %s/%s: %w", info.OperationName, info.ID, ErrNotFound)
	}
	if !existing.LastModified.Equal(info.LastModified) {
		return fmt.Errorf("execution info %s/%s: %w", info.OperationName, info.ID, ErrConcurrencyConflict)
	}

	modified := nextModified(existing.LastModified)
	s.records[key] = ExecutionInfo{
		OperationName: info.OperationName,
		ID:            info.ID,
		LastModified:  modified,
		Data:          append(json.RawMessage(nil), info.Data...),
	}
	info.LastModified = modified
	return nil
}

func executionKey(operationName, id string) string {
	return operationName + "/" + id
}

func copyInfo(info ExecutionInfo) *ExecutionInfo {
	c := info
	c.Data = append(json.RawMessage(nil), info.Data...)
	return &c
}

var _ ExecutionInfoStore = (*MemoryExecutionInfoStore)(nil)
