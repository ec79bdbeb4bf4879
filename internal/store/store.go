// Package store defines the persistence interfaces for the margin engine.
// Positions and pending orders live in an in-memory registry; saga state
// lives in the execution info store, backed by PostgreSQL (source of truth),
// optionally fronted by a Redis read-through cache, or in memory for tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/atmx/margin-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when adding a record whose id is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConcurrencyConflict is returned by Save when the record was modified
	// after it was read. The caller should reload and retry.
	ErrConcurrencyConflict = errors.New("store: concurrent modification")
)

// PositionStore is the registry of open positions and pending orders.
// Implementations are safe for concurrent use and return copies: mutating a
// returned value has no effect until it is written back.
type PositionStore interface {
	// --- Positions ---

	// AddPosition registers a new open position.
	AddPosition(p *model.Position) error

	// UpdatePosition replaces a registered position.
	UpdatePosition(p *model.Position) error

	// RemovePosition unregisters a position and returns its last state.
	RemovePosition(id string) (*model.Position, error)

	// Position returns a position by id.
	Position(id string) (*model.Position, error)

	// PositionsByAccount returns the account's open positions, oldest first.
	PositionsByAccount(accountID string) []*model.Position

	// PositionsByAccountAndInstrument returns the account's open positions on
	// one instrument, oldest first.
	PositionsByAccountAndInstrument(accountID, assetPairID string) []*model.Position

	// --- Pending orders ---

	// AddOrder registers a pending order.
	AddOrder(o *model.Order) error

	// UpdateOrder replaces a registered order.
	UpdateOrder(o *model.Order) error

	// RemoveOrder unregisters an order and returns its last state.
	RemoveOrder(id string) (*model.Order, error)

	// Order returns a pending order by id.
	Order(id string) (*model.Order, error)

	// OrdersByAccount returns the account's pending orders.
	OrdersByAccount(accountID string) []*model.Order
}

// ExecutionInfo is the durable envelope of a workflow's state. Data is the
// workflow's own payload; the store never interprets it.
type ExecutionInfo struct {
	OperationName string          `json:"operation_name"`
	ID            string          `json:"id"`
	LastModified  time.Time       `json:"last_modified"`
	Data          json.RawMessage `json:"data"`
}

// ExecutionInfoStore persists workflow state keyed by (operation name, id)
// with optimistic concurrency on LastModified.
type ExecutionInfoStore interface {
	// GetOrAdd returns the existing record, or stores the one built by
	// factory. added reports whether this call created the record.
	GetOrAdd(ctx context.Context, operationName, id string, factory func() (json.RawMessage, error)) (info *ExecutionInfo, added bool, err error)

	// Get returns a record or ErrNotFound.
	Get(ctx context.Context, operationName, id string) (*ExecutionInfo, error)

	// Save writes info if the stored LastModified still equals
	// info.LastModified, and advances info.LastModified on success.
	// Otherwise it returns ErrConcurrencyConflict.
	Save(ctx context.Context, info *ExecutionInfo) error
}

// PrimaryReader is implemented by stores that front the source of truth with
// a cache. GetPrimary skips the cache.
type PrimaryReader interface {
	GetPrimary(ctx context.Context, operationName, id string) (*ExecutionInfo, error)
}

// nextModified returns a timestamp strictly after prev, truncated to the
// microsecond precision PostgreSQL keeps.
func nextModified(prev time.Time) time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}
