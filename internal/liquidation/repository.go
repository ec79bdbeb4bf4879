package liquidation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atmx/margin-engine/internal/store"
)

// Execution is a loaded liquidation record.
type Execution struct {
	ID   string
	Data OperationData
	info *store.ExecutionInfo
}

// LastModified is the record's concurrency token.
func (e *Execution) LastModified() time.Time {
	return e.info.LastModified
}

// Repository stores OperationData as JSON in an ExecutionInfoStore.
type Repository struct {
	store store.ExecutionInfoStore
}

// NewRepository creates a repository over st.
func NewRepository(st store.ExecutionInfoStore) *Repository {
	return &Repository{store: st}
}

// GetOrAdd returns the operation's record, creating it from data if it
// does not exist. added reports whether it was created by this call.
func (r *Repository) GetOrAdd(ctx context.Context, operationID string, data func() OperationData) (*Execution, bool, error) {
	info, added, err := r.store.GetOrAdd(ctx, OperationName, operationID, func() (json.RawMessage, error) {
		return json.Marshal(data())
	})
	if err != nil {
		return nil, false, err
	}
	e, err := decode(info)
	return e, added, err
}

// Get returns the operation's record or an error wrapping store.ErrNotFound.
func (r *Repository) Get(ctx context.Context, operationID string) (*Execution, error) {
	info, err := r.store.Get(ctx, OperationName, operationID)
	if err != nil {
		return nil, err
	}
	return decode(info)
}

// GetLatest is Get past any cache in front of the store. Use it where the
// state decides an action that is not followed by a Save.
func (r *Repository) GetLatest(ctx context.Context, operationID string) (*Execution, error) {
	pr, ok := r.store.(store.PrimaryReader)
	if !ok {
		return r.Get(ctx, operationID)
	}
	info, err := pr.GetPrimary(ctx, OperationName, operationID)
	if err != nil {
		return nil, err
	}
	return decode(info)
}

// Save writes e.Data back. It fails with store.ErrConcurrencyConflict if
// the record changed since it was loaded.
func (r *Repository) Save(ctx context.Context, e *Execution) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode liquidation %s: %w", e.ID, err)
	}
	info := *e.info
	info.Data = raw
	if err := r.store.Save(ctx, &info); err != nil {
		return err
	}
	e.info = &info
	return nil
}

func decode(info *store.ExecutionInfo) (*Execution, error) {
	var data OperationData
	if err := json.Unmarshal(info.Data, &data); err != nil {
		return nil, fmt.Errorf("decode liquidation %s: %w", info.ID, err)
	}
	return &Execution{ID: info.ID, Data: data, info: info}, nil
}
