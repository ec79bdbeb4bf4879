package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresExecutionInfoStore implements ExecutionInfoStore using PostgreSQL
// as the source of truth. Payloads are stored as JSONB; last_modified is the
// optimistic concurrency token.
type PostgresExecutionInfoStore struct {
	pool *pgxpool.Pool
}

// NewPostgresExecutionInfoStore creates a new PostgreSQL-backed store.
func NewPostgresExecutionInfoStore(pool *pgxpool.Pool) *PostgresExecutionInfoStore {
	return &PostgresExecutionInfoStore{pool: pool}
}

const executionInfoSchema = `
CREATE TABLE IF NOT EXISTS operation_execution_info (
	operation_name TEXT        NOT NULL,
	id             TEXT        NOT NULL,
	last_modified  TIMESTAMPTZ NOT NULL,
	data           JSONB       NOT NULL,
	PRIMARY KEY (operation_name, id)
)`

// EnsureSchema creates the execution info table if it does not exist.
func (s *PostgresExecutionInfoStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, executionInfoSchema); err != nil {
		return fmt.Errorf("postgres: create operation_execution_info: %w", err)
	}
	return nil
}

func (s *PostgresExecutionInfoStore) GetOrAdd(ctx context.Context, operationName, id string, factory func() (json.RawMessage, error)) (*ExecutionInfo, bool, error) {
	existing, err := s.Get(ctx, operationName, id)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	data, err := factory()
	if err != nil {
		return nil, false, err
	}

	modified := nextModified(time.Time{})
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO operation_execution_info (operation_name, id, last_modified, data)
		 VALUES ($1, $2, $3, $4::JSONB)
		 ON CONFLICT (operation_name, id) DO NOTHING`,
		operationName, id, modified, string(data),
	)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: insert execution info %s/%s: %w", operationName, id, err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race to a concurrent GetOrAdd; theirs wins.
		info, err := s.Get(ctx, operationName, id)
		return info, false, err
	}

	return &ExecutionInfo{
		OperationName: operationName,
		ID:            id,
		LastModified:  modified,
		Data:          data,
	}, true, nil
}

func (s *PostgresExecutionInfoStore) Get(ctx context.Context, operationName, id string) (*ExecutionInfo, error) {
	var info ExecutionInfo
	var data string

	err := s.pool.QueryRow(ctx,
		`SELECT operation_name, id, last_modified, data::TEXT
		 FROM operation_execution_info
		 WHERE operation_name = $1 AND id = $2`, operationName, id).
		Scan(&info.OperationName, &info.ID, &info.LastModified, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution info %s/%s: %w", operationName, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get execution info %s/%s: %w", operationName, id, err)
	}

	info.LastModified = info.LastModified.UTC()
	info.Data = json.RawMessage(data)
	return &info, nil
}

func (s *PostgresExecutionInfoStore) Save(ctx context.Context, info *ExecutionInfo) error {
	modified := nextModified(info.LastModified)

	tag, err := s.pool.Exec(ctx,
		`UPDATE operation_execution_info
		 SET data = $3::JSONB, last_modified = $4
		 WHERE operation_name = $1 AND id = $2 AND last_modified = $5`,
		info.OperationName, info.ID, string(info.Data), modified, info.LastModified,
	)
	if err != nil {
		return fmt.Errorf("postgres: save execution info %s/%s: %w", info.OperationName, info.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution info %s/%s: %w", info.OperationName, info.ID, ErrConcurrencyConflict)
	}

	info.LastModified = modified
	return nil
}

var _ ExecutionInfoStore = (*PostgresExecutionInfoStore)(nil)
