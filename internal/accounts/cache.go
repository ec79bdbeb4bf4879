// Package accounts keeps the account snapshots liquidation reads and owns
// the per-account liquidation exclusivity flag.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/atmx/margin-engine/internal/model"
)

// ErrAccountNotFound is returned when the cache has no such account.
var ErrAccountNotFound = errors.New("accounts: account not found")

// LiquidationLock records which liquidation operation, if any, owns an
// account. It is held across many asynchronous steps, so it is a flag and
// not a mutex.
type LiquidationLock interface {
	// TryAcquire sets the owner to operationID if the account has none.
	// When it is already owned, ok is false and current names the owner
	// (which may be operationID itself).
	TryAcquire(ctx context.Context, accountID, operationID string) (ok bool, current string, err error)

	// Release clears the owner if it is operationID and reports whether it was.
	Release(ctx context.Context, accountID, operationID string) (bool, error)
}

// Cache is the in-process account cache.
type Cache struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	lock     LiquidationLock
}

// NewCache creates an empty cache. A nil lock keeps exclusivity in memory,
// which is only correct for a single instance.
func NewCache(lock LiquidationLock) *Cache {
	if lock == nil {
		lock = NewMemoryLiquidationLock()
	}
	return &Cache{
		accounts: make(map[string]*model.Account),
		lock:     lock,
	}
}

// Upsert stores a copy of the account snapshot. The liquidation owner is
// kept; only the lock changes it.
func (c *Cache) Upsert(acc *model.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := acc.Clone()
	if prev, ok := c.accounts[acc.ID]; ok {
		cp.LiquidationOperationID = prev.LiquidationOperationID
	}
	c.accounts[acc.ID] = cp
}

// Remove drops an account.
func (c *Cache) Remove(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accounts, accountID)
}

// Get returns a copy of the account or ErrAccountNotFound.
func (c *Cache) Get(accountID string) (*model.Account, error) {
	acc, ok := c.TryGet(accountID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return acc, nil
}

// TryGet returns a copy of the account if it is cached.
func (c *Cache) TryGet(accountID string) (*model.Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	acc, ok := c.accounts[accountID]
	if !ok {
		return nil, false
	}
	return acc.Clone(), true
}

// TryStartLiquidation marks the account as being liquidated by operationID.
// It fails, returning the current owner, if any operation already owns it.
func (c *Cache) TryStartLiquidation(ctx context.Context, accountID, operationID string) (bool, string, error) {
	if _, ok := c.TryGet(accountID); !ok {
		return false, "", fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	ok, current, err := c.lock.TryAcquire(ctx, accountID, operationID)
	if err != nil {
		return false, "", fmt.Errorf("acquire liquidation lock %s: %w", accountID, err)
	}
	if !ok {
		return false, current, nil
	}

	c.setOwner(accountID, operationID)
	slog.Info("liquidation lock acquired", "account_id", accountID, "operation_id", operationID)
	return true, operationID, nil
}

// TryFinishLiquidation releases the account if operationID owns it.
func (c *Cache) TryFinishLiquidation(ctx context.Context, accountID, reason, operationID string) (bool, error) {
	ok, err := c.lock.Release(ctx, accountID, operationID)
	if err != nil {
		return false, fmt.Errorf("release liquidation lock %s: %w", accountID, err)
	}
	if !ok {
		return false, nil
	}

	c.setOwner(accountID, "")
	slog.Info("liquidation lock released",
		"account_id", accountID,
		"operation_id", operationID,
		"reason", reason,
	)
	return true, nil
}

func (c *Cache) setOwner(accountID, operationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if acc, ok := c.accounts[accountID]; ok {
		acc.LiquidationOperationID = operationID
	}
}

// MemoryLiquidationLock is a LiquidationLock for a single instance.
type MemoryLiquidationLock struct {
	mu     sync.Mutex
	owners map[string]string
}

// NewMemoryLiquidationLock creates an empty lock table.
func NewMemoryLiquidationLock() *MemoryLiquidationLock {
	return &MemoryLiquidationLock{owners: make(map[string]string)}
}

func (l *MemoryLiquidationLock) TryAcquire(_ context.Context, accountID, operationID string) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.owners[accountID]; ok {
		return false, current, nil
	}
	l.owners[accountID] = operationID
	return true, operationID, nil
}

func (l *MemoryLiquidationLock) Release(_ context.Context, accountID, operationID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[accountID] != operationID {
		return false, nil
	}
	delete(l.owners, accountID)
	return true, nil
}

var (
	_ LiquidationLock = (*MemoryLiquidationLock)(nil)
	_ LiquidationLock = (*RedisLiquidationLock)(nil)
)
