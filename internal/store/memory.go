package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/margin-engine/internal/model"
)

// MemoryPositionStore implements PositionStore with in-memory maps indexed
// by id and by account. Positions are not persisted: the registry is rebuilt
// by the hosting service on start.
type MemoryPositionStore struct {
	mu        sync.RWMutex
	positions map[string]*model.Position
	orders    map[string]*model.Order

	// account id → set of ids
	positionsByAccount map[string]map[string]struct{}
	ordersByAccount    map[string]map[string]struct{}
}

// NewMemoryPositionStore creates an empty registry.
func NewMemoryPositionStore() *MemoryPositionStore {
	return &MemoryPositionStore{
		positions:          make(map[string]*model.Position),
		orders:             make(map[string]*model.Order),
		positionsByAccount: make(map[string]map[string]struct{}),
		ordersByAccount:    make(map[string]map[string]struct{}),
	}
}

func (s *MemoryPositionStore) AddPosition(p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrAlreadyExists)
	}
	s.positions[p.ID] = p.Clone()
	index(s.positionsByAccount, p.AccountID, p.ID)
	return nil
}

func (s *MemoryPositionStore) UpdatePosition(p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.positions[p.ID]
	if !ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	if existing.AccountID != p.AccountID {
		return fmt.Errorf("position %s: account cannot change", p.ID)
	}
	s.positions[p.ID] = p.Clone()
	return nil
}

func (s *MemoryPositionStore) RemovePosition(id string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	delete(s.positions, id)
	unindex(s.positionsByAccount, p.AccountID, id)
	return p, nil
}

func (s *MemoryPositionStore) Position(id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryPositionStore) PositionsByAccount(accountID string) []*model.Position {
	return s.selectPositions(accountID, func(*model.Position) bool { return true })
}

func (s *MemoryPositionStore) PositionsByAccountAndInstrument(accountID, assetPairID string) []*model.Position {
	return s.selectPositions(accountID, func(p *model.Position) bool {
		return p.AssetPairID == assetPairID
	})
}

func (s *MemoryPositionStore) selectPositions(accountID string, keep func(*model.Position) bool) []*model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Position
	for id := range s.positionsByAccount[accountID] {
		p := s.positions[id]
		if keep(p) {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].OpenDate.Equal(result[j].OpenDate) {
			return result[i].ID < result[j].ID
		}
		return result[i].OpenDate.Before(result[j].OpenDate)
	})
	return result
}

func (s *MemoryPositionStore) AddOrder(o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrAlreadyExists)
	}
	s.orders[o.ID] = o.Clone()
	index(s.ordersByAccount, o.AccountID, o.ID)
	return nil
}

func (s *MemoryPositionStore) UpdateOrder(o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryPositionStore) RemoveOrder(id string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	delete(s.orders, id)
	unindex(s.ordersByAccount, o.AccountID, id)
	return o, nil
}

func (s *MemoryPositionStore) Order(id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o.Clone(), nil
}

func (s *MemoryPositionStore) OrdersByAccount(accountID string) []*model.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Order
	for id := range s.ordersByAccount[accountID] {
		result = append(result, s.orders[id].Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func index(idx map[string]map[string]struct{}, accountID, id string) {
	set, ok := idx[accountID]
	if !ok {
		set = make(map[string]struct{})
		idx[accountID] = set
	}
	set[id] = struct{}{}
}

// unindex drops empty account sets so the index does not grow with every
// account ever seen.
func unindex(idx map[string]map[string]struct{}, accountID, id string) {
	set := idx[accountID]
	delete(set, id)
	if len(set) == 0 {
		delete(idx, accountID)
	}
}

var _ PositionStore = (*MemoryPositionStore)(nil)
