// Package memory provides in-process implementations of the record stores
// for standalone mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// OrderStore implements domain.OrderRecordStore in memory.
type OrderStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]domain.Order)}
}

// Create stores a new order.
func (s *OrderStore) Create(_ context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("memory: create order %s: duplicate id", o.ID)
	}
	s.orders[o.ID] = o
	return nil
}

// List returns the orders matching filter ordered by creation time.
func (s *OrderStore) List(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Order
	for _, o := range s.orders {
		if filter.Match(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns a stored order.
func (s *OrderStore) Get(id string) (domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	return o, ok
}

// UpdateStatus records a status change and the filled amount.
func (s *OrderStore) UpdateStatus(_ context.Context, id string, status domain.OrderStatus, filled decimal.Decimal, updatedAt time.Time, expectedVersion int64) error {
	return s.update(id, updatedAt, expectedVersion, func(o *domain.Order) {
		o.Status = status
		o.FilledAmount = filled
	})
}

// UpdateTerms records a new amount and price.
func (s *OrderStore) UpdateTerms(_ context.Context, id string, amount, price decimal.Decimal, status domain.OrderStatus, updatedAt time.Time, expectedVersion int64) error {
	return s.update(id, updatedAt, expectedVersion, func(o *domain.Order) {
		o.CollateralAmount = amount
		o.Price = price
		o.Status = status
	})
}

func (s *OrderStore) update(id string, updatedAt time.Time, expectedVersion int64, apply func(*domain.Order)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("memory: update order %s: %w", id, domain.ErrNotFound)
	}
	if o.Version != expectedVersion {
		return fmt.Errorf("memory: update order %s at version %d (stored %d): %w",
			id, expectedVersion, o.Version, domain.ErrVersionConflict)
	}
	apply(&o)
	o.Version++
	o.UpdatedAt = updatedAt
	s.orders[id] = o
	return nil
}

// Delete removes an order.
func (s *OrderStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[id]; !ok {
		return fmt.Errorf("memory: delete order %s: %w", id, domain.ErrNotFound)
	}
	delete(s.orders, id)
	return nil
}
