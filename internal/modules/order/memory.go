// README: In-process order store for development and tests; commits are atomic with the courier store.
package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"courier/internal/modules/courier"
	"courier/internal/types"
)

type MemoryStore struct {
	mu       sync.Mutex
	orders   map[types.ID]*Order
	external map[string]types.ID
	couriers *courier.MemoryStore
}

// NewMemoryStore shares couriers so a transition's profile change commits together with the order.
func NewMemoryStore(couriers *courier.MemoryStore) *MemoryStore {
	return &MemoryStore{
		orders:   make(map[types.ID]*Order),
		external: make(map[string]types.ID),
		couriers: couriers,
	}
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) FindByExternalID(ctx context.Context, externalID string) (*Order, error) {
	s.mu.Lock()
	id, ok := s.external[externalID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return ErrDuplicate
	}
	if o.IsExternal() {
		if _, ok := s.external[*o.ExternalID]; ok {
			return ErrDuplicate
		}
		s.external[*o.ExternalID] = o.ID
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) Commit(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[c.Order.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != c.ExpectVersion {
		return ErrConflict
	}
	if len(c.Order.Tracking) < len(cur.Tracking) {
		return fmt.Errorf("tracking for %s would shrink from %d to %d entries", cur.ID, len(cur.Tracking), len(c.Order.Tracking))
	}

	if ch := c.Courier; ch != nil {
		if s.couriers == nil {
			return fmt.Errorf("memory store has no courier store")
		}
		err := s.couriers.Update(ch.ID, func(u *courier.User) error {
			if u.Profile == nil {
				return ErrConflict
			}
			if ch.RequireAvailable && (!u.Active || !u.Profile.Available) {
				return ErrNotAvailable
			}
			u.Profile.Available = ch.Available
			u.Profile.TotalDeliveries += ch.AddDeliveries
			return nil
		})
		if err != nil {
			return err
		}
	}

	next := c.Order.Clone()
	next.Tracking = append(append([]TrackingEntry(nil), cur.Tracking...), c.Order.Tracking[len(cur.Tracking):]...)
	if cur.ActualDeliveryAt != nil {
		next.ActualDeliveryAt = cur.ActualDeliveryAt
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now()
	s.orders[next.ID] = next
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter, page types.Page) ([]*Order, int, error) {
	s.mu.Lock()
	var all []*Order
	for _, o := range s.orders {
		if matches(o, f) {
			all = append(all, o.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	start := page.Offset()
	if start >= total {
		return nil, total, nil
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func matches(o *Order, f Filter) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.CustomerID != "" && o.CustomerID != f.CustomerID {
		return false
	}
	if f.BusinessID != "" && o.BusinessID != f.BusinessID {
		return false
	}
	if f.DeliveryPersonID != "" && !o.AssignedTo(f.DeliveryPersonID) {
		return false
	}
	if f.Unassigned && o.DeliveryPersonID != nil {
		return false
	}
	return true
}

func (s *MemoryStore) DeliveryScores(_ context.Context, courierID types.ID) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var delivered []*Order
	for _, o := range s.orders {
		if o.Status == StatusDelivered && o.AssignedTo(courierID) && o.Rating != nil {
			delivered = append(delivered, o)
		}
	}
	sort.Slice(delivered, func(i, j int) bool { return delivered[i].ID < delivered[j].ID })
	scores := make([]int, 0, len(delivered))
	for _, o := range delivered {
		scores = append(scores, o.Rating.Delivery)
	}
	return scores, nil
}

func (s *MemoryStore) ActiveForCourier(_ context.Context, courierID types.ID) ([]types.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []types.ID
	for _, o := range s.orders {
		if o.Status.Active() && o.AssignedTo(courierID) {
			ids = append(ids, o.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) HasActiveForCourier(ctx context.Context, courierID types.ID) (bool, error) {
	ids, err := s.ActiveForCourier(ctx, courierID)
	return len(ids) > 0, err
}
