// README: In-process user store for development and tests.
package courier

import (
	"context"
	"sort"
	"sync"
	"time"

	"courier/internal/types"
)

type MemoryStore struct {
	mu    sync.Mutex
	users map[types.ID]*User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[types.ID]*User)}
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		s.users[u.ID] = u.Clone()
	}
	return nil
}

func (s *MemoryStore) Save(_ context.Context, u *User, expectVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[u.ID]
	if !ok || cur.Version != expectVersion {
		return ErrConflict
	}
	next := u.Clone()
	next.Version = expectVersion + 1
	next.UpdatedAt = time.Now()
	s.users[u.ID] = next
	return nil
}

// Update applies fn to the stored user under the store lock. The change is kept only if fn
// returns nil. Callers composing multi-entity commits use it for the user half.
func (s *MemoryStore) Update(id types.ID, fn func(u *User) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now()
	s.users[id] = next
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter, page types.Page) ([]*User, int, error) {
	s.mu.Lock()
	var all []*User
	for _, u := range s.users {
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		if f.AvailableOnly && (!u.Eligible() || !u.Profile.Available) {
			continue
		}
		all = append(all, u.Clone())
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
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
