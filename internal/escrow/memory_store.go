package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and dev mode. It
// implements database.Snapshotter for transactional rollback.
type MemoryStore struct {
	mu      sync.RWMutex
	holds   map[string]*Hold
	byOwner map[string]string // ownerType/ownerID -> hold ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holds:   make(map[string]*Hold),
		byOwner: make(map[string]string),
	}
}

func ownerKey(ownerType, ownerID string) string {
	return ownerType + "/" + ownerID
}

type memorySnapshot struct {
	holds   map[string]*Hold
	byOwner map[string]string
}

func (s *MemoryStore) Snapshot() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &memorySnapshot{
		holds:   make(map[string]*Hold, len(s.holds)),
		byOwner: make(map[string]string, len(s.byOwner)),
	}
	for k, v := range s.holds {
		h := *v
		snap.holds[k] = &h
	}
	for k, v := range s.byOwner {
		snap.byOwner[k] = v
	}
	return snap
}

func (s *MemoryStore) Restore(state any) {
	snap, ok := state.(*memorySnapshot)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds = snap.holds
	s.byOwner = snap.byOwner
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) GetForUpdate(ctx context.Context, id string) (*Hold, error) {
	return s.Get(ctx, id)
}

func (s *MemoryStore) GetByOwner(ctx context.Context, ownerType, ownerID string) (*Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOwner[ownerKey(ownerType, ownerID)]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *s.holds[id]
	return &cp, nil
}

func (s *MemoryStore) Create(ctx context.Context, h *Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.holds[h.ID] = &cp
	s.byOwner[ownerKey(h.OwnerType, h.OwnerID)] = h.ID
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, h *Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.holds[h.ID]; !ok {
		return ErrHoldNotFound
	}
	cp := *h
	s.holds[h.ID] = &cp
	return nil
}

func (s *MemoryStore) ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]*Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Hold
	for _, h := range s.holds {
		if h.Status == StatusHeld && h.AutoReleaseAt != nil && !h.AutoReleaseAt.After(now) {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AutoReleaseAt.Before(*out[j].AutoReleaseAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status string, limit int) ([]*Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Hold
	for _, h := range s.holds {
		if h.Status == status {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].HeldAt.Before(out[j].HeldAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
