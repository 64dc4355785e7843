package payments

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and dev mode. It
// implements database.Snapshotter for transactional rollback.
type MemoryStore struct {
	mu    sync.RWMutex
	byRef map[string]*Payment
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRef: make(map[string]*Payment)}
}

func (s *MemoryStore) Snapshot() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string]*Payment, len(s.byRef))
	for k, v := range s.byRef {
		p := clonePayment(v)
		snap[k] = p
	}
	return snap
}

func (s *MemoryStore) Restore(state any) {
	snap, ok := state.(map[string]*Payment)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRef = snap
}

func (s *MemoryStore) Get(ctx context.Context, orderReference string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byRef[orderReference]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePayment(p), nil
}

func (s *MemoryStore) GetForUpdate(ctx context.Context, orderReference string) (*Payment, error) {
	return s.Get(ctx, orderReference)
}

func (s *MemoryStore) Insert(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byRef[p.OrderReference]; exists {
		return ErrDuplicateReference
	}
	s.byRef[p.OrderReference] = clonePayment(p)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byRef[p.OrderReference]; !ok {
		return ErrNotFound
	}
	s.byRef[p.OrderReference] = clonePayment(p)
	return nil
}

func (s *MemoryStore) ListInFlight(ctx context.Context, limit int) ([]*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Payment
	for _, p := range s.byRef {
		if !Terminal(p.Status) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
