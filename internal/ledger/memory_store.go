package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/pochipay/pochi/internal/money"
)

// MemoryStore is an in-memory Store for tests and dev mode. It
// implements database.Snapshotter so the memory transaction manager
// can roll mutations back when a transactional closure fails.
type MemoryStore struct {
	mu        sync.RWMutex
	wallets   map[string]*Wallet // by wallet ID
	byAccount map[string]string  // account ID -> wallet ID
	entries   map[string]*Entry  // by entry ID
	byRef     map[string]string  // reference -> entry ID
	byPayout  map[string]string  // payout ID -> entry ID
	order     []string           // entry IDs in insertion order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[string]*Wallet),
		byAccount: make(map[string]string),
		entries:   make(map[string]*Entry),
		byRef:     make(map[string]string),
		byPayout:  make(map[string]string),
	}
}

type memorySnapshot struct {
	wallets   map[string]*Wallet
	byAccount map[string]string
	entries   map[string]*Entry
	byRef     map[string]string
	byPayout  map[string]string
	order     []string
}

// Snapshot captures the current state for transactional rollback.
func (s *MemoryStore) Snapshot() any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &memorySnapshot{
		wallets:   make(map[string]*Wallet, len(s.wallets)),
		byAccount: make(map[string]string, len(s.byAccount)),
		entries:   make(map[string]*Entry, len(s.entries)),
		byRef:     make(map[string]string, len(s.byRef)),
		byPayout:  make(map[string]string, len(s.byPayout)),
		order:     append([]string(nil), s.order...),
	}
	for k, v := range s.wallets {
		w := *v
		snap.wallets[k] = &w
	}
	for k, v := range s.byAccount {
		snap.byAccount[k] = v
	}
	for k, v := range s.entries {
		e := *v
		snap.entries[k] = &e
	}
	for k, v := range s.byRef {
		snap.byRef[k] = v
	}
	for k, v := range s.byPayout {
		snap.byPayout[k] = v
	}
	return snap
}

// Restore rolls the store back to a snapshot.
func (s *MemoryStore) Restore(state any) {
	snap, ok := state.(*memorySnapshot)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets = snap.wallets
	s.byAccount = snap.byAccount
	s.entries = snap.entries
	s.byRef = snap.byRef
	s.byPayout = snap.byPayout
	s.order = snap.order
}

func (s *MemoryStore) GetWallet(ctx context.Context, walletID string) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) GetWalletByAccount(ctx context.Context, accountID string) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAccount[accountID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *s.wallets[id]
	return &cp, nil
}

// GetWalletByAccountForUpdate is a plain read here; the memory
// transaction manager serializes writers with its own mutex.
func (s *MemoryStore) GetWalletByAccountForUpdate(ctx context.Context, accountID string) (*Wallet, error) {
	return s.GetWalletByAccount(ctx, accountID)
}

func (s *MemoryStore) CreateWallet(ctx context.Context, w *Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.wallets[w.ID] = &cp
	s.byAccount[w.AccountID] = w.ID
	return nil
}

func (s *MemoryStore) UpdateWallet(ctx context.Context, w *Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.ID]; !ok {
		return ErrWalletNotFound
	}
	cp := *w
	s.wallets[w.ID] = &cp
	return nil
}

func (s *MemoryStore) InsertEntry(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byRef[e.Reference]; exists {
		return ErrDuplicateReference
	}
	cp := *e
	s.entries[e.ID] = &cp
	s.byRef[e.Reference] = e.ID
	if e.PayoutID != "" {
		// The compensating refund carries the payout ID too; keep the
		// index pointing at the original debit entry.
		if _, ok := s.byPayout[e.PayoutID]; !ok {
			s.byPayout[e.PayoutID] = e.ID
		}
	}
	s.order = append(s.order, e.ID)
	return nil
}

func (s *MemoryStore) UpdateEntry(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; !ok {
		return ErrEntryNotFound
	}
	cp := *e
	s.entries[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEntryByReference(ctx context.Context, reference string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRef[reference]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *s.entries[id]
	return &cp, nil
}

func (s *MemoryStore) GetEntryByPayout(ctx context.Context, payoutID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPayout[payoutID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *s.entries[id]
	return &cp, nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, walletID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[s.order[i]]
		if e.WalletID == walletID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SumEntries(ctx context.Context, walletID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := new(big.Int)
	for _, id := range s.order {
		e := s.entries[id]
		if e.WalletID != walletID {
			continue
		}
		v, ok := money.Parse(e.Effect())
		if !ok {
			continue
		}
		sum.Add(sum, v)
	}
	return money.Format(sum), nil
}
