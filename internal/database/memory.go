package database

import (
	"context"
	"sync"
)

// Snapshotter is implemented by in-memory stores that participate in
// Memory transactions. Snapshot returns an opaque deep copy of the
// store's state; Restore puts it back after a rolled-back transaction.
type Snapshotter interface {
	Snapshot() any
	Restore(snapshot any)
}

type memTxKeyType struct{}

var memTxKey memTxKeyType

// Memory implements DB for the in-memory stores used in development
// and tests. Transactions are serialized by a single mutex; rollback
// restores a snapshot of every registered store.
type Memory struct {
	mu     sync.Mutex
	stores []Snapshotter
}

// NewMemory creates an in-memory transactional boundary.
func NewMemory() *Memory {
	return &Memory{}
}

// Register adds a store to the set snapshotted on each transaction.
// Stores register themselves at construction time.
func (m *Memory) Register(s Snapshotter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores = append(m.stores, s)
}

// InTx serializes the transaction, snapshots all registered stores and
// restores them if fn fails. Nested calls join the open transaction.
func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if active, ok := ctx.Value(memTxKey).(bool); ok && active {
		return fn(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshots := make([]any, len(m.stores))
	for i, s := range m.stores {
		snapshots[i] = s.Snapshot()
	}

	if err := fn(context.WithValue(ctx, memTxKey, true)); err != nil {
		for i, s := range m.stores {
			s.Restore(snapshots[i])
		}
		return err
	}
	return nil
}
