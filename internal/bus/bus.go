// Package bus provides an in-process, synchronous, typed event bus.
//
// Handlers run inline in the publisher's goroutine, inside whatever
// transaction the publisher holds: a handler error aborts Publish and
// rolls the enclosing transaction back, so a status change and its
// ledger side effects commit or fail together. Ordering across
// handlers for the same event is not guaranteed; handlers must be
// independent and must not call back into the payment gateway.
package bus

import (
	"context"
	"fmt"
	"sync"
)

// Handler processes a published event.
type Handler[T any] func(ctx context.Context, event T) error

// Bus dispatches events of one type to its subscribed handlers.
type Bus[T any] struct {
	mu       sync.RWMutex
	handlers []Handler[T]
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers a handler. Registration is expected at startup;
// handlers cannot be removed.
func (b *Bus[T]) Subscribe(h Handler[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish invokes every handler synchronously and stops at the first
// error, which is returned to the publisher.
func (b *Bus[T]) Publish(ctx context.Context, event T) error {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			return fmt.Errorf("event handler: %w", err)
		}
	}
	return nil
}
