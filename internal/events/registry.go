package events

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry is an in-memory listener set. Publish is synchronous; a panicking
// listener is recovered and logged so the remaining listeners still run.
type Registry[T any] struct {
	mu        sync.RWMutex
	name      string
	nextID    uint64
	listeners map[uint64]func(T)
	logger    *zap.Logger
}

func NewRegistry[T any](name string, logger *zap.Logger) *Registry[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry[T]{
		name:      name,
		listeners: make(map[uint64]func(T)),
		logger:    logger,
	}
}

// Subscribe registers fn and returns a handle that removes it. The handle is
// safe to call more than once.
func (r *Registry[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Publish delivers v to listeners in subscription order and returns the
// number of listeners that panicked.
func (r *Registry[T]) Publish(v T) int {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	r.mu.RUnlock()

	failed := 0
	for _, fn := range fns {
		if err := r.invoke(fn, v); err != nil {
			failed++
			r.logger.Warn("listener failed",
				zap.String("registry", r.name),
				zap.Error(err),
			)
		}
	}
	return failed
}

func (r *Registry[T]) invoke(fn func(T), v T) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("listener panic: %v", rec)
		}
	}()
	fn(v)
	return nil
}

func (r *Registry[T]) Clear() {
	r.mu.Lock()
	r.listeners = make(map[uint64]func(T))
	r.mu.Unlock()
}
