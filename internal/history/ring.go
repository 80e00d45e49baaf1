// Package history holds fixed-capacity, insertion-ordered buffers used for
// the capability audit trail and the recent job log.
package history

import "sync"

type Ring[T any] struct {
	mu    sync.RWMutex
	buf   []T
	limit int
}

func NewRing[T any](limit int) *Ring[T] {
	if limit <= 0 {
		limit = 1000
	}
	return &Ring[T]{limit: limit}
}

// Add appends item, evicting the oldest entry once the ring is full.
func (r *Ring[T]) Add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < r.limit {
		r.buf = append(r.buf, item)
		return
	}
	copy(r.buf, r.buf[1:])
	r.buf[len(r.buf)-1] = item
}

// List returns up to limit of the newest entries, oldest first.
func (r *Ring[T]) List(limit int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.buf) {
		limit = len(r.buf)
	}
	out := make([]T, 0, limit)
	for i := len(r.buf) - limit; i < len(r.buf); i++ {
		out = append(out, r.buf[i])
	}
	return out
}

// Filter returns up to limit of the newest entries matching keep, oldest first.
func (r *Ring[T]) Filter(keep func(T) bool, limit int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var rev []T
	for i := len(r.buf) - 1; i >= 0; i-- {
		if !keep(r.buf[i]) {
			continue
		}
		rev = append(rev, r.buf[i])
		if limit > 0 && len(rev) == limit {
			break
		}
	}
	out := make([]T, len(rev))
	for i, item := range rev {
		out[len(rev)-1-i] = item
	}
	return out
}

// Update replaces the newest entry matching match with fn's result.
func (r *Ring[T]) Update(match func(T) bool, fn func(T) T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.buf) - 1; i >= 0; i-- {
		if match(r.buf[i]) {
			r.buf[i] = fn(r.buf[i])
			return true
		}
	}
	return false
}

func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}

func (r *Ring[T]) Cap() int {
	return r.limit
}

func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
}
