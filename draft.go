package synclan

import "sync"

// Draft is a two-slot holder for a configuration document: the committed
// value every reader observes plus an optional in-progress draft. It is the
// transactional primitive behind "stage changes, run side effects, then
// commit or roll back". All methods are safe for concurrent use; read methods
// hand out clones so callers never alias the guarded slots.
type Draft[T any] struct {
	mu        sync.RWMutex
	clone     func(T) T
	committed T
	draft     *T
}

// NewDraft wraps an initial committed value. clone must produce a deep copy;
// it runs on every read and on draft materialization.
func NewDraft[T any](initial T, clone func(T) T) *Draft[T] {
	return &Draft[T]{clone: clone, committed: initial}
}

// Committed returns the last applied value, ignoring any pending draft.
func (d *Draft[T]) Committed() T {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clone(d.committed)
}

// Latest returns the pending draft when one exists, the committed value
// otherwise.
func (d *Draft[T]) Latest() T {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.draft != nil {
		return d.clone(*d.draft)
	}
	return d.clone(d.committed)
}

// Mutate runs fn against the draft, cloning the committed value into a fresh
// draft first when none exists. The lock is held for the duration of fn, so
// fn must not block on I/O.
func (d *Draft[T]) Mutate(fn func(*T)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draft == nil {
		c := d.clone(d.committed)
		d.draft = &c
	}
	fn(d.draft)
}

// Apply promotes the draft to committed and returns the superseded committed
// value. The second return is false when no draft was pending.
func (d *Draft[T]) Apply() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draft == nil {
		var zero T
		return zero, false
	}
	old := d.committed
	d.committed = *d.draft
	d.draft = nil
	return old, true
}

// Discard drops the pending draft and returns it, if any. The committed
// value is untouched.
func (d *Draft[T]) Discard() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draft == nil {
		var zero T
		return zero, false
	}
	dropped := *d.draft
	d.draft = nil
	return dropped, true
}
