package scheduler

import (
	"sort"
	"sync"
)

// ResourceLockManager provides per-resource mutual exclusion between tasks.
// Uses a keyed mutex pattern: each resource key gets its own mutex, so tasks
// declaring disjoint resources run concurrently while tasks sharing a key
// never do.
type ResourceLockManager struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-resource mutexes
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex for key, creating it on first access.
func (r *ResourceLockManager) lockFor(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, exists := r.locks[key]
	if !exists {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// Unlock releases the mutex for key.
func (r *ResourceLockManager) Unlock(key string) {
	r.mu.Lock()
	l, exists := r.locks[key]
	r.mu.Unlock()

	if exists {
		l.Unlock()
	}
}

// TryLockAll acquires every key or none, without blocking. Keys are taken in
// sorted order; on the first key already held, the keys acquired so far are
// released and false is returned.
func (r *ResourceLockManager) TryLockAll(keys []string) bool {
	sorted := sortedUnique(keys)

	for i, key := range sorted {
		if !r.lockFor(key).TryLock() {
			for j := i - 1; j >= 0; j-- {
				r.Unlock(sorted[j])
			}
			return false
		}
	}
	return true
}

// UnlockAll releases locks for all given keys, in reverse sorted order.
func (r *ResourceLockManager) UnlockAll(keys []string) {
	sorted := sortedUnique(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}

// sortedUnique returns a sorted copy of keys without duplicates, so a task
// listing a key twice does not deadlock on itself.
func sortedUnique(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	out := sorted[:1]
	for _, k := range sorted[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
