package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
)

// TestResourceLockManager_TryLockAllUnlock verifies basic acquire/release.
func TestResourceLockManager_TryLockAllUnlock(t *testing.T) {
	mgr := NewResourceLockManager()

	if !mgr.TryLockAll([]string{"db"}) {
		t.Fatal("expected first TryLockAll to succeed")
	}
	mgr.UnlockAll([]string{"db"})

	// Should be able to lock again after unlock
	if !mgr.TryLockAll([]string{"db"}) {
		t.Fatal("expected TryLockAll after unlock to succeed")
	}
	mgr.UnlockAll([]string{"db"})
}

// TestResourceLockManager_SharedKeyRefused verifies that a held key refuses a
// second holder without blocking.
func TestResourceLockManager_SharedKeyRefused(t *testing.T) {
	mgr := NewResourceLockManager()

	if !mgr.TryLockAll([]string{"schema", "api"}) {
		t.Fatal("expected TryLockAll to succeed")
	}
	if mgr.TryLockAll([]string{"api"}) {
		t.Error("expected TryLockAll on a held key to fail")
	}
	if !mgr.TryLockAll([]string{"docs"}) {
		t.Error("expected TryLockAll on a disjoint key to succeed")
	}
}

// TestResourceLockManager_AllOrNothing verifies that a partial acquisition is
// rolled back.
func TestResourceLockManager_AllOrNothing(t *testing.T) {
	mgr := NewResourceLockManager()

	if !mgr.TryLockAll([]string{"b"}) {
		t.Fatal("expected lock on b")
	}

	// "a" sorts first and is acquired before "b" is found held.
	if mgr.TryLockAll([]string{"b", "a"}) {
		t.Fatal("expected TryLockAll to fail while b is held")
	}

	// "a" must have been released again.
	if !mgr.TryLockAll([]string{"a"}) {
		t.Error("partial acquisition of a was not released")
	}
}

// TestResourceLockManager_DuplicateKeys verifies that repeating a key does
// not make a task conflict with itself.
func TestResourceLockManager_DuplicateKeys(t *testing.T) {
	mgr := NewResourceLockManager()

	keys := []string{"a", "a", "b"}
	if !mgr.TryLockAll(keys) {
		t.Fatal("expected TryLockAll with duplicate keys to succeed")
	}
	mgr.UnlockAll(keys)

	if !mgr.TryLockAll([]string{"a", "b"}) {
		t.Error("locks were not fully released by UnlockAll")
	}
}

// TestResourceLockManager_ConcurrentExclusion verifies that at most one
// goroutine holds a shared key at any time.
func TestResourceLockManager_ConcurrentExclusion(t *testing.T) {
	mgr := NewResourceLockManager()
	var holders, maxHolders atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if !mgr.TryLockAll([]string{"shared", "x"}) {
					continue
				}
				n := holders.Add(1)
				for {
					old := maxHolders.Load()
					if n <= old || maxHolders.CompareAndSwap(old, n) {
						break
					}
				}
				holders.Add(-1)
				mgr.UnlockAll([]string{"shared", "x"})
			}
		}()
	}
	wg.Wait()

	if maxHolders.Load() > 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxHolders.Load())
	}
}

// TestResourceLockManager_EmptyKeys verifies that empty key sets always succeed.
func TestResourceLockManager_EmptyKeys(t *testing.T) {
	mgr := NewResourceLockManager()

	if !mgr.TryLockAll(nil) || !mgr.TryLockAll([]string{}) {
		t.Error("expected empty TryLockAll to succeed")
	}
	mgr.UnlockAll(nil)
}
