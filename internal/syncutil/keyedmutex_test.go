package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_BasicLockUnlock(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.LockContext(context.Background(), "account:1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()
	unlock() // second call is a no-op

	unlock, err = m.LockContext(context.Background(), "account:1")
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	unlock()
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "counter")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d: mutual exclusion violated", n, got)
	}
}

func TestKeyedMutex_ContextDeadline(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "dispute:7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx, "dispute:7")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyedMutex_DistinctKeysIndependent(t *testing.T) {
	m := NewKeyedMutex()

	unlock1, err := m.LockContext(context.Background(), "account:1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock1()

	unlock2, ok := m.TryLock("account:2")
	if !ok {
		t.Fatal("distinct key should not be blocked")
	}
	unlock2()

	if _, ok := m.TryLock("account:1"); ok {
		t.Fatal("TryLock acquired a held key")
	}
}

func TestKeyedMutex_UnlockAllowsNext(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "order:3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "order:3")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after first released")
	}
}
