package keylock

import (
	"sync"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	t.Parallel()

	l := New()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("doi:10.1/x", "title:protac")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected exclusive access, saw %d concurrent holders", maxSeen)
	}
	if l.Len() != 0 {
		t.Fatalf("expected entries to be released, got %d", l.Len())
	}
}

func TestLockOppositeOrderDoesNotDeadlock(t *testing.T) {
	t.Parallel()

	l := New()
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				l.Lock("a", "b")()
			}()
			go func() {
				defer wg.Done()
				l.Lock("b", "a")()
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lock ordering deadlocked")
	}
}

func TestUnlockIsIdempotentAndIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	l := New()
	unlock := l.Lock("k", "k", "")
	if l.Len() != 1 {
		t.Fatalf("expected a single entry, got %d", l.Len())
	}
	unlock()
	unlock()
	if l.Len() != 0 {
		t.Fatalf("expected no entries after unlock, got %d", l.Len())
	}
}

func TestDisjointKeysRunConcurrently(t *testing.T) {
	t.Parallel()

	l := New()
	unlockA := l.Lock("a")
	defer unlockA()

	acquired := make(chan struct{})
	go func() {
		l.Lock("b")()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("disjoint key blocked")
	}
}
