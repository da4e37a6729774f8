package ledger

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLedger_AcquireRelease(t *testing.T) {
	l := New()

	var released atomic.Int32
	h := l.Acquire("session-1", func() { released.Add(1) })

	if h.Released() {
		t.Fatal("fresh handle must start unreleased")
	}
	if l.Outstanding() != 1 {
		t.Fatalf("outstanding = %d, want 1", l.Outstanding())
	}

	l.Release(h)
	if !h.Released() {
		t.Fatal("handle not marked released")
	}
	if released.Load() != 1 {
		t.Fatalf("release fn ran %d times, want 1", released.Load())
	}
	if l.Outstanding() != 0 {
		t.Fatalf("outstanding = %d after release, want 0", l.Outstanding())
	}
}

func TestLedger_DoubleReleaseIsNoop(t *testing.T) {
	l := New()

	var released atomic.Int32
	h := l.Acquire("session-1", func() { released.Add(1) })

	l.Release(h)
	l.Release(h)
	l.Release(h)

	if released.Load() != 1 {
		t.Fatalf("underlying resource released %d times, want exactly 1", released.Load())
	}
}

func TestLedger_AuditReportsLeaks(t *testing.T) {
	l := New()

	// Distinct sessions so no handle supersedes another.
	h1 := l.Acquire("s1", nil)
	h2 := l.Acquire("s2", nil)
	l.Acquire("s3", nil)

	l.Release(h1)
	l.Release(h2)

	leaks := l.Audit(0)
	if len(leaks) != 1 {
		t.Fatalf("audit reported %d handles, want 1", len(leaks))
	}
	if leaks[0].Session != "s3" {
		t.Errorf("leaked session = %s, want s3", leaks[0].Session)
	}
}

func TestLedger_AuditThreshold(t *testing.T) {
	l := New()
	l.Acquire("s1", nil)

	if leaks := l.Audit(time.Hour); len(leaks) != 0 {
		t.Fatal("brand-new handle reported as leaked")
	}
}

func TestLedger_AcquireSupersedesPreviousSession(t *testing.T) {
	l := New()

	var firstReleased atomic.Bool
	first := l.Acquire("reader", func() { firstReleased.Store(true) })
	second := l.Acquire("reader", nil)

	if !firstReleased.Load() {
		t.Fatal("previous session handle must be released on new acquisition")
	}
	if !first.Released() {
		t.Fatal("superseded handle not marked released")
	}
	if second.Released() {
		t.Fatal("new handle must not be released")
	}
	if l.Outstanding() != 1 {
		t.Fatalf("outstanding = %d, want 1", l.Outstanding())
	}
}

func TestLedger_ReleaseByID(t *testing.T) {
	l := New()
	h := l.Acquire("s1", nil)

	if !l.ReleaseByID(h.ID()) {
		t.Fatal("ReleaseByID missed a live handle")
	}
	if l.ReleaseByID(h.ID()) {
		t.Fatal("second ReleaseByID should report no live handle")
	}
	if l.ReleaseByID("no-such-id") {
		t.Fatal("unknown id should report no live handle")
	}
}

func TestLedger_ReleaseAll(t *testing.T) {
	l := New()

	var released atomic.Int32
	for i := 0; i < 5; i++ {
		l.Acquire("", func() { released.Add(1) })
	}

	if n := l.ReleaseAll(); n != 5 {
		t.Fatalf("ReleaseAll reclaimed %d, want 5", n)
	}
	if released.Load() != 5 {
		t.Fatalf("release fns ran %d times, want 5", released.Load())
	}
	if l.Outstanding() != 0 {
		t.Fatal("handles remain after ReleaseAll")
	}
}

func TestLedger_Stats(t *testing.T) {
	l := New()

	h1 := l.Acquire("s1", nil)
	l.Acquire("s2", nil)
	l.Acquire("s1", nil) // supersedes h1
	l.Release(h1)        // no-op, already superseded

	stats := l.Stats()
	if stats.Acquired != 3 {
		t.Errorf("acquired = %d, want 3", stats.Acquired)
	}
	if stats.Released != 1 {
		t.Errorf("released = %d, want 1", stats.Released)
	}
	if stats.Outstanding != 2 {
		t.Errorf("outstanding = %d, want 2", stats.Outstanding)
	}
	if stats.Acquired-stats.Released != int64(stats.Outstanding) {
		t.Errorf("stats out of balance: %+v", stats)
	}
}

func TestLedger_ConcurrentReleases(t *testing.T) {
	l := New()

	var released atomic.Int32
	h := l.Acquire("s1", func() { released.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Release(h)
		}()
	}
	wg.Wait()

	if released.Load() != 1 {
		t.Fatalf("concurrent releases reclaimed %d times, want exactly 1", released.Load())
	}
}
