package dedup

import (
	"fmt"
	"sync"
	"testing"
)

func TestMarkSeenThenDuplicate(t *testing.T) {
	d := New(100)

	sig := "aabbcc"
	if d.IsDuplicate(sig) {
		t.Fatal("fresh signature must not be a duplicate")
	}

	d.MarkSeen(sig)
	if !d.IsDuplicate(sig) {
		t.Fatal("marked signature must be a duplicate")
	}
}

func TestEvictionBoundsSize(t *testing.T) {
	d := New(4)

	for i := 0; i < 5; i++ {
		d.MarkSeen(fmt.Sprintf("sig-%d", i))
	}

	if d.Size() > 4 {
		t.Errorf("cache size %d exceeds max 4", d.Size())
	}
	// The most recent insert always survives the eviction pass.
	if !d.IsDuplicate("sig-4") {
		t.Error("most recent signature must be present after eviction")
	}
}

func TestEvictionDropsRoughlyHalf(t *testing.T) {
	d := New(100)
	for i := 0; i < 100; i++ {
		d.MarkSeen(fmt.Sprintf("sig-%d", i))
	}

	// The next insert triggers eviction of ~50 entries.
	d.MarkSeen("overflow")

	if d.Size() < 40 || d.Size() > 60 {
		t.Errorf("expected roughly half retained, got %d", d.Size())
	}
	if !d.IsDuplicate("overflow") {
		t.Error("inserted signature must be present")
	}
}

func TestClear(t *testing.T) {
	d := New(10)
	d.MarkSeen("one")
	d.MarkSeen("two")

	d.Clear()

	if d.Size() != 0 {
		t.Errorf("expected empty cache after Clear, got %d", d.Size())
	}
	if d.IsDuplicate("one") {
		t.Error("cleared signature must not be a duplicate")
	}
}

func TestConcurrentAccess(t *testing.T) {
	d := New(1000)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				sig := fmt.Sprintf("g%d-sig-%d", g, i)
				d.MarkSeen(sig)
				d.IsDuplicate(sig)
			}
		}(g)
	}
	wg.Wait()

	if d.Size() > 1000 {
		t.Errorf("cache exceeded bound under concurrency: %d", d.Size())
	}
}
