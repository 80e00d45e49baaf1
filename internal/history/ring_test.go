package history

import (
	"sync"
	"testing"
)

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Add(i)
	}
	got := r.List(0)
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("unexpected contents: %v", got)
	}
	if last := r.List(1); len(last) != 1 || last[0] != 5 {
		t.Fatalf("unexpected tail: %v", last)
	}
}

func TestRingFilterKeepsOrder(t *testing.T) {
	r := NewRing[int](10)
	for i := 0; i < 10; i++ {
		r.Add(i)
	}
	even := r.Filter(func(v int) bool { return v%2 == 0 }, 2)
	if len(even) != 2 || even[0] != 6 || even[1] != 8 {
		t.Fatalf("unexpected filter result: %v", even)
	}
}

func TestRingUpdate(t *testing.T) {
	r := NewRing[string](4)
	r.Add("a")
	r.Add("b")
	if !r.Update(func(s string) bool { return s == "a" }, func(string) string { return "A" }) {
		t.Fatalf("expected update to match")
	}
	if got := r.List(0); got[0] != "A" {
		t.Fatalf("update not applied: %v", got)
	}
	if r.Update(func(s string) bool { return s == "z" }, func(s string) string { return s }) {
		t.Fatalf("expected no match")
	}
}

func TestRingConcurrentWriters(t *testing.T) {
	r := NewRing[int](50)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Add(i)
			}
		}()
	}
	wg.Wait()
	if r.Len() != 50 {
		t.Fatalf("expected ring to stay bounded, got %d", r.Len())
	}
}
