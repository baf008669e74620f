package typeid

import (
	"sync"
	"testing"
)

func TestAllocateNeverReturnsZero(t *testing.T) {
	p := New()
	for i := 0; i < poolMinSize*3; i++ {
		id := p.Allocate(struct{ n int }{i})
		if id == 0 {
			t.Fatal("Allocate must never hand out id 0")
		}
	}
}

func TestReleaseThenAllocateReusesSlot(t *testing.T) {
	p := New()
	id := p.Allocate("a")
	p.Release(id)
	again := p.Allocate("b")
	if again != id {
		t.Fatalf("expected freed slot %d to be reused, got %d", id, again)
	}
	if p.Type(again) != "b" {
		t.Fatalf("Type(%d) = %v, want b", again, p.Type(again))
	}
}

func TestGrowthPreservesExistingIds(t *testing.T) {
	p := New()
	ids := make([]uint32, 0, poolMinSize+2)
	for i := 0; i < poolMinSize+2; i++ {
		ids = append(ids, p.Allocate(i))
	}
	for i, id := range ids {
		if p.Type(id) != i {
			t.Fatalf("Type(%d) = %v, want %d after growth", id, p.Type(id), i)
		}
	}
}

func TestSideTableMergeAccumulatesIntoShared(t *testing.T) {
	p := New()
	id := p.Allocate("t")

	st := NewSideTable(p)
	st.Incref(id)
	st.Incref(id)
	st.Decref(id)
	st.Merge()

	if got := p.Shared(id); got != 1 {
		t.Fatalf("Shared(%d) = %d, want 1", id, got)
	}
	if st.counts != nil {
		t.Fatal("Merge must reset the side table to empty")
	}
}

func TestSideTableHandlesPoolGrowthMidUse(t *testing.T) {
	p := New()
	first := p.Allocate("a")
	st := NewSideTable(p)
	st.Incref(first)

	// Force growth by allocating past the initial pool size.
	var last uint32
	for i := 0; i < poolMinSize*2; i++ {
		last = p.Allocate(i)
	}
	st.Incref(last)
	st.Merge()

	if got := p.Shared(first); got != 1 {
		t.Fatalf("Shared(first) = %d, want 1", got)
	}
	if got := p.Shared(last); got != 1 {
		t.Fatalf("Shared(last) = %d, want 1", got)
	}
}

func TestConcurrentSideTablesMergeIndependently(t *testing.T) {
	p := New()
	id := p.Allocate("shared-type")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := NewSideTable(p)
			for j := 0; j < 100; j++ {
				st.Incref(id)
			}
			st.Merge()
		}()
	}
	wg.Wait()

	if got := p.Shared(id); got != 1600 {
		t.Fatalf("Shared(id) = %d, want 1600", got)
	}
}
