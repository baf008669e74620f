package refcount

import (
	"sync"
	"testing"

	"github.com/orizon-lang/orizon/internal/runtime/gc/gcobject"
)

type testObj struct {
	h gcobject.Header
}

func (o *testObj) GCHeader() *gcobject.Header { return &o.h }

type recordingQueuer struct {
	mu    sync.Mutex
	calls []uint64
}

func (q *recordingQueuer) QueueDecref(obj gcobject.Object, owner uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, owner)
}

func newTestObj(tid uint64) *testObj {
	return &testObj{h: gcobject.NewHeader(tid, &gcobject.TypeInfo{Name: "test"})}
}

func TestOwnerThreadIncDec(t *testing.T) {
	o := newTestObj(1)
	Inc(o, 1)
	Inc(o, 1)
	if got := Total(o); got != 3 {
		t.Fatalf("Total = %d, want 3", got)
	}

	deallocated := false
	Dec(o, 1, &recordingQueuer{}, func(gcobject.Object) { deallocated = true })
	Dec(o, 1, &recordingQueuer{}, func(gcobject.Object) { deallocated = true })
	if got := Total(o); got != 1 {
		t.Fatalf("Total = %d, want 1", got)
	}
	if deallocated {
		t.Fatal("deallocated too early")
	}

	Dec(o, 1, &recordingQueuer{}, func(gcobject.Object) { deallocated = true })
	if !deallocated {
		t.Fatal("expected deallocation at zero")
	}
}

func TestForeignThreadIncGoesToSharedWord(t *testing.T) {
	o := newTestObj(1)
	Inc(o, 2) // foreign thread 2
	if got := Total(o); got != 2 {
		t.Fatalf("Total = %d, want 2", got)
	}
}

func TestForeignThreadDecIsQueuedNotApplied(t *testing.T) {
	o := newTestObj(1)
	q := &recordingQueuer{}
	dealloc := func(gcobject.Object) { t.Fatal("dealloc should not run on queued path") }

	Dec(o, 2, q, dealloc) // foreign thread 2, local half unmerged
	if len(q.calls) != 1 || q.calls[0] != 1 {
		t.Fatalf("expected one queued call to owner 1, got %v", q.calls)
	}
	// Refcount is unaffected until the owner drains the queue.
	if got := Total(o); got != 1 {
		t.Fatalf("Total = %d, want 1 (unaffected by queueing)", got)
	}
}

func TestMergeThenForeignDecGoesDirect(t *testing.T) {
	o := newTestObj(1)
	MergeToShared(o)

	dealloc := false
	Dec(o, 2, &recordingQueuer{}, func(gcobject.Object) { dealloc = true })
	if !dealloc {
		t.Fatal("expected direct shared decrement to dealloc at zero")
	}
}

func TestImmortalIsNoOp(t *testing.T) {
	o := newTestObj(1)
	SetImmortal(o)
	Inc(o, 5)
	Dec(o, 5, &recordingQueuer{}, func(gcobject.Object) { t.Fatal("immortal must never dealloc") })
	if got := Total(o); got < 1<<20 {
		t.Fatalf("immortal Total should report a large sentinel, got %d", got)
	}
}

func TestIncIfNonzeroFailsAfterDeath(t *testing.T) {
	o := newTestObj(1)
	MergeToShared(o)
	Dec(o, 1, &recordingQueuer{}, func(gcobject.Object) {})
	if IncIfNonzero(o) {
		t.Fatal("IncIfNonzero must fail once merged-and-zero")
	}
}

func TestIncIfNonzeroSucceedsWhileAlive(t *testing.T) {
	o := newTestObj(1)
	if !IncIfNonzero(o) {
		t.Fatal("IncIfNonzero should succeed on a live object")
	}
	if got := Total(o); got != 2 {
		t.Fatalf("Total = %d, want 2", got)
	}
}

func TestDeferredReconciliation(t *testing.T) {
	o := newTestObj(1)
	SetDeferred(o)
	// Deferred objects report one less than their raw local+shared count.
	if got := Total(o); got != 0 {
		t.Fatalf("Total = %d, want 0 for a fresh deferred object", got)
	}
}

func TestConcurrentForeignIncrements(t *testing.T) {
	o := newTestObj(1)
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(tid uint64) {
			defer wg.Done()
			Inc(o, tid)
		}(uint64(2 + i%4))
	}
	wg.Wait()
	if got := Total(o); got != n+1 {
		t.Fatalf("Total = %d, want %d", got, n+1)
	}
}
