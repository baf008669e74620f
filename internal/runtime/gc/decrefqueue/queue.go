// Package decrefqueue implements per-thread queues of foreign-thread
// decrefs that could not be applied immediately because the target
// object's local refcount half was not yet merged (spec §4.2). Entries
// are drained at safe points: either transferred into the target owner's
// inbox (if the owner is still alive) or applied directly to the shared
// word (if the owner died and abandoned its heap).
package decrefqueue

import (
	"sync"

	"github.com/orizon-lang/orizon/internal/runtime/gc/gcobject"
	"github.com/orizon-lang/orizon/internal/runtime/gc/refcount"
)

// entry is one queued decref. Entries for the same (object, queuer) pair
// are applied in FIFO order; spec §4.1 requires this.
type entry struct {
	obj   gcobject.Object
	owner uint64
}

// OwnerLookup resolves whether a thread id still has a live owner, and if
// so returns its inbox Queue to transfer entries into.
type OwnerLookup interface {
	// Lookup returns the live owner's queue and true, or (nil, false) if
	// the owner thread has exited.
	Lookup(owner uint64) (*Queue, bool)
}

// Deallocator is invoked when a direct shared decrement (owner-died path)
// drives an object's combined count to zero.
type Deallocator func(obj gcobject.Object)

// Queue is one thread's queue of pending foreign decrefs, plus its inbox
// of entries transferred in from other threads' Process calls.
type Queue struct {
	mu      sync.Mutex
	pending []entry // appended by QueueDecref from any thread
	inbox   []entry // entries handed to this thread by Process elsewhere
}

// New creates an empty queue for one mutator thread.
func New() *Queue {
	return &Queue{}
}

// QueueDecref appends obj for later delivery to its owner. Safe to call
// concurrently from any thread; it is the method package refcount invokes
// through the Queuer interface.
func (q *Queue) QueueDecref(obj gcobject.Object, owner uint64) {
	q.mu.Lock()
	q.pending = append(q.pending, entry{obj: obj, owner: owner})
	q.mu.Unlock()
}

// drainPending atomically swaps out and returns the current pending
// slice, leaving the queue empty for further appends.
func (q *Queue) drainPending() []entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	out := q.pending
	q.pending = nil
	return out
}

// deliver appends entries into this queue's inbox, to be applied by the
// owning thread the next time it calls Process.
func (q *Queue) deliver(es []entry) {
	q.mu.Lock()
	q.inbox = append(q.inbox, es...)
	q.mu.Unlock()
}

// drainInbox atomically swaps out and returns the current inbox slice.
func (q *Queue) drainInbox() []entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.inbox) == 0 {
		return nil
	}
	out := q.inbox
	q.inbox = nil
	return out
}

// Process drains this thread's own pending queue (entries this thread
// queued against *other* threads' objects) by grouping them by owner and
// transferring them to live owners' inboxes, or applying them directly if
// the owner died. It then drains and applies this thread's own inbox
// (entries other threads queued against objects *this* thread owns),
// folding each into the object's local word.
//
// Process must be called at a safe point by the thread that owns this
// Queue.
func (q *Queue) Process(lookup OwnerLookup, dealloc Deallocator) {
	// Outgoing: entries we queued against other threads' objects.
	for _, e := range groupByOwner(q.drainPending()) {
		if target, alive := lookup.Lookup(e.owner); alive {
			target.deliver(e.entries)
			continue
		}
		// Owner died; the object's local half is stale. Apply directly.
		for _, en := range e.entries {
			refcount.DecSharedDirect(en.obj, 1, refcount.Deallocator(dealloc))
		}
	}

	// Incoming: entries other threads queued against objects we own.
	for _, e := range q.drainInbox() {
		refcount.ApplyOwnerDecrement(e.obj, refcount.Deallocator(dealloc))
	}
}

// groupByOwner buckets entries by owner thread id while preserving FIFO
// order within each bucket (stable partition, not a map iteration, so
// that delivery order to a given owner matches enqueue order).
type ownerGroup struct {
	owner   uint64
	entries []entry
}

func groupByOwner(es []entry) []ownerGroup {
	if len(es) == 0 {
		return nil
	}
	index := make(map[uint64]int)
	var groups []ownerGroup
	for _, e := range es {
		i, ok := index[e.owner]
		if !ok {
			i = len(groups)
			index[e.owner] = i
			groups = append(groups, ownerGroup{owner: e.owner})
		}
		groups[i].entries = append(groups[i].entries, e)
	}
	return groups
}
