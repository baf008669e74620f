// Package heap implements the per-thread segregated heap (spec §4.4):
// each mutator owns arenas tagged gc, gc_pre, and noGC; a thread that
// exits abandons its segments into a global pool from which another
// thread may later reclaim them.
package heap

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/orizon-lang/orizon/internal/runtime/gc/gcobject"
)

// Tag distinguishes the three arena kinds a per-thread heap segregates.
type Tag int

const (
	// TagGC holds ordinary cycle-collectable objects (spec §3: "objects
	// with a GC link").
	TagGC Tag = iota
	// TagGCPre holds collectable objects that need extra bytes before the
	// header, e.g. to anchor a weak-reference root inline.
	TagGCPre
	// TagNoGC holds objects that are refcounted but never cycle-traced.
	TagNoGC
)

func (t Tag) String() string {
	switch t {
	case TagGC:
		return "gc"
	case TagGCPre:
		return "gc_pre"
	case TagNoGC:
		return "noGC"
	default:
		return "unknown"
	}
}

const segmentCapacity = 256

// Segment is a visitable batch of allocations within one tag. Spec §4.4:
// "Segments within each tag are visitable by a callback that receives
// each live block; a segment abandoned by an exiting thread is placed in
// an abandoned pool from which another thread may reclaim it."
type Segment struct {
	tag Tag

	mu      sync.Mutex
	owner   uint64 // the thread id that currently owns this segment's free space
	objects []gcobject.Object
}

func newSegment(tag Tag, owner uint64) *Segment {
	return &Segment{tag: tag, owner: owner, objects: make([]gcobject.Object, 0, segmentCapacity)}
}

// Owner returns the thread id that currently owns this segment, i.e. may
// allocate new blocks into its free space.
func (s *Segment) Owner() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

func (s *Segment) full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects) >= segmentCapacity
}

func (s *Segment) add(obj gcobject.Object) {
	s.mu.Lock()
	s.objects = append(s.objects, obj)
	s.mu.Unlock()
}

// Visit calls fn for every live block currently recorded in this segment.
func (s *Segment) Visit(fn func(gcobject.Object)) {
	s.mu.Lock()
	objs := make([]gcobject.Object, len(s.objects))
	copy(objs, s.objects)
	s.mu.Unlock()
	for _, o := range objs {
		fn(o)
	}
}

// Remove drops obj from the segment's live-block list, called once its
// combined refcount reaches zero and it has been deallocated.
func (s *Segment) Remove(obj gcobject.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.objects {
		if o == obj {
			s.objects[i] = s.objects[len(s.objects)-1]
			s.objects = s.objects[:len(s.objects)-1]
			return
		}
	}
}

// Owns reports whether tid may treat obj's local refcount half as its
// own: either obj's header still names tid as owner, or this segment
//(whose free space tid now controls after a reclaim) does. Spec §4.4:
// "ownership transfer is observed by mutators via a check: owner-id ==
// current-thread-id OR segment-owner == current-thread-id."
func (s *Segment) Owns(tid uint64, obj gcobject.Object) bool {
	if obj.GCHeader().Owner() == tid {
		return true
	}
	return s.Owner() == tid
}

// threadHeap is one mutator's arenas, one per Tag.
type threadHeap struct {
	tid     uint64
	mu      sync.Mutex
	current [3]*Segment   // the segment currently accepting new allocations, per tag
	all     [3][]*Segment // every segment ever owned by this thread, per tag
}

func newThreadHeap(tid uint64) *threadHeap {
	return &threadHeap{tid: tid}
}

// Pool is the global abandoned-segment pool plus the set of live
// per-thread heaps. It is the one type client code constructs.
type Pool struct {
	mu        sync.Mutex
	threads   map[uint64]*threadHeap
	abandoned [3][]*Segment

	reclaimSem *semaphore.Weighted
}

// New creates an empty heap manager. Concurrent abandoned-segment
// reclaims are throttled to GOMAXPROCS in flight at once, avoiding a
// thundering herd of newly-started threads all scanning the pool when a
// burst of threads start around the same time.
func New() *Pool {
	return &Pool{
		threads:    make(map[uint64]*threadHeap),
		reclaimSem: semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
}

// Attach registers a fresh per-thread heap for tid.
func (p *Pool) Attach(tid uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads[tid] = newThreadHeap(tid)
}

// Allocate records obj as newly allocated by tid into the arena for tag,
// appending to the thread's current segment for that tag (starting a new
// one if full or absent). obj's header must already have tid recorded as
// owner (gcobject.NewHeader does this).
func (p *Pool) Allocate(tid uint64, tag Tag, obj gcobject.Object) *Segment {
	p.mu.Lock()
	th, ok := p.threads[tid]
	if !ok {
		th = newThreadHeap(tid)
		p.threads[tid] = th
	}
	p.mu.Unlock()

	th.mu.Lock()
	defer th.mu.Unlock()
	seg := th.current[tag]
	if seg == nil || seg.full() {
		seg = newSegment(tag, tid)
		th.current[tag] = seg
		th.all[tag] = append(th.all[tag], seg)
	}
	seg.add(obj)
	return seg
}

// Abandon moves every segment owned by tid into the global abandoned
// pool and forgets the thread's heap (spec §4.4: "Thread exit abandons
// all heaps: their segments join a global abandoned pool"). Live blocks
// keep their stale owner id; foreign refcount ops against them fall
// through to the shared path until some thread reclaims the segment.
func (p *Pool) Abandon(tid uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	th, ok := p.threads[tid]
	if !ok {
		return
	}
	for tag := range th.all {
		p.abandoned[tag] = append(p.abandoned[tag], th.all[tag]...)
	}
	delete(p.threads, tid)
}

// Reclaim takes ownership of one abandoned segment for tag, if any is
// available, and attaches tid's heap if it does not already have one.
// The segment's Owner becomes tid, so its remaining free space (and any
// stale-owned live blocks within it) are now treated as tid's per the
// Segment.Owns check; this does not require rewriting every live
// object's header. Returns nil if the pool has no segment for tag.
func (p *Pool) Reclaim(ctx context.Context, tid uint64, tag Tag) *Segment {
	if err := p.reclaimSem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer p.reclaimSem.Release(1)

	p.mu.Lock()
	defer p.mu.Unlock()

	segs := p.abandoned[tag]
	if len(segs) == 0 {
		return nil
	}
	seg := segs[len(segs)-1]
	p.abandoned[tag] = segs[:len(segs)-1]

	seg.mu.Lock()
	seg.owner = tid
	seg.mu.Unlock()

	th, ok := p.threads[tid]
	if !ok {
		th = newThreadHeap(tid)
		p.threads[tid] = th
	}
	th.mu.Lock()
	th.current[tag] = seg
	th.all[tag] = append(th.all[tag], seg)
	th.mu.Unlock()

	return seg
}

// VisitAll calls fn for every live block across every per-thread heap and
// every abandoned segment, across all three tags. It is the enumeration
// primitive the cycle collector uses during its Prepare/Enumerate
// phases; callers must hold the world stopped while iterating.
func (p *Pool) VisitAll(fn func(tag Tag, obj gcobject.Object)) {
	p.mu.Lock()
	var segs []*Segment
	for _, th := range p.threads {
		th.mu.Lock()
		for tag := range th.all {
			segs = append(segs, th.all[tag]...)
		}
		th.mu.Unlock()
	}
	for tag := range p.abandoned {
		segs = append(segs, p.abandoned[tag]...)
	}
	p.mu.Unlock()

	for _, seg := range segs {
		tag := seg.tag
		seg.Visit(func(o gcobject.Object) { fn(tag, o) })
	}
}

// RemoveFrom finds the segment containing obj among every per-thread and
// abandoned segment and removes it. Used by the deallocation path once
// an object's refcount reaches zero. This is O(segments) and intended
// for correctness, not allocator-hot-path performance; a production
// implementation would have Allocate return the owning Segment to the
// caller for O(1) removal (Allocate already does — callers should retain
// it rather than calling RemoveFrom when possible).
func (p *Pool) RemoveFrom(obj gcobject.Object) {
	p.mu.Lock()
	var segs []*Segment
	for _, th := range p.threads {
		th.mu.Lock()
		for tag := range th.all {
			segs = append(segs, th.all[tag]...)
		}
		th.mu.Unlock()
	}
	for tag := range p.abandoned {
		segs = append(segs, p.abandoned[tag]...)
	}
	p.mu.Unlock()

	for _, seg := range segs {
		seg.Remove(obj)
	}
}
