// Package gc wires the full concurrent refcounting and cycle-collecting
// heap together behind a single Runtime handle: thread registration,
// allocation, refcount inc/dec (including the foreign-thread decref
// queue), type-id side tables, weak references, and the cycle
// collector.
package gc

import (
	"log"
	"os"
	"sync"

	"github.com/orizon-lang/orizon/internal/runtime/gc/coordinator"
	"github.com/orizon-lang/orizon/internal/runtime/gc/decrefqueue"
	"github.com/orizon-lang/orizon/internal/runtime/gc/gcapi"
	"github.com/orizon-lang/orizon/internal/runtime/gc/gcobject"
	"github.com/orizon-lang/orizon/internal/runtime/gc/heap"
	"github.com/orizon-lang/orizon/internal/runtime/gc/refcount"
	"github.com/orizon-lang/orizon/internal/runtime/gc/typeid"
	"github.com/orizon-lang/orizon/internal/runtime/gc/weakref"

	"github.com/orizon-lang/orizon/internal/runtime/gc/collector"
)

// Runtime is the single entry point embedding applications construct:
// one per OS process (or, eventually, per sub-interpreter).
type Runtime struct {
	Registry *coordinator.Registry
	Heap     *heap.Pool
	TypeIDs  *typeid.Pool
	Collector *collector.Collector
	API       *gcapi.API

	self uint64
	log  *log.Logger

	mu     sync.Mutex
	queues map[uint64]*decrefqueue.Queue
	sides  map[uint64]*typeid.SideTable
}

// New builds a Runtime. self is the thread id of the thread calling
// New, which is registered immediately and becomes the thread the
// collector itself runs on. logger defaults to the standard library's
// default logger writing to stderr if nil.
func New(self uint64, cfg collector.Config, logger *log.Logger) *Runtime {
	if logger == nil {
		logger = log.New(os.Stderr, "gc: ", log.LstdFlags)
	}

	rt := &Runtime{
		Registry: coordinator.New(),
		Heap:     heap.New(),
		TypeIDs:  typeid.New(),
		self:     self,
		log:      logger,
		queues:   make(map[uint64]*decrefqueue.Queue),
		sides:    make(map[uint64]*typeid.SideTable),
	}
	rt.Collector = collector.New(rt.Registry, rt.Heap, rt, self, cfg)
	rt.API = gcapi.New(rt.Collector, rt.Heap)

	rt.AttachThread(self)
	return rt
}

// AttachThread registers a new mutator thread with every subsystem that
// tracks per-thread state.
func (rt *Runtime) AttachThread(tid uint64) {
	rt.Registry.Register(tid)
	rt.Heap.Attach(tid)

	rt.mu.Lock()
	rt.queues[tid] = decrefqueue.New()
	rt.sides[tid] = typeid.NewSideTable(rt.TypeIDs)
	rt.mu.Unlock()
}

// DetachThread unregisters tid, draining its decref queue, abandoning
// its heap segments into the global pool, and merging its type-id side
// table — the thread-exit sequence spec §4.4/§4.5 require.
func (rt *Runtime) DetachThread(tid uint64) {
	rt.mu.Lock()
	q := rt.queues[tid]
	side := rt.sides[tid]
	delete(rt.queues, tid)
	delete(rt.sides, tid)
	rt.mu.Unlock()

	if q != nil {
		q.Process(rt, rt.dealloc)
	}
	if side != nil {
		side.Merge()
	}
	rt.Heap.Abandon(tid)
	rt.Registry.Unregister(tid)
}

// Lookup implements decrefqueue.OwnerLookup.
func (rt *Runtime) Lookup(owner uint64) (*decrefqueue.Queue, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	q, ok := rt.queues[owner]
	return q, ok
}

// DrainAll implements collector.QueueDrainer: called with the world
// stopped, so every queue may be drained without racing its owner.
func (rt *Runtime) DrainAll() {
	rt.mu.Lock()
	queues := make([]*decrefqueue.Queue, 0, len(rt.queues))
	for _, q := range rt.queues {
		queues = append(queues, q)
	}
	rt.mu.Unlock()
	for _, q := range queues {
		q.Process(rt, rt.dealloc)
	}
}

// dealloc is the terminal action once an object's combined refcount
// reaches zero: tear down its weakref ring, then remove it from
// whichever heap segment holds it.
func (rt *Runtime) dealloc(obj gcobject.Object) {
	if obj.GCHeader().WeakSlot() != nil {
		weakref.Teardown(obj)
	}
	rt.Heap.RemoveFrom(obj)
}

// Allocate assigns obj to tid's arena for tag and marks it tracked if
// typ declares a traversal callback (untracked leaf types, e.g. plain
// noGC buffers, are never published to the collector).
func (rt *Runtime) Allocate(tid uint64, tag heap.Tag, obj gcobject.Object) {
	rt.Heap.Allocate(tid, tag, obj)
	if typ := obj.GCHeader().Type(); typ != nil && typ.Traverse != nil {
		gcapi.Track(obj)
	}
}

// Incref increments obj's refcount on behalf of tid.
func (rt *Runtime) Incref(obj gcobject.Object, tid uint64) {
	refcount.Inc(obj, tid)
}

// Decref decrements obj's refcount on behalf of tid, routing a
// foreign-thread decrement through tid's decref queue and deallocating
// through the runtime's own teardown sequence when the count reaches
// zero.
func (rt *Runtime) Decref(obj gcobject.Object, tid uint64) {
	rt.mu.Lock()
	q := rt.queues[tid]
	rt.mu.Unlock()
	if q == nil {
		// tid has no registered queue (e.g. it has already exited); apply
		// directly to the shared word as the decrefqueue owner-died path
		// does.
		refcount.DecSharedDirect(obj, 1, rt.dealloc)
		return
	}
	refcount.Dec(obj, tid, q, rt.dealloc)
}

// IncrefType bumps the per-thread side-table counter for typ's dense id
// via tid's side table, used on the hot path that increments a heap
// type object's own refcount (spec §4.5).
func (rt *Runtime) IncrefType(tid uint64, id uint32) {
	rt.mu.Lock()
	side := rt.sides[tid]
	rt.mu.Unlock()
	if side != nil {
		side.Incref(id)
	}
}

// DecrefType mirrors IncrefType for the decrement direction.
func (rt *Runtime) DecrefType(tid uint64, id uint32) {
	rt.mu.Lock()
	side := rt.sides[tid]
	rt.mu.Unlock()
	if side != nil {
		side.Decref(id)
	}
}

// Collect triggers an explicit collection on the runtime's collector
// thread. The caller must be running as rt.self.
func (rt *Runtime) Collect(generation int) collector.Stats {
	return rt.Collector.Collect(generation)
}

// Logger returns the runtime's diagnostic logger.
func (rt *Runtime) Logger() *log.Logger { return rt.log }
