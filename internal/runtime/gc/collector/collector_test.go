package collector

import (
	"sync"
	"testing"

	"github.com/orizon-lang/orizon/internal/runtime/gc/coordinator"
	"github.com/orizon-lang/orizon/internal/runtime/gc/gcobject"
	"github.com/orizon-lang/orizon/internal/runtime/gc/heap"
	"github.com/orizon-lang/orizon/internal/runtime/gc/refcount"
	"github.com/orizon-lang/orizon/internal/runtime/gc/weakref"
)

// node is a minimal collectable type used to exercise the ten phases:
// it holds a set of strong outgoing references and supports the
// traverse/clear contract.
type node struct {
	h    gcobject.Header
	refs []gcobject.Object
}

func (n *node) GCHeader() *gcobject.Header { return &n.h }

type noopQueuer struct{}

func (noopQueuer) QueueDecref(obj gcobject.Object, owner uint64) {}

type noopDrainer struct{}

func (noopDrainer) DrainAll() {}

// fixture bundles the shared plumbing every scenario needs.
type fixture struct {
	reg  *coordinator.Registry
	pool *heap.Pool
	coll *Collector
	tid  uint64

	mu         sync.Mutex
	deallocs   map[gcobject.Object]bool
	finalized  []gcobject.Object
	weakrefHit []gcobject.Object
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:      coordinator.New(),
		pool:     heap.New(),
		deallocs: make(map[gcobject.Object]bool),
		tid:      1,
	}
	f.reg.Register(f.tid)
	f.pool.Attach(f.tid)
	f.coll = New(f.reg, f.pool, noopDrainer{}, f.tid, Config{})
	return f
}

func (f *fixture) dealloc(obj gcobject.Object) {
	f.mu.Lock()
	f.deallocs[obj] = true
	f.mu.Unlock()
}

func (f *fixture) isDealloced(obj gcobject.Object) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deallocs[obj]
}

func (f *fixture) collectableType(name string) *gcobject.TypeInfo {
	typ := &gcobject.TypeInfo{Name: name, WeaklyReferenceable: true}
	typ.Traverse = func(obj gcobject.Object, visit func(gcobject.Object) bool) {
		n := obj.(*node)
		for _, r := range n.refs {
			if !visit(r) {
				return
			}
		}
	}
	typ.Clear = func(obj gcobject.Object) {
		n := obj.(*node)
		refs := n.refs
		n.refs = nil
		for _, r := range refs {
			refcount.Dec(r, f.tid, noopQueuer{}, f.dealloc)
		}
	}
	return typ
}

func (f *fixture) newNode(typ *gcobject.TypeInfo) *node {
	n := &node{h: gcobject.NewHeader(f.tid, typ)}
	n.h.SetBits(gcobject.FlagTracked)
	f.pool.Allocate(f.tid, heap.TagGC, n)
	return n
}

// link establishes a strong reference from -> to, incrementing to's
// refcount the way a bytecode STORE would.
func link(from *node, to gcobject.Object) {
	refcount.Inc(to, from.h.Owner())
	from.refs = append(from.refs, to)
}

func TestSelfCycleIsCollected(t *testing.T) {
	f := newFixture(t)
	typ := f.collectableType("SelfCycle")

	a := f.newNode(typ)
	link(a, a) // a refers to itself
	// Drop the only external (stack) reference, leaving just the self-loop.
	refcount.Dec(a, f.tid, noopQueuer{}, f.dealloc)

	stats := f.coll.Collect(0)
	if stats.Collected != 1 {
		t.Fatalf("Collected = %d, want 1", stats.Collected)
	}
	if !f.isDealloced(a) {
		t.Fatal("expected the self-cycle node to be deallocated")
	}
}

func TestTwoCycleWithFinalizerIsCollectedAfterFinalize(t *testing.T) {
	f := newFixture(t)
	typ := f.collectableType("Pair")
	typ.Finalize = func(obj gcobject.Object) {
		f.mu.Lock()
		f.finalized = append(f.finalized, obj)
		f.mu.Unlock()
	}

	a := f.newNode(typ)
	b := f.newNode(typ)
	link(a, b)
	link(b, a)
	// Drop both external (stack) references; only the mutual cycle remains.
	refcount.Dec(a, f.tid, noopQueuer{}, f.dealloc)
	refcount.Dec(b, f.tid, noopQueuer{}, f.dealloc)

	stats := f.coll.Collect(0)
	if stats.Collected != 2 {
		t.Fatalf("Collected = %d, want 2", stats.Collected)
	}
	f.mu.Lock()
	finalizedCount := len(f.finalized)
	f.mu.Unlock()
	if finalizedCount != 2 {
		t.Fatalf("expected both cycle members finalized, got %d", finalizedCount)
	}
	if !f.isDealloced(a) || !f.isDealloced(b) {
		t.Fatal("expected both cycle members deallocated")
	}
}

func TestWeakrefCallbackFiresWhenReferentCollected(t *testing.T) {
	f := newFixture(t)
	typ := f.collectableType("Cyclic")

	a := f.newNode(typ)
	link(a, a)
	refcount.Dec(a, f.tid, noopQueuer{}, f.dealloc)

	called := false
	if _, err := weakref.New(a, func(*weakref.Ref) { called = true }); err != nil {
		t.Fatal(err)
	}

	f.coll.Collect(0)
	if !called {
		t.Fatal("expected weakref callback to fire when its referent is collected")
	}
}

func TestLegacyFinalizerCycleIsUncollectable(t *testing.T) {
	f := newFixture(t)
	typ := f.collectableType("Legacy")
	typ.LegacyFinalizer = true

	a := f.newNode(typ)
	b := f.newNode(typ)
	link(a, b)
	link(b, a)
	refcount.Dec(a, f.tid, noopQueuer{}, f.dealloc)
	refcount.Dec(b, f.tid, noopQueuer{}, f.dealloc)

	stats := f.coll.Collect(0)
	if stats.Uncollectable != 2 {
		t.Fatalf("Uncollectable = %d, want 2", stats.Uncollectable)
	}
	if stats.Collected != 0 {
		t.Fatalf("Collected = %d, want 0 (legacy finalizer cycle must not be cleared)", stats.Collected)
	}
	garbage := f.coll.Garbage()
	if len(garbage) != 2 {
		t.Fatalf("Garbage() len = %d, want 2", len(garbage))
	}
}

func TestExternallyRootedObjectSurvives(t *testing.T) {
	f := newFixture(t)
	typ := f.collectableType("Rooted")

	root := f.newNode(typ)
	child := f.newNode(typ)
	link(root, child)
	refcount.Dec(child, f.tid, noopQueuer{}, f.dealloc) // drop child's own stack ref; root still holds it

	stats := f.coll.Collect(0)
	if stats.Collected != 0 {
		t.Fatalf("Collected = %d, want 0: root's reference keeps child alive", stats.Collected)
	}
	if f.isDealloced(child) || f.isDealloced(root) {
		t.Fatal("neither object should be deallocated while externally rooted")
	}
}

func TestSaveAllDivertsGarbageInsteadOfClearing(t *testing.T) {
	f := newFixture(t)
	f.coll.SetDebug(DebugSaveAll)
	typ := f.collectableType("Saved")

	a := f.newNode(typ)
	link(a, a)
	refcount.Dec(a, f.tid, noopQueuer{}, f.dealloc)

	stats := f.coll.Collect(0)
	if stats.Collected != 0 {
		t.Fatalf("Collected = %d, want 0 under save-all", stats.Collected)
	}
	if f.isDealloced(a) {
		t.Fatal("save-all must not clear the cycle")
	}
	garbage := f.coll.Garbage()
	if len(garbage) != 1 || garbage[0] != gcobject.Object(a) {
		t.Fatal("expected the cycle diverted into Garbage() under save-all")
	}
}

func TestDeferredToImmortalPromotesDeferredObjects(t *testing.T) {
	f := newFixture(t)
	typ := f.collectableType("Deferred")

	a := f.newNode(typ)
	refcount.SetDeferred(a)

	plain := f.newNode(typ)

	promoted := f.coll.DeferredToImmortal()
	if promoted != 1 {
		t.Fatalf("DeferredToImmortal() = %d, want 1", promoted)
	}
	if !refcount.IsImmortal(a) {
		t.Fatal("expected the deferred object to be promoted to immortal")
	}
	if refcount.IsImmortal(plain) {
		t.Fatal("a non-deferred object must not be promoted")
	}
}

// TestAsymmetricInDegreeCycleIsCollected reproduces a three-member cycle
// where one node (c) receives two internal incoming edges (from both a
// and b). A resurrection pass that only snapshots Total(obj)-1 without
// re-running the traversal-decrement step mistakes c's second internal
// edge for an external root and spares the whole cycle.
func TestAsymmetricInDegreeCycleIsCollected(t *testing.T) {
	f := newFixture(t)
	typ := f.collectableType("Triangle")

	a := f.newNode(typ)
	b := f.newNode(typ)
	c := f.newNode(typ)
	link(a, b)
	link(b, c)
	link(c, a)
	link(a, c) // extra internal edge: c now has two incoming references

	refcount.Dec(a, f.tid, noopQueuer{}, f.dealloc)
	refcount.Dec(b, f.tid, noopQueuer{}, f.dealloc)
	refcount.Dec(c, f.tid, noopQueuer{}, f.dealloc)

	stats := f.coll.Collect(0)
	if stats.Collected != 3 {
		t.Fatalf("Collected = %d, want 3 (asymmetric in-degree cycle must not leak)", stats.Collected)
	}
	if !f.isDealloced(a) || !f.isDealloced(b) || !f.isDealloced(c) {
		t.Fatal("expected every member of the asymmetric cycle deallocated")
	}
}

func TestThresholdGrowsAfterCollection(t *testing.T) {
	f := newFixture(t)
	f.coll.SetThreshold(10)
	before := f.coll.GetThreshold()
	f.coll.Collect(0)
	after := f.coll.GetThreshold()
	if after == before {
		t.Fatalf("expected epilogue to recompute the threshold, stayed at %d", before)
	}
}
