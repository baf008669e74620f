// Package gcobject defines the object header and type-descriptor contract
// shared by every subsystem of the concurrent refcounting heap: the bit
// layout of the local/shared refcount words, the GC-bits flags, and the
// per-type traversal/clear/finalize vtable that the cycle collector walks.
//
// Everything here is intentionally free of locking policy: refcount and
// collector own the synchronization rules, this package only owns layout.
package gcobject

import "sync/atomic"

// Local-refcount word layout: bit 0 immortal, bit 1 deferred, bits 2-3
// reserved, count held in the high bits starting at LocalShift.
const (
	LocalImmortalBit uint32 = 1 << 0
	LocalDeferredBit uint32 = 1 << 1
	LocalShift              = 4
	LocalOne         uint32 = 1 << LocalShift
)

// Shared-refcount word layout: bit 0 merged, bit 1 queued, count held in
// the high bits starting at SharedShift.
const (
	SharedMergedBit uint32 = 1 << 0
	SharedQueuedBit uint32 = 1 << 1
	SharedShift            = 2
	SharedOne       uint32 = 1 << SharedShift
)

// Flags are the per-object GC bits (spec: "tracked, unreachable, finalized").
type Flags uint32

const (
	FlagTracked     Flags = 1 << 0
	FlagUnreachable Flags = 1 << 1
	FlagFinalized   Flags = 1 << 2
)

// Header is the object header every collectable (and non-collectable,
// refcounted) heap value embeds. It carries the split refcount words, the
// owner thread id (repurposed as gc-refs during a collection pass — see
// the shadow field gcRefs below), the GC bits, and a generic weak-reference
// slot.
//
// The owner-thread-id/gc-refs overlay described in the design notes is
// implemented as two distinct fields rather than one reinterpreted word:
// Go has no portable way to alias a uint64 as "thread id" in one phase and
// "signed ref count" in another without unsafe tricks that would defeat
// the race detector. The shadow field costs one extra machine word per
// object and is only ever touched while the world is stopped.
type Header struct {
	local  uint32 // owner-thread only; never touched with atomics
	shared uint32 // atomic; all foreign-thread and merged ops

	owner uint64 // atomic; thread id owning the local half

	// gcRefs is valid only during a collection pass (world stopped). It
	// holds the external-reference count computed by the enumerate phase.
	gcRefs int64

	bits uint32 // atomic; Flags bitmask

	typ *TypeInfo

	// weakSlot points at the root of this object's weakref ring, or nil.
	// Owned and interpreted by package weakref; stored here as an
	// atomic.Pointer[any] so that gcobject does not have to import
	// weakref (which would be an import cycle).
	weakSlot atomic.Pointer[any]
}

// NewHeader initializes a header for a freshly allocated object owned by
// the calling thread (tid), with the given type.
func NewHeader(tid uint64, typ *TypeInfo) Header {
	h := Header{typ: typ}
	atomic.StoreUint64(&h.owner, tid)
	h.local = LocalOne
	return h
}

// Type returns the object's type descriptor.
func (h *Header) Type() *TypeInfo { return h.typ }

// Owner returns the id of the thread that owns the local refcount half.
func (h *Header) Owner() uint64 { return atomic.LoadUint64(&h.owner) }

// SetOwner transfers ownership of the local half, used when a heap
// segment is reclaimed from the abandoned pool by a new owning thread.
func (h *Header) SetOwner(tid uint64) { atomic.StoreUint64(&h.owner, tid) }

// Bits returns the current GC-bits flags.
func (h *Header) Bits() Flags { return Flags(atomic.LoadUint32(&h.bits)) }

// SetBits ORs flag bits into the GC-bits byte.
func (h *Header) SetBits(f Flags) { atomic.OrUint32(&h.bits, uint32(f)) }

// ClearBits ANDs flag bits out of the GC-bits byte.
func (h *Header) ClearBits(f Flags) { atomic.AndUint32(&h.bits, ^uint32(f)) }

// HasBits reports whether every bit in f is set.
func (h *Header) HasBits(f Flags) bool { return Flags(atomic.LoadUint32(&h.bits))&f == f }

// --- local/shared word accessors, used only by package refcount ---

// LocalWord returns the raw local-refcount word. Must only be called by
// the owning thread, or with the world stopped.
func (h *Header) LocalWord() uint32 { return h.local }

// SetLocalWord overwrites the raw local-refcount word. Must only be
// called by the owning thread, or with the world stopped.
func (h *Header) SetLocalWord(v uint32) { h.local = v }

// SharedWord returns the raw shared-refcount word, atomically.
func (h *Header) SharedWord() uint32 { return atomic.LoadUint32(&h.shared) }

// CASSharedWord attempts an atomic compare-and-swap on the shared word.
func (h *Header) CASSharedWord(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&h.shared, old, new)
}

// AddSharedWord atomically adds delta (two's-complement) to the shared word
// and returns the new value.
func (h *Header) AddSharedWord(delta uint32) uint32 {
	return atomic.AddUint32(&h.shared, delta)
}

// --- gc-refs shadow field, valid only under stop-the-world ---

// GCRefs reads the external-reference count computed during enumeration.
// Only meaningful while the world is stopped for a collection.
func (h *Header) GCRefs() int64 { return h.gcRefs }

// SetGCRefs overwrites the external-reference count.
func (h *Header) SetGCRefs(v int64) { h.gcRefs = v }

// AddGCRefs adds delta to the external-reference count.
func (h *Header) AddGCRefs(delta int64) { h.gcRefs += delta }

// --- weak reference slot ---

// WeakSlot returns the pointer stored in the header's weak-reference slot.
func (h *Header) WeakSlot() *any { return h.weakSlot.Load() }

// CASWeakSlot attempts to publish a new weak-reference root via CAS.
func (h *Header) CASWeakSlot(old, new *any) bool { return h.weakSlot.CompareAndSwap(old, new) }

// StoreWeakSlot unconditionally stores the weak-reference slot pointer.
func (h *Header) StoreWeakSlot(v *any) { h.weakSlot.Store(v) }

// Object is implemented by every value managed by the refcounting heap.
type Object interface {
	GCHeader() *Header
}

// TypeInfo is the per-type descriptor: the "vtable" of traverse/clear/
// finalize callbacks a collectable type supplies (spec §6, "Type
// contract"). A type with a nil Traverse is treated as a leaf (spec
// §4.7 tie-break: "If a type lacks a traversal callback it is treated
// as containing no references").
type TypeInfo struct {
	ID   uint32 // dense id assigned by package typeid; 0 means unassigned
	Name string

	// Traverse calls visit(referent) for every strong outgoing reference
	// from obj, stopping early if visit returns false.
	Traverse func(obj Object, visit func(Object) bool)

	// Clear drops every strong outgoing reference from obj, leaving it
	// in a valid but dereferenced state.
	Clear func(obj Object)

	// Finalize runs user-defined finalization; may resurrect obj by
	// creating new strong references to it. Nil if the type declares no
	// modern finalizer.
	Finalize func(obj Object)

	// LegacyFinalizer marks the type as carrying an old-style tp_del
	// finalizer. Spec §4.7: such objects are treated as uncollectable
	// when found in a cycle and are moved to the garbage list instead
	// of being cleared.
	LegacyFinalizer bool

	// WeaklyReferenceable marks whether instances may be targets of
	// weakref.New. Types that are not weakly referenceable report a
	// typed error from weakref.New.
	WeaklyReferenceable bool

	// MayUntrack reports whether obj has become trivially leaf-like
	// (e.g. a tuple whose every element is now immortal) and can be
	// opportunistically dropped from collector tracking mid-traversal.
	// Nil means never untrack opportunistically.
	MayUntrack func(obj Object) bool
}
