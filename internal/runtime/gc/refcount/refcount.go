// Package refcount implements the biased local/shared reference-counting
// primitives operating on gcobject.Header: the per-field encoding of
// local/shared/immortal/deferred counts and the fast-path inc/dec used by
// every mutator operation.
//
// Fast path: if the caller's thread id equals the object's owner, the
// local word is touched unsynchronized. Otherwise the shared word is
// touched with atomics, or (for decrements) queued for later delivery by
// package decrefqueue. Ownership and the merged transition follow
// colesbury/nogil's Include/internal/pycore_refcnt.h and the
// merge_refcount logic in Modules/gcmodule.c: on merge,
// local+shared-deferred is folded into the shared word, which is then the
// sole home of the count.
package refcount

import (
	"github.com/orizon-lang/orizon/internal/runtime/gc/gcobject"
)

// Queuer is implemented by package decrefqueue. Foreign-thread decrements
// against an unmerged local half cannot tell whether the object is dead,
// so they go through this best-effort, eventually-delivered path instead
// of touching the local word directly.
type Queuer interface {
	QueueDecref(obj gcobject.Object, owner uint64)
}

// Deallocator is called once an object's combined refcount reaches zero
// outside of a collection pass.
type Deallocator func(obj gcobject.Object)

// Inc increments obj's reference count. tid is the calling thread's id.
// Immortal objects are exempt and this is then a no-op.
func Inc(obj gcobject.Object, tid uint64) {
	h := obj.GCHeader()
	local := h.LocalWord()
	if local&gcobject.LocalImmortalBit != 0 {
		return
	}
	if h.Owner() == tid {
		h.SetLocalWord(local + gcobject.LocalOne)
		return
	}
	h.AddSharedWord(gcobject.SharedOne)
}

// Dec decrements obj's reference count and deallocates it through dealloc
// if the combined count reaches zero. tid is the calling thread's id. If
// the caller is not obj's owner and the local half is not yet merged, the
// decrement cannot be resolved immediately and is handed to q instead;
// dealloc is not called in that case — the eventual owner-thread drain
// (package decrefqueue) will call it.
func Dec(obj gcobject.Object, tid uint64, q Queuer, dealloc Deallocator) {
	h := obj.GCHeader()
	local := h.LocalWord()
	if local&gcobject.LocalImmortalBit != 0 {
		return
	}

	owner := h.Owner()
	merged := h.SharedWord()&gcobject.SharedMergedBit != 0

	if owner == tid && !merged {
		newLocal := local - gcobject.LocalOne
		h.SetLocalWord(newLocal)
		if newLocal>>gcobject.LocalShift == 0 {
			mergeToShared(h, newLocal, dealloc, obj)
		}
		return
	}

	if merged {
		decShared(h, dealloc, obj)
		return
	}

	// Foreign thread, local half not yet merged: best-effort queued delivery.
	q.QueueDecref(obj, owner)
}

// mergeToShared folds the local half into the shared half and sets the
// merged bit, per pycore's merge_refcount. If the combined count is zero,
// it proceeds to deallocation. Must be called by the owning thread only.
func mergeToShared(h *gcobject.Header, local uint32, dealloc Deallocator, obj gcobject.Object) {
	deferred := local&gcobject.LocalDeferredBit != 0

	for {
		old := h.SharedWord()
		oldCount := int64(old >> gcobject.SharedShift)
		combined := oldCount + int64(local>>gcobject.LocalShift)
		if deferred {
			combined--
		}
		var newWord uint32
		if combined <= 0 {
			newWord = gcobject.SharedMergedBit
		} else {
			newWord = (uint32(combined) << gcobject.SharedShift) | gcobject.SharedMergedBit
			newWord |= old & gcobject.SharedQueuedBit
		}
		if h.CASSharedWord(old, newWord) {
			h.SetLocalWord(0)
			if combined <= 0 {
				dealloc(obj)
			}
			return
		}
	}
}

// decShared applies a decrement directly to an already-merged shared word,
// deallocating when it reaches zero.
func decShared(h *gcobject.Header, dealloc Deallocator, obj gcobject.Object) {
	for {
		old := h.SharedWord()
		count := old >> gcobject.SharedShift
		newCount := count - 1
		newWord := (newCount << gcobject.SharedShift) | (old & (gcobject.SharedMergedBit | gcobject.SharedQueuedBit))
		if h.CASSharedWord(old, newWord) {
			if newCount == 0 {
				dealloc(obj)
			}
			return
		}
	}
}

// ApplyOwnerDecrement applies one decrement directly to obj's local word,
// as if its owning thread had called Dec itself. Used by package
// decrefqueue to drain a thread's inbox of foreign decrefs that targeted
// objects it owns: by the time an entry reaches the inbox the caller has
// already established that the current thread is obj's owner.
func ApplyOwnerDecrement(obj gcobject.Object, dealloc Deallocator) {
	h := obj.GCHeader()
	local := h.LocalWord()
	if local&gcobject.LocalImmortalBit != 0 {
		return
	}
	newLocal := local - gcobject.LocalOne
	h.SetLocalWord(newLocal)
	if newLocal>>gcobject.LocalShift == 0 {
		mergeToShared(h, newLocal, dealloc, obj)
	}
}

// IncIfNonzero attempts to add a strong reference to obj only if it is
// not already dead, CAS-ing the shared word. Used by the weakref upgrade
// path and dictionary probes (spec §4.1). Returns false if the object's
// shared word is already merged-and-zero (i.e. it has begun or finished
// deallocation).
func IncIfNonzero(obj gcobject.Object) bool {
	h := obj.GCHeader()
	if h.LocalWord()&gcobject.LocalImmortalBit != 0 {
		return true
	}
	for {
		old := h.SharedWord()
		merged := old&gcobject.SharedMergedBit != 0
		count := old >> gcobject.SharedShift
		if merged && count == 0 {
			return false
		}
		newWord := old + gcobject.SharedOne
		if h.CASSharedWord(old, newWord) {
			return true
		}
	}
}

// SetImmortal marks obj exempt from all refcount operations.
func SetImmortal(obj gcobject.Object) {
	h := obj.GCHeader()
	h.SetLocalWord(h.LocalWord() | gcobject.LocalImmortalBit)
}

// IsImmortal reports whether obj is marked immortal.
func IsImmortal(obj gcobject.Object) bool {
	return obj.GCHeader().LocalWord()&gcobject.LocalImmortalBit != 0
}

// SetDeferred marks obj as participating in deferred reference counting
// (spec §3, "Deferred bit"): transient inc/dec on hot paths may be
// skipped, reconciled during the next merge or collection.
func SetDeferred(obj gcobject.Object) {
	h := obj.GCHeader()
	h.SetLocalWord(h.LocalWord() | gcobject.LocalDeferredBit)
}

// IsDeferred reports whether obj participates in deferred reference
// counting.
func IsDeferred(obj gcobject.Object) bool {
	return obj.GCHeader().LocalWord()&gcobject.LocalDeferredBit != 0
}

// Total returns the object's combined (local + shared - deferred)
// reference count, matching pycore's Py_REFCNT computation. Safe to call
// from any thread; the local half is read racily if the caller is not the
// owner, matching CPython's own best-effort debug accessor.
func Total(obj gcobject.Object) int64 {
	h := obj.GCHeader()
	local := h.LocalWord()
	if local&gcobject.LocalImmortalBit != 0 {
		return 1 << 30 // conventionally "very large", mirrors immortal refcount reporting
	}
	localCount := int64(local >> gcobject.LocalShift)
	shared := h.SharedWord()
	sharedCount := int64(shared >> gcobject.SharedShift)
	total := localCount + sharedCount
	if local&gcobject.LocalDeferredBit != 0 {
		total--
	}
	return total
}

// MergeToShared folds obj's local half into the shared half, setting the
// merged bit, without deallocating even if the result is zero. The
// collector's DeferredToImmortal pass uses it to fold an object's count
// into the shared word before marking the object immortal. The caller
// must be the object's owner thread, or the world must be stopped.
func MergeToShared(obj gcobject.Object) {
	h := obj.GCHeader()
	local := h.LocalWord()
	if local&gcobject.LocalImmortalBit != 0 {
		return
	}
	if h.SharedWord()&gcobject.SharedMergedBit != 0 {
		return
	}
	mergeToShared(h, local, noopDealloc, obj)
}

func noopDealloc(gcobject.Object) {}

// MarkQueued sets the shared word's queued bit, recording that a
// foreign-thread decref has been appended for this object. It reports
// false if the bit was already set. Package decrefqueue does not call it.
func MarkQueued(obj gcobject.Object) bool {
	h := obj.GCHeader()
	for {
		old := h.SharedWord()
		if old&gcobject.SharedQueuedBit != 0 {
			return false
		}
		if h.CASSharedWord(old, old|gcobject.SharedQueuedBit) {
			return true
		}
	}
}

// ClearQueued clears the shared word's queued bit once a thread's pending
// decref queue entries for obj have been fully drained.
func ClearQueued(obj gcobject.Object) {
	h := obj.GCHeader()
	for {
		old := h.SharedWord()
		if old&gcobject.SharedQueuedBit == 0 {
			return
		}
		if h.CASSharedWord(old, old&^gcobject.SharedQueuedBit) {
			return
		}
	}
}

// DecSharedDirect applies a raw decrement of n to the shared word,
// deallocating through dealloc if it reaches zero. Used by
// decrefqueue.Process to apply decrements whose owner has died (spec
// §4.2: "if the owner died, the decrement is applied to the shared half
// directly").
func DecSharedDirect(obj gcobject.Object, n int64, dealloc Deallocator) {
	h := obj.GCHeader()
	for i := int64(0); i < n; i++ {
		decShared(h, dealloc, obj)
	}
}
