// Package weakref implements the weak-reference ring anchored at each
// referent (spec §4.6): a root weakref is lazily created and published
// into the object header's weak slot; every subsequent weakref to the
// same object links into a doubly-linked ring off that root, sharing a
// single mutex. Proxies reuse a cached ring entry when no callback is
// requested. Teardown detaches the ring in fixed-size batches so a
// referent with many weakrefs never holds the root mutex for an
// unbounded stretch, and invokes callbacks outside the lock.
package weakref

import (
	"log"
	"sync"

	orizonerrors "github.com/orizon-lang/orizon/internal/errors"
	"github.com/orizon-lang/orizon/internal/runtime/gc/gcobject"
	"github.com/orizon-lang/orizon/internal/runtime/gc/refcount"
)

// detachBatchSize bounds how many ring entries Teardown detaches while
// holding the root mutex in one pass (spec §4.6, "batched teardown of
// 16 entries"); grounded on `_PyObject_ClearWeakRefs`'s `list[16]`.
const detachBatchSize = 16

// Ref is one weak reference. The root Ref for a referent has root ==
// nil; every other Ref for the same referent points at the shared root
// and shares its mutex.
type Ref struct {
	referent gcobject.Object
	callback func(*Ref)

	root *Ref // nil iff this Ref is itself the root
	mu   *sync.Mutex

	// Ring linkage. Only ever mutated while holding *mu.
	next, prev *Ref

	cleared bool
}

// rootRef returns the Ref that anchors the ring (self, if self is already
// the root).
func (r *Ref) rootRef() *Ref {
	if r.root != nil {
		return r.root
	}
	return r
}

// Root returns the root weakref for obj, creating and publishing one
// into the header's weak slot on first use. Concurrent callers racing
// to create the root converge on whichever one wins the CAS.
func Root(obj gcobject.Object) *Ref {
	h := obj.GCHeader()
	for {
		if p := h.WeakSlot(); p != nil {
			if r, ok := (*p).(*Ref); ok {
				return r
			}
		}
		candidate := &Ref{referent: obj, mu: &sync.Mutex{}}
		var boxed any = candidate
		if h.CASWeakSlot(nil, &boxed) {
			return candidate
		}
		// Lost the race; loop and read whatever the winner published.
	}
}

// New creates a new weakref to obj with an optional callback, invoked
// when obj is torn down. typ.WeaklyReferenceable must be true.
func New(obj gcobject.Object, callback func(*Ref)) (*Ref, error) {
	typ := obj.GCHeader().Type()
	if typ == nil || !typ.WeaklyReferenceable {
		name := "<unknown>"
		if typ != nil {
			name = typ.Name
		}
		return nil, orizonerrors.NotWeaklyReferenceable(name)
	}

	root := Root(obj)
	self := &Ref{referent: obj, callback: callback, root: root, mu: root.mu}

	root.mu.Lock()
	insertAfter(self, root)
	root.mu.Unlock()

	return self, nil
}

// SharedProxy returns a callback-less weakref to obj, reusing the most
// recently created callback-less proxy for the same referent if it is
// still live (mirrors `PyWeakref_SharedProxy`'s single cached slot
// immediately before the root).
func SharedProxy(obj gcobject.Object) (*Ref, error) {
	typ := obj.GCHeader().Type()
	if typ == nil || !typ.WeaklyReferenceable {
		name := "<unknown>"
		if typ != nil {
			name = typ.Name
		}
		return nil, orizonerrors.NotWeaklyReferenceable(name)
	}

	root := Root(obj)

	root.mu.Lock()
	if prev := root.prev; prev != nil && prev.callback == nil && !prev.cleared {
		root.mu.Unlock()
		return prev, nil
	}
	root.mu.Unlock()

	self := &Ref{referent: obj, root: root, mu: root.mu}
	root.mu.Lock()
	insertBefore(self, root)
	root.mu.Unlock()
	return self, nil
}

func insertAfter(newref, prev *Ref) {
	newref.prev = prev
	newref.next = prev.next
	if prev.next != nil {
		prev.next.prev = newref
	}
	prev.next = newref
}

func insertBefore(newref, next *Ref) {
	newref.next = next
	newref.prev = next.prev
	if next.prev != nil {
		next.prev.next = newref
	}
	next.prev = newref
}

// Close detaches r from the ring without invoking its callback,
// mirroring `_PyWeakref_ClearRef`'s non-callback-triggering teardown
// used by the cycle collector's own Clear pass (a weakref discovered
// inside a cycle must not fire its callback from gc_clear).
func (r *Ref) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	detach(r)
	r.cleared = true
	r.callback = nil
}

func detach(r *Ref) {
	if r.prev != nil {
		r.prev.next = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	}
	r.next = nil
	r.prev = nil
}

// Get attempts to resolve the weak reference to a strong one, following
// the same rule as any other shared-word reader: it succeeds iff the
// referent's combined refcount has not yet reached zero.
func (r *Ref) Get() (gcobject.Object, bool) {
	r.mu.Lock()
	cleared := r.cleared
	referent := r.referent
	r.mu.Unlock()
	if cleared || referent == nil {
		return nil, false
	}
	if !refcount.IncIfNonzero(referent) {
		return nil, false
	}
	return referent, true
}

// Teardown is called once, by the thread deallocating obj, before its
// memory is reused. It first clears the header's weak slot and marks the
// root cleared, then detaches every live ring entry in batches of
// detachBatchSize, invoking each entry's callback (if any) outside the
// root mutex. Grounded on
// `PyObject_ClearWeakRefs`.
func Teardown(obj gcobject.Object) {
	h := obj.GCHeader()
	p := h.WeakSlot()
	if p == nil {
		return
	}
	root, ok := (*p).(*Ref)
	if !ok || root == nil {
		return
	}
	h.StoreWeakSlot(nil)

	root.mu.Lock()
	root.cleared = true
	root.referent = nil
	hasRefs := root.next != nil
	root.mu.Unlock()

	var batch [detachBatchSize]*Ref
	for hasRefs {
		root.mu.Lock()
		count := detachBatch(root, batch[:])
		hasRefs = root.next != nil
		root.mu.Unlock()

		for i := 0; i < count; i++ {
			ref := batch[i]
			cb := ref.callback
			ref.callback = nil
			ref.cleared = true
			ref.referent = nil
			if cb != nil {
				invokeCallback(cb, ref)
			}
		}
	}
}

// detachBatch unlinks up to len(out) entries starting at root.next,
// leaving root's ring pointers consistent, and returns how many it
// removed. Caller must hold root.mu.
func detachBatch(root *Ref, out []*Ref) int {
	count := 0
	cur := root.next
	for cur != nil && count < len(out) {
		next := cur.next
		out[count] = cur
		count++
		cur.next = nil
		cur.prev = nil
		cur = next
	}
	root.next = cur
	if cur != nil {
		cur.prev = root
	}
	return count
}

// invokeCallback runs cb, isolating a panicking callback the way the
// source isolates a Python exception raised from a callback: reported,
// not propagated, since teardown of the remaining ring entries must
// continue regardless (spec §7, unraisable-exception handling).
func invokeCallback(cb func(*Ref), ref *Ref) {
	defer func() {
		if rec := recover(); rec != nil {
			// Mirrors PyErr_WriteUnraisable: report and move on.
			err := orizonerrors.InvariantViolation("weakref callback panicked", map[string]interface{}{"panic": rec})
			log.Printf("unraisable exception in weakref callback: %v", err)
		}
	}()
	cb(ref)
}
