// Package coordinator implements the thread registry and stop-the-world
// safe-point protocol (spec §4.3): it tracks every live mutator, moves
// threads among {Attached, Detached, Parked}, and drives stop-the-world /
// restart around a collection or any whole-heap inspection.
package coordinator

import (
	"sync"
	"sync/atomic"
	"time"

	orizonerrors "github.com/orizon-lang/orizon/internal/errors"
)

// State is one of the three observable mutator states.
type State int32

const (
	Attached State = iota
	Detached
	Parked
)

func (s State) String() string {
	switch s {
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	case Parked:
		return "parked"
	default:
		return "unknown"
	}
}

// Eval-breaker bits, polled by mutators at bytecode-dispatch granularity
// (spec §5).
const (
	BreakerGCRequested   uint32 = 1 << 0
	BreakerAsyncPending  uint32 = 1 << 1
	BreakerSignalPending uint32 = 1 << 2
	BreakerStopTheWorld  uint32 = 1 << 3
)

// pollInterval is how often the coordinator re-scans for Detached
// stragglers while waiting for Attached mutators to self-park (spec
// §4.3: "sleeps on a raw event with a bounded timeout, e.g. 1 ms").
const pollInterval = time.Millisecond

// Mutator is one registered OS-thread context.
type Mutator struct {
	ID uint64

	state    atomic.Int32
	breaker  atomic.Uint32
	cantStop atomic.Bool

	parkCond *sync.Cond // broadcast on every transition into or out of Parked
	mu       sync.Mutex
}

func newMutator(id uint64) *Mutator {
	m := &Mutator{ID: id}
	m.parkCond = sync.NewCond(&m.mu)
	m.state.Store(int32(Attached))
	return m
}

// State returns the mutator's current state.
func (m *Mutator) State() State { return State(m.state.Load()) }

// Detach transitions Attached -> Detached; called by the mutator itself
// when voluntarily releasing the scheduler (e.g. entering a blocking
// foreign call).
func (m *Mutator) Detach() {
	m.state.Store(int32(Detached))
}

// Reattach transitions Detached -> Attached; the mutator resumes
// interpreting. Spec requires a CAS-with-retry because the coordinator
// may concurrently be moving this mutator Detached -> Parked.
func (m *Mutator) Reattach() {
	for {
		switch State(m.state.Load()) {
		case Detached:
			if m.state.CompareAndSwap(int32(Detached), int32(Attached)) {
				return
			}
		case Parked:
			// Coordinator got here first; wait for restart then retry.
			m.waitWhileParked()
		case Attached:
			return
		}
	}
}

// SelfPark is called by an Attached mutator when it observes
// BreakerStopTheWorld set at a poll point. It parks itself and blocks
// until the coordinator restarts the world.
func (m *Mutator) SelfPark() {
	m.mu.Lock()
	m.state.Store(int32(Parked))
	m.parkCond.Broadcast()
	for State(m.state.Load()) == Parked {
		m.parkCond.Wait()
	}
	m.mu.Unlock()
}

func (m *Mutator) waitWhileParked() {
	m.mu.Lock()
	for State(m.state.Load()) == Parked {
		m.parkCond.Wait()
	}
	m.mu.Unlock()
}

// parkFromDetached is used by the coordinator to force a Detached
// mutator into Parked without its cooperation.
func (m *Mutator) parkFromDetached() bool {
	if !m.state.CompareAndSwap(int32(Detached), int32(Parked)) {
		return false
	}
	m.mu.Lock()
	m.parkCond.Broadcast()
	m.mu.Unlock()
	return true
}

// restart transitions Parked -> Detached and wakes any waiters.
func (m *Mutator) restart() {
	m.mu.Lock()
	m.state.Store(int32(Detached))
	m.parkCond.Broadcast()
	m.mu.Unlock()
}

// SetBreaker ORs bits into the eval-breaker word.
func (m *Mutator) SetBreaker(bits uint32) { m.breaker.Or(bits) }

// ClearBreaker ANDs bits out of the eval-breaker word.
func (m *Mutator) ClearBreaker(bits uint32) { m.breaker.And(^bits) }

// Breaker returns the current eval-breaker word.
func (m *Mutator) Breaker() uint32 { return m.breaker.Load() }

// SetCantStop marks a bounded, non-blocking critical section during which
// the coordinator must never park this mutator (spec §4.3).
func (m *Mutator) SetCantStop(v bool) { m.cantStop.Store(v) }

// CantStop reports whether the mutator currently holds the flag.
func (m *Mutator) CantStop() bool { return m.cantStop.Load() }

// Registry tracks every live mutator and implements stop-the-world.
type Registry struct {
	mu       sync.Mutex
	mutators map[uint64]*Mutator

	stwMu      sync.Mutex // the single global stop-the-world mutex
	stwOwner   uint64     // thread id currently holding the STW mutex (0 = none)
	nestDepth  int32      // re-entrant stop-the-world nesting depth
	generation uint64     // QSBR epoch, advanced on every restart (spec §4.7 phase 10)
}

// New creates an empty thread registry.
func New() *Registry {
	return &Registry{mutators: make(map[uint64]*Mutator)}
}

// Register attaches a new mutator thread to the registry.
func (r *Registry) Register(id uint64) *Mutator {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := newMutator(id)
	r.mutators[id] = m
	return m
}

// Unregister removes a mutator, e.g. on thread exit. The caller is
// responsible for abandoning the thread's heap first (package heap).
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mutators, id)
}

// Get returns the mutator registered under id, if any.
func (r *Registry) Get(id uint64) (*Mutator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mutators[id]
	return m, ok
}

func (r *Registry) snapshotOthers(self uint64) []*Mutator {
	r.mu.Lock()
	defer r.mu.Unlock()
	others := make([]*Mutator, 0, len(r.mutators))
	for id, m := range r.mutators {
		if id != self {
			others = append(others, m)
		}
	}
	return others
}

// Generation returns the current QSBR epoch.
func (r *Registry) Generation() uint64 { return atomic.LoadUint64(&r.generation) }

// StopTheWorld parks every mutator but self. Re-entrant: if the calling
// thread already holds the stop, nesting depth is incremented and this
// call returns immediately without pausing anyone a second time. The
// returned release function must be called exactly once to restart (or
// to decrement the nesting depth).
func (r *Registry) StopTheWorld(self uint64) (release func()) {
	if atomic.LoadUint64(&r.stwOwner) == self && atomic.LoadInt32(&r.nestDepth) > 0 {
		// Re-entrant: same thread already holds stwMu. Go's sync.Mutex is
		// not re-entrant, so the nested call only bumps the depth.
		atomic.AddInt32(&r.nestDepth, 1)
		return func() { atomic.AddInt32(&r.nestDepth, -1) }
	}

	r.stwMu.Lock() // held until the outermost release
	atomic.StoreUint64(&r.stwOwner, self)
	atomic.StoreInt32(&r.nestDepth, 1)

	r.pauseAllBut(self)

	return func() {
		if atomic.AddInt32(&r.nestDepth, -1) == 0 {
			r.restartAllBut(self)
			atomic.StoreUint64(&r.stwOwner, 0)
			r.stwMu.Unlock()
		}
	}
}

// pauseAllBut transitions every mutator except self into Parked. Detached
// mutators are CASed straight to Parked. Attached mutators have their
// breaker bit set and are polled until they self-park, unless they hold
// the cant-stop flag, in which case the coordinator waits for it to
// clear rather than forcing a park.
func (r *Registry) pauseAllBut(self uint64) {
	pending := r.snapshotOthers(self)
	for len(pending) > 0 {
		next := pending[:0]
		for _, m := range pending {
			switch m.State() {
			case Detached:
				if !m.parkFromDetached() {
					next = append(next, m)
				}
			case Parked:
				// already stopped by a previous pass
			case Attached:
				if m.CantStop() {
					next = append(next, m)
					continue
				}
				m.SetBreaker(BreakerStopTheWorld)
				next = append(next, m)
			}
		}
		pending = next
		if len(pending) > 0 {
			time.Sleep(pollInterval)
		}
	}
}

// restartAllBut transitions every Parked mutator except self back to
// Detached and wakes them, then advances the QSBR epoch.
func (r *Registry) restartAllBut(self uint64) {
	for _, m := range r.snapshotOthers(self) {
		if m.State() == Parked {
			m.restart()
		}
		m.ClearBreaker(BreakerStopTheWorld)
	}
	atomic.AddUint64(&r.generation, 1)
}

// AllParkedExcept reports whether every registered mutator other than
// self is currently Parked — the invariant the cycle collector's
// enumeration and resurrection-handling phases require (spec §8, "Stop-
// the-world mutual exclusion").
func (r *Registry) AllParkedExcept(self uint64) bool {
	for _, m := range r.snapshotOthers(self) {
		if m.State() != Parked {
			return false
		}
	}
	return true
}

// MustInvariant panics with an InternalInvariantViolation if cond is
// false. Used for conditions spec §7 classifies as fatal.
func MustInvariant(cond bool, what string) {
	if !cond {
		panic(orizonerrors.InvariantViolation(what, nil))
	}
}
