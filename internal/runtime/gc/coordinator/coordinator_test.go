package coordinator

import (
	"sync"
	"testing"
	"time"
)

func TestDetachedMutatorIsForcedToParked(t *testing.T) {
	r := New()
	self := r.Register(1)
	_ = self
	other := r.Register(2)
	other.Detach()

	release := r.StopTheWorld(1)
	if other.State() != Parked {
		t.Fatalf("expected other to be Parked, got %s", other.State())
	}
	if !r.AllParkedExcept(1) {
		t.Fatal("AllParkedExcept should be true during stop")
	}
	release()
	if other.State() != Detached {
		t.Fatalf("expected other to restart to Detached, got %s", other.State())
	}
}

func TestAttachedMutatorSelfParksOnBreaker(t *testing.T) {
	r := New()
	r.Register(1)
	other := r.Register(2)

	var wg sync.WaitGroup
	wg.Add(1)
	parked := make(chan struct{})
	go func() {
		defer wg.Done()
		for other.Breaker()&BreakerStopTheWorld == 0 {
			time.Sleep(time.Millisecond)
		}
		close(parked)
		other.SelfPark()
	}()

	release := r.StopTheWorld(1)
	<-parked
	// Give the goroutine a moment to actually reach Parked.
	for i := 0; i < 1000 && other.State() != Parked; i++ {
		time.Sleep(time.Millisecond)
	}
	if other.State() != Parked {
		t.Fatalf("expected other to self-park, got %s", other.State())
	}
	release()
	wg.Wait()
}

func TestCantStopPreventsForcedPark(t *testing.T) {
	r := New()
	r.Register(1)
	other := r.Register(2)
	other.SetCantStop(true)

	done := make(chan struct{})
	go func() {
		release := r.StopTheWorld(1)
		release()
		close(done)
	}()

	// While cant-stop holds, the coordinator must not consider the world
	// stopped.
	time.Sleep(5 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("StopTheWorld completed while a mutator held cant-stop")
	default:
	}

	other.SetCantStop(false)
	other.Detach()
	<-done
}

func TestReentrantStopTheWorld(t *testing.T) {
	r := New()
	r.Register(1)
	other := r.Register(2)
	other.Detach()

	outer := r.StopTheWorld(1)
	inner := r.StopTheWorld(1)
	if other.State() != Parked {
		t.Fatal("expected other parked during nested stop")
	}
	inner() // only decrements nesting depth
	if other.State() != Parked {
		t.Fatal("inner release must not restart the world")
	}
	outer()
	if other.State() != Detached {
		t.Fatal("outer release must restart the world")
	}
}

func TestGenerationAdvancesOnRestart(t *testing.T) {
	r := New()
	r.Register(1)
	before := r.Generation()
	release := r.StopTheWorld(1)
	release()
	if r.Generation() != before+1 {
		t.Fatalf("Generation = %d, want %d", r.Generation(), before+1)
	}
}
