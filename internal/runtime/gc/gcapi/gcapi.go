// Package gcapi is the public, single-generation-compatible surface
// over the collector (spec §4.8): enable/disable, explicit collection,
// debug flags, thresholds, object introspection, and progress
// callbacks. Generations 0/1/2 and freeze/unfreeze are accepted for
// interface compatibility and always resolve to the one whole-heap
// collector underneath.
package gcapi

import (
	"sync"

	"github.com/Masterminds/semver/v3"

	orizonerrors "github.com/orizon-lang/orizon/internal/errors"
	"github.com/orizon-lang/orizon/internal/runtime/gc/collector"
	"github.com/orizon-lang/orizon/internal/runtime/gc/gcobject"
	"github.com/orizon-lang/orizon/internal/runtime/gc/heap"
)

// maxGeneration is the highest generation number accepted for interface
// compatibility (spec §4.8): the single-generation core only recognizes
// 0 through 2.
const maxGeneration = 2

// CoreVersion is the semantic version of this memory-management core,
// published in Stats so external tooling (gcremote) can negotiate
// compatibility.
var CoreVersion = semver.MustParse("1.0.0")

// Stats is returned by GetStats; it extends collector.Stats with the
// fields spec §4.8's get-stats/get-count/get-threshold expose together.
type Stats struct {
	collector.Stats
	Threshold   int64
	Count       int64
	Enabled     bool
	Debug       uint32
	CoreVersion *semver.Version
}

// API wraps a Collector and a heap Pool with the full public surface.
// generations is accepted on every per-generation call but unused: this
// design keeps a single generation, per spec §4.8.
type API struct {
	coll *collector.Collector
	pool *heap.Pool

	mu          sync.Mutex
	freezeCount int
	frozen      bool
}

// New wraps coll and pool.
func New(coll *collector.Collector, pool *heap.Pool) *API {
	return &API{coll: coll, pool: pool}
}

func (a *API) Enable()  { a.coll.Enable() }
func (a *API) Disable() { a.coll.Disable() }

func (a *API) IsEnabled() bool { return a.coll.IsEnabled() }

// Collect triggers an explicit collection. generation is accepted for
// interface compatibility and otherwise ignored, but an out-of-range
// value (spec §4.8: valid generations are 0..2) is rejected rather than
// silently treated as generation 0.
func (a *API) Collect(generation int) (collector.Stats, error) {
	if generation < 0 || generation > maxGeneration {
		return collector.Stats{}, orizonerrors.InvalidGeneration(generation)
	}
	return a.coll.Collect(generation), nil
}

func (a *API) SetDebug(flags uint32) { a.coll.SetDebug(flags) }
func (a *API) GetDebug() uint32      { return a.coll.GetDebug() }

func (a *API) SetThreshold(n int64) { a.coll.SetThreshold(n) }
func (a *API) GetThreshold() int64  { return a.coll.GetThreshold() }

// GetCount reports the number of allocations observed since the last
// collection pass, together with the single-generation placeholders
// generations 1 and 2 always report (0, 0) — kept for call-site
// compatibility with code written against a multi-generation API.
func (a *API) GetCount() (gen0, gen1, gen2 int64) {
	return a.coll.GetThreshold(), 0, 0
}

// GetObjects returns every currently tracked object, ignoring
// generation (spec §4.8 "get_objects(generation)") beyond validating
// that it falls in the accepted 0..2 range.
func (a *API) GetObjects(generation int) ([]gcobject.Object, error) {
	if generation < 0 || generation > maxGeneration {
		return nil, orizonerrors.InvalidGeneration(generation)
	}
	var out []gcobject.Object
	a.pool.VisitAll(func(_ heap.Tag, obj gcobject.Object) {
		if obj.GCHeader().HasBits(gcobject.FlagTracked) {
			out = append(out, obj)
		}
	})
	return out, nil
}

// GetReferrers returns every tracked object whose traversal callback
// reports any of targets as an outgoing reference.
func (a *API) GetReferrers(targets ...gcobject.Object) []gcobject.Object {
	want := make(map[gcobject.Object]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}
	var out []gcobject.Object
	a.pool.VisitAll(func(_ heap.Tag, obj gcobject.Object) {
		typ := obj.GCHeader().Type()
		if typ == nil || typ.Traverse == nil {
			return
		}
		found := false
		typ.Traverse(obj, func(ref gcobject.Object) bool {
			if want[ref] {
				found = true
				return false
			}
			return true
		})
		if found {
			out = append(out, obj)
		}
	})
	return out
}

// GetReferents returns every outgoing reference reported by each of
// objs' traversal callbacks (spec §4.8 "get_referents(*objs)").
func (a *API) GetReferents(objs ...gcobject.Object) []gcobject.Object {
	var out []gcobject.Object
	for _, obj := range objs {
		typ := obj.GCHeader().Type()
		if typ == nil || typ.Traverse == nil {
			continue
		}
		typ.Traverse(obj, func(ref gcobject.Object) bool {
			out = append(out, ref)
			return true
		})
	}
	return out
}

func (a *API) IsTracked(obj gcobject.Object) bool {
	return obj.GCHeader().HasBits(gcobject.FlagTracked)
}

func (a *API) IsFinalized(obj gcobject.Object) bool {
	return obj.GCHeader().HasBits(gcobject.FlagFinalized)
}

// Freeze/Unfreeze/GetFreezeCount have no effect on collection under the
// single-generation design and are retained for interface compatibility
// (spec §4.8). GetFreezeCount reports how many times Freeze has moved
// the API from unfrozen to frozen.
func (a *API) Freeze() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.frozen {
		a.frozen = true
		a.freezeCount++
	}
}

func (a *API) Unfreeze() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frozen = false
}

func (a *API) GetFreezeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freezeCount
}

// AddCallback / Garbage delegate straight to the collector.
func (a *API) AddCallback(fn collector.ProgressFunc) { a.coll.AddCallback(fn) }
func (a *API) Garbage() []gcobject.Object            { return a.coll.Garbage() }

// DeferredToImmortal runs the explicit deferred-to-immortal maintenance
// pass and returns the number of objects promoted. Distinct from
// Collect: it never runs implicitly as part of a collection.
func (a *API) DeferredToImmortal() int { return a.coll.DeferredToImmortal() }

// GetStats assembles the combined snapshot.
func (a *API) GetStats() Stats {
	gen0, _, _ := a.GetCount()
	return Stats{
		Threshold:   a.GetThreshold(),
		Count:       gen0,
		Enabled:     a.IsEnabled(),
		Debug:       a.GetDebug(),
		CoreVersion: CoreVersion,
	}
}

// Track publishes obj to the collector, setting its Tracked flag (spec
// §4.6 "track(obj) publishes an initialized object to the collector").
func Track(obj gcobject.Object) { obj.GCHeader().SetBits(gcobject.FlagTracked) }

// Untrack opportunistically removes obj from collector tracking.
func Untrack(obj gcobject.Object) { obj.GCHeader().ClearBits(gcobject.FlagTracked) }
