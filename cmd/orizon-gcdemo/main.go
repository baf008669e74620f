// Command orizon-gcdemo exercises the concurrent refcounting and
// cycle-collecting heap end to end against a toy collectable object
// type, printing before/after stats for each scenario.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/orizon-lang/orizon/internal/cli"
	"github.com/orizon-lang/orizon/internal/runtime/gc"
	"github.com/orizon-lang/orizon/internal/runtime/gc/collector"
	"github.com/orizon-lang/orizon/internal/runtime/gc/gcobject"
	"github.com/orizon-lang/orizon/internal/runtime/gc/heap"
	"github.com/orizon-lang/orizon/internal/runtime/gc/refcount"
	"github.com/orizon-lang/orizon/internal/runtime/gc/weakref"
)

// node is the toy collectable type every scenario builds cycles out of:
// a named object holding zero or more strong outgoing references.
type node struct {
	h       gcobject.Header
	label   string
	refs    []gcobject.Object
	cleared bool
}

func (n *node) GCHeader() *gcobject.Header { return &n.h }

func newType(name string, legacyFinalizer bool) *gcobject.TypeInfo {
	return &gcobject.TypeInfo{
		Name: name,
		Traverse: func(obj gcobject.Object, visit func(gcobject.Object) bool) {
			n := obj.(*node)
			for _, r := range n.refs {
				if !visit(r) {
					return
				}
			}
		},
		Clear: func(obj gcobject.Object) {
			n := obj.(*node)
			n.refs = nil
			n.cleared = true
		},
		LegacyFinalizer:     legacyFinalizer,
		WeaklyReferenceable: true,
	}
}

func newNode(rt *gc.Runtime, tid uint64, typ *gcobject.TypeInfo, label string) *node {
	n := &node{h: gcobject.NewHeader(tid, typ), label: label}
	rt.Allocate(tid, heap.TagGC, n)
	return n
}

func link(from, to *node) {
	from.refs = append(from.refs, to)
	refcount.Inc(to, to.h.Owner())
}

func printStats(label string, s collector.Stats) {
	fmt.Printf("  %-28s tracked=%-4d collected=%-4d uncollectable=%d\n",
		label, s.Tracked, s.Collected, s.Uncollectable)
}

func selfCycleScenario(rt *gc.Runtime, tid uint64) {
	fmt.Println("scenario: self-referential cycle")
	typ := newType("selfcycle.node", false)
	a := newNode(rt, tid, typ, "a")
	link(a, a)
	rt.Decref(a, tid) // drop the caller's own strong reference
	printStats("after drop and collect", rt.Collect(0))
}

func twoCycleFinalizerScenario(rt *gc.Runtime, tid uint64) {
	fmt.Println("scenario: two-node cycle with a modern finalizer")
	typ := newType("twocycle.node", false)
	finalized := false
	typ.Finalize = func(obj gcobject.Object) { finalized = true }

	a := newNode(rt, tid, typ, "a")
	b := newNode(rt, tid, typ, "b")
	link(a, b)
	link(b, a)
	rt.Decref(a, tid)
	rt.Decref(b, tid)

	stats := rt.Collect(0)
	printStats("after collect", stats)
	fmt.Printf("  finalizer ran: %v\n", finalized)
}

func weakrefCallbackScenario(rt *gc.Runtime, tid uint64) {
	fmt.Println("scenario: weakref callback fires on collection")
	typ := newType("weakref.node", false)
	a := newNode(rt, tid, typ, "a")
	b := newNode(rt, tid, typ, "b")
	link(a, b)
	link(b, a)

	fired := false
	ref, err := weakref.New(a, func(*weakref.Ref) { fired = true })
	if err != nil {
		fmt.Printf("  unexpected error: %v\n", err)
		return
	}
	_, alive := ref.Get()
	fmt.Printf("  alive before collect: %v\n", alive)

	rt.Decref(a, tid)
	rt.Decref(b, tid)
	printStats("after collect", rt.Collect(0))
	fmt.Printf("  callback fired: %v\n", fired)
}

func crossThreadDecrefScenario(rt *gc.Runtime, owner uint64) {
	fmt.Println("scenario: cross-thread decref queued and drained")
	typ := newType("crossthread.node", false)
	a := newNode(rt, owner, typ, "a")

	foreign := owner + 1
	rt.AttachThread(foreign)

	refcount.Inc(a, foreign) // foreign thread acquires its own strong reference
	fmt.Printf("  total after foreign acquires a reference: %d\n", refcount.Total(a))

	rt.Decref(a, foreign) // local half not yet merged: queued, not applied directly
	fmt.Printf("  total immediately after (still queued): %d\n", refcount.Total(a))

	rt.DetachThread(foreign) // drains foreign's pending queue into owner's inbox
	printStats("after collect (drains owner's inbox)", rt.Collect(0))
	fmt.Printf("  total after drain: %d\n", refcount.Total(a))

	rt.Decref(a, owner) // release the original allocation reference
	printStats("after final decref", rt.Collect(0))
}

func legacyFinalizerScenario(rt *gc.Runtime, tid uint64) {
	fmt.Println("scenario: legacy tp_del-style finalizer makes a cycle uncollectable")
	typ := newType("legacy.node", true)
	a := newNode(rt, tid, typ, "a")
	b := newNode(rt, tid, typ, "b")
	link(a, b)
	link(b, a)
	rt.Decref(a, tid)
	rt.Decref(b, tid)

	stats := rt.Collect(0)
	printStats("after collect", stats)
	fmt.Printf("  garbage list length: %d\n", len(rt.Collector.Garbage()))
}

func saveAllScenario(rt *gc.Runtime, tid uint64) {
	fmt.Println("scenario: debug save-all diverts cycle survivors instead of clearing")
	typ := newType("saveall.node", false)
	a := newNode(rt, tid, typ, "a")
	b := newNode(rt, tid, typ, "b")
	link(a, b)
	link(b, a)
	rt.Decref(a, tid)
	rt.Decref(b, tid)

	rt.Collector.SetDebug(collector.DebugSaveAll)
	stats := rt.Collect(0)
	printStats("after collect (save-all)", stats)
	fmt.Printf("  garbage list length: %d\n", len(rt.Collector.Garbage()))
	rt.Collector.SetDebug(0)
}

var scenarios = map[string]func(*gc.Runtime, uint64){
	"self-cycle":       selfCycleScenario,
	"two-cycle":        twoCycleFinalizerScenario,
	"weakref":          weakrefCallbackScenario,
	"cross-thread":     crossThreadDecrefScenario,
	"legacy-finalizer": legacyFinalizerScenario,
	"save-all":         saveAllScenario,
}

var scenarioOrder = []string{
	"self-cycle", "two-cycle", "weakref", "cross-thread", "legacy-finalizer", "save-all",
}

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version information")
		jsonOutput  = flag.Bool("json", false, "output version in JSON format")
		scenario    = flag.String("scenario", "all", "scenario to run: all, self-cycle, two-cycle, weakref, cross-thread, legacy-finalizer, save-all")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Drives the concurrent refcounting/cycle-collecting heap through its end-to-end scenarios.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		cli.PrintVersion("Orizon GC Demo", *jsonOutput)
		os.Exit(0)
	}

	const self uint64 = 1
	rt := gc.New(self, collector.Config{}, nil)

	run := func(name string) {
		fn, ok := scenarios[name]
		if !ok {
			cli.ExitWithError("unknown scenario %q", name)
		}
		fn(rt, self)
		fmt.Println()
	}

	if *scenario == "all" {
		for _, name := range scenarioOrder {
			run(name)
		}
		return
	}
	run(*scenario)
}
