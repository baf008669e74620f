// Package gcconfig reads the GC core's startup tuning from the
// environment (spec §6's "Environment" contract) and, optionally,
// hot-reloads it from a JSON tuning file so an operator can adjust a
// running process's collection threshold and debug flags without a
// restart. The file watcher is adapted from the teacher's
// fsnotify-backed vfs watcher.
package gcconfig

import (
	"encoding/json"
	"log"
	"os"
	"strconv"

	"github.com/fsnotify/fsnotify"

	"github.com/orizon-lang/orizon/internal/runtime/gc/collector"
)

// Tuning is the mutable subset of a Collector's knobs this package can
// adjust at startup or on reload.
type Tuning struct {
	Scale        int64  `json:"scale"`
	MinThreshold int64  `json:"minThreshold"`
	Debug        uint32 `json:"debug"`
}

// FromEnv reads ORIZON_GC_SCALE, ORIZON_GC_MIN_THRESHOLD and
// ORIZON_GC_DEBUG, falling back to collector defaults for any variable
// that is unset or unparsable.
func FromEnv() Tuning {
	var t Tuning
	if v, ok := os.LookupEnv("ORIZON_GC_SCALE"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			t.Scale = n
		}
	}
	if v, ok := os.LookupEnv("ORIZON_GC_MIN_THRESHOLD"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			t.MinThreshold = n
		}
	}
	if v, ok := os.LookupEnv("ORIZON_GC_DEBUG"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			t.Debug = uint32(n)
		}
	}
	return t
}

// Config returns the collector.Config implied by t.
func (t Tuning) Config() collector.Config {
	return collector.Config{Scale: t.Scale, MinThreshold: t.MinThreshold}
}

// Apply pushes t onto an already-constructed collector: a positive
// MinThreshold becomes the current threshold, and Debug replaces the
// debug flags. Scale is not applied, and the collector's epilogue keeps
// using the scale and minimum threshold it was constructed with.
func (t Tuning) Apply(coll *collector.Collector) {
	if t.MinThreshold > 0 {
		coll.SetThreshold(t.MinThreshold)
	}
	coll.SetDebug(t.Debug)
}

// Watcher hot-reloads a JSON tuning file (spec §2.3's supplemental
// feature) and applies every update to coll. Unlike FSNotifyWatcher in
// package vfs, this watcher is single-purpose: it only cares about
// writes to one path and applies them directly rather than exposing a
// generic event channel.
type Watcher struct {
	w    *fsnotify.Watcher
	path string
	coll *collector.Collector
	done chan struct{}
}

// WatchFile starts hot-reloading path into coll. The file is read once
// immediately; subsequent writes trigger a re-read. Returns an error
// if the underlying OS watch cannot be established, which includes the
// case where path does not exist: the file itself is watched, not its
// directory.
func WatchFile(path string, coll *collector.Collector) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, err
	}

	watcher := &Watcher{w: w, path: path, coll: coll, done: make(chan struct{})}
	watcher.reload()
	go watcher.loop()
	return watcher, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			log.Printf("gcconfig: watch error on %s: %v", w.path, err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		log.Printf("gcconfig: reading %s: %v", w.path, err)
		return
	}
	var t Tuning
	if err := json.Unmarshal(data, &t); err != nil {
		log.Printf("gcconfig: parsing %s: %v", w.path, err)
		return
	}
	t.Apply(w.coll)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.w.Close()
}
