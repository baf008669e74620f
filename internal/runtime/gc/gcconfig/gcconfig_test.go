package gcconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orizon-lang/orizon/internal/runtime/gc/collector"
	"github.com/orizon-lang/orizon/internal/runtime/gc/coordinator"
	"github.com/orizon-lang/orizon/internal/runtime/gc/heap"
)

type noopDrainer struct{}

func (noopDrainer) DrainAll() {}

func newCollector(t *testing.T) *collector.Collector {
	t.Helper()
	reg := coordinator.New()
	pool := heap.New()
	reg.Register(1)
	pool.Attach(1)
	return collector.New(reg, pool, noopDrainer{}, 1, collector.Config{})
}

func TestFromEnvReadsVariables(t *testing.T) {
	t.Setenv("ORIZON_GC_SCALE", "150")
	t.Setenv("ORIZON_GC_MIN_THRESHOLD", "2000")
	t.Setenv("ORIZON_GC_DEBUG", "3")

	tuning := FromEnv()
	if tuning.Scale != 150 || tuning.MinThreshold != 2000 || tuning.Debug != 3 {
		t.Fatalf("FromEnv() = %+v, want {150 2000 3}", tuning)
	}
}

func TestFromEnvDefaultsOnUnset(t *testing.T) {
	os.Unsetenv("ORIZON_GC_SCALE")
	os.Unsetenv("ORIZON_GC_MIN_THRESHOLD")
	os.Unsetenv("ORIZON_GC_DEBUG")

	tuning := FromEnv()
	if tuning != (Tuning{}) {
		t.Fatalf("FromEnv() = %+v, want zero value", tuning)
	}
}

func TestApplySetsThresholdAndDebug(t *testing.T) {
	coll := newCollector(t)
	Tuning{MinThreshold: 999, Debug: collector.DebugSaveAll}.Apply(coll)
	if coll.GetThreshold() != 999 {
		t.Fatalf("GetThreshold() = %d, want 999", coll.GetThreshold())
	}
	if coll.GetDebug() != collector.DebugSaveAll {
		t.Fatalf("GetDebug() = %d, want DebugSaveAll", coll.GetDebug())
	}
}

func TestWatchFileReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gc-tuning.json")
	if err := os.WriteFile(path, []byte(`{"minThreshold":500}`), 0o644); err != nil {
		t.Fatal(err)
	}

	coll := newCollector(t)
	w, err := WatchFile(path, coll)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if coll.GetThreshold() != 500 {
		t.Fatalf("expected initial read to apply, GetThreshold() = %d", coll.GetThreshold())
	}

	if err := os.WriteFile(path, []byte(`{"minThreshold":900}`), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if coll.GetThreshold() == 900 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected hot-reload to apply within 2s, GetThreshold() = %d", coll.GetThreshold())
}
