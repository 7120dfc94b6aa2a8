package config

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const watcherYAML = `
billing:
  overageRules:
    ocr:
      freeQuota: 30
      unitPrice: 10
`

const watcherYAMLv2 = `
billing:
  overageRules:
    ocr:
      freeQuota: 60
      unitPrice: 10
`

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func startWatcher(t *testing.T, content string, onChange func(ChangeEvent)) string {
	t.Helper()
	fp := filepath.Join(t.TempDir(), "billsync.yaml")
	if err := os.WriteFile(fp, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	w := NewWatcher(NewFileSource(fp), onChange, WithWatchDebounce(50*time.Millisecond))
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	time.Sleep(100 * time.Millisecond)
	return fp
}

func TestWatcher_DetectsChange(t *testing.T) {
	var mu sync.Mutex
	var last ChangeEvent
	var called atomic.Int32
	fp := startWatcher(t, watcherYAML, func(evt ChangeEvent) {
		mu.Lock()
		last = evt
		mu.Unlock()
		called.Add(1)
	})

	if err := os.WriteFile(fp, []byte(watcherYAMLv2), 0o644); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, func() bool { return called.Load() > 0 }) {
		t.Fatal("onChange was not called after file modification")
	}

	mu.Lock()
	defer mu.Unlock()
	if last.Config == nil || last.Config.Rules()["ocr"].FreeQuota != 60 {
		t.Fatalf("event config = %+v", last.Config)
	}
	if last.OldHash == last.NewHash || last.Path != fp {
		t.Errorf("event = %+v", last)
	}
}

func TestWatcher_SkipsUnchangedContent(t *testing.T) {
	var called atomic.Int32
	fp := startWatcher(t, watcherYAML, func(ChangeEvent) { called.Add(1) })

	if err := os.WriteFile(fp, []byte(watcherYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if called.Load() != 0 {
		t.Errorf("onChange called %d times for identical content", called.Load())
	}
}

func TestWatcher_RejectsInvalidConfig(t *testing.T) {
	var called atomic.Int32
	fp := startWatcher(t, watcherYAML, func(ChangeEvent) { called.Add(1) })

	if err := os.WriteFile(fp, []byte("database:\n  driver: oracle\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if called.Load() != 0 {
		t.Fatal("invalid config must not be delivered")
	}

	if err := os.WriteFile(fp, []byte(watcherYAMLv2), 0o644); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, func() bool { return called.Load() == 1 }) {
		t.Error("valid config after an invalid one should be delivered")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "billsync.yaml")
	if err := os.WriteFile(fp, []byte(watcherYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	w := NewWatcher(NewFileSource(fp), func(ChangeEvent) {})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	_ = w.Stop()
}

func TestWatcher_StartMissingFile(t *testing.T) {
	w := NewWatcher(NewFileSource(filepath.Join(t.TempDir(), "none.yaml")), func(ChangeEvent) {})
	if err := w.Start(); err == nil {
		t.Error("expected error for missing file")
	}
}
