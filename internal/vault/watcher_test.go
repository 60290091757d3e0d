package vault

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func waitForCalls(t *testing.T, calls *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if calls.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected at least %d callbacks, got %d", want, calls.Load())
}

func TestWatcherFiresOnMarkdownChange(t *testing.T) {
	dir := t.TempDir()

	var calls atomic.Int32
	w, err := NewWatcher(dir, 50*time.Millisecond, func() { calls.Add(1) })
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.Start()
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "2025-03-10.md"), []byte("# Monday\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	waitForCalls(t, &calls, 1)
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()

	var calls atomic.Int32
	w, err := NewWatcher(dir, 150*time.Millisecond, func() { calls.Add(1) })
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.Start()
	defer w.Stop()

	path := filepath.Join(dir, "2025-03-10.md")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("burst\n"), 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	waitForCalls(t, &calls, 1)
	time.Sleep(300 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("Burst must collapse into one callback, got %d", got)
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()

	var calls atomic.Int32
	w, err := NewWatcher(dir, 50*time.Millisecond, func() { calls.Add(1) })
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.Start()
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "image.png"), []byte{1, 2, 3}, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("Non-markdown files must not trigger callbacks, got %d", got)
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), 50*time.Millisecond, func() {})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.Start()
	w.Stop()
	w.Stop()
}
