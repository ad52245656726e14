package diskwatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// entryOverhead mirrors the per-entry accounting: stat record plus the
// word-rounded name.
func entryOverhead(name string) uint64 {
	return statRecordSize + uint64(len(name)+8)&^7
}

func blockRound(n uint64) uint64 {
	return (n + 4095) &^ 4095
}

func startWatcher(t *testing.T, dir string) *Watcher {
	t.Helper()
	w := New(dir)
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run() }()
	t.Cleanup(func() {
		w.Close()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("watcher: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("watcher did not stop")
		}
	})
	return w
}

func waitForSize(t *testing.T, w *Watcher, want uint64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if w.Size() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("size %d, want %d", w.Size(), want)
}

func TestDiskUsageFormula(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f"), make([]byte, 10000), 0644); err != nil {
		t.Fatal(err)
	}
	w := New(dir)
	got, err := w.diskUsage("", "f")
	if err != nil {
		t.Fatal(err)
	}
	want := blockRound(10000) + entryOverhead("f")
	if got.bytes != want {
		t.Errorf("bytes %d, want %d", got.bytes, want)
	}
	if got.isDir {
		t.Error("file reported as directory")
	}
}

func TestDiskUsageAbsent(t *testing.T) {
	w := New(t.TempDir())
	got, err := w.diskUsage("", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if got.bytes != 0 || got.isDir {
		t.Errorf("absent child usage %+v", got)
	}
}

func TestDiskUsageHardlink(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a"), make([]byte, 8192), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Link(filepath.Join(dir, "a"), filepath.Join(dir, "b")); err != nil {
		t.Fatal(err)
	}
	w := New(dir)
	got, err := w.diskUsage("", "a")
	if err != nil {
		t.Fatal(err)
	}
	want := blockRound(8192)/2 + entryOverhead("a")
	if got.bytes != want {
		t.Errorf("hardlinked bytes %d, want %d", got.bytes, want)
	}
}

func TestWatcherCountsExistingTree(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f"), make([]byte, 5000), 0644); err != nil {
		t.Fatal(err)
	}
	w := startWatcher(t, dir)
	waitForSize(t, w, blockRound(5000)+entryOverhead("f"))
}

func TestWatcherSeesCreateAndDelete(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)
	waitForSize(t, w, 0)

	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, make([]byte, 10000), 0644); err != nil {
		t.Fatal(err)
	}
	want := blockRound(10000) + entryOverhead("f")
	waitForSize(t, w, want)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitForSize(t, w, 0)
}

func TestWatcherDescendsIntoNewDirectories(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)
	waitForSize(t, w, 0)

	if err := os.MkdirAll(filepath.Join(dir, "a", "b"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a", "b", "deep"), make([]byte, 3000), 0644); err != nil {
		t.Fatal(err)
	}

	want := entryOverhead("a") + blockRound(4096) + // directory "a" (4k dir node)
		entryOverhead("b") + blockRound(4096) +
		entryOverhead("deep") + blockRound(3000)
	waitForSize(t, w, want)
}

func TestSizeWhenChangedAlreadyDifferent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f"), make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}
	w := startWatcher(t, dir)
	want := blockRound(100) + entryOverhead("f")
	waitForSize(t, w, want)

	start := time.Now()
	select {
	case got := <-w.SizeWhenChanged(0):
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
		if elapsed := time.Since(start); elapsed < debounceDelay {
			t.Errorf("resolved before debounce window: %v", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("SizeWhenChanged never resolved")
	}
}

func TestSizeWhenChangedWaitsForChange(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)
	waitForSize(t, w, 0)

	ch := w.SizeWhenChanged(0)
	select {
	case got := <-ch:
		t.Fatalf("resolved without change: %d", got)
	case <-time.After(300 * time.Millisecond):
	}

	if err := os.WriteFile(filepath.Join(dir, "g"), make([]byte, 200), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		want := blockRound(200) + entryOverhead("g")
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SizeWhenChanged never resolved after change")
	}
}

func TestTotalIsSumOfChildren(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	for _, name := range []string{"one", "two", "three"} {
		if err := os.WriteFile(filepath.Join(dir, name), make([]byte, 1234), 0644); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		var sum uint64
		for _, info := range w.watches {
			for _, size := range info.children {
				sum += size
			}
		}
		total := w.totalSize
		w.mu.Unlock()
		if sum == total && total != 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("total never matched sum of children")
}
