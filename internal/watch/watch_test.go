package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunReportsChangesToFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "scan.ibw")

	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 4)
	done := make(chan error, 1)

	go func() {
		done <- Run(ctx, path, 20*time.Millisecond, func() { changed <- struct{}{} })
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "other.ibw"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
		t.Fatal("sibling file triggered a reload")
	case <-time.After(200 * time.Millisecond):
	}

	for range 3 {
		if err := os.WriteFile(path, []byte("bb"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}

	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestRunMissingPath(t *testing.T) {
	t.Parallel()

	if err := Run(context.Background(), filepath.Join(t.TempDir(), "gone"), 0, func() {}); !os.IsNotExist(err) {
		t.Errorf("got %v", err)
	}
}
