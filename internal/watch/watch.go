// Package watch calls back when a loaded file or folder changes on disk.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an instrument produces
// while it writes one file.
const DefaultDebounce = 500 * time.Millisecond

const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

// Run watches path until ctx is done and calls fn once per quiet period
// after a change. A file is watched through its parent directory so that
// editors replacing it are seen; a directory is watched directly.
func Run(ctx context.Context, path string, debounce time.Duration, fn func()) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, name := path, ""
	if !st.IsDir() {
		dir, name = filepath.Dir(path), filepath.Base(path)
	}

	if err := w.Add(dir); err != nil {
		return err
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	timer := time.NewTimer(debounce)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Op&relevant == 0 {
				continue
			}

			if name != "" && filepath.Base(ev.Name) != name {
				continue
			}

			slog.Debug("watched path changed", "path", ev.Name, "op", ev.Op)
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}

			slog.Warn("watch error", "path", path, "err", err)

		case <-timer.C:
			fn()
		}
	}
}
