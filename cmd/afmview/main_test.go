package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nsf/termbox-go"

	"afmio/internal/config"
	"afmio/internal/session"
	"afmio/pkg/afm"
)

func TestApplyFlags(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	applyFlags(&cfg, 0, "", "", false, false, false)

	if cfg.Web.Port != 8080 || cfg.LogFile != "afmview.log" || !cfg.Web.Browser {
		t.Errorf("zero flags changed settings: %+v", cfg)
	}

	applyFlags(&cfg, 9000, "x.log", "outlier", true, true, true)

	if cfg.Web.Port != 9000 || cfg.LogFile != "x.log" || cfg.Depth.Mode != "outlier" {
		t.Errorf("flags not applied: %+v", cfg)
	}

	if cfg.Web.Browser || !cfg.Web.Watch || !cfg.Folder.Continue {
		t.Errorf("switches not applied: %+v", cfg)
	}
}

func TestStatusLine(t *testing.T) {
	t.Parallel()

	s := &statusLine{}

	s.OnLoadComplete(session.Info{Failed: 1, Discarded: []string{"a"}}, &afm.Dataset{File: afm.FileMetadata{FrameCount: 3}})

	text, failed, _ := s.get()
	if failed || !strings.Contains(text, "3 frames") || !strings.Contains(text, "skipped 2") {
		t.Errorf("load status: got %q (failed %v)", text, failed)
	}

	s.OnLoadFailed(afm.KindTruncatedStream, "short read")

	text, failed, _ = s.get()
	if !failed || text != "truncated_stream: short read" {
		t.Errorf("failure status: got %q (failed %v)", text, failed)
	}
}

func TestGray(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want termbox.Attribute
	}{
		{0, 233},
		{1, 256},
		{0.5, 245},
	}

	for _, tt := range tests {
		if got := gray(tt.in); got != tt.want {
			t.Errorf("gray(%v): got %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}

	if got := truncate("a/very/long/path.ibw", 8); len([]rune(got)) > 8 || !strings.HasSuffix(got, "…") {
		t.Errorf("got %q", got)
	}
}

func TestLoadRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "scan.asd")

	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if got := loadRoot(file); got != dir {
		t.Errorf("file: got %q, want %q", got, dir)
	}

	if got := loadRoot(dir); got != dir {
		t.Errorf("folder: got %q, want %q", got, dir)
	}
}
