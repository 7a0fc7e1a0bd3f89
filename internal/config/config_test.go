package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"afmio/internal/depth"
	"afmio/internal/folder"
)

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "afmio.yaml")
	data := `
log_file: /tmp/view.log
web:
  port: 9000
  watch: true
folder:
  min_dominant: 4
  continue_on_mismatch: true
depth:
  mode: Manual
  manual_min: -2
  manual_max: 5
channels:
  IBW: ZSensorTrace
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Web.Port != 9000 || !cfg.Web.Watch || !cfg.Web.Browser {
		t.Errorf("web: %+v", cfg.Web)
	}

	if cfg.Folder.MinDominant != 4 || cfg.Folder.MaxOther != 6 {
		t.Errorf("folder: %+v", cfg.Folder)
	}

	if cfg.Channels[".ibw"] != "ZSensorTrace" {
		t.Errorf("channels: %v", cfg.Channels)
	}

	opts := cfg.FolderOptions()
	if opts.Decide == nil || !opts.Decide(folder.Inconsistency{}) {
		t.Error("continue_on_mismatch should accept inconsistencies")
	}

	ctl, err := cfg.DepthControl()
	if err != nil {
		t.Fatal(err)
	}

	if b, _ := ctl.Bounds(0); ctl.Mode() != depth.Manual || b.Min != -2 || b.Max != 5 {
		t.Errorf("depth: %v %+v", ctl.Mode(), b)
	}
}

func TestEmptyPathAndEmptyFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil || cfg.Web.Port != 8080 {
		t.Fatalf("defaults: %+v %v", cfg, err)
	}

	cfg = Default()
	if err := Decode(strings.NewReader(""), &cfg); err != nil {
		t.Errorf("empty document: %v", err)
	}

	if cfg.FolderOptions().Decide != nil {
		t.Error("default should not auto-continue")
	}
}

func TestRejectsBadValues(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := Decode(strings.NewReader("web:\n  port: 70000\ndepth:\n  mode: auto\n"), &cfg)

	if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "web.port") || !strings.Contains(err.Error(), "depth.mode") {
		t.Errorf("got %v", err)
	}

	cfg = Default()
	if err := Decode(strings.NewReader("colour: red\n"), &cfg); err == nil {
		t.Error("unknown key accepted")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: got %v", err)
	}
}
