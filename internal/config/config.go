// Package config loads optional YAML settings shared by the command-line
// tools. Command-line flags override file values.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"afmio/internal/depth"
	"afmio/internal/folder"
)

// Errors.
var (
	ErrInvalid = errors.New("config: invalid value")
)

// Web configures the browser UI server.
type Web struct {
	Port    int  `yaml:"port"`
	Browser bool `yaml:"browser"`
	// Watch reloads the current path when it changes on disk.
	Watch bool `yaml:"watch"`
}

// Folder configures sequence detection.
type Folder struct {
	MinDominant int `yaml:"min_dominant"`
	MaxOther    int `yaml:"max_other"`
	Workers     int `yaml:"workers"`
	// Continue answers the inconsistency prompt without asking.
	Continue bool `yaml:"continue_on_mismatch"`
}

// Depth configures the initial display range.
type Depth struct {
	Mode      string  `yaml:"mode"`
	ManualMin float64 `yaml:"manual_min"`
	ManualMax float64 `yaml:"manual_max"`
}

// Config is the full settings file.
type Config struct {
	LogFile string `yaml:"log_file"`
	Web     Web    `yaml:"web"`
	Folder  Folder `yaml:"folder"`
	Depth   Depth  `yaml:"depth"`
	// Channels overrides the default channel per extension, e.g. ".ibw": "ZSensorTrace".
	Channels map[string]string `yaml:"channels"`
}

// Default returns the built-in settings.
func Default() Config {
	opts := folder.DefaultOptions()

	return Config{
		LogFile: "afmview.log",
		Web:     Web{Port: 8080, Browser: true},
		Folder: Folder{
			MinDominant: opts.MinDominant,
			MaxOther:    opts.MaxOther,
			Workers:     opts.Workers,
		},
		Depth: Depth{Mode: string(depth.Frame)},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	if err := Decode(f, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// Decode reads YAML from r into cfg and validates the result. Unknown keys
// are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return cfg.Validate()
}

// Validate checks ranges and normalizes extension keys.
func (c *Config) Validate() error {
	var errs []error

	if c.Web.Port < 0 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: web.port %d", ErrInvalid, c.Web.Port))
	}

	if c.Folder.MinDominant < 1 {
		errs = append(errs, fmt.Errorf("%w: folder.min_dominant %d", ErrInvalid, c.Folder.MinDominant))
	}

	if c.Folder.MaxOther < 1 {
		errs = append(errs, fmt.Errorf("%w: folder.max_other %d", ErrInvalid, c.Folder.MaxOther))
	}

	m, err := depth.ParseMode(c.Depth.Mode)
	if err != nil {
		errs = append(errs, fmt.Errorf("%w: depth.mode: %w", ErrInvalid, err))
	} else {
		c.Depth.Mode = string(m)
	}

	if m == depth.Manual && !(c.Depth.ManualMin < c.Depth.ManualMax) {
		errs = append(errs, fmt.Errorf("%w: depth manual range [%v, %v]", ErrInvalid, c.Depth.ManualMin, c.Depth.ManualMax))
	}

	if len(c.Channels) > 0 {
		norm := make(map[string]string, len(c.Channels))
		for ext, ch := range c.Channels {
			ext = strings.ToLower(ext)
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}

			norm[ext] = ch
		}

		c.Channels = norm
	}

	return errors.Join(errs...)
}

// FolderOptions converts the folder section.
func (c Config) FolderOptions() folder.Options {
	opts := folder.Options{
		MinDominant: c.Folder.MinDominant,
		MaxOther:    c.Folder.MaxOther,
		Workers:     c.Folder.Workers,
	}

	if c.Folder.Continue {
		opts.Decide = func(folder.Inconsistency) bool { return true }
	}

	return opts
}

// DepthControl builds a depth control in the configured mode.
func (c Config) DepthControl() (*depth.Control, error) {
	ctl := depth.New()

	m, err := depth.ParseMode(c.Depth.Mode)
	if err != nil {
		return nil, err
	}

	if m == depth.Manual {
		if err := ctl.SetManual(c.Depth.ManualMin, c.Depth.ManualMax); err != nil {
			return nil, err
		}
	}

	return ctl, ctl.SetMode(m)
}
