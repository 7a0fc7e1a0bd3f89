// Package format selects a decoder by file extension and normalizes its
// output into an afm.Dataset.
package format

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"afmio/internal/format/aris"
	"afmio/internal/format/asd"
	"afmio/internal/format/gwy"
	"afmio/internal/format/ibw"
	"afmio/internal/format/jpk"
	"afmio/internal/format/nhf"
	"afmio/internal/format/spm"
	"afmio/internal/h5"
	"afmio/pkg/afm"
)

// DecodeFunc decodes one channel of a file.
type DecodeFunc func(path, channel string) (*afm.Native, error)

// Format describes one registered file type.
type Format struct {
	// Ext is the lower-cased extension including the dot.
	Ext            string
	Name           string
	DefaultChannel string
	Decode         DecodeFunc
}

// Observer receives one call per decode attempt.
type Observer interface {
	ObserveDecode(format string, elapsed time.Duration, err error)
}

// Registry maps extensions to decoders.
type Registry struct {
	formats  map[string]Format
	logger   *slog.Logger
	observer Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for substitutions and failures.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithObserver reports every decode to o.
func WithObserver(o Observer) Option { return func(r *Registry) { r.observer = o } }

// New returns a registry with the seven built-in formats. HDF5-backed
// formats open files through opener.
func New(opener h5.Opener, opts ...Option) *Registry {
	r := &Registry{formats: make(map[string]Format), logger: slog.Default()}

	for _, f := range []Format{
		{Ext: ".asd", Name: "ASD", Decode: asd.Decode},
		{Ext: ".aris", Name: "ARIS", DefaultChannel: "HeightTrace", Decode: aris.Decoder{Open: opener}.Decode},
		{Ext: ".ibw", Name: "IBW", DefaultChannel: "HeightTrace", Decode: ibw.Decode},
		{Ext: ".jpk", Name: "JPK", DefaultChannel: "height_trace", Decode: jpk.Decode},
		{Ext: ".nhf", Name: "NHF", DefaultChannel: "Topography", Decode: nhf.Decoder{Open: opener}.Decode},
		{Ext: ".spm", Name: "SPM", DefaultChannel: "Height", Decode: spm.Decode},
		{Ext: ".gwy", Name: "GWY", Decode: gwy.Decode},
	} {
		r.Register(f)
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds or replaces a format.
func (r *Registry) Register(f Format) {
	f.Ext = strings.ToLower(f.Ext)
	r.formats[f.Ext] = f
}

// SetDefaultChannel overrides the channel used when none is requested.
func (r *Registry) SetDefaultChannel(ext, channel string) {
	ext = strings.ToLower(ext)
	if f, ok := r.formats[ext]; ok {
		f.DefaultChannel = channel
		r.formats[ext] = f
	}
}

// Lookup returns the format for path's extension.
func (r *Registry) Lookup(path string) (Format, bool) {
	f, ok := r.formats[strings.ToLower(filepath.Ext(path))]
	return f, ok
}

// Extensions returns the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.formats))
	for e := range r.formats {
		exts = append(exts, e)
	}

	slices.Sort(exts)

	return exts
}

// Decode loads and normalizes one file. An empty channel selects the
// format's default channel.
func (r *Registry) Decode(path, channel string) (*afm.Dataset, error) {
	f, n, err := r.DecodeNative(path, channel)
	if err != nil {
		return nil, err
	}

	ds, err := afm.NormalizeDataset(path, f.Ext, n)
	if err != nil {
		return nil, afm.WrapDecode(f.Name, path, -1, err)
	}

	return ds, nil
}

// DecodeNative runs the decoder without normalizing, for callers that need
// fields such as the acquisition time.
func (r *Registry) DecodeNative(path, channel string) (Format, *afm.Native, error) {
	f, ok := r.Lookup(path)
	if !ok {
		return Format{}, nil, afm.WrapDecode("", path, -1,
			fmt.Errorf("%w: extension %q", afm.ErrUnsupportedFormat, filepath.Ext(path)))
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %w", afm.ErrFileNotFound, err)
		}

		return f, nil, afm.WrapDecode(f.Name, path, -1, err)
	}

	if channel == "" {
		channel = f.DefaultChannel
	}

	start := time.Now()
	n, err := f.Decode(path, channel)

	if r.observer != nil {
		r.observer.ObserveDecode(f.Name, time.Since(start), err)
	}

	if err != nil {
		r.logger.Debug("decode failed", "format", f.Name, "path", path, "err", err)
		return f, nil, afm.WrapDecode(f.Name, path, -1, err)
	}

	if n.Substituted && channel != "" {
		r.logger.Warn("channel not found, using first channel",
			"path", path, "requested", channel, "channel", n.Record[afm.KeyChannel].Str(), "available", n.Channels)
	}

	return f, n, nil
}
