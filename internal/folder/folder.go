// Package folder treats a directory of same-format files as one frame
// sequence.
//
// A directory qualifies when one recognized extension dominates it. Members
// are decoded in parallel, filtered to the most common frame shape and
// checked for consistent acquisition settings before they are stacked.
package folder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"afmio/internal/format"
	"afmio/pkg/afm"
)

// Errors.
var (
	ErrNotSequence = errors.New("folder: no dominant file format")
	ErrNoMembers   = errors.New("folder: no member could be decoded")
)

// Source decodes member files. *format.Registry implements it.
type Source interface {
	Extensions() []string
	DecodeNative(path, channel string) (format.Format, *afm.Native, error)
}

// Options tune dominance detection and decoding.
type Options struct {
	// MinDominant is the least number of files the dominant extension needs.
	MinDominant int
	// MaxOther bounds every other recognized extension: counts must stay below it.
	MaxOther int
	// Workers limits concurrent decodes; zero or less means one per member.
	Workers int
	// Decide is asked whether to continue when members disagree. A nil
	// Decide aborts.
	Decide func(Inconsistency) bool
	Logger *slog.Logger
}

// DefaultOptions returns the stock thresholds: at least 10 files of one
// extension and fewer than 6 of every other.
func DefaultOptions() Options {
	return Options{MinDominant: 10, MaxOther: 6, Workers: 4}
}

// Candidate is the outcome of Scan.
type Candidate struct {
	Dir    string
	Ext    string
	Files  []string
	Counts map[string]int
}

// Scan counts the direct children of dir per recognized extension and
// picks the dominant one.
func Scan(dir string, exts []string, opts Options) (Candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Candidate{}, err
	}

	c := Candidate{Dir: dir, Counts: make(map[string]int)}
	byExt := make(map[string][]string)

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !slices.Contains(exts, ext) {
			continue
		}

		c.Counts[ext]++
		byExt[ext] = append(byExt[ext], filepath.Join(dir, e.Name()))
	}

	for ext, n := range c.Counts {
		if n < opts.MinDominant {
			continue
		}

		dominant := true

		for other, m := range c.Counts {
			if other != ext && m >= opts.MaxOther {
				dominant = false
				break
			}
		}

		if dominant {
			c.Ext = ext
			c.Files = byExt[ext]
			slices.Sort(c.Files)

			return c, nil
		}
	}

	return c, fmt.Errorf("%w: %w: %s %v", afm.ErrUnsupportedFormat, ErrNotSequence, dir, c.Counts)
}

// HasSequence reports whether dir qualifies as a sequence.
func HasSequence(dir string, exts []string, opts Options) bool {
	_, err := Scan(dir, exts, opts)
	return err == nil
}

type member struct {
	path   string
	native *afm.Native
	file   afm.FileMetadata
	frames []afm.FrameMetadata
}

// Result is an assembled sequence.
type Result struct {
	Dataset *afm.Dataset
	// Members lists the files that made it into the stack, in order.
	Members []string
	// Shape is set when members were dropped for not matching the majority shape.
	Shape *ShapeMismatch
	// Failed holds the decode errors of skipped members.
	Failed []error
}

// Aggregate decodes the dominant files of dir and stacks them.
func Aggregate(ctx context.Context, src Source, dir, channel string, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cand, err := Scan(dir, src.Extensions(), opts)
	if err != nil {
		return nil, err
	}

	logger.Info("folder sequence", "dir", dir, "ext", cand.Ext, "files", len(cand.Files))

	decoded := make([]*member, len(cand.Files))
	failures := make([]error, len(cand.Files))

	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}

	for i, path := range cand.Files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			_, n, err := src.DecodeNative(path, channel)
			if err == nil {
				var m member

				m.file, m.frames, err = afm.Normalize(n)
				if err == nil {
					m.path, m.native = path, n
					decoded[i] = &m

					return nil
				}

				err = afm.WrapDecode(strings.ToUpper(strings.TrimPrefix(cand.Ext, ".")), path, -1, err)
			}

			failures[i] = err

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{}

	var members []*member

	for i, m := range decoded {
		if m == nil {
			logger.Warn("skipping folder member", "path", cand.Files[i], "err", failures[i])
			res.Failed = append(res.Failed, failures[i])

			continue
		}

		members = append(members, m)
	}

	if len(members) == 0 {
		return nil, errors.Join(append([]error{fmt.Errorf("%w: %s", ErrNoMembers, dir)}, res.Failed...)...)
	}

	members, res.Shape = majorityShape(members)
	if res.Shape != nil {
		logger.Warn("dropped members with a minority frame shape",
			"dir", dir, "shape", res.Shape.Kept, "discarded", len(res.Shape.Discarded))
	}

	if inc := checkConsistency(dir, members); len(inc.Mismatches) > 0 {
		if opts.Decide == nil || !opts.Decide(inc) {
			return nil, inc
		}

		logger.Warn("continuing with inconsistent folder metadata", "dir", dir, "mismatches", len(inc.Mismatches))
	}

	res.Dataset = assemble(dir, cand.Ext, members)
	for _, m := range members {
		res.Members = append(res.Members, m.path)
	}

	return res, nil
}

// ShapeMismatch reports members dropped by the majority-shape filter.
type ShapeMismatch struct {
	Kept      afm.Shape
	Discarded []string
}

func (s *ShapeMismatch) Error() string {
	return fmt.Sprintf("%v: kept %s, discarded %d files", afm.ErrShapeMismatch, s.Kept, len(s.Discarded))
}

func (s *ShapeMismatch) Unwrap() error { return afm.ErrShapeMismatch }

// majorityShape keeps the members whose shape is most common. Ties go to the
// shape seen first.
func majorityShape(members []*member) ([]*member, *ShapeMismatch) {
	counts := make(map[afm.Shape]int)

	var order []afm.Shape

	for _, m := range members {
		s := m.native.Frames.Shape()
		if counts[s] == 0 {
			order = append(order, s)
		}

		counts[s]++
	}

	if len(order) == 1 {
		return members, nil
	}

	best := order[0]
	for _, s := range order[1:] {
		if counts[s] > counts[best] {
			best = s
		}
	}

	sm := &ShapeMismatch{Kept: best}
	kept := members[:0:0]

	for _, m := range members {
		if m.native.Frames.Shape() == best {
			kept = append(kept, m)
		} else {
			sm.Discarded = append(sm.Discarded, m.path)
		}
	}

	return kept, sm
}

// Mismatch is one member value that differs from the first member's value.
type Mismatch struct {
	Field string
	Path  string
	Want  float64
	Got   float64
}

// Inconsistency lists every disagreement found across members. It is
// returned as the error when the caller declines to continue.
type Inconsistency struct {
	Dir        string
	Reference  string
	Mismatches []Mismatch
}

func (i Inconsistency) Error() string {
	fields := make([]string, 0, len(i.Mismatches))
	for _, m := range i.Mismatches {
		if !slices.Contains(fields, m.Field) {
			fields = append(fields, m.Field)
		}
	}

	return fmt.Sprintf("%v: %s: %s differ from %s", afm.ErrMetadataInconsistency, i.Dir,
		strings.Join(fields, ", "), filepath.Base(i.Reference))
}

func (i Inconsistency) Unwrap() error { return afm.ErrMetadataInconsistency }

func checkConsistency(dir string, members []*member) Inconsistency {
	ref := members[0]
	inc := Inconsistency{Dir: dir, Reference: ref.path}

	for _, m := range members[1:] {
		for _, f := range []struct {
			name      string
			want, got float64
		}{
			{"fps", float64(ref.file.FPS), float64(m.file.FPS)},
			{"line_rate_hz", float64(ref.file.LineRateHz), float64(m.file.LineRateHz)},
			{"x_pixels", float64(ref.file.XPixels), float64(m.file.XPixels)},
			{"y_pixels", float64(ref.file.YPixels), float64(m.file.YPixels)},
		} {
			if f.want != f.got {
				inc.Mismatches = append(inc.Mismatches, Mismatch{Field: f.name, Path: m.path, Want: f.want, Got: f.got})
			}
		}
	}

	return inc
}

// Intersect returns the channels present in every list, counting
// duplicates, in the order of the first list. Empty names are dropped.
func Intersect(lists ...[]string) []string {
	if len(lists) == 0 {
		return nil
	}

	common := make(map[string]int)
	for _, c := range lists[0] {
		common[c]++
	}

	for _, l := range lists[1:] {
		counts := make(map[string]int)
		for _, c := range l {
			counts[c]++
		}

		for c, n := range common {
			common[c] = min(n, counts[c])
		}
	}

	var out []string

	for _, c := range lists[0] {
		if c == "" || common[c] == 0 {
			continue
		}

		common[c]--
		out = append(out, c)
	}

	return out
}

func assemble(dir, ext string, members []*member) *afm.Dataset {
	ref := members[0]

	ds := &afm.Dataset{Path: dir, Format: ext, InFolder: true}
	ds.File = ref.file.Clone()

	lists := make([][]string, len(members))
	for i, m := range members {
		lists[i] = m.file.AvailableChannels
	}

	ds.File.AvailableChannels = Intersect(lists...)
	if !ds.File.HasChannel(ds.File.CurrentChannel) {
		ds.File.AvailableChannels = append(ds.File.AvailableChannels, ds.File.CurrentChannel)
	}

	stamps := timestamps(members)

	for i, m := range members {
		for j, f := range m.native.Frames {
			fm := m.frames[j]
			fm.TimestampS = stamps[i] + fm.TimestampS

			ds.Frames = append(ds.Frames, f)
			ds.FrameMeta = append(ds.FrameMeta, fm)
		}
	}

	ds.File.FrameCount = len(ds.Frames)

	return ds
}

// timestamps returns the start time of each member in seconds. Members that
// all carry an acquisition time are placed by elapsed wall-clock time from
// the first; otherwise each member advances the clock by one frame period.
func timestamps(members []*member) []float64 {
	out := make([]float64, len(members))

	acquired := true
	for _, m := range members {
		if m.native.Acquired.IsZero() {
			acquired = false
			break
		}
	}

	if acquired {
		t0 := members[0].native.Acquired
		for i, m := range members {
			out[i] = m.native.Acquired.Sub(t0).Seconds()
		}

		return out
	}

	elapsed := 0.0

	for i, m := range members {
		out[i] = elapsed

		if fps := m.file.FPS; fps.Known() {
			elapsed += float64(len(m.native.Frames)) / float64(fps)
		}
	}

	return out
}
