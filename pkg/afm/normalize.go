package afm

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Key identifies one field of a decoder's native record.
type Key int

const (
	KeyFrames Key = iota
	KeyXRangeNM
	KeyFPS
	KeyLineRate
	KeyYPixels
	KeyXPixels
	KeyPixelToNM
	KeyChannel
	KeyTimestamps
)

// StandardKeys is the fixed order every native record must follow.
var StandardKeys = []Key{
	KeyFrames, KeyXRangeNM, KeyFPS, KeyLineRate, KeyYPixels, KeyXPixels, KeyPixelToNM, KeyChannel, KeyTimestamps,
}

var keyNames = map[Key]string{
	KeyFrames:     "Frames",
	KeyXRangeNM:   "X Range (nm)",
	KeyFPS:        "Speed (FPS)",
	KeyLineRate:   "Line/s (Hz)",
	KeyYPixels:    "Y Pixel Dimensions",
	KeyXPixels:    "X Pixel Dimensions",
	KeyPixelToNM:  "Pixel/nm Scaling Factor",
	KeyChannel:    "Current channel",
	KeyTimestamps: "Timestamp",
}

func (k Key) String() string {
	if s, ok := keyNames[k]; ok {
		return s
	}

	return fmt.Sprintf("Key(%d)", int(k))
}

type valueKind uint8

const (
	kindMissing valueKind = iota
	kindScalar
	kindSeries
	kindText
)

// Value is one native field: a number, a per-frame series, text, or missing.
type Value struct {
	kind   valueKind
	num    float64
	series []float64
	text   string
}

func Scalar(v float64) Value { return Value{kind: kindScalar, num: v} }
func Series(v []float64) Value { return Value{kind: kindSeries, series: v} }
func Text(s string) Value { return Value{kind: kindText, text: s} }
func Missing() Value { return Value{} }
func (v Value) IsMissing() bool { return v.kind == kindMissing }
func (v Value) Num() float64 { return v.num }
func (v Value) Values() []float64 { return v.series }
func (v Value) Str() string { return v.text }

// Record holds one Value per StandardKeys entry, in the same order.
type Record []Value

// NewRecord returns a record with every field missing.
func NewRecord() Record { return make(Record, len(StandardKeys)) }

// Set stores v under k.
func (r Record) Set(k Key, v Value) Record {
	r[k] = v
	return r
}

// Native is what a format decoder hands to the normalizer.
type Native struct {
	Frames      FrameStack
	Record      Record
	Channels    []string
	Requested   string
	Substituted bool
	// Acquired is the acquisition start time when the format stores one.
	Acquired time.Time
}

// Normalize maps a native record onto the fixed metadata schema.
//
// Missing fields get documented defaults: pixel counts come from the frame
// shape, the scale is derived as x_pixels/x_range_nm, a non-positive range
// falls back to one pixel per nanometre, timestamps are i/fps and zero when
// the rate is unknown. Min, max and the scale bar are always computed from
// the frames.
func Normalize(n *Native) (FileMetadata, []FrameMetadata, error) {
	var file FileMetadata

	if len(n.Record) != len(StandardKeys) {
		return file, nil, fmt.Errorf("%w: got %d fields, want %d", ErrSchemaMismatch, len(n.Record), len(StandardKeys))
	}

	if err := n.Frames.Validate(); err != nil {
		return file, nil, err
	}

	count := len(n.Frames)
	if v := n.Record[KeyFrames]; !v.IsMissing() && int(v.num) != count {
		return file, nil, fmt.Errorf("%w: %s is %d but %d frames decoded", ErrSchemaMismatch, KeyFrames, int(v.num), count)
	}

	shape := n.Frames.Shape()
	file.FrameCount = count
	file.XPixels = intOr(n.Record[KeyXPixels], shape.Width)
	file.YPixels = intOr(n.Record[KeyYPixels], shape.Height)
	file.FPS = Rate(numOr(n.Record[KeyFPS], 0))
	file.LineRateHz = Rate(numOr(n.Record[KeyLineRate], 0))

	ch := n.Record[KeyChannel]
	if ch.kind != kindText {
		return file, nil, fmt.Errorf("%w: %s must be text", ErrSchemaMismatch, KeyChannel)
	}

	file.CurrentChannel = ch.text

	file.AvailableChannels = slices.Clone(n.Channels)
	if !slices.Contains(file.AvailableChannels, file.CurrentChannel) {
		file.AvailableChannels = append(file.AvailableChannels, file.CurrentChannel)
	}

	ranges, err := perFrame(n.Record[KeyXRangeNM], count)
	if err != nil {
		return file, nil, err
	}

	scales, err := perFrame(n.Record[KeyPixelToNM], count)
	if err != nil {
		return file, nil, err
	}

	stamps, err := perFrame(n.Record[KeyTimestamps], count)
	if err != nil {
		return file, nil, err
	}

	frames := make([]FrameMetadata, count)
	xp := float64(file.XPixels)

	for i, f := range n.Frames {
		fm := &frames[i]

		xr, sc := ranges[i], scales[i]
		switch {
		case valid(xr):
			sc = xp / xr
		case valid(sc):
			xr = xp / sc
		}

		if !valid(xr) || !valid(sc) {
			xr, sc = xp, 1
		}

		fm.XRangeNM = xr
		fm.PixelToNMScale = sc

		switch {
		case !math.IsNaN(stamps[i]):
			fm.TimestampS = stamps[i]
		case count > 1 && file.FPS.Known():
			fm.TimestampS = float64(i) / float64(file.FPS)
		}

		fm.MinValue, fm.MaxValue = f.MinMax()
		fm.NiceScaleBarNM, fm.ScaleBarPixels = ScaleBar(f.Width, sc)
	}

	return file, frames, nil
}

// NormalizeDataset runs Normalize and wraps the result for the given source.
func NormalizeDataset(path, format string, n *Native) (*Dataset, error) {
	file, frames, err := Normalize(n)
	if err != nil {
		return nil, err
	}

	return &Dataset{Path: path, Format: format, Frames: n.Frames, File: file, FrameMeta: frames}, nil
}

func valid(v float64) bool { return v > 0 && !math.IsInf(v, 0) }

// perFrame expands a scalar or series to one value per frame; NaN marks "absent".
func perFrame(v Value, n int) ([]float64, error) {
	out := make([]float64, n)

	switch v.kind {
	case kindMissing:
		for i := range out {
			out[i] = math.NaN()
		}
	case kindScalar:
		for i := range out {
			out[i] = v.num
		}
	case kindSeries:
		if len(v.series) != n {
			return nil, fmt.Errorf("%w: series of %d values for %d frames", ErrSchemaMismatch, len(v.series), n)
		}

		copy(out, v.series)
	case kindText:
		return nil, fmt.Errorf("%w: numeric field holds text %q", ErrSchemaMismatch, v.text)
	}

	return out, nil
}

func numOr(v Value, def float64) float64 {
	if v.kind != kindScalar || math.IsNaN(v.num) {
		return def
	}

	return v.num
}

func intOr(v Value, def int) int {
	if v.kind != kindScalar || !(v.num > 0) {
		return def
	}

	return int(v.num)
}
