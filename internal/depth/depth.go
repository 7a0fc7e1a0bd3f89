// Package depth computes the per-frame value range used to map heights to
// display intensities.
package depth

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"gonum.org/v1/gonum/stat"

	"afmio/pkg/afm"
)

// Mode selects how bounds are chosen.
type Mode string

const (
	// Frame uses each frame's min and max.
	Frame Mode = "frame"
	// Histogram clips to the 1st and 99th percentile.
	Histogram Mode = "histogram"
	// Outlier clips to mean ± 3 standard deviations.
	Outlier Mode = "outlier"
	// Manual uses one fixed range for every frame.
	Manual Mode = "manual"
)

// Modes lists every mode in cycling order.
var Modes = []Mode{Frame, Histogram, Outlier, Manual}

const (
	outlierSigma = 3
	lowQuantile  = 0.01
	highQuantile = 0.99
)

// Errors.
var (
	ErrUnknownMode = errors.New("depth: unknown mode")
	ErrNotLoaded   = errors.New("depth: frame not loaded")
	ErrEmptyRange  = errors.New("depth: manual range must have min < max")
)

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Modes, m) {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}

	return m, nil
}

// Next returns the mode after m in cycling order.
func (m Mode) Next() Mode {
	i := slices.Index(Modes, m)
	return Modes[(i+1)%len(Modes)]
}

// Bounds is a closed display range.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Normalize maps v into [0, 1], clamping outside the range.
func (b Bounds) Normalize(v float64) float64 {
	span := b.Max - b.Min
	if !(span > 0) || math.IsNaN(v) {
		return 0
	}

	return min(max((v-b.Min)/span, 0), 1)
}

type frameBounds struct {
	frame, histogram, outlier Bounds
}

// Control caches the bounds of every loaded frame. It is safe for
// concurrent use.
type Control struct {
	mu     sync.RWMutex
	mode   Mode
	manual Bounds
	frames []frameBounds
}

// New returns a control in Frame mode.
func New() *Control {
	return &Control{mode: Frame}
}

// Load replaces the cached bounds. Frame bounds come from meta when given.
func (c *Control) Load(frames afm.FrameStack, meta []afm.FrameMetadata) {
	next := make([]frameBounds, len(frames))

	for i, f := range frames {
		fb := &next[i]
		if i < len(meta) {
			fb.frame = Bounds{Min: meta[i].MinValue, Max: meta[i].MaxValue}
		} else {
			fb.frame.Min, fb.frame.Max = f.MinMax()
		}

		fb.outlier = OutlierBounds(f)
		fb.histogram = HistogramBounds(f)
	}

	c.mu.Lock()
	c.frames = next
	c.mu.Unlock()
}

// Mode returns the active mode.
func (c *Control) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.mode
}

// SetMode changes the active mode.
func (c *Control) SetMode(m Mode) error {
	if !slices.Contains(Modes, m) {
		return fmt.Errorf("%w: %q", ErrUnknownMode, m)
	}

	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()

	return nil
}

// SetManual sets the range used in Manual mode.
func (c *Control) SetManual(lo, hi float64) error {
	if !(lo < hi) {
		return fmt.Errorf("%w: [%v, %v]", ErrEmptyRange, lo, hi)
	}

	c.mu.Lock()
	c.manual = Bounds{Min: lo, Max: hi}
	c.mu.Unlock()

	return nil
}

// Bounds returns the display range of frame i in the active mode.
func (c *Control) Bounds(i int) (Bounds, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.mode == Manual {
		return c.manual, nil
	}

	if i < 0 || i >= len(c.frames) {
		return Bounds{}, fmt.Errorf("%w: %d", ErrNotLoaded, i)
	}

	fb := c.frames[i]

	switch c.mode {
	case Histogram:
		return fb.histogram, nil
	case Outlier:
		return fb.outlier, nil
	default:
		return fb.frame, nil
	}
}

// finite returns the finite values of f.
func finite(f afm.Frame) []float64 {
	out := make([]float64, 0, len(f.Data))
	for _, v := range f.Data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}

	return out
}

// OutlierBounds returns mean ± 3σ over the finite values of f, using the
// population standard deviation.
func OutlierBounds(f afm.Frame) Bounds {
	xs := finite(f)
	if len(xs) == 0 {
		return Bounds{}
	}

	mean, std := stat.PopMeanStdDev(xs, nil)

	return Bounds{Min: mean - outlierSigma*std, Max: mean + outlierSigma*std}
}

// HistogramBounds returns the empirical 1st and 99th percentile of the
// finite values of f.
func HistogramBounds(f afm.Frame) Bounds {
	xs := finite(f)
	if len(xs) == 0 {
		return Bounds{}
	}

	slices.Sort(xs)

	return Bounds{
		Min: stat.Quantile(lowQuantile, stat.Empirical, xs, nil),
		Max: stat.Quantile(highQuantile, stat.Empirical, xs, nil),
	}
}
