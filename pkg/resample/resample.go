// Package resample resizes frames with separable windowed-sinc interpolation.
package resample

import (
	"math"

	"afmio/pkg/afm"
)

const (
	defaultLobes = 3
	minLobes     = 2
	maxLobes     = 16
)

// Resampler holds the kernel width.
type Resampler struct {
	// sinc lobes on each side of the sample position
	lobes int
}

// New returns a resampler with a three-lobe kernel.
func New() *Resampler {
	return &Resampler{lobes: defaultLobes}
}

// NewWithQuality returns a resampler with the given lobe count, clamped to
// [2, 16]. More lobes give sharper results at higher cost.
func NewWithQuality(lobes int) *Resampler {
	return &Resampler{lobes: min(max(lobes, minLobes), maxLobes)}
}

func sinc(x float64) float64 {
	if math.Abs(x) < 1e-10 {
		return 1
	}

	px := math.Pi * x

	return math.Sin(px) / px
}

// blackman is the Blackman window over [-1, 1], zero outside.
func blackman(x float64) float64 {
	if x < -1 || x > 1 {
		return 0
	}

	t := (x + 1) / 2

	return 0.42 - 0.5*math.Cos(2*math.Pi*t) + 0.08*math.Cos(4*math.Pi*t)
}

// Line resamples src to n values. Sample centres are aligned so the first
// and last pixels cover the same extent before and after. NaN inputs carry
// no weight; an output with no finite neighbours is NaN.
func (r *Resampler) Line(src []float64, n int) []float64 {
	if n <= 0 || len(src) == 0 {
		return []float64{}
	}

	out := make([]float64, n)
	if n == len(src) {
		copy(out, src)
		return out
	}

	ratio := float64(n) / float64(len(src))

	// widen the kernel when shrinking to suppress aliasing
	scale := min(ratio, 1)
	radius := float64(r.lobes) / scale

	for i := range out {
		pos := (float64(i)+0.5)/ratio - 0.5

		lo := max(int(math.Floor(pos-radius)), 0)
		hi := min(int(math.Ceil(pos+radius)), len(src)-1)

		var sum, wsum float64

		for j := lo; j <= hi; j++ {
			v := src[j]
			if math.IsNaN(v) {
				continue
			}

			d := pos - float64(j)
			w := sinc(d*scale) * blackman(d/radius)

			sum += v * w
			wsum += w
		}

		if wsum == 0 {
			out[i] = math.NaN()
			continue
		}

		out[i] = sum / wsum
	}

	return out
}

// Frame resizes f to w×h, rows first then columns.
func (r *Resampler) Frame(f afm.Frame, w, h int) afm.Frame {
	if w <= 0 || h <= 0 {
		return afm.NewFrame(0, 0)
	}

	if w == f.Width && h == f.Height {
		return f.Clone()
	}

	rows := afm.NewFrame(w, f.Height)
	for y := range f.Height {
		copy(rows.Row(y), r.Line(f.Row(y), w))
	}

	out := afm.NewFrame(w, h)
	col := make([]float64, f.Height)

	for x := range w {
		for y := range f.Height {
			col[y] = rows.At(y, x)
		}

		for y, v := range r.Line(col, h) {
			out.Set(y, x, v)
		}
	}

	return out
}

// Fit returns the largest size within maxW×maxH that keeps the aspect
// ratio of w×h. cellAspect is the height of one output cell relative to
// its width (2 for a terminal character, 1 for square pixels).
func Fit(w, h, maxW, maxH int, cellAspect float64) (int, int) {
	if w <= 0 || h <= 0 || maxW <= 0 || maxH <= 0 {
		return 0, 0
	}

	if cellAspect <= 0 {
		cellAspect = 1
	}

	fh := float64(h) / cellAspect
	s := min(float64(maxW)/float64(w), float64(maxH)/fh)

	return max(int(math.Round(float64(w)*s)), 1), max(int(math.Round(fh*s)), 1)
}
