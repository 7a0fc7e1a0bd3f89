// Package afm holds the decoded representation shared by every AFM file
// format: frames of physical height values, the per-file and per-frame
// metadata records, and the normalizer that maps a decoder's native fields
// onto those records.
//
// Frames are row-major with row 0 at the top of the image. Decoders are
// responsible for flipping or rotating their native layout into that
// orientation before handing frames over.
package afm

import (
	"fmt"
	"math"
	"slices"
)

// Shape is the pixel size of a frame.
type Shape struct {
	Width  int
	Height int
}

func (s Shape) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// Frame is one 2-D image of physical values, stored row-major.
type Frame struct {
	Width  int
	Height int
	Data   []float64
}

// NewFrame allocates a zeroed frame.
func NewFrame(width, height int) Frame {
	return Frame{Width: width, Height: height, Data: make([]float64, width*height)}
}

// FrameFromRows builds a frame from a slice of equal-length rows.
func FrameFromRows(rows [][]float64) (Frame, error) {
	if len(rows) == 0 {
		return Frame{}, nil
	}

	f := NewFrame(len(rows[0]), len(rows))
	for y, row := range rows {
		if len(row) != f.Width {
			return Frame{}, fmt.Errorf("%w: row %d has %d columns, want %d", ErrShapeMismatch, y, len(row), f.Width)
		}

		copy(f.Data[y*f.Width:], row)
	}

	return f, nil
}

// Shape returns the frame dimensions.
func (f Frame) Shape() Shape { return Shape{Width: f.Width, Height: f.Height} }

// At returns the value at row y, column x.
func (f Frame) At(y, x int) float64 { return f.Data[y*f.Width+x] }

// Set stores v at row y, column x.
func (f Frame) Set(y, x int, v float64) { f.Data[y*f.Width+x] = v }

// Row returns row y without copying.
func (f Frame) Row(y int) []float64 { return f.Data[y*f.Width : (y+1)*f.Width] }

// Clone returns a deep copy.
func (f Frame) Clone() Frame {
	return Frame{Width: f.Width, Height: f.Height, Data: slices.Clone(f.Data)}
}

// Equal reports whether both frames have the same shape and contents.
// NaN values compare equal to each other.
func (f Frame) Equal(o Frame) bool {
	if f.Width != o.Width || f.Height != o.Height || len(f.Data) != len(o.Data) {
		return false
	}

	for i, v := range f.Data {
		w := o.Data[i]
		if v != w && !(math.IsNaN(v) && math.IsNaN(w)) {
			return false
		}
	}

	return true
}

// MinMax returns the smallest and largest finite values. An empty or
// all-NaN frame returns 0, 0.
func (f Frame) MinMax() (lo, hi float64) {
	first := true

	for _, v := range f.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}

		if first {
			lo, hi = v, v
			first = false

			continue
		}

		lo = min(lo, v)
		hi = max(hi, v)
	}

	return lo, hi
}

// Map applies fn to every value in place.
func (f Frame) Map(fn func(float64) float64) {
	for i, v := range f.Data {
		f.Data[i] = fn(v)
	}
}

// FlipVertical returns a copy with the row order reversed.
func (f Frame) FlipVertical() Frame {
	out := NewFrame(f.Width, f.Height)
	for y := range f.Height {
		copy(out.Row(f.Height-1-y), f.Row(y))
	}

	return out
}

// FlipHorizontal returns a copy with every row mirrored.
func (f Frame) FlipHorizontal() Frame {
	out := NewFrame(f.Width, f.Height)
	for y := range f.Height {
		src, dst := f.Row(y), out.Row(y)
		for x := range f.Width {
			dst[f.Width-1-x] = src[x]
		}
	}

	return out
}

// Transpose returns a copy with rows and columns swapped.
func (f Frame) Transpose() Frame {
	out := NewFrame(f.Height, f.Width)
	for y := range f.Height {
		for x := range f.Width {
			out.Data[x*out.Width+y] = f.Data[y*f.Width+x]
		}
	}

	return out
}

// Rot90 returns a copy rotated 90 degrees counter-clockwise.
func (f Frame) Rot90() Frame {
	out := NewFrame(f.Height, f.Width)
	for y := range f.Height {
		for x := range f.Width {
			out.Data[(f.Width-1-x)*out.Width+y] = f.Data[y*f.Width+x]
		}
	}

	return out
}

// FrameStack is an ordered sequence of frames that share one shape.
type FrameStack []Frame

// Shape returns the shape of the first frame, or a zero Shape.
func (s FrameStack) Shape() Shape {
	if len(s) == 0 {
		return Shape{}
	}

	return s[0].Shape()
}

// Validate checks that every frame has the same shape and a correctly sized buffer.
func (s FrameStack) Validate() error {
	want := s.Shape()

	for i, f := range s {
		if f.Shape() != want {
			return fmt.Errorf("%w: frame %d is %s, want %s", ErrShapeMismatch, i, f.Shape(), want)
		}

		if len(f.Data) != f.Width*f.Height {
			return fmt.Errorf("%w: frame %d holds %d values for %s", ErrShapeMismatch, i, len(f.Data), f.Shape())
		}
	}

	return nil
}

// IsStill reports whether the stack is a single image.
func (s FrameStack) IsStill() bool { return len(s) == 1 }

// Clone deep-copies every frame.
func (s FrameStack) Clone() FrameStack {
	if s == nil {
		return nil
	}

	out := make(FrameStack, len(s))
	for i, f := range s {
		out[i] = f.Clone()
	}

	return out
}

// Equal compares shapes and contents frame by frame.
func (s FrameStack) Equal(o FrameStack) bool {
	return slices.EqualFunc(s, o, Frame.Equal)
}
