// Package calib converts raw instrument levels into physical heights and
// derives the pixel to nanometre scale of a scan.
package calib

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"afmio/pkg/afm"
)

// NMPerMetre converts metres to nanometres.
const NMPerMetre = 1e9

// Errors.
var (
	ErrUnknownRange = errors.New("calib: unknown analogue-digital range code")
	ErrUnknownUnit  = errors.New("calib: unknown length unit")
)

// MetresToNM converts a length in metres to nanometres.
func MetresToNM(m float64) float64 { return m * NMPerMetre }

// PixelToNM returns xPixels / xRangeNM, or 0 when the range is not positive.
func PixelToNM(xPixels int, xRangeNM float64) float64 {
	if !(xRangeNM > 0) {
		return 0
	}

	return float64(xPixels) / xRangeNM
}

// Apply runs fn over every frame in place.
func Apply(frames afm.FrameStack, fn func(float64) float64) {
	for _, f := range frames {
		f.Map(fn)
	}
}

// ADConverter maps digitized levels from an analogue-digital converter to volts
// and multiplies by a channel scaling factor.
type ADConverter struct {
	Level      float64
	Bipolar    bool
	Resolution float64
	Scale      float64
}

// Range codes stored by ASD headers.
const (
	RangeUnipolar1V0 uint32 = 0x00000001
	RangeUnipolar2V5 uint32 = 0x00000002
	RangeUnipolar5V0 uint32 = 0x00000004
	RangeBipolar1V0  uint32 = 0x00010000
	RangeBipolar2V5  uint32 = 0x00020000
	RangeBipolar5V0  uint32 = 0x00040000
)

// NewADConverter builds a converter from a range code and converter bit depth.
func NewADConverter(rangeCode uint32, bits int, scale float64) (ADConverter, error) {
	c := ADConverter{Scale: scale}

	switch rangeCode {
	case RangeUnipolar1V0:
		c.Level = 1.0
	case RangeUnipolar2V5:
		c.Level = 2.5
	case RangeUnipolar5V0:
		c.Level = 5.0
	case RangeBipolar1V0:
		c.Level, c.Bipolar = 1.0, true
	case RangeBipolar2V5:
		c.Level, c.Bipolar = 2.5, true
	case RangeBipolar5V0:
		c.Level, c.Bipolar = 5.0, true
	default:
		return c, fmt.Errorf("%w: %#x", ErrUnknownRange, rangeCode)
	}

	if bits <= 0 || bits > 32 {
		return c, fmt.Errorf("calib: invalid converter bit depth %d", bits)
	}

	c.Resolution = math.Exp2(float64(bits))

	return c, nil
}

// Convert returns the physical value for one raw level.
func (c ADConverter) Convert(level float64) float64 {
	if c.Bipolar {
		return (c.Level - 2*level*c.Level/c.Resolution) * c.Scale
	}

	return (level * c.Level / c.Resolution) * c.Scale
}

// FullScale32 maps a signed 32-bit raw value onto [lo, hi].
func FullScale32(raw, lo, hi float64) float64 {
	return (raw+math.Exp2(31))*(hi-lo)/math.Exp2(32) + lo
}

// Linear applies value*scale + offset.
func Linear(v, scale, offset float64) float64 { return v*scale + offset }

// NanoscopeZ converts a Nanoscope raw value using the hard Z scale (V/LSB)
// and the soft sensitivity (nm/V). Four-byte data carries 16 extra low bits.
func NanoscopeZ(raw, hard, soft float64, bytesPerPixel int) float64 {
	if bytesPerPixel == 4 {
		hard /= 65536
	}

	return raw * hard * soft
}

// UnitToNM returns the factor converting the given length unit to nanometres.
func UnitToNM(unit string) (float64, error) {
	switch strings.TrimSpace(unit) {
	case "nm":
		return 1, nil
	case "um", "µm", "μm", "~m":
		return 1e3, nil
	case "mm":
		return 1e6, nil
	case "m":
		return NMPerMetre, nil
	case "pm":
		return 1e-3, nil
	case "A", "Å":
		return 0.1, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}
}
