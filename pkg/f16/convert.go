// Package f16 packs frame values as IEEE 754 half-precision floats, the
// format the web UI uploads straight into a float16 texture.
package f16

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrOddLength is returned when a buffer does not hold whole halves.
var ErrOddLength = errors.New("f16: buffer length must be even")

// Encode converts values to little-endian float16, 2 bytes each.
func Encode(values []float64) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[2*i:], FromFloat32(float32(v)))
	}

	return out
}

// EncodeNormalized maps values from [lo, hi] onto [0, 1] before encoding,
// which keeps full half precision for heights far outside the float16
// range. Values outside the range are clamped; NaN stays NaN.
func EncodeNormalized(values []float64, lo, hi float64) []byte {
	span := hi - lo
	out := make([]byte, 2*len(values))

	for i, v := range values {
		n := 0.0

		switch {
		case math.IsNaN(v):
			n = v
		case span > 0:
			n = min(max((v-lo)/span, 0), 1)
		}

		binary.LittleEndian.PutUint16(out[2*i:], FromFloat32(float32(n)))
	}

	return out
}

// Decode converts little-endian float16 bytes back to float32.
func Decode(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(data))
	}

	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = ToFloat32(binary.LittleEndian.Uint16(data[2*i:]))
	}

	return out, nil
}

// FromFloat32 rounds v to the nearest half, ties to even. Values below the
// smallest subnormal flush to signed zero and overflow goes to infinity.
func FromFloat32(v float32) uint16 {
	bits := math.Float32bits(v)
	sign := uint16(bits>>16) & 0x8000
	exp := int(bits>>23) & 0xff
	man := bits & 0x7fffff

	if exp == 0xff {
		if man != 0 {
			return sign | 0x7e00
		}

		return sign | 0x7c00
	}

	e := exp - 127 + 15

	switch {
	case e >= 0x1f:
		return sign | 0x7c00
	case e <= 0:
		if e < -10 {
			return sign
		}

		// subnormal half: restore the implicit bit and shift into 10 bits
		man |= 0x800000
		shift := uint(14 - e)
		half := man >> shift
		rem := man & (1<<shift - 1)
		mid := uint32(1) << (shift - 1)

		if rem > mid || (rem == mid && half&1 == 1) {
			half++
		}

		return sign | uint16(half)
	}

	half := uint32(e)<<10 | man>>13
	rem := man & 0x1fff

	// a carry out of the mantissa correctly bumps the exponent, up to infinity
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		half++
	}

	return sign | uint16(half)
}

// ToFloat32 widens a half exactly.
func ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	man := uint32(h & 0x3ff)

	switch exp {
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | man<<13)
	case 0:
		if man == 0 {
			return math.Float32frombits(sign)
		}

		v := float32(man) / (1 << 24)
		if sign != 0 {
			v = -v
		}

		return v
	}

	return math.Float32frombits(sign | (exp+112)<<23 | man<<13)
}

// MaxRelError returns the largest relative error a round trip through
// EncodeNormalized introduces for values.
func MaxRelError(values []float64, lo, hi float64) float64 {
	dec, _ := Decode(EncodeNormalized(values, lo, hi))
	span := hi - lo

	var worst float64

	for i, v := range values {
		if math.IsNaN(v) || !(span > 0) {
			continue
		}

		want := min(max((v-lo)/span, 0), 1)
		if want == 0 {
			continue
		}

		worst = max(worst, math.Abs(float64(dec[i])-want)/want)
	}

	return worst
}
