package afm

import "math"

// NiceNumber rounds v up to a readable length: whole numbers up to 10,
// multiples of 5 up to 100, multiples of 50 up to 1000. Larger values are
// rounded in units of 1000.
func NiceNumber(v float64) float64 {
	switch {
	case !(v > 0):
		return 0
	case v <= 10:
		return math.Ceil(v)
	case v <= 100:
		return math.Ceil(v/5) * 5
	case v <= 1000:
		return math.Ceil(v/50) * 50
	default:
		return NiceNumber(v/1000) * 1000
	}
}

// ScaleBar sizes a scale bar for a frame widthPx pixels wide. The bar targets
// a fifth of the frame width and returns its nice length in nanometres and its
// length in pixels.
func ScaleBar(widthPx int, pixelToNM float64) (nm float64, px int) {
	if widthPx <= 0 || !(pixelToNM > 0) {
		return 0, 0
	}

	nm = NiceNumber(float64(widthPx) / 5 / pixelToNM)

	return nm, int(math.Round(nm * pixelToNM))
}
