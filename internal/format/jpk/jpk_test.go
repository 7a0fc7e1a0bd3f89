package jpk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"afmio/internal/tiffdir/tifftest"
	"afmio/pkg/afm"
)

// createSyntheticJPK builds a thumbnail page plus one 3x2 page per channel.
// Channel c stores raw values c*10 + index, scaled by 1e-9 with offset 0.
func createSyntheticJPK(t *testing.T, scaling string, channels ...[2]string) []byte {
	t.Helper()

	b := tifftest.Builder{Order: binary.BigEndian}

	pages := []tifftest.Page{
		b.ImagePage(1, 1, 8, 1, []byte{0},
			b.Double(TagGridULength, 3e-6),
			b.Double(TagGridVLength, 2e-6),
			b.Long(TagGridILength, 3),
			b.Long(TagGridJLength, 2),
			b.Double(TagScanRate, 4),
		),
	}

	for c, ch := range channels {
		vals := make([]float64, 6)
		for i := range vals {
			vals[i] = float64(c*10 + i)
		}

		retrace := uint16(0)
		if ch[1] == "retrace" {
			retrace = 1
		}

		pages = append(pages, b.ImagePage(3, 2, 32, 3, b.Float32Strip(vals),
			b.ASCII(TagChannel, ch[0]),
			b.Short(TagRetrace, retrace),
			b.ASCII(TagScalingType, scaling),
			b.Double(TagScalingFactor, 1e-9),
			b.Double(TagScalingOffset, 0),
		))
	}

	return b.Build(pages...)
}

func TestReadChannel(t *testing.T) {
	t.Parallel()

	data := createSyntheticJPK(t, LinearScaling, [2]string{"height", "trace"}, [2]string{"height", "retrace"})

	n, err := Read(bytes.NewReader(data), "height_retrace")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if n.Substituted {
		t.Error("channel should not be substituted")
	}

	want := []string{"height_trace", "height_retrace"}
	if len(n.Channels) != 2 || n.Channels[0] != want[0] || n.Channels[1] != want[1] {
		t.Errorf("channels: got %v, want %v", n.Channels, want)
	}

	f := n.Frames[0]

	// Row 0 after the flip is stored row 1: raw 13, 14, 15.
	if got := f.At(0, 0); math.Abs(got-13) > 1e-6 {
		t.Errorf("At(0,0): got %v, want 13", got)
	}

	file, meta, err := afm.Normalize(n)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if math.Abs(meta[0].XRangeNM-3000) > 1e-6 {
		t.Errorf("x range: got %v, want 3000", meta[0].XRangeNM)
	}

	if file.LineRateHz != 4 || file.FPS != 2 {
		t.Errorf("rates: line %v fps %v, want 4 and 2", file.LineRateHz, file.FPS)
	}

	if file.XPixels != 3 || file.YPixels != 2 {
		t.Errorf("pixels: got %dx%d, want 3x2", file.XPixels, file.YPixels)
	}
}

func TestFallbackToFirstChannel(t *testing.T) {
	t.Parallel()

	data := createSyntheticJPK(t, NullScaling, [2]string{"error", "trace"}, [2]string{"height", "trace"})

	n, err := Read(bytes.NewReader(data), "phase_trace")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	file, _, err := afm.Normalize(n)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if !n.Substituted || file.CurrentChannel != "error_trace" {
		t.Errorf("fallback: got %q substituted=%v", file.CurrentChannel, n.Substituted)
	}

	// NullScaling leaves raw values in metres: 5 raw becomes 5e9 nm.
	if got := n.Frames[0].At(0, 2); got != 5e9 {
		t.Errorf("At(0,2): got %v, want 5e9", got)
	}
}

func TestUnknownScaling(t *testing.T) {
	t.Parallel()

	data := createSyntheticJPK(t, "PolynomialScaling", [2]string{"height", "trace"})

	_, err := Read(bytes.NewReader(data), "height_trace")
	if !errors.Is(err, ErrUnknownScaling) {
		t.Fatalf("expected ErrUnknownScaling, got %v", err)
	}

	if got := afm.KindOf(err); got != afm.KindUnsupportedFormat {
		t.Errorf("kind: got %v, want %v", got, afm.KindUnsupportedFormat)
	}
}

func TestThumbnailOnly(t *testing.T) {
	t.Parallel()

	data := createSyntheticJPK(t, LinearScaling)

	_, err := Read(bytes.NewReader(data), "height_trace")
	if !errors.Is(err, ErrNoChannels) || !errors.Is(err, afm.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrNoChannels, got %v", err)
	}
}

func TestGridDisagreesWithImage(t *testing.T) {
	t.Parallel()

	b := tifftest.Builder{Order: binary.BigEndian}

	data := b.Build(
		b.ImagePage(1, 1, 8, 1, []byte{0},
			b.Long(TagGridILength, 3),
			b.Long(TagGridJLength, 2),
		),
		b.ImagePage(2, 3, 32, 3, b.Float32Strip(make([]float64, 6)),
			b.ASCII(TagChannel, "height"),
			b.Short(TagRetrace, 0),
			b.ASCII(TagScalingType, NullScaling),
		),
	)

	_, err := Read(bytes.NewReader(data), "height_trace")
	if !errors.Is(err, afm.ErrSchemaMismatch) {
		t.Fatalf("got %v, want %v", err, afm.ErrSchemaMismatch)
	}

	if got := afm.KindOf(err); got != afm.KindSchemaMismatch {
		t.Errorf("kind: got %v, want %v", got, afm.KindSchemaMismatch)
	}
}
