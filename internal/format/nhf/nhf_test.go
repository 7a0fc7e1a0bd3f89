package nhf

import (
	"errors"
	"math"
	"testing"

	"afmio/internal/h5"
	"afmio/pkg/afm"
)

// createSyntheticNHF builds a 3 points x 2 lines measurement. The calibration
// maps raw values onto themselves, so raw k decodes to k in unit.
func createSyntheticNHF(t *testing.T, unit string) *h5.MemGroup {
	t.Helper()

	root := h5.NewMem()
	root.MkdirAll(MeasurementPath).
		SetFloat(AttrSizeX, 6e-6).
		SetFloat(AttrPointsPerLine, 3).
		SetFloat(AttrLinesAcquired, 2).
		SetFloat(AttrLineRate, 5)

	seg := root.MkdirAll(SegmentPath)

	for c, name := range []string{"Topography", "Amplitude"} {
		raw := make([]float64, 6)
		for k := range raw {
			raw[k] = float64(c*10 + k)
		}

		seg.AddDataset("data"+string(rune('0'+c)), []int{6}, raw).
			SetText(AttrName, name).
			SetFloat(AttrCalMin, -math.Exp2(31)).
			SetFloat(AttrCalMax, math.Exp2(31)).
			SetText(AttrCalUnit, unit)
	}

	seg.AddDataset("position", []int{1}, []float64{0})

	return root
}

func TestReadOrientation(t *testing.T) {
	t.Parallel()

	n, err := Read(createSyntheticNHF(t, "nm"), "Topography")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	f := n.Frames[0]
	if f.Width != 2 || f.Height != 3 {
		t.Fatalf("shape: got %s, want 2x3", f.Shape())
	}

	for i := range 3 {
		for j := range 2 {
			want := float64((3-1-i)*2 + j)
			if got := f.At(i, j); got != want {
				t.Errorf("At(%d,%d): got %v, want %v", i, j, got, want)
			}
		}
	}

	file, meta, err := afm.Normalize(n)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if math.Abs(meta[0].XRangeNM-6000) > 1e-6 {
		t.Errorf("x range: got %v, want 6000", meta[0].XRangeNM)
	}

	if file.LineRateHz != 5 || file.FPS != 2.5 {
		t.Errorf("rates: line %v fps %v, want 5 and 2.5", file.LineRateHz, file.FPS)
	}

	if len(file.AvailableChannels) != 2 || file.AvailableChannels[1] != "Amplitude" {
		t.Errorf("channels: got %v", file.AvailableChannels)
	}
}

func TestMetreUnitsAndFallback(t *testing.T) {
	t.Parallel()

	n, err := Read(createSyntheticNHF(t, "m"), "Phase")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if !n.Substituted || n.Record[afm.KeyChannel].IsMissing() {
		t.Fatal("expected substitution")
	}

	// First channel, raw 4 at (0, 0), metres to nanometres.
	if got := n.Frames[0].At(0, 0); math.Abs(got-4e9) > 1e-3 {
		t.Errorf("At(0,0): got %v, want 4e9", got)
	}
}

func TestGridMismatch(t *testing.T) {
	t.Parallel()

	root := createSyntheticNHF(t, "nm")
	root.MkdirAll(MeasurementPath).SetFloat(AttrLines, 4)

	_, err := Read(root, "Topography")
	if !errors.Is(err, afm.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestNoMeasurement(t *testing.T) {
	t.Parallel()

	d := Decoder{Open: h5.MemOpener(h5.NewMem())}
	if _, err := d.Decode("x.nhf", "Topography"); !errors.Is(err, afm.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}
