package resample

import (
	"math"
	"testing"

	"afmio/pkg/afm"
)

func TestLineIdentityAndEmpty(t *testing.T) {
	t.Parallel()

	r := New()
	src := []float64{1, 2, 3}

	got := r.Line(src, 3)
	got[0] = 9

	if src[0] != 1 {
		t.Error("same-size line aliases its input")
	}

	if len(r.Line(nil, 4)) != 0 || len(r.Line(src, 0)) != 0 {
		t.Error("empty input or size should give an empty line")
	}
}

func TestConstantIsPreserved(t *testing.T) {
	t.Parallel()

	f := afm.NewFrame(16, 8)
	for i := range f.Data {
		f.Data[i] = 5
	}

	for _, size := range [][2]int{{4, 2}, {32, 16}, {7, 3}} {
		out := New().Frame(f, size[0], size[1])
		if out.Width != size[0] || out.Height != size[1] {
			t.Fatalf("shape: got %dx%d, want %dx%d", out.Width, out.Height, size[0], size[1])
		}

		for i, v := range out.Data {
			if math.Abs(v-5) > 1e-9 {
				t.Fatalf("%v: pixel %d: got %v, want 5", size, i, v)
			}
		}
	}
}

func TestDownsampleRampIsMonotonic(t *testing.T) {
	t.Parallel()

	src := make([]float64, 64)
	for i := range src {
		src[i] = float64(i)
	}

	out := NewWithQuality(1).Line(src, 8)
	for i := 1; i < len(out); i++ {
		if out[i] <= out[i-1] {
			t.Fatalf("not increasing at %d: %v", i, out)
		}
	}

	if math.Abs(out[3]+out[4]-63) > 1 {
		t.Errorf("centre not preserved: %v", out)
	}
}

func TestNaNIgnored(t *testing.T) {
	t.Parallel()

	out := New().Line([]float64{2, math.NaN(), 2, 2}, 2)
	for _, v := range out {
		if math.Abs(v-2) > 1e-9 {
			t.Errorf("got %v, want 2", out)
		}
	}

	if v := New().Line([]float64{math.NaN(), math.NaN()}, 1)[0]; !math.IsNaN(v) {
		t.Errorf("all-NaN input: got %v", v)
	}
}

func TestFit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		w, h, maxW, maxH int
		aspect           float64
		wantW, wantH     int
	}{
		{256, 256, 80, 24, 2, 48, 24},
		{512, 128, 100, 100, 1, 100, 25},
		{10, 10, 0, 10, 1, 0, 0},
	}

	for _, tt := range tests {
		w, h := Fit(tt.w, tt.h, tt.maxW, tt.maxH, tt.aspect)
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("Fit(%d,%d,%d,%d,%v): got %dx%d, want %dx%d",
				tt.w, tt.h, tt.maxW, tt.maxH, tt.aspect, w, h, tt.wantW, tt.wantH)
		}
	}
}
