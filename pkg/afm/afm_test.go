package afm

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"testing"

	"afmio/pkg/binio"
)

func rampFrame(w, h int) Frame {
	f := NewFrame(w, h)
	for i := range f.Data {
		f.Data[i] = float64(i)
	}

	return f
}

func TestNiceNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want float64
	}{
		{7, 7},
		{42, 45},
		{730, 750},
		{1730, 2000},
		{0.3, 1},
		{10, 10},
		{100, 100},
		{1000, 1000},
		{12000, 15000},
		{0, 0},
	}

	for _, tc := range tests {
		if got := NiceNumber(tc.in); got != tc.want {
			t.Errorf("NiceNumber(%v): got %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestScaleBar(t *testing.T) {
	t.Parallel()

	// 100 px over 200 nm: a fifth of the width is 20 px, which is already a nice 40 nm.
	nm, px := ScaleBar(100, 0.5)
	if nm != 40 {
		t.Errorf("nm: got %v, want 40", nm)
	}

	if px != 20 {
		t.Errorf("px: got %d, want 20", px)
	}

	if nm, px := ScaleBar(0, 1); nm != 0 || px != 0 {
		t.Errorf("empty frame: got %v, %d", nm, px)
	}
}

func TestFrameOrientation(t *testing.T) {
	t.Parallel()

	// 1 2 3
	// 4 5 6
	f, err := FrameFromRows([][]float64{{1, 2, 3}, {4, 5, 6}})
	if err != nil {
		t.Fatalf("FrameFromRows: %v", err)
	}

	check := func(name string, got Frame, want [][]float64) {
		t.Helper()

		w, _ := FrameFromRows(want)
		if !got.Equal(w) {
			t.Errorf("%s: got %v (%s), want %v", name, got.Data, got.Shape(), w.Data)
		}
	}

	check("FlipVertical", f.FlipVertical(), [][]float64{{4, 5, 6}, {1, 2, 3}})
	check("FlipHorizontal", f.FlipHorizontal(), [][]float64{{3, 2, 1}, {6, 5, 4}})
	check("Transpose", f.Transpose(), [][]float64{{1, 4}, {2, 5}, {3, 6}})
	check("Rot90", f.Rot90(), [][]float64{{3, 6}, {2, 5}, {1, 4}})

	if f.At(1, 2) != 6 {
		t.Errorf("At(1,2): got %v, want 6", f.At(1, 2))
	}
}

func TestFrameFromRowsRagged(t *testing.T) {
	t.Parallel()

	_, err := FrameFromRows([][]float64{{1, 2}, {3}})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestMinMaxSkipsNaN(t *testing.T) {
	t.Parallel()

	f := NewFrame(3, 1)
	f.Data[0] = math.NaN()
	f.Data[1] = -2
	f.Data[2] = 5

	lo, hi := f.MinMax()
	if lo != -2 || hi != 5 {
		t.Errorf("MinMax: got %v, %v, want -2, 5", lo, hi)
	}
}

func TestStackValidate(t *testing.T) {
	t.Parallel()

	s := FrameStack{NewFrame(4, 4), NewFrame(4, 3)}
	if err := s.Validate(); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}

	if err := (FrameStack{NewFrame(2, 2), NewFrame(2, 2)}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func nativeRecord(frames FrameStack) *Native {
	rec := NewRecord().
		Set(KeyFrames, Scalar(float64(len(frames)))).
		Set(KeyXRangeNM, Scalar(500)).
		Set(KeyFPS, Scalar(2)).
		Set(KeyLineRate, Scalar(128)).
		Set(KeyChannel, Text("height"))

	return &Native{Frames: frames, Record: rec, Channels: []string{"height", "phase"}}
}

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	frames := FrameStack{rampFrame(64, 32), rampFrame(64, 32), rampFrame(64, 32)}

	file, meta, err := Normalize(nativeRecord(frames))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if file.FrameCount != 3 || file.XPixels != 64 || file.YPixels != 32 {
		t.Errorf("file: got %+v", file)
	}

	if file.CurrentChannel != "height" || !file.HasChannel("phase") {
		t.Errorf("channels: got %q %v", file.CurrentChannel, file.AvailableChannels)
	}

	if len(meta) != 3 {
		t.Fatalf("frame records: got %d, want 3", len(meta))
	}

	for i, fm := range meta {
		want := float64(file.XPixels) / fm.XRangeNM
		if math.Abs(fm.PixelToNMScale-want)/want > 1e-6 {
			t.Errorf("frame %d: scale %v, want %v", i, fm.PixelToNMScale, want)
		}

		if fm.TimestampS != float64(i)/2 {
			t.Errorf("frame %d: timestamp %v, want %v", i, fm.TimestampS, float64(i)/2)
		}

		if fm.MinValue != 0 || fm.MaxValue != 64*32-1 {
			t.Errorf("frame %d: min/max %v/%v", i, fm.MinValue, fm.MaxValue)
		}

		if fm.NiceScaleBarNM <= 0 || fm.ScaleBarPixels <= 0 {
			t.Errorf("frame %d: scale bar %v nm / %d px", i, fm.NiceScaleBarNM, fm.ScaleBarPixels)
		}
	}
}

func TestNormalizeUnknownRate(t *testing.T) {
	t.Parallel()

	n := nativeRecord(FrameStack{NewFrame(8, 8), NewFrame(8, 8)})
	n.Record.Set(KeyFPS, Missing())

	file, meta, err := Normalize(n)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if file.FPS.Known() {
		t.Errorf("FPS should be unknown, got %v", file.FPS)
	}

	for i, fm := range meta {
		if fm.TimestampS != 0 {
			t.Errorf("frame %d: timestamp %v, want 0", i, fm.TimestampS)
		}
	}
}

func TestNormalizeScaleFallback(t *testing.T) {
	t.Parallel()

	n := nativeRecord(FrameStack{NewFrame(10, 10)})
	n.Record.Set(KeyXRangeNM, Scalar(0))

	_, meta, err := Normalize(n)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if meta[0].PixelToNMScale != 1 || meta[0].XRangeNM != 10 {
		t.Errorf("fallback: got range %v scale %v, want 10 and 1", meta[0].XRangeNM, meta[0].PixelToNMScale)
	}
}

func TestNormalizePerFrameRange(t *testing.T) {
	t.Parallel()

	n := nativeRecord(FrameStack{NewFrame(100, 10), NewFrame(100, 10)})
	n.Record.Set(KeyXRangeNM, Series([]float64{200, 400}))

	_, meta, err := Normalize(n)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if meta[0].PixelToNMScale != 0.5 || meta[1].PixelToNMScale != 0.25 {
		t.Errorf("scales: got %v and %v, want 0.5 and 0.25", meta[0].PixelToNMScale, meta[1].PixelToNMScale)
	}
}

func TestNormalizeSchemaMismatch(t *testing.T) {
	t.Parallel()

	for _, size := range []int{len(StandardKeys) - 1, len(StandardKeys) + 1} {
		t.Run(fmt.Sprintf("fields=%d", size), func(t *testing.T) {
			t.Parallel()

			n := &Native{Frames: FrameStack{NewFrame(2, 2)}, Record: make(Record, size)}

			_, _, err := Normalize(n)
			if !errors.Is(err, ErrSchemaMismatch) {
				t.Fatalf("expected ErrSchemaMismatch, got %v", err)
			}

			if KindOf(err) != KindSchemaMismatch {
				t.Errorf("KindOf: got %v", KindOf(err))
			}
		})
	}
}

func TestNormalizeSeriesLength(t *testing.T) {
	t.Parallel()

	n := nativeRecord(FrameStack{NewFrame(2, 2), NewFrame(2, 2)})
	n.Record.Set(KeyTimestamps, Series([]float64{0}))

	if _, _, err := Normalize(n); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestDatasetCloneIsDeep(t *testing.T) {
	t.Parallel()

	ds, err := NormalizeDataset("a.asd", "asd", nativeRecord(FrameStack{rampFrame(4, 4)}))
	if err != nil {
		t.Fatalf("NormalizeDataset: %v", err)
	}

	if err := ds.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cp := ds.Clone()
	if !cp.Equal(ds) {
		t.Fatal("clone should equal original")
	}

	cp.Frames[0].Data[0] = 99
	cp.File.AvailableChannels[0] = "changed"

	if ds.Frames[0].Data[0] != 0 {
		t.Error("mutating clone frame changed original")
	}

	if ds.File.AvailableChannels[0] != "height" {
		t.Error("mutating clone channels changed original")
	}

	if cp.Equal(ds) {
		t.Error("modified clone should not equal original")
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want ErrorKind
	}{
		{fs.ErrNotExist, KindFileNotFound},
		{fmt.Errorf("%w: bad magic", ErrUnsupportedFormat), KindUnsupportedFormat},
		{&binio.TruncatedError{Offset: 4, Want: 2}, KindTruncatedStream},
		{WrapDecode("gwy", "x.gwy", -1, ErrChannelNotFound), KindChannelNotFound},
		{errors.New("other"), KindUnknown},
	}

	for _, tc := range tests {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v): got %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestWrapDecodeUsesTruncationOffset(t *testing.T) {
	t.Parallel()

	err := WrapDecode("asd", "f.asd", -1, &binio.TruncatedError{Offset: 117, Want: 4, Got: 0})

	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %T", err)
	}

	if de.Offset != 117 || de.Path != "f.asd" {
		t.Errorf("DecodeError: got %+v", de)
	}

	if again := WrapDecode("asd", "other", 0, err); again != err {
		t.Error("WrapDecode should not double wrap")
	}
}
