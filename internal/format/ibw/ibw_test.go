package ibw

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"afmio/pkg/afm"
)

// createSyntheticIBW builds a version 5 float32 wave of size w x h x len(labels).
// Point (i, j, k) holds k*1e-6 + (j*w+i)*1e-9 metres.
func createSyntheticIBW(t *testing.T, order binary.ByteOrder, w, h int, labels []string, note string) []byte {
	t.Helper()

	layers := len(labels)
	npnts := w * h * layers
	labelBytes := (layers + 1) * LabelSize

	var buf bytes.Buffer

	put := func(v any) {
		if err := binary.Write(&buf, order, v); err != nil {
			t.Fatalf("binary.Write: %v", err)
		}
	}

	put(int16(5))
	put(int16(0))
	put(int32(WaveHeaderSize + npnts*4))
	put(int32(0))
	put(int32(len(note)))
	put(int32(0))
	put([4]int32{})
	put([4]int32{0, 0, int32(labelBytes), 0})
	put([3]int32{})

	if buf.Len() != BinHeaderSize {
		t.Fatalf("bin header is %d bytes", buf.Len())
	}

	put([3]uint32{})
	put(int32(npnts))
	put(int16(TypeFloat32))
	put(int16(0))
	buf.Write(make([]byte, 6))
	put(int16(1))

	name := make([]byte, 32)
	copy(name, "wave0")
	buf.Write(name)
	put([2]int32{})
	put([4]int32{int32(w), int32(h), int32(layers), 0})
	buf.Write(make([]byte, BinHeaderSize+WaveHeaderSize-buf.Len()))

	for k := range layers {
		for j := range h {
			for i := range w {
				put(float32(float64(k)*1e-6 + float64(j*w+i)*1e-9))
			}
		}
	}

	buf.WriteString(note)

	block := make([]byte, labelBytes)
	for k, l := range labels {
		copy(block[(k+1)*LabelSize:], l)
	}

	buf.Write(block)

	return buf.Bytes()
}

const sampleNote = `ScanSize: 1e-6\rSlowScanSize: 2e-06\rFastScanSize: 2e-06\rScanRate: 8\rImagingMode: AC Mode`

func TestReadWaveByteOrders(t *testing.T) {
	t.Parallel()

	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		data := createSyntheticIBW(t, order, 4, 2, []string{"HeightTrace", "AmplitudeTrace"}, sampleNote)

		w, err := ReadWave(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("%v: ReadWave: %v", order, err)
		}

		if w.Name != "wave0" || w.Dims != [MaxDims]int{4, 2, 2, 0} {
			t.Errorf("%v: name %q dims %v", order, w.Name, w.Dims)
		}

		if got := w.Channels(); len(got) != 2 || got[1] != "AmplitudeTrace" {
			t.Errorf("%v: channels %v", order, got)
		}

		if len(w.Data) != 16 {
			t.Errorf("%v: %d points, want 16", order, len(w.Data))
		}
	}
}

func TestReadChannelOrientationAndScale(t *testing.T) {
	t.Parallel()

	data := createSyntheticIBW(t, binary.LittleEndian, 4, 2, []string{"HeightTrace", "AmplitudeTrace"}, sampleNote)

	n, err := Read(bytes.NewReader(data), "AmplitudeTrace")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	f := n.Frames[0]
	if f.Width != 4 || f.Height != 2 {
		t.Fatalf("shape: got %s, want 4x2", f.Shape())
	}

	// Row 0 after the vertical flip is Igor column j=1: 1000 + 4 + i nm.
	if got := f.At(0, 2); math.Abs(got-1006) > 1e-3 {
		t.Errorf("At(0,2): got %v, want 1006", got)
	}

	file, meta, err := afm.Normalize(n)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if file.CurrentChannel != "AmplitudeTrace" {
		t.Errorf("channel: got %q", file.CurrentChannel)
	}

	if math.Abs(meta[0].XRangeNM-2000) > 1e-9 {
		t.Errorf("x range: got %v, want 2000", meta[0].XRangeNM)
	}

	if file.LineRateHz != 8 || file.FPS != 4 {
		t.Errorf("rates: line %v fps %v, want 8 and 4", file.LineRateHz, file.FPS)
	}
}

func TestChannelFallbackIsFirst(t *testing.T) {
	t.Parallel()

	data := createSyntheticIBW(t, binary.LittleEndian, 2, 2, []string{"Phase", "Height"}, sampleNote)

	for range 3 {
		n, err := Read(bytes.NewReader(data), "Missing")
		if err != nil {
			t.Fatalf("Read: %v", err)
		}

		if !n.Substituted || n.Record[afm.KeyChannel].IsMissing() {
			t.Fatal("expected substituted channel")
		}

		file, _, err := afm.Normalize(n)
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}

		if file.CurrentChannel != "Phase" {
			t.Errorf("fallback: got %q, want Phase", file.CurrentChannel)
		}
	}
}

func TestParseNote(t *testing.T) {
	t.Parallel()

	notes := ParseNote("A: 1\\rB:two: parts\r\nC : 3\\rnoise")

	want := map[string]string{"A": "1", "B": "two: parts", "C": "3"}
	for k, v := range want {
		if notes[k] != v {
			t.Errorf("note %q: got %q, want %q", k, notes[k], v)
		}
	}

	if len(notes) != len(want) {
		t.Errorf("got %d keys, want %d: %v", len(notes), len(want), notes)
	}
}

func TestDecodeTextWindows1252(t *testing.T) {
	t.Parallel()

	if got := decodeText([]byte{'5', 0xB5, 'm'}); got != "5µm" {
		t.Errorf("decodeText: got %q, want 5µm", got)
	}
}

func TestBadVersion(t *testing.T) {
	t.Parallel()

	_, err := ReadWave(bytes.NewReader(make([]byte, 400)))
	if !errors.Is(err, afm.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestTruncatedWave(t *testing.T) {
	t.Parallel()

	data := createSyntheticIBW(t, binary.LittleEndian, 8, 8, []string{"Height"}, sampleNote)

	_, err := ReadWave(bytes.NewReader(data[:BinHeaderSize+WaveHeaderSize+10]))
	if !errors.Is(err, afm.ErrTruncatedStream) {
		t.Fatalf("expected truncation, got %v", err)
	}
}

func TestUnsupportedDataType(t *testing.T) {
	t.Parallel()

	for _, typ := range []int16{TypeFloat32 | TypeComplex, 0x80} {
		data := createSyntheticIBW(t, binary.LittleEndian, 4, 4, []string{"Height"}, sampleNote)
		binary.LittleEndian.PutUint16(data[BinHeaderSize+16:], uint16(typ))

		_, err := ReadWave(bytes.NewReader(data))
		if !errors.Is(err, ErrUnsupportedType) {
			t.Fatalf("type %#x: got %v, want %v", typ, err, ErrUnsupportedType)
		}

		if got := afm.KindOf(err); got != afm.KindUnsupportedFormat {
			t.Errorf("type %#x: kind %v, want %v", typ, got, afm.KindUnsupportedFormat)
		}
	}
}
