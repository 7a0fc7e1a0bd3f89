package tiffdir

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/klauspost/compress/zlib"

	"afmio/internal/tiffdir/tifftest"
	"afmio/pkg/afm"
)

func TestOpenAndReadTags(t *testing.T) {
	t.Parallel()

	for _, order := range []tifftest.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		b := tifftest.Builder{Order: order}
		strip := b.Float32Strip([]float64{1, 2, 3, 4, 5, 6})

		data := b.Build(
			b.ImagePage(3, 2, 32, sampleFormatIEEEFloat, strip,
				b.ASCII(32848, "height"),
				b.Short(32849, 1),
				b.Double(32834, 2.5e-6),
			),
			b.ImagePage(1, 1, 32, sampleFormatIEEEFloat, b.Float32Strip([]float64{9})),
		)

		f, err := Open(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("%v: Open: %v", order, err)
		}

		if len(f.Pages) != 2 {
			t.Fatalf("%v: got %d pages, want 2", order, len(f.Pages))
		}

		p := f.Pages[0]
		if s, _ := p.String(32848); s != "height" {
			t.Errorf("%v: channel tag: got %q", order, s)
		}

		if v, _ := p.Int(32849); v != 1 {
			t.Errorf("%v: trace tag: got %d", order, v)
		}

		if v, _ := p.Float(32834); v != 2.5e-6 {
			t.Errorf("%v: length tag: got %v", order, v)
		}

		img, err := f.Image(0)
		if err != nil {
			t.Fatalf("%v: Image: %v", order, err)
		}

		if img.Width != 3 || img.Height != 2 || img.At(1, 2) != 6 {
			t.Errorf("%v: image %s %v", order, img.Shape(), img.Data)
		}
	}
}

func TestDeflateStrip(t *testing.T) {
	t.Parallel()

	b := tifftest.Builder{Order: binary.LittleEndian}

	raw := make([]byte, 0, 8)
	for _, v := range []int16{-3, 7, 100, -32768} {
		raw = binary.LittleEndian.AppendUint16(raw, uint16(v))
	}

	var z bytes.Buffer

	zw := zlib.NewWriter(&z)
	_, _ = zw.Write(raw)
	_ = zw.Close()

	page := b.ImagePage(2, 2, 16, sampleFormatInt, z.Bytes())
	page.Fields[3] = b.Short(TagCompression, compressionDeflate)

	f, err := Open(bytes.NewReader(b.Build(page)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	img, err := f.Image(0)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}

	want := []float64{-3, 7, 100, -32768}
	for i, v := range want {
		if img.Data[i] != v {
			t.Errorf("pixel %d: got %v, want %v", i, img.Data[i], v)
		}
	}
}

func TestNotTIFF(t *testing.T) {
	t.Parallel()

	_, err := Open(bytes.NewReader([]byte("GWYP0000")))
	if !errors.Is(err, ErrNotTIFF) || !errors.Is(err, afm.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrNotTIFF, got %v", err)
	}
}

func TestTruncatedStrip(t *testing.T) {
	t.Parallel()

	b := tifftest.Builder{Order: binary.LittleEndian}
	data := b.Build(b.ImagePage(4, 4, 32, sampleFormatIEEEFloat, make([]byte, 64)))

	page := b.ImagePage(4, 4, 32, sampleFormatIEEEFloat, make([]byte, 8))

	f, err := Open(bytes.NewReader(b.Build(page)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := f.Image(0); !errors.Is(err, afm.ErrTruncatedStream) {
		t.Fatalf("expected truncation, got %v", err)
	}

	if _, err := Open(bytes.NewReader(data[:12])); !errors.Is(err, afm.ErrTruncatedStream) {
		t.Fatalf("expected truncated directory, got %v", err)
	}
}

func TestOversizedPage(t *testing.T) {
	t.Parallel()

	b := tifftest.Builder{Order: binary.LittleEndian}

	tests := []struct {
		name          string
		width, height int
		deflate       bool
	}{
		{"product overflows", 0xFFFFFFFF, 0xFFFFFFFF, false},
		{"larger than file", 60000, 60000, false},
		{"wider than MaxDim", MaxDim + 1, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			page := b.ImagePage(tt.width, tt.height, 64, sampleFormatIEEEFloat, make([]byte, 16))
			if tt.deflate {
				page.Fields[3] = b.Short(TagCompression, compressionDeflate)
			}

			f, err := Open(bytes.NewReader(b.Build(page)))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			if _, err := f.Image(0); !errors.Is(err, afm.ErrTruncatedStream) {
				t.Fatalf("got %v, want %v", err, afm.ErrTruncatedStream)
			}
		})
	}
}

func TestDeflateOutputIsCapped(t *testing.T) {
	t.Parallel()

	b := tifftest.Builder{Order: binary.LittleEndian}

	var z bytes.Buffer

	zw := zlib.NewWriter(&z)
	_, _ = zw.Write(make([]byte, 1<<20))
	_ = zw.Close()

	page := b.ImagePage(2, 2, 8, sampleFormatUint, z.Bytes())
	page.Fields[3] = b.Short(TagCompression, compressionDeflate)

	f, err := Open(bytes.NewReader(b.Build(page)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	pix, err := f.readStrips(f.Pages[0], compressionDeflate, 4)
	if err != nil {
		t.Fatalf("readStrips: %v", err)
	}

	if len(pix) != 4 {
		t.Errorf("inflated %d bytes, want 4", len(pix))
	}

	if img, err := f.Image(0); err != nil || img.Width != 2 || img.Height != 2 {
		t.Errorf("Image: got %v, %v", img.Shape(), err)
	}
}

func TestUnsupportedLayoutKind(t *testing.T) {
	t.Parallel()

	b := tifftest.Builder{Order: binary.LittleEndian}

	tiled := b.ImagePage(2, 2, 8, sampleFormatUint, make([]byte, 4), b.Long(TagTileWidth, 16))

	lzw := b.ImagePage(2, 2, 8, sampleFormatUint, make([]byte, 4))
	lzw.Fields[3] = b.Short(TagCompression, 5)

	odd := b.ImagePage(2, 2, 12, sampleFormatUint, make([]byte, 8))

	for _, page := range []tifftest.Page{tiled, lzw, odd} {
		f, err := Open(bytes.NewReader(b.Build(page)))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}

		_, err = f.Image(0)
		if !errors.Is(err, ErrUnsupported) {
			t.Fatalf("got %v, want %v", err, ErrUnsupported)
		}

		if got := afm.KindOf(err); got != afm.KindUnsupportedFormat {
			t.Errorf("kind: got %v, want %v", got, afm.KindUnsupportedFormat)
		}
	}
}
