// Package tiffdir walks the image file directories of a TIFF container and
// decodes single-sample strip images into float64 values.
//
// It understands the private tags written by scientific instruments: every
// entry of every page is kept, typed by its TIFF field type, so callers can
// look up vendor tags by number.
package tiffdir

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/klauspost/compress/zlib"

	"afmio/pkg/afm"
	"afmio/pkg/binio"
)

// Errors.
var (
	ErrNotTIFF     = errors.New("tiffdir: not a TIFF file")
	ErrUnsupported = errors.New("tiffdir: unsupported image layout")
	ErrMissingTag  = errors.New("tiffdir: missing tag")
)

// Baseline tags.
const (
	TagImageWidth      = 256
	TagImageLength     = 257
	TagBitsPerSample   = 258
	TagCompression     = 259
	TagStripOffsets    = 273
	TagSamplesPerPixel = 277
	TagRowsPerStrip    = 278
	TagStripByteCounts = 279
	TagTileWidth       = 322
	TagSampleFormat    = 339
)

// MaxDim bounds the width and height of a decoded page.
const MaxDim = 1 << 16

// Field types.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
)

var typeSizes = map[uint16]int{
	typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeRational: 8,
	typeSByte: 1, typeUndefined: 1, typeSShort: 2, typeSLong: 4, typeSRational: 8,
	typeFloat: 4, typeDouble: 8,
}

// Compression schemes, sample formats and parser limits.
const (
	compressionNone        = 1
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	sampleFormatUint       = 1
	sampleFormatInt        = 2
	sampleFormatIEEEFloat  = 3
	maxDirectories         = 4096
	maxEntriesPerDirectory = 4096
)

// Entry is one decoded directory entry.
type Entry struct {
	Tag    uint16
	Type   uint16
	Count  uint32
	Values []float64
	Text   string
}

// Page is one image file directory.
type Page struct {
	Entries map[uint16]Entry
}

// Has reports whether tag is present.
func (p *Page) Has(tag uint16) bool {
	_, ok := p.Entries[tag]
	return ok
}

// Float returns the first numeric value of tag.
func (p *Page) Float(tag uint16) (float64, bool) {
	e, ok := p.Entries[tag]
	if !ok || len(e.Values) == 0 {
		return 0, false
	}

	return e.Values[0], true
}

// Int returns the first value of tag as an int.
func (p *Page) Int(tag uint16) (int, bool) {
	v, ok := p.Float(tag)
	return int(v), ok
}

// String returns the text of an ASCII tag.
func (p *Page) String(tag uint16) (string, bool) {
	e, ok := p.Entries[tag]
	if !ok || e.Type != typeASCII {
		return "", false
	}

	return e.Text, true
}

// File is an opened TIFF container.
type File struct {
	r     *binio.Reader
	Pages []*Page
}

// Open parses the header and every directory of the container.
func Open(rs io.ReadSeeker) (*File, error) {
	r := binio.NewReader(rs)

	switch string(r.Bytes(2)) {
	case "II":
		r.SetOrder(binary.LittleEndian)
	case "MM":
		r.SetOrder(binary.BigEndian)
	default:
		if err := r.Err(); err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, ErrNotTIFF)
	}

	if magic := r.U16(); magic != 42 {
		if err := r.Err(); err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w: magic %d", afm.ErrUnsupportedFormat, ErrNotTIFF, magic)
	}

	f := &File{r: r}
	seen := make(map[uint32]bool)

	for next := r.U32(); next != 0 && r.Err() == nil; {
		if seen[next] || len(f.Pages) >= maxDirectories {
			return nil, fmt.Errorf("%w: directory loop at offset %d", afm.ErrUnsupportedFormat, next)
		}

		seen[next] = true

		page, n, err := f.readDirectory(int64(next))
		if err != nil {
			return nil, err
		}

		f.Pages = append(f.Pages, page)
		next = n
	}

	if err := r.Err(); err != nil {
		return nil, err
	}

	return f, nil
}

func (f *File) readDirectory(off int64) (*Page, uint32, error) {
	r := f.r
	r.SeekTo(off)

	count := int(r.U16())
	if count > maxEntriesPerDirectory {
		return nil, 0, fmt.Errorf("%w: %d entries in directory at %d", afm.ErrUnsupportedFormat, count, off)
	}

	page := &Page{Entries: make(map[uint16]Entry, count)}

	type raw struct {
		tag, typ uint16
		count    uint32
		value    []byte
	}

	entries := make([]raw, 0, count)
	for range count {
		e := raw{tag: r.U16(), typ: r.U16(), count: r.U32(), value: r.Bytes(4)}
		entries = append(entries, e)
	}

	next := r.U32()
	if err := r.Err(); err != nil {
		return nil, 0, err
	}

	for _, e := range entries {
		size, ok := typeSizes[e.typ]
		if !ok {
			continue
		}

		total := int64(size) * int64(e.count)
		data := e.value

		if total > 4 {
			at := int64(r.Order().Uint32(e.value))
			if end := r.Size(); end >= 0 && at+total > end {
				return nil, 0, &binio.TruncatedError{Offset: at, Want: int(total), Got: int(max(end-at, 0))}
			}

			r.SeekTo(at)
			data = r.Bytes(int(total))
		} else {
			data = data[:total]
		}

		if err := r.Err(); err != nil {
			return nil, 0, err
		}

		page.Entries[e.tag] = decodeEntry(r.Order(), e.tag, e.typ, e.count, data)
	}

	return page, next, nil
}

func decodeEntry(order binary.ByteOrder, tag, typ uint16, count uint32, p []byte) Entry {
	e := Entry{Tag: tag, Type: typ, Count: count}

	if typ == typeASCII {
		e.Text = strings.TrimRight(string(p), "\x00")
		return e
	}

	size := typeSizes[typ]
	e.Values = make([]float64, 0, count)

	for i := range int(count) {
		b := p[i*size:]

		var v float64

		switch typ {
		case typeByte, typeUndefined:
			v = float64(b[0])
		case typeSByte:
			v = float64(int8(b[0]))
		case typeShort:
			v = float64(order.Uint16(b))
		case typeSShort:
			v = float64(int16(order.Uint16(b)))
		case typeLong:
			v = float64(order.Uint32(b))
		case typeSLong:
			v = float64(int32(order.Uint32(b)))
		case typeRational:
			v = ratio(float64(order.Uint32(b)), float64(order.Uint32(b[4:])))
		case typeSRational:
			v = ratio(float64(int32(order.Uint32(b))), float64(int32(order.Uint32(b[4:]))))
		case typeFloat:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case typeDouble:
			v = math.Float64frombits(order.Uint64(b))
		}

		e.Values = append(e.Values, v)
	}

	return e
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}

	return num / den
}

// Image decodes the strip image of page idx as a row-major frame.
func (f *File) Image(idx int) (afm.Frame, error) {
	if idx < 0 || idx >= len(f.Pages) {
		return afm.Frame{}, fmt.Errorf("tiffdir: page %d out of range", idx)
	}

	p := f.Pages[idx]

	width, okW := p.Int(TagImageWidth)
	height, okH := p.Int(TagImageLength)

	if !okW || !okH || width <= 0 || height <= 0 {
		return afm.Frame{}, fmt.Errorf("%w: %w: image size on page %d", afm.ErrUnsupportedFormat, ErrMissingTag, idx)
	}

	if p.Has(TagTileWidth) {
		return afm.Frame{}, fmt.Errorf("%w: %w: tiled page %d", afm.ErrUnsupportedFormat, ErrUnsupported, idx)
	}

	if spp, ok := p.Int(TagSamplesPerPixel); ok && spp != 1 {
		return afm.Frame{}, fmt.Errorf("%w: %w: %d samples per pixel", afm.ErrUnsupportedFormat, ErrUnsupported, spp)
	}

	bits := 8
	if b, ok := p.Int(TagBitsPerSample); ok {
		bits = b
	}

	format := sampleFormatUint
	if sf, ok := p.Int(TagSampleFormat); ok {
		format = sf
	}

	compression := compressionNone
	if c, ok := p.Int(TagCompression); ok {
		compression = c
	}

	if bits <= 0 || bits > 64 || bits%8 != 0 {
		return afm.Frame{}, fmt.Errorf("%w: %w: %d-bit samples", afm.ErrUnsupportedFormat, ErrUnsupported, bits)
	}

	if width > MaxDim || height > MaxDim {
		return afm.Frame{}, fmt.Errorf("%w: page %d declares %dx%d pixels", afm.ErrTruncatedStream, idx, width, height)
	}

	bpp := bits / 8
	want := int64(width) * int64(height) * int64(bpp)

	// An uncompressed page cannot hold more bytes than the file.
	if size := f.r.Size(); size >= 0 && compression == compressionNone && want > size {
		return afm.Frame{}, fmt.Errorf("%w: page %d declares %d bytes in a %d-byte file", afm.ErrTruncatedStream, idx, want, size)
	}

	pix, err := f.readStrips(p, compression, want)
	if err != nil {
		return afm.Frame{}, err
	}

	n := width * height

	if int64(len(pix)) < want {
		return afm.Frame{}, fmt.Errorf("%w: page %d holds %d bytes for %dx%d at %d bits", afm.ErrTruncatedStream, idx, len(pix), width, height, bits)
	}

	frame := afm.NewFrame(width, height)
	order := f.r.Order()

	for i := range n {
		v, err := sample(order, pix[i*bpp:], bits, format)
		if err != nil {
			return afm.Frame{}, err
		}

		frame.Data[i] = v
	}

	return frame, nil
}

// readStrips concatenates the page's strips, inflating at most limit bytes.
func (f *File) readStrips(p *Page, compression int, limit int64) ([]byte, error) {
	offsets := p.Entries[TagStripOffsets].Values
	counts := p.Entries[TagStripByteCounts].Values

	if len(offsets) == 0 || len(offsets) != len(counts) {
		return nil, fmt.Errorf("%w: %w: strip offsets", afm.ErrUnsupportedFormat, ErrMissingTag)
	}

	var out bytes.Buffer

	for i, off := range offsets {
		size := int(counts[i])
		if end := f.r.Size(); end >= 0 && int64(off)+int64(size) > end {
			return nil, &binio.TruncatedError{Offset: int64(off), Want: size, Got: int(max(end-int64(off), 0))}
		}

		f.r.SeekTo(int64(off))

		strip := f.r.Bytes(size)
		if err := f.r.Err(); err != nil {
			return nil, err
		}

		switch compression {
		case compressionNone:
			out.Write(strip)
		case compressionDeflate, compressionDeflateOld:
			zr, err := zlib.NewReader(bytes.NewReader(strip))
			if err != nil {
				return nil, fmt.Errorf("tiffdir: strip %d: %w", i, err)
			}

			_, err = io.Copy(&out, io.LimitReader(zr, max(limit-int64(out.Len()), 0)))
			zr.Close()

			if err != nil {
				return nil, fmt.Errorf("tiffdir: strip %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("%w: %w: compression %d", afm.ErrUnsupportedFormat, ErrUnsupported, compression)
		}
	}

	return out.Bytes(), nil
}

func sample(order binary.ByteOrder, b []byte, bits, format int) (float64, error) {
	switch {
	case format == sampleFormatIEEEFloat && bits == 32:
		return float64(math.Float32frombits(order.Uint32(b))), nil
	case format == sampleFormatIEEEFloat && bits == 64:
		return math.Float64frombits(order.Uint64(b)), nil
	case format == sampleFormatInt && bits == 8:
		return float64(int8(b[0])), nil
	case format == sampleFormatInt && bits == 16:
		return float64(int16(order.Uint16(b))), nil
	case format == sampleFormatInt && bits == 32:
		return float64(int32(order.Uint32(b))), nil
	case format == sampleFormatUint && bits == 8:
		return float64(b[0]), nil
	case format == sampleFormatUint && bits == 16:
		return float64(order.Uint16(b)), nil
	case format == sampleFormatUint && bits == 32:
		return float64(order.Uint32(b)), nil
	default:
		return 0, fmt.Errorf("%w: %w: %d-bit samples of format %d", afm.ErrUnsupportedFormat, ErrUnsupported, bits, format)
	}
}
