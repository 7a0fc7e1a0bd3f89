// Package ibw decodes Igor binary wave (.ibw) files written by Asylum
// Research microscopes.
//
// Only version 5 waves are supported. A wave is a 3-D cube of
// (fast, slow, channel); each channel layer is one image and the layer
// labels name the channels. Scan parameters live in the free-text note.
package ibw

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"afmio/pkg/afm"
	"afmio/pkg/binio"
	"afmio/pkg/calib"
)

// Errors.
var (
	ErrUnsupportedVersion = errors.New("ibw: unsupported wave version")
	ErrUnsupportedType    = errors.New("ibw: unsupported data type")
	ErrEmptyWave          = errors.New("ibw: wave has no image data")
)

// Layout constants for version 5 waves.
const (
	BinHeaderSize  = 64
	WaveHeaderSize = 320
	MaxDims        = 4
	LabelSize      = 32

	version5 = 5
)

// Igor numeric type flags.
const (
	TypeComplex  = 0x01
	TypeFloat32  = 0x02
	TypeFloat64  = 0x04
	TypeInt8     = 0x08
	TypeInt16    = 0x10
	TypeInt32    = 0x20
	TypeUnsigned = 0x40
)

// Wave is a decoded version 5 wave.
type Wave struct {
	Name   string
	Type   int16
	Dims   [MaxDims]int
	Data   []float64 // Igor order: first dimension varies fastest
	Labels [MaxDims][]string
	Note   string
}

type binHeader struct {
	Version      int16
	Checksum     int16
	WfmSize      int32
	FormulaSize  int32
	NoteSize     int32
	DataEUnits   int32
	DimEUnits    [MaxDims]int32
	DimLabels    [MaxDims]int32
	SIndicesSize int32
	OptionsSize1 int32
	OptionsSize2 int32
}

// ReadWave parses a version 5 wave. The byte order is detected from the
// version field.
func ReadWave(rs io.ReadSeeker) (*Wave, error) {
	r := binio.NewReader(rs)

	var bh binHeader

	raw := r.Bytes(2)
	if err := r.Err(); err != nil {
		return nil, err
	}

	switch {
	case binary.LittleEndian.Uint16(raw) == version5:
		r.SetOrder(binary.LittleEndian)
	case binary.BigEndian.Uint16(raw) == version5:
		r.SetOrder(binary.BigEndian)
	default:
		return nil, fmt.Errorf("%w: %w: version word %#x", afm.ErrUnsupportedFormat, ErrUnsupportedVersion, raw)
	}

	bh.Version = version5
	bh.Checksum = r.I16()
	bh.WfmSize = r.I32()
	bh.FormulaSize = r.I32()
	bh.NoteSize = r.I32()
	bh.DataEUnits = r.I32()

	for i := range MaxDims {
		bh.DimEUnits[i] = r.I32()
	}

	for i := range MaxDims {
		bh.DimLabels[i] = r.I32()
	}

	bh.SIndicesSize = r.I32()
	bh.OptionsSize1 = r.I32()
	bh.OptionsSize2 = r.I32()

	w := &Wave{}

	// Wave header.
	r.Skip(4 + 4 + 4) // next, creation and modification dates
	npnts := int(r.I32())
	w.Type = r.I16()
	r.Skip(2 + 6 + 2) // lock, padding, wave header version
	w.Name = cut(r.Bytes(32))
	r.Skip(4 + 4) // padding, data folder

	for i := range MaxDims {
		w.Dims[i] = int(r.I32())
	}

	r.SeekTo(BinHeaderSize + WaveHeaderSize)

	if err := r.Err(); err != nil {
		return nil, err
	}

	data, err := readData(r, w.Type, npnts)
	if err != nil {
		return nil, err
	}

	w.Data = data

	r.Skip(int64(max(bh.FormulaSize, 0)))
	note := r.Bytes(int(max(bh.NoteSize, 0)))
	r.Skip(int64(max(bh.DataEUnits, 0)))

	for i := range MaxDims {
		r.Skip(int64(max(bh.DimEUnits[i], 0)))
	}

	for i := range MaxDims {
		if n := int(bh.DimLabels[i]); n > 0 {
			w.Labels[i] = splitLabels(r.Bytes(n))
		}
	}

	if err := r.Err(); err != nil {
		return nil, err
	}

	w.Note = decodeText(note)

	return w, nil
}

func readData(r *binio.Reader, typ int16, n int) ([]float64, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative point count %d", afm.ErrUnsupportedFormat, n)
	}

	if typ&TypeComplex != 0 {
		return nil, fmt.Errorf("%w: %w: complex waves", afm.ErrUnsupportedFormat, ErrUnsupportedType)
	}

	unsigned := typ&TypeUnsigned != 0
	out := make([]float64, 0, min(n, 1<<20))

	var size int

	switch typ &^ TypeUnsigned {
	case TypeFloat32, TypeInt32:
		size = 4
	case TypeFloat64:
		size = 8
	case TypeInt16:
		size = 2
	case TypeInt8:
		size = 1
	default:
		return nil, fmt.Errorf("%w: %w: %#x", afm.ErrUnsupportedFormat, ErrUnsupportedType, typ)
	}

	p := r.Bytes(n * size)
	if err := r.Err(); err != nil {
		return nil, err
	}

	order := r.Order()

	for i := range n {
		b := p[i*size:]

		var v float64

		switch typ &^ TypeUnsigned {
		case TypeFloat32:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case TypeFloat64:
			v = math.Float64frombits(order.Uint64(b))
		case TypeInt32:
			if unsigned {
				v = float64(order.Uint32(b))
			} else {
				v = float64(int32(order.Uint32(b)))
			}
		case TypeInt16:
			if unsigned {
				v = float64(order.Uint16(b))
			} else {
				v = float64(int16(order.Uint16(b)))
			}
		case TypeInt8:
			if unsigned {
				v = float64(b[0])
			} else {
				v = float64(int8(b[0]))
			}
		}

		out = append(out, v)
	}

	return out, nil
}

// splitLabels cuts a label block into 32-byte slots. Slot 0 names the dimension.
func splitLabels(p []byte) []string {
	out := make([]string, 0, len(p)/LabelSize)
	for off := 0; off+LabelSize <= len(p); off += LabelSize {
		out = append(out, cut(p[off:off+LabelSize]))
	}

	return out
}

func cut(p []byte) string {
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}

	return decodeText(p)
}

// decodeText returns p as UTF-8, reading it as Windows-1252 when it is not valid UTF-8.
func decodeText(p []byte) string {
	if utf8.Valid(p) {
		return string(p)
	}

	out, err := charmap.Windows1252.NewDecoder().Bytes(p)
	if err != nil {
		return strings.ToValidUTF8(string(p), "?")
	}

	return string(out)
}

// ParseNote splits a wave note into key/value pairs. Records are separated
// by carriage returns, written either as real CR bytes or as the two
// character token `\r`.
func ParseNote(note string) map[string]string {
	out := make(map[string]string)

	note = strings.ReplaceAll(note, `\r`, "\r")
	for _, line := range strings.FieldsFunc(note, func(r rune) bool { return r == '\r' || r == '\n' }) {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		out[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}

	return out
}

// Channels returns the layer names of the wave.
func (w *Wave) Channels() []string {
	layers := max(w.Dims[2], 1)
	names := make([]string, layers)

	var labels []string
	if len(w.Labels[2]) > 1 {
		labels = w.Labels[2][1:]
	}

	for i := range names {
		if i < len(labels) && labels[i] != "" {
			names[i] = labels[i]
		} else {
			names[i] = fmt.Sprintf("layer%d", i)
		}
	}

	return names
}

// Layer returns channel layer idx as a frame of width Dims[0] and height Dims[1].
func (w *Wave) Layer(idx int) (afm.Frame, error) {
	width, height := w.Dims[0], max(w.Dims[1], 1)
	if width <= 0 {
		return afm.Frame{}, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, ErrEmptyWave)
	}

	n := width * height
	if (idx+1)*n > len(w.Data) {
		return afm.Frame{}, fmt.Errorf("%w: layer %d needs %d points, wave has %d", afm.ErrTruncatedStream, idx, (idx+1)*n, len(w.Data))
	}

	f := afm.NewFrame(width, height)
	copy(f.Data, w.Data[idx*n:(idx+1)*n])

	return f, nil
}

// Decode reads one channel of an .ibw file.
func Decode(path, channel string) (*afm.Native, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Read(f, channel)
}

// Read decodes an .ibw stream into a single-frame stack in nanometres.
func Read(rs io.ReadSeeker, channel string) (*afm.Native, error) {
	w, err := ReadWave(rs)
	if err != nil {
		return nil, err
	}

	channels := w.Channels()
	native := &afm.Native{Requested: channel, Channels: channels}

	idx := slices.Index(channels, channel)
	if idx < 0 {
		idx = 0
		native.Substituted = true
	}

	layer, err := w.Layer(idx)
	if err != nil {
		return nil, err
	}

	layer.Map(calib.MetresToNM)
	frame := layer.FlipVertical()
	native.Frames = afm.FrameStack{frame}

	notes := ParseNote(w.Note)
	rec := afm.NewRecord().
		Set(afm.KeyFrames, afm.Scalar(1)).
		Set(afm.KeyYPixels, afm.Scalar(float64(frame.Height))).
		Set(afm.KeyXPixels, afm.Scalar(float64(frame.Width))).
		Set(afm.KeyChannel, afm.Text(channels[idx])).
		Set(afm.KeyTimestamps, afm.Series([]float64{0}))

	if size, ok := firstFloat(notes, "SlowScanSize", "FastScanSize", "ScanSize"); ok {
		xr := calib.MetresToNM(size)
		rec.Set(afm.KeyXRangeNM, afm.Scalar(xr))
		rec.Set(afm.KeyPixelToNM, afm.Scalar(calib.PixelToNM(frame.Width, xr)))
	}

	if rate, ok := firstFloat(notes, "ScanRate"); ok && rate > 0 {
		rec.Set(afm.KeyLineRate, afm.Scalar(rate))
		rec.Set(afm.KeyFPS, afm.Scalar(rate/float64(frame.Height)))
	}

	native.Record = rec

	return native, nil
}

func firstFloat(notes map[string]string, keys ...string) (float64, bool) {
	for _, k := range keys {
		s, ok := notes[k]
		if !ok {
			continue
		}

		v, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return v, true
		}
	}

	return 0, false
}
