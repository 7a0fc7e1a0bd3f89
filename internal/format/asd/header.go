// Package asd decodes high-speed AFM movies stored in the .asd format.
//
// An .asd file starts with an int32 version tag. Versions 0, 1 and 2 use
// different header layouts; all of them are followed by one or two channels
// of frames, each frame a 32-byte frame header and y*x int16 levels.
package asd

import (
	"errors"
	"fmt"

	"afmio/pkg/binio"
)

// Errors.
var (
	ErrUnsupportedVersion = errors.New("asd: unsupported file version")
	ErrInvalidHeader      = errors.New("asd: invalid header")
)

// FrameHeaderSize is the number of bytes of the frame header fields.
const FrameHeaderSize = 32

// Version identifies the header layout.
type Version int32

const (
	Version0 Version = 0
	Version1 Version = 1
	Version2 Version = 2
)

// AnchorPoint is one colour map anchor stored in version 2 headers.
type AnchorPoint struct {
	X, Y int32
}

// Header holds the fields common to every version. Fields that only exist
// in some versions are zero for the others.
type Header struct {
	Version           Version
	HeaderLength      int32
	FrameHeaderLength int32
	TextEncoding      int32
	Channel1          string
	Channel2          string
	InitialFrames     int32
	NumFrames         int32
	ScanDirection     int32
	FileID            int32
	AFMID             int32
	XPixels           int
	YPixels           int
	XNM               int
	YNM               int
	IsAveraged        bool
	AveragingWindow   int32
	Year              int
	Month             int
	Day               int
	Hour              int
	Minute            int
	Second            int
	FrameTimeMS       float32
	ZPiezoExtension   float32
	ZPiezoGain        float32
	XPiezoExtension   float32
	YPiezoExtension   float32
	ScannerSens       float32
	PhaseSens         float32
	ADRange           uint32
	ADBits            int32
	MaxXScanRange     float32
	MaxYScanRange     float32
	UserName          string
	Comment           string

	// Version 2 only.
	NumberOfFrames   int32
	FeedForwardInt   int32
	FeedForwardFloat float64
	MaxColourScale   int32
	MinColourScale   int32
	Red              []AnchorPoint
	Green            []AnchorPoint
	Blue             []AnchorPoint

	// end is the offset right after the parsed header.
	end int64
}

// Channels returns the two channel slots in file order.
func (h *Header) Channels() []string { return []string{h.Channel1, h.Channel2} }

// DataOffset returns where the first frame begins. HeaderLength counts from
// the start of the file; a value that points inside the parsed header is ignored.
func (h *Header) DataOffset() int64 {
	if off := int64(h.HeaderLength); off >= h.end {
		return off
	}

	return h.end
}

// ChannelBytes is the size of all frames of one channel.
func (h *Header) ChannelBytes() int64 {
	frame := int64(h.FrameHeaderLength) + int64(h.XPixels)*int64(h.YPixels)*2
	return int64(h.NumFrames) * frame
}

type headerParser func(r *binio.Reader, h *Header)

var parsers = map[Version]headerParser{
	Version0: parseV0,
	Version1: parseV1,
	Version2: parseV2,
}

// ReadHeader reads the version tag and dispatches to the matching layout.
func ReadHeader(r *binio.Reader) (*Header, error) {
	h := &Header{Version: Version(r.I32())}
	if err := r.Err(); err != nil {
		return nil, err
	}

	parse, ok := parsers[h.Version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}

	parse(r, h)

	if err := r.Err(); err != nil {
		return nil, err
	}

	h.end = r.Offset()

	if err := h.validate(); err != nil {
		return nil, err
	}

	return h, nil
}

func (h *Header) validate() error {
	switch {
	case h.XPixels <= 0 || h.YPixels <= 0:
		return fmt.Errorf("%w: %dx%d pixels", ErrInvalidHeader, h.XPixels, h.YPixels)
	case h.NumFrames < 0:
		return fmt.Errorf("%w: %d frames", ErrInvalidHeader, h.NumFrames)
	case h.FrameHeaderLength < FrameHeaderSize:
		return fmt.Errorf("%w: frame header length %d", ErrInvalidHeader, h.FrameHeaderLength)
	}

	return nil
}

func parseV0(r *binio.Reader, h *Header) {
	h.Channel1 = r.FixedASCII(2)
	h.Channel2 = r.FixedASCII(2)
	h.HeaderLength = r.I32()
	h.FrameHeaderLength = r.I32()
	userNameSize := r.I32()
	commentOffsetSize := r.I32()
	commentSize := r.I32()
	h.XPixels = int(r.I16())
	h.YPixels = int(r.I16())
	h.XNM = int(r.I16())
	h.YNM = int(r.I16())
	h.FrameTimeMS = r.F32()
	h.ZPiezoExtension = r.F32()
	h.ZPiezoGain = r.F32()
	h.ADRange = r.U32()
	h.ADBits = r.I32()
	h.IsAveraged = r.Bool()
	h.AveragingWindow = r.I32()
	r.Skip(2)
	h.Year = int(r.I16())
	h.Month = int(r.U8())
	h.Day = int(r.U8())
	h.Hour = int(r.U8())
	h.Minute = int(r.U8())
	h.Second = int(r.U8())
	r.Skip(1) // rounding degree
	h.MaxXScanRange = r.F32()
	h.MaxYScanRange = r.F32()
	r.Skip(12)
	h.InitialFrames = r.I32()
	h.NumFrames = r.I32()
	h.AFMID = r.I32()
	h.FileID = int32(r.I16())
	h.UserName = r.NullTerminatedUTF8(sized(r, userNameSize))
	h.ScannerSens = r.F32()
	h.PhaseSens = r.F32()
	h.ScanDirection = r.I32()
	r.Skip(int64(sized(r, commentOffsetSize)))
	h.Comment = stripNUL(r.Bytes(sized(r, commentSize)))
}

func parseV1(r *binio.Reader, h *Header) {
	h.HeaderLength = r.I32()
	h.FrameHeaderLength = r.I32()
	h.TextEncoding = r.I32()
	userNameSize := r.I32()
	commentSize := r.I32()
	h.Channel1 = r.NullTerminatedUTF8(4)
	h.Channel2 = r.NullTerminatedUTF8(4)
	h.InitialFrames = r.I32()
	h.NumFrames = r.I32()
	h.ScanDirection = r.I32()
	h.FileID = r.I32()
	h.XPixels = int(r.I32())
	h.YPixels = int(r.I32())
	h.XNM = int(r.I32())
	h.YNM = int(r.I32())
	h.IsAveraged = r.Bool()
	h.AveragingWindow = r.I32()
	h.Year = int(r.I32())
	h.Month = int(r.I32())
	h.Day = int(r.I32())
	h.Hour = int(r.I32())
	h.Minute = int(r.I32())
	h.Second = int(r.I32())
	r.Skip(8) // x and y rounding degree
	h.FrameTimeMS = r.F32()
	h.ScannerSens = r.F32()
	h.PhaseSens = r.F32()
	r.Skip(4 + 12) // offset and reserved
	h.AFMID = r.I32()
	h.ADRange = r.U32()
	h.ADBits = r.I32()
	h.MaxXScanRange = r.F32()
	h.MaxYScanRange = r.F32()
	h.XPiezoExtension = r.F32()
	h.YPiezoExtension = r.F32()
	h.ZPiezoExtension = r.F32()
	h.ZPiezoGain = r.F32()
	h.UserName = stripNUL(r.Bytes(sized(r, userNameSize)))
	h.Comment = stripNUL(r.Bytes(sized(r, commentSize)))
}

func parseV2(r *binio.Reader, h *Header) {
	parseV1(r, h)

	h.NumberOfFrames = r.I32()
	h.FeedForwardInt = r.I32()
	h.FeedForwardFloat = r.F64()
	h.MaxColourScale = r.I32()
	h.MinColourScale = r.I32()
	nRed := sized(r, r.I32())
	nGreen := sized(r, r.I32())
	nBlue := sized(r, r.I32())
	h.Red = readAnchors(r, nRed)
	h.Green = readAnchors(r, nGreen)
	h.Blue = readAnchors(r, nBlue)
}

func readAnchors(r *binio.Reader, n int) []AnchorPoint {
	if r.Err() != nil || n == 0 {
		return nil
	}

	raw := r.Int32s(2 * n)
	if raw == nil {
		return nil
	}

	out := make([]AnchorPoint, n)
	for i := range out {
		out[i] = AnchorPoint{X: raw[2*i], Y: raw[2*i+1]}
	}

	return out
}

// sized validates a length field read from the header. A negative length
// becomes a sticky read error so parsing stops at the bad field.
func sized(r *binio.Reader, n int32) int {
	if n < 0 {
		r.Bytes(-1)
		return 0
	}

	return int(n)
}

func stripNUL(p []byte) string {
	out := make([]byte, 0, len(p))
	for _, b := range p {
		if b != 0 {
			out = append(out, b)
		}
	}

	return string(out)
}
