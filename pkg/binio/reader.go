// Package binio reads fixed-width primitives from a seekable byte stream.
//
// A Reader keeps the absolute offset of the next byte and a sticky error:
// once a read fails every later read returns a zero value and Err reports
// the first failure. Decoders read a whole header field by field and check
// Err once at the end.
package binio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf8"
)

// ErrTruncated is returned when the stream ends before a read completes.
var ErrTruncated = errors.New("binio: truncated stream")

// TruncatedError reports where a short read happened.
type TruncatedError struct {
	Offset int64
	Want   int
	Got    int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("binio: truncated stream at offset %d: want %d bytes, got %d", e.Offset, e.Want, e.Got)
}

// Is makes errors.Is(err, ErrTruncated) true for any TruncatedError.
func (e *TruncatedError) Is(target error) bool {
	return target == ErrTruncated
}

// Reader decodes primitives from an io.ReadSeeker.
type Reader struct {
	r     io.ReadSeeker
	order binary.ByteOrder
	off   int64
	size  int64
	err   error
	buf   [8]byte
}

// NewReader returns a little-endian Reader positioned at the current offset of r.
func NewReader(r io.ReadSeeker) *Reader {
	br := &Reader{r: r, order: binary.LittleEndian, size: -1}

	off, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		br.err = err
		return br
	}

	br.off = off

	end, err := r.Seek(0, io.SeekEnd)
	if err == nil {
		br.size = end
	}

	if _, err := r.Seek(off, io.SeekStart); err != nil {
		br.err = err
	}

	return br
}

// SetOrder switches the byte order used by subsequent reads.
func (r *Reader) SetOrder(order binary.ByteOrder) { r.order = order }

// Order returns the current byte order.
func (r *Reader) Order() binary.ByteOrder { return r.order }

// Offset returns the absolute offset of the next byte.
func (r *Reader) Offset() int64 { return r.off }

// Size returns the stream length, or -1 if it could not be determined.
func (r *Reader) Size() int64 { return r.size }

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes, or -1 when the size is unknown.
func (r *Reader) Remaining() int64 {
	if r.size < 0 {
		return -1
	}

	return r.size - r.off
}

func (r *Reader) fill(p []byte) bool {
	if r.err != nil {
		clear(p)
		return false
	}

	n, err := io.ReadFull(r.r, p)
	if err != nil {
		start := r.off
		r.off += int64(n)
		clear(p)

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			r.err = &TruncatedError{Offset: start, Want: len(p), Got: n}
		} else {
			r.err = fmt.Errorf("binio: read at offset %d: %w", start, err)
		}

		return false
	}

	r.off += int64(n)

	return true
}

// Bytes reads exactly n bytes.
func (r *Reader) Bytes(n int) []byte {
	if n < 0 {
		r.fail(fmt.Errorf("binio: negative length %d at offset %d", n, r.off))
		return nil
	}

	if rem := r.Remaining(); rem >= 0 && int64(n) > rem && r.err == nil {
		r.err = &TruncatedError{Offset: r.off, Want: n, Got: int(rem)}
		return nil
	}

	p := make([]byte, n)
	if !r.fill(p) {
		return nil
	}

	return p
}

// Skip advances n bytes without reading them. Skipping past the end is a truncation.
func (r *Reader) Skip(n int64) {
	if r.err != nil {
		return
	}

	if n < 0 {
		r.fail(fmt.Errorf("binio: negative skip %d at offset %d", n, r.off))
		return
	}

	if rem := r.Remaining(); rem >= 0 && n > rem {
		r.err = &TruncatedError{Offset: r.off, Want: int(n), Got: int(rem)}
		return
	}

	r.SeekTo(r.off + n)
}

// SeekTo moves to an absolute offset.
func (r *Reader) SeekTo(abs int64) {
	if r.err != nil {
		return
	}

	if _, err := r.r.Seek(abs, io.SeekStart); err != nil {
		r.fail(fmt.Errorf("binio: seek to %d: %w", abs, err))
		return
	}

	r.off = abs
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) U8() uint8 {
	r.fill(r.buf[:1])
	return r.buf[0]
}

func (r *Reader) I8() int8 { return int8(r.U8()) }

// Bool reads one byte; any non-zero value is true.
func (r *Reader) Bool() bool { return r.U8() != 0 }

func (r *Reader) U16() uint16 {
	r.fill(r.buf[:2])
	return r.order.Uint16(r.buf[:2])
}

func (r *Reader) I16() int16 { return int16(r.U16()) }

func (r *Reader) U32() uint32 {
	r.fill(r.buf[:4])
	return r.order.Uint32(r.buf[:4])
}

func (r *Reader) I32() int32 { return int32(r.U32()) }

func (r *Reader) U64() uint64 {
	r.fill(r.buf[:8])
	return r.order.Uint64(r.buf[:8])
}

func (r *Reader) I64() int64 { return int64(r.U64()) }

func (r *Reader) F32() float32 { return math.Float32frombits(r.U32()) }

func (r *Reader) F64() float64 { return math.Float64frombits(r.U64()) }

// FixedASCII reads n bytes as text. Trailing NULs and spaces are removed.
func (r *Reader) FixedASCII(n int) string {
	p := r.Bytes(n)
	return strings.TrimRight(string(p), "\x00 ")
}

// NullTerminatedUTF8 reads exactly maxLen bytes and returns the text before
// the first NUL. Invalid UTF-8 sequences are replaced.
func (r *Reader) NullTerminatedUTF8(maxLen int) string {
	p := r.Bytes(maxLen)
	if i := indexNUL(p); i >= 0 {
		p = p[:i]
	}

	if !utf8.Valid(p) {
		return strings.ToValidUTF8(string(p), "�")
	}

	return string(p)
}

// CString reads bytes up to and including a NUL terminator and returns the
// bytes before it.
func (r *Reader) CString() string {
	var sb strings.Builder

	for r.err == nil {
		b := r.U8()
		if r.err != nil || b == 0 {
			break
		}

		sb.WriteByte(b)
	}

	return sb.String()
}

func indexNUL(p []byte) int {
	for i, b := range p {
		if b == 0 {
			return i
		}
	}

	return -1
}

// Int16s reads n int16 values in the current byte order.
func (r *Reader) Int16s(n int) []int16 {
	p := r.Bytes(2 * n)
	if p == nil {
		return nil
	}

	out := make([]int16, n)
	for i := range n {
		out[i] = int16(r.order.Uint16(p[2*i:]))
	}

	return out
}

// Int32s reads n int32 values in the current byte order.
func (r *Reader) Int32s(n int) []int32 {
	p := r.Bytes(4 * n)
	if p == nil {
		return nil
	}

	out := make([]int32, n)
	for i := range n {
		out[i] = int32(r.order.Uint32(p[4*i:]))
	}

	return out
}

// Float64s reads n float64 values in the current byte order.
func (r *Reader) Float64s(n int) []float64 {
	p := r.Bytes(8 * n)
	if p == nil {
		return nil
	}

	out := make([]float64, n)
	for i := range n {
		out[i] = math.Float64frombits(r.order.Uint64(p[8*i:]))
	}

	return out
}
