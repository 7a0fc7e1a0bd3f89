package afm

import (
	"errors"
	"fmt"
	"io/fs"

	"afmio/pkg/binio"
)

// Errors.
var (
	ErrFileNotFound          = errors.New("afm: file not found")
	ErrUnsupportedFormat     = errors.New("afm: unsupported format")
	ErrTruncatedStream       = binio.ErrTruncated
	ErrChannelNotFound       = errors.New("afm: channel not found")
	ErrSchemaMismatch        = errors.New("afm: metadata schema mismatch")
	ErrMetadataInconsistency = errors.New("afm: inconsistent metadata across files")
	ErrShapeMismatch         = errors.New("afm: frame shape mismatch")
)

// ErrorKind classifies a load failure for callers that only need a category.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindFileNotFound
	KindUnsupportedFormat
	KindTruncatedStream
	KindChannelNotFound
	KindSchemaMismatch
	KindMetadataInconsistency
	KindShapeMismatch
)

var kindNames = [...]string{
	KindUnknown:               "unknown",
	KindFileNotFound:          "file_not_found",
	KindUnsupportedFormat:     "unsupported_format",
	KindTruncatedStream:       "truncated_stream",
	KindChannelNotFound:       "channel_not_found",
	KindSchemaMismatch:        "schema_mismatch",
	KindMetadataInconsistency: "metadata_inconsistency",
	KindShapeMismatch:         "shape_mismatch",
}

func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}

	return kindNames[k]
}

// KindOf maps an error chain to its ErrorKind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrFileNotFound), errors.Is(err, fs.ErrNotExist):
		return KindFileNotFound
	case errors.Is(err, ErrUnsupportedFormat):
		return KindUnsupportedFormat
	case errors.Is(err, ErrTruncatedStream):
		return KindTruncatedStream
	case errors.Is(err, ErrChannelNotFound):
		return KindChannelNotFound
	case errors.Is(err, ErrSchemaMismatch):
		return KindSchemaMismatch
	case errors.Is(err, ErrMetadataInconsistency):
		return KindMetadataInconsistency
	case errors.Is(err, ErrShapeMismatch):
		return KindShapeMismatch
	default:
		return KindUnknown
	}
}

// DecodeError attaches the file path, format and byte offset to a decode failure.
// Offset is -1 when the failure is not tied to a position in the stream.
type DecodeError struct {
	Format string
	Path   string
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s: %s at offset %d: %v", e.Format, e.Path, e.Offset, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", e.Format, e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// WrapDecode wraps err in a DecodeError unless it already is one or is nil.
// When err carries a truncation offset that offset is used.
func WrapDecode(format, path string, offset int64, err error) error {
	if err == nil {
		return nil
	}

	var de *DecodeError
	if errors.As(err, &de) {
		return err
	}

	var te *binio.TruncatedError
	if errors.As(err, &te) {
		offset = te.Offset
	}

	if errors.Is(err, fs.ErrNotExist) && !errors.Is(err, ErrFileNotFound) {
		err = fmt.Errorf("%w: %w", ErrFileNotFound, err)
	}

	return &DecodeError{Format: format, Path: path, Offset: offset, Err: err}
}
