package afm

import (
	"fmt"
	"math"
	"slices"
)

// Rate is a frequency in hertz. Zero or negative means the rate is unknown.
type Rate float64

// Known reports whether the rate carries a usable value.
func (r Rate) Known() bool { return r > 0 && !math.IsInf(float64(r), 0) && !math.IsNaN(float64(r)) }

func (r Rate) String() string {
	if !r.Known() {
		return "unknown"
	}

	return fmt.Sprintf("%.4g Hz", float64(r))
}

// FileMetadata describes one loaded file or folder.
// Field order matches the normalized schema.
type FileMetadata struct {
	FrameCount        int      `json:"frame_count"`
	FPS               Rate     `json:"fps"`
	LineRateHz        Rate     `json:"line_rate_hz"`
	YPixels           int      `json:"y_pixels"`
	XPixels           int      `json:"x_pixels"`
	CurrentChannel    string   `json:"current_channel"`
	AvailableChannels []string `json:"available_channels"`
}

// FileMetadataFields lists the FileMetadata field names in schema order.
var FileMetadataFields = []string{
	"frame_count", "fps", "line_rate_hz", "y_pixels", "x_pixels", "current_channel", "available_channels",
}

// Fields returns the values in schema order.
func (m FileMetadata) Fields() []any {
	return []any{m.FrameCount, m.FPS, m.LineRateHz, m.YPixels, m.XPixels, m.CurrentChannel, slices.Clone(m.AvailableChannels)}
}

// HasChannel reports whether name is one of the available channels.
func (m FileMetadata) HasChannel(name string) bool { return slices.Contains(m.AvailableChannels, name) }

// Clone returns a copy that shares nothing with m.
func (m FileMetadata) Clone() FileMetadata {
	m.AvailableChannels = slices.Clone(m.AvailableChannels)
	return m
}

// Equal compares every field.
func (m FileMetadata) Equal(o FileMetadata) bool {
	return m.FrameCount == o.FrameCount &&
		m.FPS == o.FPS &&
		m.LineRateHz == o.LineRateHz &&
		m.YPixels == o.YPixels &&
		m.XPixels == o.XPixels &&
		m.CurrentChannel == o.CurrentChannel &&
		slices.Equal(m.AvailableChannels, o.AvailableChannels)
}

// FrameMetadata describes one frame. The scale bar fields are derived.
type FrameMetadata struct {
	XRangeNM       float64 `json:"x_range_nm"`
	PixelToNMScale float64 `json:"pixel_to_nm_scale"`
	MaxValue       float64 `json:"max_value"`
	MinValue       float64 `json:"min_value"`
	TimestampS     float64 `json:"timestamp_s"`
	NiceScaleBarNM float64 `json:"nice_scale_bar_length_nm"`
	ScaleBarPixels int     `json:"scale_bar_pixel_length"`
}

// FrameMetadataFields lists the schema fields of FrameMetadata in order.
var FrameMetadataFields = []string{"x_range_nm", "pixel_to_nm_scale", "max_value", "min_value", "timestamp_s"}

// Fields returns the schema values in order.
func (m FrameMetadata) Fields() []any {
	return []any{m.XRangeNM, m.PixelToNMScale, m.MaxValue, m.MinValue, m.TimestampS}
}

// Dataset is a fully normalized load result.
type Dataset struct {
	Path      string          `json:"path"`
	Format    string          `json:"format"`
	InFolder  bool            `json:"contained_in_folder"`
	Frames    FrameStack      `json:"-"`
	File      FileMetadata    `json:"file"`
	FrameMeta []FrameMetadata `json:"frames"`
}

// Validate checks the relationships between frames and metadata.
func (d *Dataset) Validate() error {
	if err := d.Frames.Validate(); err != nil {
		return err
	}

	if d.File.FrameCount != len(d.Frames) {
		return fmt.Errorf("%w: frame_count %d but %d frames", ErrSchemaMismatch, d.File.FrameCount, len(d.Frames))
	}

	if len(d.FrameMeta) != d.File.FrameCount {
		return fmt.Errorf("%w: %d frame records for %d frames", ErrSchemaMismatch, len(d.FrameMeta), d.File.FrameCount)
	}

	if !d.File.HasChannel(d.File.CurrentChannel) {
		return fmt.Errorf("%w: current channel %q not available", ErrChannelNotFound, d.File.CurrentChannel)
	}

	for i, fm := range d.FrameMeta {
		if !(fm.PixelToNMScale > 0) {
			return fmt.Errorf("%w: frame %d has scale %v", ErrSchemaMismatch, i, fm.PixelToNMScale)
		}
	}

	return nil
}

// Clone returns a deep copy.
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}

	return &Dataset{
		Path:      d.Path,
		Format:    d.Format,
		InFolder:  d.InFolder,
		Frames:    d.Frames.Clone(),
		File:      d.File.Clone(),
		FrameMeta: slices.Clone(d.FrameMeta),
	}
}

// Equal compares shape, all metadata and every frame value.
func (d *Dataset) Equal(o *Dataset) bool {
	if d == nil || o == nil {
		return d == o
	}

	return d.Path == o.Path &&
		d.Format == o.Format &&
		d.InFolder == o.InFolder &&
		d.File.Equal(o.File) &&
		slices.Equal(d.FrameMeta, o.FrameMeta) &&
		d.Frames.Equal(o.Frames)
}
