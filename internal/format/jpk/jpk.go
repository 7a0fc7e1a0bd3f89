// Package jpk decodes JPK Instruments QI and imaging files (.jpk).
//
// A .jpk file is a TIFF container. Page 0 is a thumbnail whose private tags
// carry the scan grid; every later page is one channel image whose private
// tags carry the channel name, the scan direction and the value scaling.
package jpk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"afmio/internal/tiffdir"
	"afmio/pkg/afm"
	"afmio/pkg/calib"
)

// Private tags.
const (
	TagOriginX       = 32832
	TagOriginY       = 32833
	TagGridULength   = 32834
	TagGridVLength   = 32835
	TagGridILength   = 32838
	TagGridJLength   = 32839
	TagScanRate      = 32841
	TagReferenceAmp  = 32821
	TagSetAmplitude  = 32822
	TagOscFrequency  = 32823
	TagChannel       = 32848
	TagRetrace       = 32849
	TagScalingType   = 33027
	TagScalingFactor = 33028
	TagScalingOffset = 33029
)

// Scaling types.
const (
	LinearScaling = "LinearScaling"
	NullScaling   = "NullScaling"
)

// Errors.
var (
	ErrNoChannels     = errors.New("jpk: no channel pages")
	ErrUnknownScaling = errors.New("jpk: unknown scaling type")
)

// Grid is the scan geometry stored on the thumbnail page.
type Grid struct {
	ULengthM   float64
	VLengthM   float64
	IPixels    int
	JPixels    int
	ScanRateHz float64
}

type channelPage struct {
	name string
	page int
}

// Decode reads one channel of a .jpk file.
func Decode(path, channel string) (*afm.Native, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Read(f, channel)
}

// Read decodes a .jpk stream. Channel names are "<name>_trace" or "<name>_retrace".
func Read(rs io.ReadSeeker, channel string) (*afm.Native, error) {
	tf, err := tiffdir.Open(rs)
	if err != nil {
		return nil, err
	}

	if len(tf.Pages) < 2 {
		return nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, ErrNoChannels)
	}

	pages := channelPages(tf)
	names := make([]string, len(pages))

	for i, cp := range pages {
		names[i] = cp.name
	}

	native := &afm.Native{Requested: channel, Channels: names}

	idx := slices.Index(names, channel)
	if idx < 0 {
		idx = 0
		native.Substituted = true
	}

	target := pages[idx]

	img, err := tf.Image(target.page)
	if err != nil {
		return nil, err
	}

	if err := rescale(tf.Pages[target.page], img); err != nil {
		return nil, err
	}

	img.Map(calib.MetresToNM)
	frame := img.FlipVertical()
	native.Frames = afm.FrameStack{frame}

	grid := ReadGrid(tf.Pages[0])
	rec := afm.NewRecord().
		Set(afm.KeyFrames, afm.Scalar(1)).
		Set(afm.KeyChannel, afm.Text(target.name)).
		Set(afm.KeyTimestamps, afm.Series([]float64{0}))

	xPixels, yPixels := frame.Width, frame.Height
	if grid.IPixels > 0 && grid.JPixels > 0 && (grid.IPixels != xPixels || grid.JPixels != yPixels) {
		return nil, fmt.Errorf("%w: grid is %dx%d but %s is %s",
			afm.ErrSchemaMismatch, grid.IPixels, grid.JPixels, target.name, frame.Shape())
	}

	rec.Set(afm.KeyXPixels, afm.Scalar(float64(xPixels)))
	rec.Set(afm.KeyYPixels, afm.Scalar(float64(yPixels)))

	if grid.ULengthM > 0 {
		xr := calib.MetresToNM(grid.ULengthM)
		rec.Set(afm.KeyXRangeNM, afm.Scalar(xr))
		rec.Set(afm.KeyPixelToNM, afm.Scalar(calib.PixelToNM(xPixels, xr)))
	}

	if grid.ScanRateHz > 0 {
		rec.Set(afm.KeyLineRate, afm.Scalar(grid.ScanRateHz))
		rec.Set(afm.KeyFPS, afm.Scalar(grid.ScanRateHz/float64(yPixels)))
	}

	native.Record = rec

	return native, nil
}

// ReadGrid extracts the scan geometry from the thumbnail page.
func ReadGrid(p *tiffdir.Page) Grid {
	var g Grid

	g.ULengthM, _ = p.Float(TagGridULength)
	g.VLengthM, _ = p.Float(TagGridVLength)
	g.IPixels, _ = p.Int(TagGridILength)
	g.JPixels, _ = p.Int(TagGridJLength)
	g.ScanRateHz, _ = p.Float(TagScanRate)

	return g
}

func channelPages(tf *tiffdir.File) []channelPage {
	out := make([]channelPage, 0, len(tf.Pages)-1)

	for i, p := range tf.Pages[1:] {
		name, _ := p.String(TagChannel)

		dir := "trace"
		if v, ok := p.Int(TagRetrace); ok && v != 0 {
			dir = "retrace"
		}

		out = append(out, channelPage{name: name + "_" + dir, page: i + 1})
	}

	return out
}

func rescale(p *tiffdir.Page, img afm.Frame) error {
	kind, ok := p.String(TagScalingType)
	if !ok {
		return nil
	}

	switch kind {
	case NullScaling:
		return nil
	case LinearScaling:
		scale, _ := p.Float(TagScalingFactor)
		offset, _ := p.Float(TagScalingOffset)
		img.Map(func(v float64) float64 { return calib.Linear(v, scale, offset) })

		return nil
	default:
		return fmt.Errorf("%w: %w: %q", afm.ErrUnsupportedFormat, ErrUnknownScaling, kind)
	}
}
