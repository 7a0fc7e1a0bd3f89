// Package nhf decodes Nanosurf .nhf HDF5 images.
package nhf

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"afmio/internal/h5"
	"afmio/pkg/afm"
	"afmio/pkg/calib"
)

// Layout paths and attribute names.
const (
	MeasurementPath = "/measurement_0"
	SegmentPath     = "/measurement_0/segment_0"

	AttrSizeX         = "image_size_x"
	AttrPointsPerLine = "image_points_per_line"
	AttrLines         = "image_number_of_lines"
	AttrLinesAcquired = "image_number_of_lines_aquired"
	AttrLineRate      = "image_line_rate"
	AttrName          = "name"
	AttrCalMin        = "base_calibration_min"
	AttrCalMax        = "base_calibration_max"
	AttrCalUnit       = "base_calibration_unit"
)

// Errors.
var (
	ErrNoChannels = errors.New("nhf: no data channels")
	ErrImageSize  = errors.New("nhf: image does not match scan grid")
)

// Decoder reads .nhf files through an HDF5 backend.
type Decoder struct {
	Open h5.Opener
}

// Decode reads one channel of the file at path.
func (d Decoder) Decode(path, channel string) (*afm.Native, error) {
	f, err := d.Open.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Read(f, channel)
}

// Scan is the measurement geometry.
type Scan struct {
	SizeXM     float64
	XPixels    int
	YPixels    int
	LineRateHz float64
}

// Read decodes an opened container.
func Read(root h5.Group, channel string) (*afm.Native, error) {
	scan, err := readScan(root)
	if err != nil {
		return nil, err
	}

	seg, err := h5.GroupAt(root, SegmentPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, err)
	}

	names, datasets, err := listChannels(seg)
	if err != nil {
		return nil, err
	}

	native := &afm.Native{Requested: channel, Channels: names}

	idx := 0

	for i, n := range names {
		if n == channel {
			idx = i
			break
		}
	}

	if names[idx] != channel {
		native.Substituted = true
	}

	img, err := readImage(datasets[idx], scan)
	if err != nil {
		return nil, err
	}

	native.Frames = afm.FrameStack{img}

	rec := afm.NewRecord().
		Set(afm.KeyFrames, afm.Scalar(1)).
		Set(afm.KeyChannel, afm.Text(names[idx])).
		Set(afm.KeyXPixels, afm.Scalar(float64(img.Width))).
		Set(afm.KeyYPixels, afm.Scalar(float64(img.Height))).
		Set(afm.KeyTimestamps, afm.Series([]float64{0}))

	if scan.SizeXM > 0 {
		rec.Set(afm.KeyXRangeNM, afm.Scalar(calib.MetresToNM(scan.SizeXM)))
	}

	if scan.LineRateHz > 0 {
		rec.Set(afm.KeyLineRate, afm.Scalar(scan.LineRateHz))
		rec.Set(afm.KeyFPS, afm.Scalar(scan.LineRateHz/float64(scan.YPixels)))
	}

	native.Record = rec

	return native, nil
}

func readScan(root h5.Group) (Scan, error) {
	m, err := h5.GroupAt(root, MeasurementPath)
	if err != nil {
		return Scan{}, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, err)
	}

	var s Scan

	num := func(name string) float64 {
		a, err := m.Attr(name)
		if err != nil {
			return 0
		}

		v, _ := a.Float()

		return v
	}

	s.SizeXM = num(AttrSizeX)
	s.XPixels = int(num(AttrPointsPerLine))
	s.LineRateHz = num(AttrLineRate)

	s.YPixels = int(num(AttrLines))
	if s.YPixels <= 0 {
		s.YPixels = int(num(AttrLinesAcquired))
	}

	if s.XPixels <= 0 || s.YPixels <= 0 {
		return Scan{}, fmt.Errorf("%w: scan grid %dx%d", afm.ErrUnsupportedFormat, s.XPixels, s.YPixels)
	}

	return s, nil
}

func listChannels(seg h5.Group) ([]string, []h5.Dataset, error) {
	children, err := seg.Children()
	if err != nil {
		return nil, nil, err
	}

	var (
		names    []string
		datasets []h5.Dataset
	)

	for _, c := range children {
		if !strings.HasPrefix(c, "data") {
			continue
		}

		ds, err := seg.Dataset(c)
		if err != nil {
			continue
		}

		name := c
		if a, err := ds.Attr(AttrName); err == nil && a.IsText && a.Text != "" {
			name = a.Text
		}

		names = append(names, name)
		datasets = append(datasets, ds)
	}

	if len(names) == 0 {
		return nil, nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, ErrNoChannels)
	}

	return names, datasets, nil
}

// readImage calibrates the raw int32 samples and reorients them so that
// C[i][j] = raw[(x-1-i)*y + j]: x rows of y columns.
func readImage(ds h5.Dataset, s Scan) (afm.Frame, error) {
	raw, err := ds.Float64s()
	if err != nil {
		return afm.Frame{}, err
	}

	if len(raw) != s.XPixels*s.YPixels {
		return afm.Frame{}, fmt.Errorf("%w: %w: %d samples for %dx%d", afm.ErrShapeMismatch, ErrImageSize, len(raw), s.XPixels, s.YPixels)
	}

	lo, hi := attrFloat(ds, AttrCalMin), attrFloat(ds, AttrCalMax)

	unit := ""
	if a, err := ds.Attr(AttrCalUnit); err == nil {
		unit = a.Text
	}

	toNM, err := calib.UnitToNM(unit)
	if err != nil {
		slog.Debug("nhf: keeping calibrated units", "unit", unit)

		toNM = 1
	}

	// Stored as x lines of y points; the transpose gives y rows of x columns.
	img := afm.Frame{Width: s.YPixels, Height: s.XPixels, Data: raw}.Transpose()
	img.Map(func(v float64) float64 { return calib.FullScale32(v, lo, hi) * toNM })

	return img.FlipVertical().Rot90().FlipHorizontal(), nil
}

func attrFloat(n h5.Node, name string) float64 {
	a, err := n.Attr(name)
	if err != nil {
		return 0
	}

	v, _ := a.Float()

	return v
}
