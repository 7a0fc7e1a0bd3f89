// Package aris decodes Imaris-style .aris HDF5 movies.
//
// Frames live under /DataSet/Resolution 0/Frame <n>/<channel>/Image and are
// ordered by the numeric suffix of their group name. Scan sizes are metres:
// a global value on the HeightTrace channel, optionally overridden per
// frame under /DataSetInfo/Frames.
package aris

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"

	"afmio/internal/h5"
	"afmio/pkg/afm"
	"afmio/pkg/calib"
)

// Layout paths.
const (
	FramesPath     = "/DataSet/Resolution 0"
	ChannelsPath   = "/DataSetInfo/Global/Channels"
	GlobalDimsPath = "/DataSetInfo/Global/Channels/HeightTrace/ImageDims"
	FrameInfoPath  = "/DataSetInfo/Frames"
	InfoPath       = "/DataSetInfo"
	TimePath       = "/DataSetInfo/Series/Time"
	framePrefix    = "Frame "
)

// Errors.
var (
	ErrNoFrames   = errors.New("aris: no frames")
	ErrNoChannels = errors.New("aris: no channels")
	ErrImageSize  = errors.New("aris: image does not match scan grid")
)

// Decoder reads .aris files through an HDF5 backend.
type Decoder struct {
	Open h5.Opener
}

type frameRef struct {
	num  int
	name string
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

// Read decodes an opened container.
func Read(root h5.Group, channel string) (*afm.Native, error) {
	frames, err := listFrames(root)
	if err != nil {
		return nil, err
	}

	channels, err := listChannels(root)
	if err != nil {
		return nil, err
	}

	native := &afm.Native{Requested: channel, Channels: channels}

	if !slices.Contains(channels, channel) {
		channel = channels[0]
		native.Substituted = true
	}

	xPixels, yPixels, err := grid(root, frames[0], channel)
	if err != nil {
		return nil, err
	}

	stack := make(afm.FrameStack, 0, len(frames))

	for _, fr := range frames {
		img, err := readImage(root, fr, channel, xPixels, yPixels)
		if err != nil {
			return nil, err
		}

		stack = append(stack, img)
	}

	native.Frames = stack

	rec := afm.NewRecord().
		Set(afm.KeyFrames, afm.Scalar(float64(len(stack)))).
		Set(afm.KeyXPixels, afm.Scalar(float64(xPixels))).
		Set(afm.KeyYPixels, afm.Scalar(float64(yPixels))).
		Set(afm.KeyChannel, afm.Text(channel))

	if ranges := scanSizes(root, frames); ranges != nil {
		rec.Set(afm.KeyXRangeNM, afm.Series(ranges))
	}

	if times := frameTimes(root); len(times) > 1 {
		if dt := times[1] - times[0]; dt > 0 {
			fps := 1 / dt
			rec.Set(afm.KeyFPS, afm.Scalar(fps))
			rec.Set(afm.KeyLineRate, afm.Scalar(fps*float64(yPixels)))
		}

		if len(times) >= len(stack) {
			rec.Set(afm.KeyTimestamps, afm.Series(times[:len(stack)]))
		}
	}

	native.Record = rec

	return native, nil
}

func listFrames(root h5.Group) ([]frameRef, error) {
	g, err := h5.GroupAt(root, FramesPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, err)
	}

	names, err := g.Children()
	if err != nil {
		return nil, err
	}

	var frames []frameRef

	for _, name := range names {
		suffix, ok := strings.CutPrefix(name, framePrefix)
		if !ok {
			continue
		}

		n, err := strconv.Atoi(strings.TrimSpace(suffix))
		if err != nil {
			slog.Debug("aris: skipping frame group", "name", name)
			continue
		}

		frames = append(frames, frameRef{num: n, name: name})
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, ErrNoFrames)
	}

	slices.SortFunc(frames, func(a, b frameRef) int { return a.num - b.num })

	return frames, nil
}

func listChannels(root h5.Group) ([]string, error) {
	g, err := h5.GroupAt(root, ChannelsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, err)
	}

	names, err := g.Children()
	if err != nil {
		return nil, err
	}

	names = slices.DeleteFunc(names, func(s string) bool { return s == "" })
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, ErrNoChannels)
	}

	return names, nil
}

// grid prefers the ScanPoints/ScanLines attributes and falls back to the
// first frame's dataset shape.
func grid(root h5.Group, first frameRef, channel string) (x, y int, err error) {
	points, errP := h5.AttrAt(root, InfoPath, "ScanPoints")
	lines, errL := h5.AttrAt(root, InfoPath, "ScanLines")

	if errP == nil && errL == nil {
		xf, _ := points.Float()
		yf, _ := lines.Float()

		if xf > 0 && yf > 0 {
			return int(xf), int(yf), nil
		}
	}

	ds, err := h5.DatasetAt(root, imagePath(first, channel))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", afm.ErrChannelNotFound, err)
	}

	dims, err := ds.Dims()
	if err != nil {
		return 0, 0, err
	}

	if len(dims) != 2 {
		return 0, 0, fmt.Errorf("%w: %w: %d-dimensional image", afm.ErrShapeMismatch, ErrImageSize, len(dims))
	}

	return dims[1], dims[0], nil
}

func imagePath(fr frameRef, channel string) string {
	return FramesPath + "/" + fr.name + "/" + channel + "/Image"
}

// readImage returns a frame of x columns and y rows. A dataset stored as
// (x, y) when x != y is transposed; NaN samples become zero.
func readImage(root h5.Group, fr frameRef, channel string, x, y int) (afm.Frame, error) {
	ds, err := h5.DatasetAt(root, imagePath(fr, channel))
	if err != nil {
		return afm.Frame{}, fmt.Errorf("%w: %w", afm.ErrChannelNotFound, err)
	}

	dims, err := ds.Dims()
	if err != nil {
		return afm.Frame{}, err
	}

	data, err := ds.Float64s()
	if err != nil {
		return afm.Frame{}, err
	}

	if len(data) != x*y {
		return afm.Frame{}, fmt.Errorf("%w: %s holds %d samples for %dx%d", afm.ErrShapeMismatch, fr.name, len(data), x, y)
	}

	for i, v := range data {
		if math.IsNaN(v) {
			data[i] = 0
		}
	}

	if len(dims) == 2 && dims[0] == x && dims[1] == y && x != y {
		return afm.Frame{Width: y, Height: x, Data: data}.Transpose(), nil
	}

	return afm.Frame{Width: x, Height: y, Data: data}, nil
}

// scanSizes returns one x range in nm per frame. A frame without its own
// ScanSize inherits the previous frame's value; the first frame starts from
// the global DimScaling maximum.
func scanSizes(root h5.Group, frames []frameRef) []float64 {
	global := math.NaN()
	if a, err := h5.AttrAt(root, GlobalDimsPath, "DimScaling"); err == nil {
		if m, err := a.Max(); err == nil && m > 0 {
			global = m
		}
	}

	out := make([]float64, len(frames))
	prev := global
	found := !math.IsNaN(global)

	for i, fr := range frames {
		v := prev

		path := FrameInfoPath + "/" + fr.name + "/Channels/HeightTrace/ImageDims"
		if a, err := h5.AttrAt(root, path, "ScanSize"); err == nil {
			if s, err := a.Max(); err == nil && s > 0 {
				v = s
				found = true
			}
		}

		if i == 0 && !math.IsNaN(global) {
			v = global
		}

		out[i] = calib.MetresToNM(v)
		prev = v
	}

	if !found {
		return nil
	}

	return out
}

func frameTimes(root h5.Group) []float64 {
	ds, err := h5.DatasetAt(root, TimePath)
	if err != nil {
		slog.Debug("aris: no frame time series", "err", err)
		return nil
	}

	times, err := ds.Float64s()
	if err != nil {
		return nil
	}

	return times
}
