package gwy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"afmio/pkg/afm"
	"afmio/pkg/binio"
	"afmio/pkg/calib"
)

// Object types.
const (
	TypeContainer = "GwyContainer"
	TypeDataField = "GwyDataField"
)

// Errors.
var (
	ErrNotGWY     = errors.New("gwy: not a Gwyddion file")
	ErrNoChannels = errors.New("gwy: no data fields")
)

var channelKey = regexp.MustCompile(`^/(\d+)/data$`)

// Channel is one image-bearing data field of the root container.
type Channel struct {
	ID    string
	Key   string
	Title string
	Field *Object
}

// Name is the title when present, else the numeric id.
func (c Channel) Name() string {
	if c.Title != "" {
		return c.Title
	}

	return c.ID
}

// Decode reads one channel of a .gwy file.
func Decode(path, channel string) (*afm.Native, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Read(f, channel)
}

// Read decodes a .gwy stream. The channel may be given by title or by id.
func Read(rs io.ReadSeeker, channel string) (*afm.Native, error) {
	root, err := ReadFile(rs)
	if err != nil {
		return nil, err
	}

	channels := Channels(root)
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, ErrNoChannels)
	}

	names := make([]string, len(channels))
	for i, c := range channels {
		names[i] = c.Name()
	}

	native := &afm.Native{Requested: channel, Channels: names}

	idx := -1

	for i, c := range channels {
		if channel == c.Title || channel == c.ID || channel == c.Key {
			idx = i
			break
		}
	}

	if idx < 0 {
		idx = 0
		native.Substituted = true
	}

	ch := channels[idx]

	frame, err := fieldFrame(ch.Field)
	if err != nil {
		return nil, err
	}

	native.Frames = afm.FrameStack{frame}

	rec := afm.NewRecord().
		Set(afm.KeyFrames, afm.Scalar(1)).
		Set(afm.KeyXPixels, afm.Scalar(float64(frame.Width))).
		Set(afm.KeyYPixels, afm.Scalar(float64(frame.Height))).
		Set(afm.KeyChannel, afm.Text(ch.Name())).
		Set(afm.KeyTimestamps, afm.Series([]float64{0}))

	if xreal, err := ch.Field.Float("xreal"); err == nil && xreal > 0 {
		rec.Set(afm.KeyXRangeNM, afm.Scalar(calib.MetresToNM(xreal)))
	}

	native.Record = rec

	return native, nil
}

// ReadFile checks the magic and parses the root container.
func ReadFile(rs io.ReadSeeker) (*Object, error) {
	r := binio.NewReader(rs)

	if magic := string(r.Bytes(len(Magic))); magic != Magic {
		if err := r.Err(); err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, ErrNotGWY)
	}

	root, err := ReadObject(r)
	if err != nil {
		return nil, err
	}

	if root.Type != TypeContainer {
		return nil, fmt.Errorf("%w: %w: root is %q", afm.ErrUnsupportedFormat, ErrNotGWY, root.Type)
	}

	return root, nil
}

// Channels lists the "/N/data" data fields of a container in file order.
func Channels(root *Object) []Channel {
	var out []Channel

	for _, c := range root.Components {
		m := channelKey.FindStringSubmatch(c.Name)
		if m == nil || c.Type != TypeObject || c.Object == nil || c.Object.Type != TypeDataField {
			continue
		}

		ch := Channel{ID: m[1], Key: c.Name, Field: c.Object}
		ch.Title, _ = root.String(c.Name + "/title")
		out = append(out, ch)
	}

	return out
}

// fieldFrame reshapes the data array into yres rows of xres values, in nm.
func fieldFrame(field *Object) (afm.Frame, error) {
	xres, errX := field.Int("xres")
	yres, errY := field.Int("yres")

	data, errD := field.Floats("data")
	if err := errors.Join(errX, errY, errD); err != nil {
		return afm.Frame{}, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, err)
	}

	if xres <= 0 || yres <= 0 || int64(len(data)) != xres*yres {
		return afm.Frame{}, fmt.Errorf("%w: data field %dx%d holds %d values", afm.ErrShapeMismatch, xres, yres, len(data))
	}

	frame := afm.Frame{Width: int(xres), Height: int(yres), Data: data}
	frame.Map(calib.MetresToNM)

	return frame, nil
}
