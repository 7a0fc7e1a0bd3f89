package asd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"afmio/pkg/afm"
	"afmio/pkg/binio"
	"afmio/pkg/calib"
)

// Channel codes used in .asd headers.
const (
	ChannelTopography = "TP"
	ChannelError      = "ER"
	ChannelPhase      = "PH"
)

// FrameHeader is the per-frame record that precedes each frame's levels.
type FrameHeader struct {
	Number     int32
	MaxData    int16
	MinData    int16
	XOffset    int16
	YOffset    int16
	XTilt      float32
	YTilt      float32
	Stimulated bool
}

// ScalingFactor returns the height scale for a channel.
func (h *Header) ScalingFactor(channel string) (float64, bool) {
	switch channel {
	case ChannelTopography:
		return float64(h.ZPiezoGain) * float64(h.ZPiezoExtension), true
	case ChannelError:
		return -float64(h.ScannerSens), true
	case ChannelPhase:
		return -float64(h.PhaseSens), true
	default:
		return 1, false
	}
}

// Decode reads the requested channel of an .asd file.
func Decode(path, channel string) (*afm.Native, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Read(f, channel)
}

// Read decodes an .asd stream. If channel is not one of the two header slots
// the first channel is used and the substitution is reported.
func Read(rs io.ReadSeeker, channel string) (*afm.Native, error) {
	r := binio.NewReader(rs)

	h, err := ReadHeader(r)
	if err != nil {
		if r.Err() != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, err)
	}

	native := &afm.Native{Requested: channel, Channels: channelList(h)}

	start := h.DataOffset()

	switch {
	case channel == h.Channel1 && channel != "":
	case channel == h.Channel2 && channel != "":
		start += h.ChannelBytes()
	default:
		native.Substituted = true
		channel = h.Channel1
	}

	scale, known := h.ScalingFactor(channel)
	if !known {
		slog.Debug("asd: unknown channel code, heights left unscaled", "channel", channel)
	}

	conv, err := calib.NewADConverter(h.ADRange, int(h.ADBits), scale)
	if err != nil {
		slog.Warn("asd: cannot build level converter, using scaled raw levels", "error", err)
	}

	r.SeekTo(start)

	frames, _, err := readFrames(r, h, func(level float64) float64 {
		if conv.Resolution == 0 {
			return level * scale
		}

		return conv.Convert(level)
	})
	if err != nil {
		return nil, err
	}

	native.Frames = frames
	native.Record = record(h, channel)

	return native, nil
}

func channelList(h *Header) []string {
	var out []string

	for _, c := range h.Channels() {
		if c != "" {
			out = append(out, c)
		}
	}

	return out
}

func readFrames(r *binio.Reader, h *Header, convert func(float64) float64) (afm.FrameStack, []FrameHeader, error) {
	var (
		frames  afm.FrameStack
		headers []FrameHeader
	)

	extra := int64(h.FrameHeaderLength) - FrameHeaderSize
	n := h.XPixels * h.YPixels

	for range h.NumFrames {
		fh := FrameHeader{
			Number:  r.I32(),
			MaxData: r.I16(),
			MinData: r.I16(),
			XOffset: r.I16(),
			YOffset: r.I16(),
			XTilt:   r.F32(),
			YTilt:   r.F32(),
		}
		fh.Stimulated = r.Bool()
		r.Skip(1 + 2 + 4 + 4)
		r.Skip(extra)

		levels := r.Int16s(n)
		if err := r.Err(); err != nil {
			return nil, nil, err
		}

		f := afm.NewFrame(h.XPixels, h.YPixels)
		for i, v := range levels {
			f.Data[i] = convert(float64(v))
		}

		frames = append(frames, f)
		headers = append(headers, fh)
	}

	return frames, headers, nil
}

func record(h *Header, channel string) afm.Record {
	rec := afm.NewRecord().
		Set(afm.KeyFrames, afm.Scalar(float64(h.NumFrames))).
		Set(afm.KeyXRangeNM, afm.Scalar(float64(h.XNM))).
		Set(afm.KeyYPixels, afm.Scalar(float64(h.YPixels))).
		Set(afm.KeyXPixels, afm.Scalar(float64(h.XPixels))).
		Set(afm.KeyPixelToNM, afm.Scalar(calib.PixelToNM(h.XPixels, float64(h.XNM)))).
		Set(afm.KeyChannel, afm.Text(channel))

	ft := float64(h.FrameTimeMS)
	if ft > 0 {
		rec.Set(afm.KeyFPS, afm.Scalar(1000/ft))
		rec.Set(afm.KeyLineRate, afm.Scalar(float64(h.YPixels)/(ft/1000)))

		stamps := make([]float64, h.NumFrames)
		for i := range stamps {
			stamps[i] = float64(i) * ft / 1000
		}

		rec.Set(afm.KeyTimestamps, afm.Series(stamps))
	}

	return rec
}
