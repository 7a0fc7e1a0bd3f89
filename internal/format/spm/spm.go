package spm

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"afmio/pkg/afm"
	"afmio/pkg/binio"
	"afmio/pkg/calib"
)

// Image section keys.
const (
	KeyDataOffset   = "Data offset"
	KeyBytesPerPix  = "Bytes/pixel"
	KeySampsPerLine = "Samps/line"
	KeyLines        = "Number of lines"
	KeyScanSize     = "Scan Size"
	KeyScanRate     = "Scan Rate"
	KeyImageData    = "@2:Image Data"
	KeyZScale       = "@2:Z scale"
)

// Image is one channel description taken from the header.
type Image struct {
	Channel       string
	DataOffset    int64
	BytesPerPixel int
	Samples       int
	Lines         int
	HardScale     float64
	SoftScale     float64
	ScanSizeNM    float64
}

// Decode reads one channel of a .spm file.
func Decode(path, channel string) (*afm.Native, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Read(f, channel)
}

// Read decodes a .spm stream.
func Read(rs io.ReadSeeker, channel string) (*afm.Native, error) {
	h, err := ReadHeader(rs)
	if err != nil {
		return nil, err
	}

	sections := h.Images()
	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, ErrNoImages)
	}

	names := make([]string, len(sections))
	for i, s := range sections {
		v, _ := s.Get(KeyImageData)
		names[i] = ChannelName(v)
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

	img, err := h.Image(sections[idx])
	if err != nil {
		return nil, err
	}

	frame, err := readPixels(rs, img)
	if err != nil {
		return nil, err
	}

	native.Frames = afm.FrameStack{frame}

	rec := afm.NewRecord().
		Set(afm.KeyFrames, afm.Scalar(1)).
		Set(afm.KeyXPixels, afm.Scalar(float64(img.Samples))).
		Set(afm.KeyYPixels, afm.Scalar(float64(img.Lines))).
		Set(afm.KeyChannel, afm.Text(img.Channel)).
		Set(afm.KeyTimestamps, afm.Series([]float64{0}))

	if img.ScanSizeNM > 0 {
		rec.Set(afm.KeyXRangeNM, afm.Scalar(img.ScanSizeNM))
	}

	if rate := h.ScanRate(); rate > 0 {
		rec.Set(afm.KeyLineRate, afm.Scalar(rate))
		rec.Set(afm.KeyFPS, afm.Scalar(rate/float64(img.Lines)))
	}

	native.Record = rec

	if t, ok := h.Date(); ok {
		native.Acquired = t
	}

	return native, nil
}

// Image resolves the typed fields of an image section. Scan size and
// sensitivities missing from the section are looked up in the scan list.
func (h *Header) Image(s *Section) (Image, error) {
	var (
		img Image
		err error
	)

	v, _ := s.Get(KeyImageData)
	img.Channel = ChannelName(v)

	off, err := s.Int(KeyDataOffset)
	if err != nil {
		return img, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, err)
	}

	img.DataOffset = int64(off)

	if img.BytesPerPixel, err = s.Int(KeyBytesPerPix); err != nil {
		img.BytesPerPixel = 2
	}

	if img.BytesPerPixel != 2 && img.BytesPerPixel != 4 {
		return img, fmt.Errorf("%w: %d bytes per pixel", afm.ErrUnsupportedFormat, img.BytesPerPixel)
	}

	if img.Samples, err = s.Int(KeySampsPerLine); err != nil {
		return img, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, err)
	}

	if img.Lines, err = s.Int(KeyLines); err != nil {
		return img, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, err)
	}

	if img.Samples <= 0 || img.Lines <= 0 {
		return img, fmt.Errorf("%w: image grid %dx%d", afm.ErrUnsupportedFormat, img.Samples, img.Lines)
	}

	img.HardScale, img.SoftScale = 1, 1

	if z, ok := s.Get(KeyZScale); ok {
		ref, hard, err := ZScale(z)
		if err != nil {
			return img, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, err)
		}

		img.HardScale = hard

		if ref != "" {
			if sens, ok := h.Find("@" + ref); ok {
				if nums, _ := Numbers(sens); len(nums) > 0 {
					img.SoftScale = nums[0]
				}
			} else {
				slog.Debug("spm: sensitivity not found", "ref", ref)
			}
		}
	}

	size, ok := s.Get(KeyScanSize)
	if !ok {
		size, ok = h.Find(KeyScanSize)
	}

	if ok {
		nums, unit := Numbers(size)
		if factor, err := calib.UnitToNM(unit); err == nil && len(nums) > 0 {
			img.ScanSizeNM = nums[0] * factor
		} else {
			slog.Warn("spm: unreadable scan size", "value", size)
		}
	}

	return img, nil
}

// ScanRate returns the first "Scan Rate" found in any section, in lines per second.
func (h *Header) ScanRate() float64 {
	for _, s := range h.Sections {
		for _, k := range s.Keys {
			if !strings.EqualFold(k, KeyScanRate) {
				continue
			}

			if nums, _ := Numbers(s.Values[k]); len(nums) > 0 && nums[0] > 0 {
				return nums[0]
			}
		}
	}

	return 0
}

func readPixels(rs io.ReadSeeker, img Image) (afm.Frame, error) {
	r := binio.NewReader(rs)
	r.SeekTo(img.DataOffset)

	n := img.Samples * img.Lines
	frame := afm.NewFrame(img.Samples, img.Lines)

	switch img.BytesPerPixel {
	case 4:
		for i, v := range r.Int32s(n) {
			frame.Data[i] = float64(v)
		}
	default:
		for i, v := range r.Int16s(n) {
			frame.Data[i] = float64(v)
		}
	}

	if err := r.Err(); err != nil {
		return afm.Frame{}, err
	}

	frame.Map(func(v float64) float64 {
		return calib.NanoscopeZ(v, img.HardScale, img.SoftScale, img.BytesPerPixel)
	})

	return frame.FlipVertical(), nil
}
