// Package spm decodes Bruker Nanoscope .spm images.
//
// The file starts with a Latin-1 text header of "\*Section" lines and
// "\Key: value" lines, terminated by "\*File list end". Each "Ciao image
// list" section describes one channel whose raw samples sit at
// "Data offset" bytes from the start of the file.
package spm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"

	"afmio/pkg/afm"
)

// Header markers and section names.
const (
	headerStart      = `\*File list`
	forceHeaderStart = `\*Force file list`
	headerEnd        = `\*File list end`
	SectionFile      = "File list"
	SectionScan      = "Ciao scan list"
	SectionImage     = "Ciao image list"
	MaxHeaderSize    = 1 << 20
)

// DateLayout is the layout of the "\Date:" line.
const DateLayout = "03:04:05 PM Mon Jan _2 2006"

// Errors.
var (
	ErrNotSPM       = errors.New("spm: not a Nanoscope file")
	ErrHeaderTooBig = errors.New("spm: header end marker not found")
	ErrNoImages     = errors.New("spm: no image sections")
	ErrBadField     = errors.New("spm: malformed header field")
)

// Section is one "\*Name" block with its keys in file order.
type Section struct {
	Name   string
	Keys   []string
	Values map[string]string
}

// Get returns the value of key.
func (s *Section) Get(key string) (string, bool) {
	v, ok := s.Values[key]
	return v, ok
}

// Header is the parsed text header.
type Header struct {
	Sections []*Section
}

// ReadHeader parses the text header from the start of r.
func ReadHeader(r io.Reader) (*Header, error) {
	br := bufio.NewReader(io.LimitReader(r, MaxHeaderSize))
	dec := charmap.ISO8859_1.NewDecoder()

	h := &Header{}

	var cur *Section

	for n := 0; ; n++ {
		raw, err := br.ReadBytes('\n')
		if err != nil && len(raw) == 0 {
			if n == 0 {
				return nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, ErrNotSPM)
			}

			return nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, ErrHeaderTooBig)
		}

		text, derr := dec.Bytes(bytes.TrimRight(raw, "\r\n\x1a"))
		if derr != nil {
			return nil, derr
		}

		line := string(text)

		if n == 0 && !strings.HasPrefix(line, headerStart) && !strings.HasPrefix(line, forceHeaderStart) {
			return nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, ErrNotSPM)
		}

		if strings.HasPrefix(line, headerEnd) {
			return h, nil
		}

		if name, ok := strings.CutPrefix(line, `\*`); ok {
			cur = &Section{Name: strings.TrimSpace(name), Values: map[string]string{}}
			h.Sections = append(h.Sections, cur)

			continue
		}

		body, ok := strings.CutPrefix(line, `\`)
		if !ok || cur == nil {
			continue
		}

		key, value := splitField(body)
		if _, dup := cur.Values[key]; !dup {
			cur.Keys = append(cur.Keys, key)
		}

		cur.Values[key] = value
	}
}

// splitField cuts at the first ": ". Keys such as "@2:Image Data" keep
// their inner colon.
func splitField(body string) (key, value string) {
	if k, v, ok := strings.Cut(body, ": "); ok {
		return strings.TrimSpace(k), strings.TrimSpace(v)
	}

	return strings.TrimSpace(strings.TrimSuffix(body, ":")), ""
}

// Section returns the first section called name.
func (h *Header) Section(name string) *Section {
	for _, s := range h.Sections {
		if s.Name == name {
			return s
		}
	}

	return nil
}

// Images returns every image section in file order.
func (h *Header) Images() []*Section {
	var out []*Section

	for _, s := range h.Sections {
		if s.Name == SectionImage {
			out = append(out, s)
		}
	}

	return out
}

// Find searches every section in order for key.
func (h *Header) Find(key string) (string, bool) {
	for _, s := range h.Sections {
		if v, ok := s.Values[key]; ok {
			return v, true
		}
	}

	return "", false
}

// Date parses the acquisition time from the file list section.
func (h *Header) Date() (time.Time, bool) {
	s := h.Section(SectionFile)
	if s == nil {
		return time.Time{}, false
	}

	v, ok := s.Get("Date")
	if !ok {
		return time.Time{}, false
	}

	t, err := time.Parse(DateLayout, strings.Join(strings.Fields(v), " "))
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

var (
	quoted      = regexp.MustCompile(`"([^"]*)"`)
	bracketed   = regexp.MustCompile(`\[([^\]]*)\]`)
	parenNumber = regexp.MustCompile(`\(\s*([-+0-9.eE]+)`)
	number      = regexp.MustCompile(`^[-+]?[0-9]*\.?[0-9]+([eE][-+]?[0-9]+)?$`)
)

// ChannelName extracts the quoted name of an "@2:Image Data" value such as
// `S [Height] "Height"`.
func ChannelName(value string) string {
	if m := quoted.FindStringSubmatch(value); m != nil {
		return m[1]
	}

	return strings.TrimSpace(value)
}

// ZScale extracts the sensitivity reference and hard scale (V/LSB) from an
// "@2:Z scale" value such as `V [Sens. Zsens] (0.006713867 V/LSB) 440 V`.
func ZScale(value string) (ref string, hard float64, err error) {
	if m := bracketed.FindStringSubmatch(value); m != nil {
		ref = m[1]
	}

	m := parenNumber.FindStringSubmatch(value)
	if m == nil {
		return ref, 0, fmt.Errorf("%w: Z scale %q", ErrBadField, value)
	}

	hard, err = strconv.ParseFloat(m[1], 64)
	if err != nil {
		return ref, 0, fmt.Errorf("%w: Z scale %q", ErrBadField, value)
	}

	return ref, hard, nil
}

// Numbers returns the numeric tokens of value followed by the trailing
// unit token, if any: "2.0 2.0 ~m" gives [2 2] and "~m".
func Numbers(value string) ([]float64, string) {
	var (
		nums []float64
		unit string
	)

	for _, tok := range strings.Fields(value) {
		if number.MatchString(tok) {
			v, _ := strconv.ParseFloat(tok, 64)
			nums = append(nums, v)

			continue
		}

		unit = tok
	}

	return nums, unit
}

// Int returns the first number of key in s.
func (s *Section) Int(key string) (int, error) {
	v, ok := s.Values[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrBadField, key)
	}

	nums, _ := Numbers(v)
	if len(nums) == 0 {
		return 0, fmt.Errorf("%w: %q is %q", ErrBadField, key, v)
	}

	return int(nums[0]), nil
}
