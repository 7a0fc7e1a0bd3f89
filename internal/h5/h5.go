// Package h5 is the small view of an HDF5 file that the ARIS and NHF
// decoders need: groups, datasets, attributes and child enumeration.
//
// The decoders depend only on these interfaces. Package native backs them
// with the HDF5 C library; Mem backs them with an in-memory tree for tests.
package h5

import (
	"errors"
	"fmt"
	"strings"
)

// Errors.
var (
	ErrNotFound = errors.New("h5: object not found")
	ErrType     = errors.New("h5: unexpected value type")
)

// Attr is a decoded attribute value. Numeric attributes fill Floats, string
// attributes fill Text.
type Attr struct {
	Floats []float64
	Text   string
	IsText bool
}

// Float returns the first numeric value.
func (a Attr) Float() (float64, error) {
	if a.IsText || len(a.Floats) == 0 {
		return 0, ErrType
	}

	return a.Floats[0], nil
}

// Max returns the largest numeric value.
func (a Attr) Max() (float64, error) {
	if a.IsText || len(a.Floats) == 0 {
		return 0, ErrType
	}

	m := a.Floats[0]
	for _, v := range a.Floats[1:] {
		m = max(m, v)
	}

	return m, nil
}

// Node is anything that carries attributes.
type Node interface {
	Attr(name string) (Attr, error)
}

// Dataset is an n-dimensional numeric array.
type Dataset interface {
	Node
	Dims() ([]int, error)
	Float64s() ([]float64, error)
}

// Group is a container of named groups and datasets.
type Group interface {
	Node
	// Children lists direct member names in storage order.
	Children() ([]string, error)
	Group(name string) (Group, error)
	Dataset(name string) (Dataset, error)
}

// File is an open HDF5 file rooted at "/".
type File interface {
	Group
	Close() error
}

// Opener opens files by path.
type Opener interface {
	Open(path string) (File, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) (File, error)

// Open calls f(path).
func (f OpenerFunc) Open(path string) (File, error) { return f(path) }

// GroupAt walks a slash-separated path from g.
func GroupAt(g Group, path string) (Group, error) {
	for _, part := range split(path) {
		next, err := g.Group(part)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		g = next
	}

	return g, nil
}

// DatasetAt resolves a dataset by slash-separated path from g.
func DatasetAt(g Group, path string) (Dataset, error) {
	parts := split(path)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%q: %w", path, ErrNotFound)
	}

	parent, err := GroupAt(g, strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return nil, err
	}

	ds, err := parent.Dataset(parts[len(parts)-1])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return ds, nil
}

// AttrAt reads attribute name of the group at path.
func AttrAt(g Group, path, name string) (Attr, error) {
	grp, err := GroupAt(g, path)
	if err != nil {
		return Attr{}, err
	}

	a, err := grp.Attr(name)
	if err != nil {
		return Attr{}, fmt.Errorf("%s@%s: %w", path, name, err)
	}

	return a, nil
}

func split(path string) []string {
	var parts []string

	for p := range strings.SplitSeq(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}

	return parts
}
