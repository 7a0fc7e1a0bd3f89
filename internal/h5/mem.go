package h5

import (
	"fmt"
	"slices"
)

// MemGroup is an in-memory Group. The zero value is not usable; call NewMem.
type MemGroup struct {
	attrs    map[string]Attr
	groups   map[string]*MemGroup
	datasets map[string]*MemDataset
	order    []string
}

var _ File = (*MemGroup)(nil)

// NewMem returns an empty root group.
func NewMem() *MemGroup {
	return &MemGroup{
		attrs:    map[string]Attr{},
		groups:   map[string]*MemGroup{},
		datasets: map[string]*MemDataset{},
	}
}

// MemOpener serves the same tree for every path.
func MemOpener(root *MemGroup) Opener {
	return OpenerFunc(func(string) (File, error) { return root, nil })
}

// AddGroup creates (or returns) the child group name.
func (g *MemGroup) AddGroup(name string) *MemGroup {
	if c, ok := g.groups[name]; ok {
		return c
	}

	c := NewMem()
	g.groups[name] = c
	g.order = append(g.order, name)

	return c
}

// MkdirAll creates every group along path and returns the last one.
func (g *MemGroup) MkdirAll(path string) *MemGroup {
	for _, p := range split(path) {
		g = g.AddGroup(p)
	}

	return g
}

// AddDataset stores a dataset with the given dims.
func (g *MemGroup) AddDataset(name string, dims []int, data []float64) *MemDataset {
	d := &MemDataset{attrs: map[string]Attr{}, dims: dims, data: data}
	if _, ok := g.datasets[name]; !ok {
		g.order = append(g.order, name)
	}

	g.datasets[name] = d

	return d
}

// SetFloat stores a numeric attribute.
func (g *MemGroup) SetFloat(name string, vs ...float64) *MemGroup {
	g.attrs[name] = Attr{Floats: vs}
	return g
}

// SetText stores a string attribute.
func (g *MemGroup) SetText(name, s string) *MemGroup {
	g.attrs[name] = Attr{Text: s, IsText: true}
	return g
}

func (g *MemGroup) Attr(name string) (Attr, error) {
	a, ok := g.attrs[name]
	if !ok {
		return Attr{}, fmt.Errorf("attribute %q: %w", name, ErrNotFound)
	}

	return a, nil
}

func (g *MemGroup) Children() ([]string, error) { return slices.Clone(g.order), nil }

func (g *MemGroup) Group(name string) (Group, error) {
	c, ok := g.groups[name]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", name, ErrNotFound)
	}

	return c, nil
}

func (g *MemGroup) Dataset(name string) (Dataset, error) {
	d, ok := g.datasets[name]
	if !ok {
		return nil, fmt.Errorf("dataset %q: %w", name, ErrNotFound)
	}

	return d, nil
}

func (g *MemGroup) Close() error { return nil }

// MemDataset is an in-memory Dataset.
type MemDataset struct {
	attrs map[string]Attr
	dims  []int
	data  []float64
}

// SetFloat stores a numeric attribute.
func (d *MemDataset) SetFloat(name string, vs ...float64) *MemDataset {
	d.attrs[name] = Attr{Floats: vs}
	return d
}

// SetText stores a string attribute.
func (d *MemDataset) SetText(name, s string) *MemDataset {
	d.attrs[name] = Attr{Text: s, IsText: true}
	return d
}

func (d *MemDataset) Attr(name string) (Attr, error) {
	a, ok := d.attrs[name]
	if !ok {
		return Attr{}, fmt.Errorf("attribute %q: %w", name, ErrNotFound)
	}

	return a, nil
}

func (d *MemDataset) Dims() ([]int, error) { return slices.Clone(d.dims), nil }

func (d *MemDataset) Float64s() ([]float64, error) { return slices.Clone(d.data), nil }
