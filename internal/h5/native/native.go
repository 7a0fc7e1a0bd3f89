//go:build cgo

// Package native implements h5.Opener on top of the HDF5 C library
// (gonum.org/v1/hdf5). Building it requires cgo and libhdf5; without cgo
// Opener fails every call with afm.ErrUnsupportedFormat.
//
// Handles are opened per call and closed before returning, so wrappers
// only hold the file and an absolute path.
package native

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path"

	"gonum.org/v1/hdf5"

	"afmio/internal/h5"
	"afmio/pkg/binio"
)

// Opener opens files read-only.
var Opener h5.Opener = h5.OpenerFunc(Open)

// Open opens path read-only.
func Open(name string) (h5.File, error) {
	f, err := hdf5.OpenFile(name, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("h5: open %s: %w", name, err)
	}

	return &file{group: group{f: f, path: "/"}}, nil
}

type file struct {
	group
}

func (f *file) Close() error { return f.f.Close() }

type group struct {
	f    *hdf5.File
	path string
}

func (g group) open() (*hdf5.Group, error) {
	grp, err := g.f.OpenGroup(g.path)
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", g.path, h5.ErrNotFound)
	}

	return grp, nil
}

func (g group) Attr(name string) (h5.Attr, error) {
	grp, err := g.open()
	if err != nil {
		return h5.Attr{}, err
	}
	defer grp.Close()

	a, err := grp.OpenAttribute(name)
	if err != nil {
		return h5.Attr{}, fmt.Errorf("attribute %q: %w", name, h5.ErrNotFound)
	}
	defer a.Close()

	return readAttr(a)
}

func (g group) Children() ([]string, error) {
	grp, err := g.open()
	if err != nil {
		return nil, err
	}
	defer grp.Close()

	n, err := grp.NumObjects()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, n)

	for i := range n {
		name, err := grp.ObjectNameByIndex(i)
		if err != nil {
			return nil, err
		}

		names = append(names, name)
	}

	return names, nil
}

func (g group) Group(name string) (h5.Group, error) {
	child := group{f: g.f, path: path.Join(g.path, name)}

	grp, err := child.open()
	if err != nil {
		return nil, err
	}

	grp.Close()

	return child, nil
}

func (g group) Dataset(name string) (h5.Dataset, error) {
	ds := dataset{f: g.f, path: path.Join(g.path, name)}

	d, err := ds.open()
	if err != nil {
		return nil, err
	}

	d.Close()

	return ds, nil
}

type dataset struct {
	f    *hdf5.File
	path string
}

func (d dataset) open() (*hdf5.Dataset, error) {
	ds, err := d.f.OpenDataset(d.path)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w", d.path, h5.ErrNotFound)
	}

	return ds, nil
}

func (d dataset) Attr(name string) (h5.Attr, error) {
	ds, err := d.open()
	if err != nil {
		return h5.Attr{}, err
	}
	defer ds.Close()

	a, err := ds.OpenAttribute(name)
	if err != nil {
		return h5.Attr{}, fmt.Errorf("attribute %q: %w", name, h5.ErrNotFound)
	}
	defer a.Close()

	return readAttr(a)
}

func (d dataset) Dims() ([]int, error) {
	ds, err := d.open()
	if err != nil {
		return nil, err
	}
	defer ds.Close()

	space := ds.Space()
	defer space.Close()

	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, err
	}

	out := make([]int, len(dims))
	for i, v := range dims {
		out[i] = int(v)
	}

	return out, nil
}

// sampleType maps a stored HDF5 element type to its width and decoder.
// Dataset.Read uses the file type as the memory type, so samples arrive
// as raw bytes in file order.
type sampleType struct {
	dtype *hdf5.Datatype
	size  int
	order binary.ByteOrder
	read  func(*binio.Reader) float64
}

var sampleTypes = []sampleType{
	{hdf5.T_IEEE_F64LE, 8, binary.LittleEndian, func(r *binio.Reader) float64 { return r.F64() }},
	{hdf5.T_IEEE_F64BE, 8, binary.BigEndian, func(r *binio.Reader) float64 { return r.F64() }},
	{hdf5.T_IEEE_F32LE, 4, binary.LittleEndian, func(r *binio.Reader) float64 { return float64(r.F32()) }},
	{hdf5.T_IEEE_F32BE, 4, binary.BigEndian, func(r *binio.Reader) float64 { return float64(r.F32()) }},
	{hdf5.T_STD_I8LE, 1, binary.LittleEndian, func(r *binio.Reader) float64 { return float64(r.I8()) }},
	{hdf5.T_STD_I8BE, 1, binary.BigEndian, func(r *binio.Reader) float64 { return float64(r.I8()) }},
	{hdf5.T_STD_U8LE, 1, binary.LittleEndian, func(r *binio.Reader) float64 { return float64(r.U8()) }},
	{hdf5.T_STD_U8BE, 1, binary.BigEndian, func(r *binio.Reader) float64 { return float64(r.U8()) }},
	{hdf5.T_STD_I16LE, 2, binary.LittleEndian, func(r *binio.Reader) float64 { return float64(r.I16()) }},
	{hdf5.T_STD_I16BE, 2, binary.BigEndian, func(r *binio.Reader) float64 { return float64(r.I16()) }},
	{hdf5.T_STD_U16LE, 2, binary.LittleEndian, func(r *binio.Reader) float64 { return float64(r.U16()) }},
	{hdf5.T_STD_U16BE, 2, binary.BigEndian, func(r *binio.Reader) float64 { return float64(r.U16()) }},
	{hdf5.T_STD_I32LE, 4, binary.LittleEndian, func(r *binio.Reader) float64 { return float64(r.I32()) }},
	{hdf5.T_STD_I32BE, 4, binary.BigEndian, func(r *binio.Reader) float64 { return float64(r.I32()) }},
	{hdf5.T_STD_U32LE, 4, binary.LittleEndian, func(r *binio.Reader) float64 { return float64(r.U32()) }},
	{hdf5.T_STD_U32BE, 4, binary.BigEndian, func(r *binio.Reader) float64 { return float64(r.U32()) }},
	{hdf5.T_STD_I64LE, 8, binary.LittleEndian, func(r *binio.Reader) float64 { return float64(r.I64()) }},
	{hdf5.T_STD_I64BE, 8, binary.BigEndian, func(r *binio.Reader) float64 { return float64(r.I64()) }},
	{hdf5.T_STD_U64LE, 8, binary.LittleEndian, func(r *binio.Reader) float64 { return float64(r.U64()) }},
	{hdf5.T_STD_U64BE, 8, binary.BigEndian, func(r *binio.Reader) float64 { return float64(r.U64()) }},
}

func lookupSampleType(dt *hdf5.Datatype) (sampleType, bool) {
	for _, st := range sampleTypes {
		if dt.Equal(st.dtype) {
			return st, true
		}
	}

	return sampleType{}, false
}

func (d dataset) Float64s() ([]float64, error) {
	ds, err := d.open()
	if err != nil {
		return nil, err
	}
	defer ds.Close()

	dt, err := ds.Datatype()
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w", d.path, err)
	}

	st, ok := lookupSampleType(dt)
	dt.Close()

	if !ok {
		return nil, fmt.Errorf("dataset %q: %w: element type is not a plain number", d.path, h5.ErrType)
	}

	space := ds.Space()
	n := space.SimpleExtentNPoints()
	space.Close()

	data := make([]float64, n)
	if n == 0 {
		return data, nil
	}

	raw := make([]byte, n*st.size)
	if err := ds.Read(&raw); err != nil {
		return nil, fmt.Errorf("dataset %q: %w", d.path, err)
	}

	r := binio.NewReader(bytes.NewReader(raw))
	r.SetOrder(st.order)

	for i := range data {
		data[i] = st.read(r)
	}

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("dataset %q: %w", d.path, err)
	}

	return data, nil
}

// readAttr tries a numeric read first and falls back to a string read.
// H5Aread converts integer and float attributes to native doubles.
func readAttr(a *hdf5.Attribute) (h5.Attr, error) {
	space := a.Space()
	n := space.SimpleExtentNPoints()
	space.Close()

	if n > 0 {
		vs := make([]float64, n)
		if err := a.Read(&vs[0], hdf5.T_NATIVE_DOUBLE); err == nil {
			return h5.Attr{Floats: vs}, nil
		}
	}

	var s string
	if err := a.Read(&s, hdf5.T_GO_STRING); err != nil {
		return h5.Attr{}, fmt.Errorf("%w: %w", h5.ErrType, err)
	}

	return h5.Attr{Text: s, IsText: true}, nil
}
