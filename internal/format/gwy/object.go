// Package gwy decodes Gwyddion native .gwy files.
//
// A file is the magic "GWYP" followed by one serialized object: a
// NUL-terminated type name, a little-endian u32 payload size, then tagged
// components. Each component is a NUL-terminated name, a one-byte type tag
// and a value; objects nest recursively.
package gwy

import (
	"errors"
	"fmt"

	"afmio/pkg/afm"
	"afmio/pkg/binio"
)

// Magic opens every file.
const Magic = "GWYP"

// Component type tags.
const (
	TypeBool        byte = 'b'
	TypeChar        byte = 'c'
	TypeInt32       byte = 'i'
	TypeInt64       byte = 'q'
	TypeDouble      byte = 'd'
	TypeString      byte = 's'
	TypeObject      byte = 'o'
	TypeCharArray   byte = 'C'
	TypeInt32Array  byte = 'I'
	TypeInt64Array  byte = 'Q'
	TypeDoubleArray byte = 'D'
	TypeStringArray byte = 'S'
	TypeObjectArray byte = 'O'
)

const maxDepth = 32

// Errors.
var (
	ErrBadType    = errors.New("gwy: unknown component type")
	ErrBadSize    = errors.New("gwy: object size does not match its components")
	ErrTooDeep    = errors.New("gwy: objects nested too deeply")
	ErrNoSuchItem = errors.New("gwy: component not found")
)

// Component is one named, typed value. Only the field matching Type is set.
type Component struct {
	Name    string
	Type    byte
	Int     int64
	Float   float64
	Str     string
	Object  *Object
	Bytes   []byte
	Ints    []int64
	Floats  []float64
	Strings []string
	Objects []*Object
}

// Object is a typed list of components, such as GwyContainer or GwyDataField.
type Object struct {
	Type       string
	Components []Component
}

// Get returns the component called name.
func (o *Object) Get(name string) (*Component, bool) {
	for i := range o.Components {
		if o.Components[i].Name == name {
			return &o.Components[i], true
		}
	}

	return nil, false
}

// Int returns an integer component.
func (o *Object) Int(name string) (int64, error) {
	c, ok := o.Get(name)
	if !ok || (c.Type != TypeInt32 && c.Type != TypeInt64) {
		return 0, fmt.Errorf("%w: int %q in %s", ErrNoSuchItem, name, o.Type)
	}

	return c.Int, nil
}

// Float returns a double component.
func (o *Object) Float(name string) (float64, error) {
	c, ok := o.Get(name)
	if !ok || c.Type != TypeDouble {
		return 0, fmt.Errorf("%w: double %q in %s", ErrNoSuchItem, name, o.Type)
	}

	return c.Float, nil
}

// String returns a string component.
func (o *Object) String(name string) (string, bool) {
	c, ok := o.Get(name)
	if !ok || c.Type != TypeString {
		return "", false
	}

	return c.Str, true
}

// Floats returns a double array component.
func (o *Object) Floats(name string) ([]float64, error) {
	c, ok := o.Get(name)
	if !ok || c.Type != TypeDoubleArray {
		return nil, fmt.Errorf("%w: double array %q in %s", ErrNoSuchItem, name, o.Type)
	}

	return c.Floats, nil
}

// ReadObject parses one serialized object at the reader's position.
func ReadObject(r *binio.Reader) (*Object, error) {
	return readObject(r, 0)
}

func readObject(r *binio.Reader, depth int) (*Object, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: %w", afm.ErrUnsupportedFormat, ErrTooDeep)
	}

	obj := &Object{Type: r.CString()}
	size := int64(r.U32())

	if err := r.Err(); err != nil {
		return nil, err
	}

	if rem := r.Remaining(); rem >= 0 && size > rem {
		return nil, &binio.TruncatedError{Offset: r.Offset(), Want: int(size), Got: int(rem)}
	}

	end := r.Offset() + size

	for r.Offset() < end {
		c, err := readComponent(r, depth)
		if err != nil {
			return nil, err
		}

		obj.Components = append(obj.Components, c)
	}

	if r.Offset() != end {
		return nil, fmt.Errorf("%w: %w: %s ends at %d, want %d", afm.ErrUnsupportedFormat, ErrBadSize, obj.Type, r.Offset(), end)
	}

	return obj, nil
}

func readComponent(r *binio.Reader, depth int) (Component, error) {
	c := Component{Name: r.CString(), Type: r.U8()}
	start := r.Offset()

	switch c.Type {
	case TypeBool, TypeChar:
		c.Int = int64(r.U8())
	case TypeInt32:
		c.Int = int64(r.I32())
	case TypeInt64:
		c.Int = r.I64()
	case TypeDouble:
		c.Float = r.F64()
	case TypeString:
		c.Str = r.CString()
	case TypeObject:
		if err := r.Err(); err != nil {
			return c, err
		}

		o, err := readObject(r, depth+1)
		if err != nil {
			return c, err
		}

		c.Object = o
	case TypeCharArray:
		c.Bytes = r.Bytes(count(r, 1))
	case TypeInt32Array:
		n := count(r, 4)
		for range n {
			c.Ints = append(c.Ints, int64(r.I32()))
		}
	case TypeInt64Array:
		n := count(r, 8)
		for range n {
			c.Ints = append(c.Ints, r.I64())
		}
	case TypeDoubleArray:
		c.Floats = r.Float64s(count(r, 8))
	case TypeStringArray:
		n := count(r, 1)
		for range n {
			c.Strings = append(c.Strings, r.CString())
		}
	case TypeObjectArray:
		n := count(r, 1)
		for range n {
			if err := r.Err(); err != nil {
				return c, err
			}

			o, err := readObject(r, depth+1)
			if err != nil {
				return c, err
			}

			c.Objects = append(c.Objects, o)
		}
	default:
		if err := r.Err(); err != nil {
			return c, err
		}

		return c, fmt.Errorf("%w: %w: %q for %q at offset %d", afm.ErrUnsupportedFormat, ErrBadType, c.Type, c.Name, start)
	}

	return c, r.Err()
}

// count reads an array length and rejects lengths that cannot fit in the
// remaining bytes at elemSize bytes per element.
func count(r *binio.Reader, elemSize int64) int {
	n := int64(r.U32())
	if r.Err() != nil {
		return 0
	}

	if rem := r.Remaining(); rem >= 0 && n*elemSize > rem {
		r.Bytes(int(n * elemSize))
		return 0
	}

	return int(n)
}
