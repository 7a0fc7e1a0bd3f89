// Package tifftest assembles small TIFF containers for decoder tests.
package tifftest

import (
	"bytes"
	"encoding/binary"
	"math"
	"slices"
)

// Field is one directory entry to write.
type Field struct {
	Tag  uint16
	Type uint16
	Data []byte // already encoded in the builder's byte order
	N    uint32
}

// Page is one directory plus its single strip of pixel data.
type Page struct {
	Fields []Field
	Strip  []byte
}

// ByteOrder is satisfied by binary.LittleEndian and binary.BigEndian.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Builder writes fields in a fixed byte order.
type Builder struct {
	Order ByteOrder
}

// ASCII encodes a NUL-terminated string field.
func (b Builder) ASCII(tag uint16, s string) Field {
	p := append([]byte(s), 0)
	return Field{Tag: tag, Type: 2, Data: p, N: uint32(len(p))}
}

// Short encodes uint16 values.
func (b Builder) Short(tag uint16, vs ...uint16) Field {
	p := make([]byte, 0, 2*len(vs))
	for _, v := range vs {
		p = b.Order.AppendUint16(p, v)
	}

	return Field{Tag: tag, Type: 3, Data: p, N: uint32(len(vs))}
}

// Long encodes uint32 values.
func (b Builder) Long(tag uint16, vs ...uint32) Field {
	p := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		p = b.Order.AppendUint32(p, v)
	}

	return Field{Tag: tag, Type: 4, Data: p, N: uint32(len(vs))}
}

// Double encodes float64 values.
func (b Builder) Double(tag uint16, vs ...float64) Field {
	p := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		p = b.Order.AppendUint64(p, math.Float64bits(v))
	}

	return Field{Tag: tag, Type: 12, Data: p, N: uint32(len(vs))}
}

// Float32Strip encodes values as a 32-bit float strip.
func (b Builder) Float32Strip(vs []float64) []byte {
	p := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		p = b.Order.AppendUint32(p, math.Float32bits(float32(v)))
	}

	return p
}

// ImagePage returns a page describing a width x height single-sample image.
// Strip offsets and counts are added by Build.
func (b Builder) ImagePage(width, height, bits, sampleFormat int, strip []byte, extra ...Field) Page {
	fields := []Field{
		b.Long(256, uint32(width)),
		b.Long(257, uint32(height)),
		b.Short(258, uint16(bits)),
		b.Short(259, 1),
		b.Short(277, 1),
		b.Long(278, uint32(height)),
		b.Short(339, uint16(sampleFormat)),
	}

	return Page{Fields: append(fields, extra...), Strip: strip}
}

// Build lays out the container: header, then for each page its strip,
// out-of-line values and directory.
func (b Builder) Build(pages ...Page) []byte {
	var buf bytes.Buffer

	if b.Order == binary.BigEndian {
		buf.WriteString("MM")
	} else {
		buf.WriteString("II")
	}

	buf.Write(b.Order.AppendUint16(nil, 42))

	link := buf.Len()
	buf.Write(make([]byte, 4))

	for _, page := range pages {
		align(&buf)
		stripAt := buf.Len()
		buf.Write(page.Strip)

		fields := slices.Clone(page.Fields)
		if len(page.Strip) > 0 {
			fields = append(fields,
				b.Long(273, uint32(stripAt)),
				b.Long(279, uint32(len(page.Strip))),
			)
		}

		slices.SortFunc(fields, func(x, y Field) int { return int(x.Tag) - int(y.Tag) })

		values := make([][]byte, len(fields))
		for i, f := range fields {
			if len(f.Data) <= 4 {
				v := make([]byte, 4)
				copy(v, f.Data)
				values[i] = v

				continue
			}

			align(&buf)
			values[i] = b.Order.AppendUint32(nil, uint32(buf.Len()))
			buf.Write(f.Data)
		}

		align(&buf)
		ifdAt := buf.Len()
		b.Order.PutUint32(buf.Bytes()[link:], uint32(ifdAt))

		buf.Write(b.Order.AppendUint16(nil, uint16(len(fields))))

		for i, f := range fields {
			buf.Write(b.Order.AppendUint16(nil, f.Tag))
			buf.Write(b.Order.AppendUint16(nil, f.Type))
			buf.Write(b.Order.AppendUint32(nil, f.N))
			buf.Write(values[i])
		}

		link = buf.Len()
		buf.Write(make([]byte, 4))
	}

	return buf.Bytes()
}

func align(buf *bytes.Buffer) {
	if buf.Len()%2 == 1 {
		buf.WriteByte(0)
	}
}
