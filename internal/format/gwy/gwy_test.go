package gwy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"afmio/pkg/afm"
	"afmio/pkg/binio"
)

type wcomp struct {
	name string
	typ  byte
	body []byte
}

func cstr(s string) []byte { return append([]byte(s), 0) }

func le32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }

func gwyObject(typ string, comps ...wcomp) []byte {
	var payload []byte
	for _, c := range comps {
		payload = append(payload, cstr(c.name)...)
		payload = append(payload, c.typ)
		payload = append(payload, c.body...)
	}

	out := cstr(typ)
	out = append(out, le32(uint32(len(payload)))...)

	return append(out, payload...)
}

func gInt(name string, v int32) wcomp {
	return wcomp{name, TypeInt32, le32(uint32(v))}
}

func gDouble(name string, v float64) wcomp {
	return wcomp{name, TypeDouble, binary.LittleEndian.AppendUint64(nil, math.Float64bits(v))}
}

func gString(name, v string) wcomp { return wcomp{name, TypeString, cstr(v)} }

func gObject(name string, obj []byte) wcomp { return wcomp{name, TypeObject, obj} }

func gDoubles(name string, vs []float64) wcomp {
	body := le32(uint32(len(vs)))
	for _, v := range vs {
		body = binary.LittleEndian.AppendUint64(body, math.Float64bits(v))
	}

	return wcomp{name, TypeDoubleArray, body}
}

func dataField(xres, yres int, base float64) []byte {
	data := make([]float64, xres*yres)
	for i := range data {
		data[i] = (base + float64(i)) * 1e-9
	}

	return gwyObject(TypeDataField,
		gInt("xres", int32(xres)),
		gInt("yres", int32(yres)),
		gDouble("xreal", 4e-6),
		gDouble("yreal", 2e-6),
		gObject("si_unit_xy", gwyObject("GwySIUnit", gString("unitstr", "m"))),
		gDoubles("data", data),
	)
}

// createSyntheticGWY builds a container with two 4x2 channels and metadata.
func createSyntheticGWY(t *testing.T) []byte {
	t.Helper()

	strs := le32(2)
	strs = append(strs, cstr("a")...)
	strs = append(strs, cstr("b")...)

	root := gwyObject(TypeContainer,
		gObject("/0/data", dataField(4, 2, 0)),
		gString("/0/data/title", "Height"),
		gObject("/0/meta", gwyObject(TypeContainer, gString("Date", "2024-01-02"))),
		wcomp{"/0/select/names", TypeStringArray, strs},
		wcomp{"/0/flags", TypeCharArray, append(le32(3), 1, 2, 3)},
		wcomp{"/0/visible", TypeBool, []byte{1}},
		gObject("/1/data", dataField(4, 2, 100)),
	)

	return append([]byte(Magic), root...)
}

func TestReadObjectTree(t *testing.T) {
	t.Parallel()

	root, err := ReadFile(bytes.NewReader(createSyntheticGWY(t)))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if len(root.Components) != 7 {
		t.Fatalf("components: got %d, want 7", len(root.Components))
	}

	meta, ok := root.Get("/0/meta")
	if !ok || meta.Object == nil {
		t.Fatal("missing /0/meta")
	}

	if d, _ := meta.Object.String("Date"); d != "2024-01-02" {
		t.Errorf("nested string: got %q", d)
	}

	if c, _ := root.Get("/0/select/names"); len(c.Strings) != 2 || c.Strings[1] != "b" {
		t.Errorf("string array: got %v", c.Strings)
	}

	got := Channels(root)
	if len(got) != 2 || got[0].Name() != "Height" || got[1].Name() != "1" {
		t.Errorf("channels: got %+v", got)
	}
}

func TestReadChannelByTitleAndID(t *testing.T) {
	t.Parallel()

	data := createSyntheticGWY(t)

	for _, req := range []string{"1", "/1/data"} {
		n, err := Read(bytes.NewReader(data), req)
		if err != nil {
			t.Fatalf("%s: Read: %v", req, err)
		}

		if n.Substituted {
			t.Errorf("%s: unexpected substitution", req)
		}

		if got := n.Frames[0].At(1, 3); math.Abs(got-107) > 1e-9 {
			t.Errorf("%s: At(1,3): got %v, want 107", req, got)
		}
	}

	n, err := Read(bytes.NewReader(data), "Height")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	file, meta, err := afm.Normalize(n)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if file.XPixels != 4 || file.YPixels != 2 || file.CurrentChannel != "Height" {
		t.Errorf("file: %+v", file)
	}

	if math.Abs(meta[0].XRangeNM-4000) > 1e-9 || math.Abs(meta[0].PixelToNMScale-0.001) > 1e-12 {
		t.Errorf("range %v scale %v", meta[0].XRangeNM, meta[0].PixelToNMScale)
	}

	if file.FPS.Known() {
		t.Errorf("fps should be unknown, got %v", file.FPS)
	}
}

func TestFallbackToFirstField(t *testing.T) {
	t.Parallel()

	data := createSyntheticGWY(t)

	for range 3 {
		n, err := Read(bytes.NewReader(data), "Phase")
		if err != nil {
			t.Fatalf("Read: %v", err)
		}

		if !n.Substituted || n.Channels[0] != "Height" {
			t.Fatalf("fallback: substituted=%v channels=%v", n.Substituted, n.Channels)
		}

		if got := n.Frames[0].At(0, 1); math.Abs(got-1) > 1e-9 {
			t.Errorf("At(0,1): got %v, want 1", got)
		}
	}
}

func TestMalformed(t *testing.T) {
	t.Parallel()

	data := createSyntheticGWY(t)

	if _, err := Read(bytes.NewReader([]byte("GWYOxxxx")), "0"); !errors.Is(err, afm.ErrUnsupportedFormat) {
		t.Errorf("bad magic: got %v", err)
	}

	if _, err := Read(bytes.NewReader(data[:len(data)-20]), "0"); !errors.Is(err, afm.ErrTruncatedStream) {
		t.Errorf("truncated: got %v", err)
	}

	bad := append([]byte(Magic), gwyObject(TypeContainer, wcomp{"x", 'z', nil})...)
	_, err := Read(bytes.NewReader(bad), "0")
	if !errors.Is(err, ErrBadType) {
		t.Errorf("unknown tag: got %v", err)
	}

	if got := afm.KindOf(err); got != afm.KindUnsupportedFormat {
		t.Errorf("unknown tag kind: got %v, want %v", got, afm.KindUnsupportedFormat)
	}

	huge := append([]byte(Magic), gwyObject(TypeContainer, wcomp{"d", TypeDoubleArray, le32(1 << 30)})...)
	if _, err := ReadFile(bytes.NewReader(huge)); !errors.Is(err, binio.ErrTruncated) {
		t.Errorf("oversized array: got %v", err)
	}
}

func TestStructuralErrorKinds(t *testing.T) {
	t.Parallel()

	// declared size stops inside the double component
	short := gwyObject(TypeContainer, wcomp{"d", TypeDouble, make([]byte, 8)})
	binary.LittleEndian.PutUint32(short[len(TypeContainer)+1:], 7)
	short = append(append([]byte(Magic), short...), 0, 0, 0, 0)

	deep := gwyObject("GwyLeaf")
	for range maxDepth + 2 {
		deep = gwyObject("GwyNest", wcomp{"o", TypeObject, deep})
	}

	deep = append([]byte(Magic), deep...)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"bad size", short, ErrBadSize},
		{"too deep", deep, ErrTooDeep},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ReadFile(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}

			if got := afm.KindOf(err); got != afm.KindUnsupportedFormat {
				t.Errorf("kind: got %v, want %v", got, afm.KindUnsupportedFormat)
			}
		})
	}
}
