//go:build cgo

package native

import (
	"errors"
	"path/filepath"
	"testing"

	"gonum.org/v1/hdf5"

	"afmio/internal/h5"
)

// createSyntheticFile writes /Data/Image (2x3 int32) and /Data/Speed
// (float32) with a numeric pair and a string attribute on /Data.
func createSyntheticFile(t *testing.T) string {
	t.Helper()

	name := filepath.Join(t.TempDir(), "scan.h5")

	f, err := hdf5.CreateFile(name, hdf5.F_ACC_TRUNC)
	if err != nil {
		t.Skipf("cannot create HDF5 file: %v", err)
	}
	defer f.Close()

	grp, err := f.CreateGroup("Data")
	if err != nil {
		t.Fatal(err)
	}
	defer grp.Close()

	space, err := hdf5.CreateSimpleDataspace([]uint{2, 3}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer space.Close()

	img, err := grp.CreateDataset("Image", hdf5.T_NATIVE_INT32, space)
	if err != nil {
		t.Fatal(err)
	}

	pixels := []int32{-3, -2, -1, 0, 1, 70000}
	if err := img.Write(&pixels); err != nil {
		t.Fatal(err)
	}

	img.Close()

	line, err := hdf5.CreateSimpleDataspace([]uint{2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer line.Close()

	speed, err := grp.CreateDataset("Speed", hdf5.T_NATIVE_FLOAT, line)
	if err != nil {
		t.Fatal(err)
	}

	speeds := []float32{0.5, 1.25}
	if err := speed.Write(&speeds); err != nil {
		t.Fatal(err)
	}

	speed.Close()

	rng, err := grp.CreateAttribute("Range", hdf5.T_NATIVE_DOUBLE, line)
	if err != nil {
		t.Fatal(err)
	}

	bounds := []float64{1.5e-6, 2.5e-6}
	if err := rng.Write(&bounds[0], hdf5.T_NATIVE_DOUBLE); err != nil {
		t.Fatal(err)
	}

	rng.Close()

	scalar, err := hdf5.CreateDataspace(hdf5.S_SCALAR)
	if err != nil {
		t.Fatal(err)
	}
	defer scalar.Close()

	text, err := grp.CreateAttribute("Channel", hdf5.T_GO_STRING, scalar)
	if err != nil {
		t.Fatal(err)
	}

	channel := "Height"
	if err := text.Write(&channel, hdf5.T_GO_STRING); err != nil {
		t.Fatal(err)
	}

	text.Close()

	return name
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	name := createSyntheticFile(t)

	f, err := Opener.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	ds, err := h5.DatasetAt(f, "Data/Image")
	if err != nil {
		t.Fatal(err)
	}

	dims, err := ds.Dims()
	if err != nil {
		t.Fatal(err)
	}

	if len(dims) != 2 || dims[0] != 2 || dims[1] != 3 {
		t.Errorf("dims: got %v, want [2 3]", dims)
	}

	got, err := ds.Float64s()
	if err != nil {
		t.Fatal(err)
	}

	want := []float64{-3, -2, -1, 0, 1, 70000}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("image: got %v, want %v", got, want)
		}
	}

	speed, err := h5.DatasetAt(f, "Data/Speed")
	if err != nil {
		t.Fatal(err)
	}

	speeds, err := speed.Float64s()
	if err != nil {
		t.Fatal(err)
	}

	if len(speeds) != 2 || speeds[0] != 0.5 || speeds[1] != 1.25 {
		t.Errorf("speed: got %v, want [0.5 1.25]", speeds)
	}

	grp, err := h5.GroupAt(f, "Data")
	if err != nil {
		t.Fatal(err)
	}

	rng, err := grp.Attr("Range")
	if err != nil {
		t.Fatal(err)
	}

	if hi, err := rng.Max(); err != nil || hi != 2.5e-6 || len(rng.Floats) != 2 {
		t.Errorf("range: got %v (max %v, %v)", rng.Floats, hi, err)
	}

	ch, err := grp.Attr("Channel")
	if err != nil {
		t.Fatal(err)
	}

	if !ch.IsText || ch.Text != "Height" {
		t.Errorf("channel: got %+v, want text Height", ch)
	}

	if _, err := grp.Attr("Missing"); !errors.Is(err, h5.ErrNotFound) {
		t.Errorf("missing attribute: got %v, want %v", err, h5.ErrNotFound)
	}
}
