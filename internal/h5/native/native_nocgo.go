//go:build !cgo

package native

import (
	"fmt"

	"afmio/internal/h5"
	"afmio/pkg/afm"
)

// Opener fails every call; this build has no HDF5 library.
var Opener h5.Opener = h5.OpenerFunc(Open)

// Open reports that HDF5 files cannot be read by this build.
func Open(name string) (h5.File, error) {
	return nil, fmt.Errorf("%w: %s: HDF5 support requires a cgo build", afm.ErrUnsupportedFormat, name)
}
