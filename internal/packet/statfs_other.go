//go:build !(linux || darwin || freebsd)

package packet

import "errors"

// FreeSpace is not implemented on this platform; packets written here are
// bounded by their explicit limit only.
func FreeSpace(dir string) (uint64, error) {
	return 0, errors.ErrUnsupported
}
