//go:build !(linux || darwin)

// Package platform holds operating-system specific process setup.
package platform

import "errors"

// ErrUnsupported is returned on systems without RLIMIT_NOFILE support.
var ErrUnsupported = errors.New("open file limit is not supported on this platform")

// SetNoFile is not supported on this platform.
func SetNoFile(n uint64) error {
	return ErrUnsupported
}

// NoFile is not supported on this platform.
func NoFile() (uint64, error) {
	return 0, ErrUnsupported
}
