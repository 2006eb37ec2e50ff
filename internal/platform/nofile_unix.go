//go:build linux || darwin

// Package platform holds operating-system specific process setup.
package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SetNoFile raises the open-file limit (RLIMIT_NOFILE) of the current
// process to at least n. Both the soft and the hard limit are raised when
// needed; lowering is never attempted. Raising the hard limit requires
// privileges.
func SetNoFile(n uint64) error {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return fmt.Errorf("get open file limit: %w", err)
	}
	if limit.Cur >= n {
		return nil
	}
	limit.Cur = n
	if limit.Max < n {
		limit.Max = n
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return fmt.Errorf("set open file limit to %d: %w", n, err)
	}
	return nil
}

// NoFile returns the current soft open-file limit.
func NoFile() (uint64, error) {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return 0, fmt.Errorf("get open file limit: %w", err)
	}
	return limit.Cur, nil
}
