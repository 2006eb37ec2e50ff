// Package store provides access to the Nix store: store path parsing,
// closure queries, realisation and garbage-collector roots.
//
// All Nix invocations go through a [Runner] so that callers (and tests)
// can substitute the command execution layer.
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultDir is the conventional location of the Nix store.
const DefaultDir Dir = "/nix/store"

// hashLen is the length of the base32 hash prefix of a store path name.
const hashLen = 32

// nixBase32 is the alphabet Nix uses for store path hashes. It omits
// e, o, u and t.
const nixBase32 = "0123456789abcdfghijklmnpqrsvwxyz"

// ErrInvalidPath is returned when a string is not a valid store path or
// store path name.
var ErrInvalidPath = errors.New("store: invalid store path")

// Dir is the root directory of a Nix store, for example /nix/store.
type Dir string

// Path is an absolute path of a top-level entry in the store, such as
// /nix/store/<hash>-<name>. It identifies a build output by its content
// address and is immutable.
type Path string

// String returns the absolute path.
func (p Path) String() string {
	return string(p)
}

// Base returns the store path name, <hash>-<name>. It is a stable,
// filesystem-safe encoding of the path.
func (p Path) Base() string {
	return filepath.Base(string(p))
}

// ValidBase reports whether name is a well-formed store path name:
// a 32 character Nix base32 hash, a dash and a non-empty package name.
func ValidBase(name string) bool {
	if len(name) < hashLen+2 || name[hashLen] != '-' {
		return false
	}
	for i := 0; i < hashLen; i++ {
		if strings.IndexByte(nixBase32, name[i]) < 0 {
			return false
		}
	}
	rest := name[hashLen+1:]
	if rest == "." || rest == ".." {
		return false
	}
	for i := 0; i < len(rest); i++ {
		ch := rest[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case strings.IndexByte("+-._?=", ch) >= 0:
		default:
			return false
		}
	}
	return true
}

// String returns the store directory.
func (d Dir) String() string {
	return string(d)
}

// Path returns the store path for a store path name.
func (d Dir) Path(base string) (Path, error) {
	if !ValidBase(base) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, base)
	}
	return Path(filepath.Join(string(d), base)), nil
}

// ParsePath returns the store path containing p. p may point anywhere
// inside a store path:
//
//	"/nix/store/abc-hello/bin/hello" → "/nix/store/abc-hello"
//	"/nix/store/abc-hello"           → "/nix/store/abc-hello"
func (d Dir) ParsePath(p string) (Path, error) {
	clean := filepath.Clean(p)
	prefix := filepath.Clean(string(d)) + string(filepath.Separator)
	if !strings.HasPrefix(clean, prefix) {
		return "", fmt.Errorf("%w: %q is not under %s", ErrInvalidPath, p, d)
	}
	remainder := clean[len(prefix):]
	if i := strings.IndexByte(remainder, filepath.Separator); i >= 0 {
		remainder = remainder[:i]
	}
	return d.Path(remainder)
}
