// Package testutil provides fakes and fixtures shared by the package tests.
package testutil

import (
	"crypto/sha256"
	"path/filepath"

	"github.com/meigma/netboot/store"
)

// nixBase32 is the alphabet of store path hashes.
const nixBase32 = "0123456789abcdfghijklmnpqrsvwxyz"

// StorePath returns a well-formed store path in dir for name. The hash is
// derived from name, so repeated calls agree.
func StorePath(dir store.Dir, name string) store.Path {
	sum := sha256.Sum256([]byte(name))
	var hash [32]byte
	for i := range hash {
		hash[i] = nixBase32[sum[i]%32]
	}
	return store.Path(filepath.Join(string(dir), string(hash[:])+"-"+name))
}
