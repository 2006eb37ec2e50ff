package file

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"strings"
)

// CreateTemp creates a new file inside root whose name is pattern with the
// last "*" replaced by a random string. The file is opened for writing
// with mode 0o644 and the caller is responsible for removing it.
func CreateTemp(root *os.Root, pattern string) (*os.File, string, error) {
	if pattern == "" {
		pattern = "tmp"
	}
	if !strings.Contains(pattern, "*") {
		pattern += "*"
	}

	for tries := 0; tries < 10000; tries++ {
		var randBytes [8]byte
		if _, err := rand.Read(randBytes[:]); err != nil {
			return nil, "", err
		}
		i := strings.LastIndex(pattern, "*")
		name := pattern[:i] + hex.EncodeToString(randBytes[:]) + pattern[i+1:]
		f, err := root.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return f, name, nil
	}

	return nil, "", errors.New("failed to create temp file")
}
