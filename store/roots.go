package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// tempRootPrefix marks symlinks that are being created.
const tempRootPrefix = ".tmp-root-"

// Root is an indirect garbage-collector root: a symlink named Name in a
// root directory that points at Target. While the link exists, the Nix
// garbage collector keeps Target and its closure alive, provided the root
// directory is itself reachable from /nix/var/nix/gcroots.
type Root struct {
	Name   string
	Target Path
}

// RootDir manages garbage-collector roots inside a single directory.
type RootDir struct {
	dir  string
	root *os.Root
}

// OpenRootDir opens an existing directory for root management.
func OpenRootDir(dir string) (*RootDir, error) {
	if dir == "" {
		return nil, errors.New("gc root dir is empty")
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open gc root dir: %w", err)
	}
	return &RootDir{dir: dir, root: root}, nil
}

// Dir returns the directory path.
func (r *RootDir) Dir() string {
	return r.dir
}

// Close releases the directory handle.
func (r *RootDir) Close() error {
	return r.root.Close()
}

// Create atomically installs a root named name pointing at target,
// replacing any existing root of that name.
func (r *RootDir) Create(name string, target Path) (Root, error) {
	if !validRootName(name) {
		return Root{}, fmt.Errorf("invalid gc root name %q", name)
	}
	tmpName, err := tempName(tempRootPrefix)
	if err != nil {
		return Root{}, err
	}
	if err := r.root.Symlink(target.String(), tmpName); err != nil {
		return Root{}, fmt.Errorf("create gc root %s: %w", name, err)
	}
	if err := r.root.Rename(tmpName, name); err != nil {
		_ = r.root.Remove(tmpName)
		return Root{}, fmt.Errorf("create gc root %s: %w", name, err)
	}
	return Root{Name: name, Target: target}, nil
}

// Release removes a root. Releasing a root that no longer exists is not
// an error.
func (r *RootDir) Release(root Root) error {
	if err := r.root.Remove(root.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release gc root %s: %w", root.Name, err)
	}
	return nil
}

// List returns every root in the directory. Leftover temporary links from
// interrupted creations are removed; entries that are not symlinks are
// skipped.
func (r *RootDir) List() ([]Root, error) {
	entries, err := fs.ReadDir(r.root.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("list gc roots: %w", err)
	}
	roots := make([]Root, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, tempRootPrefix) {
			_ = r.root.Remove(name)
			continue
		}
		if entry.Type()&fs.ModeSymlink == 0 {
			continue
		}
		target, err := r.root.Readlink(name)
		if err != nil {
			return nil, fmt.Errorf("read gc root %s: %w", name, err)
		}
		roots = append(roots, Root{Name: name, Target: Path(target)})
	}
	return roots, nil
}

func validRootName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsRune(name, '/') && !strings.HasPrefix(name, tempRootPrefix)
}

func tempName(prefix string) (string, error) {
	var randBytes [8]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(randBytes[:]), nil
}
