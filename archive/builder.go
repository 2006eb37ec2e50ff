// Package archive serializes the runtime closure of a Nix store path into
// a newc cpio archive that the Linux kernel can unpack as an initramfs.
//
// Archives are deterministic: closure members are written in path order,
// each tree is walked lexically, and ownership, timestamps and inode
// numbers are normalised, so building the same store path twice yields
// byte-identical output.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/u-root/u-root/pkg/cpio"

	"github.com/meigma/netboot/internal/file"
	"github.com/meigma/netboot/store"
)

// Sentinel errors for archive creation.
var (
	// ErrFetch is returned when a store path is missing locally and could
	// not be realised from the build store.
	ErrFetch = errors.New("archive: store path could not be fetched")

	// ErrEntryTooLarge is returned for files newc cannot describe.
	ErrEntryTooLarge = errors.New("archive: entry too large")

	// ErrDuplicateEntry is returned when the same name would be written twice.
	ErrDuplicateEntry = errors.New("archive: duplicate entry")

	// ErrUnsupportedFile is returned for devices, sockets and pipes.
	ErrUnsupportedFile = errors.New("archive: unsupported file type")
)

// maxFileSize is the largest size the eight hex digit newc field can hold.
const maxFileSize = math.MaxUint32

// storeEpoch is the modification time Nix gives every store file.
const storeEpoch = 1

// Store is the subset of store operations the builder needs.
type Store interface {
	Exists(p store.Path) bool
	Realise(ctx context.Context, p store.Path) error
	Closure(ctx context.Context, p store.Path) ([]store.Path, error)
}

// Builder produces initramfs archives for store paths.
type Builder struct {
	store       Store
	compression Compression
	logger      *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithCompression sets the compression applied to the whole archive.
// zstd output is only accepted by kernels built with CONFIG_RD_ZSTD.
func WithCompression(c Compression) Option {
	return func(b *Builder) {
		b.compression = c
	}
}

// WithLogger sets the logger for archive creation.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder returns a Builder reading from st.
func NewBuilder(st Store, opts ...Option) *Builder {
	b := &Builder{store: st}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Format returns the file-name extension of the archives b produces.
func (b *Builder) Format() string {
	return b.compression.Extension()
}

// Build writes the archive for the closure of ref to w. A ref that is not
// present locally is realised first.
func (b *Builder) Build(ctx context.Context, ref store.Path, w io.Writer) error {
	if !b.store.Exists(ref) {
		b.log().Info("store path missing locally", "path", ref.String())
		if err := b.store.Realise(ctx, ref); err != nil {
			return fmt.Errorf("%w: %w", ErrFetch, err)
		}
	}

	closure, err := b.store.Closure(ctx, ref)
	if err != nil {
		return err
	}

	out := w
	var enc *zstd.Encoder
	if b.compression == CompressionZstd {
		enc, err = zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		out = enc
	}

	cw := &file.CountingWriter{W: out}
	aw := &writer{
		rw:   cpio.Newc.Writer(cw),
		seen: make(map[string]struct{}),
	}
	if err := aw.writeClosure(ctx, filepath.Dir(ref.String()), closure); err != nil {
		if enc != nil {
			_ = enc.Close()
		}
		return err
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("close zstd encoder: %w", err)
		}
	}

	b.log().Info("archive built",
		"path", ref.String(),
		"store_paths", len(closure),
		"records", aw.records,
		"cpio_bytes", cw.N,
		"compression", b.compression.String())
	return nil
}

// log returns the logger, falling back to a discard logger if nil.
func (b *Builder) log() *slog.Logger {
	if b.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.logger
}

// writer emits normalised cpio records and tracks what has been written.
type writer struct {
	rw      cpio.RecordWriter
	seen    map[string]struct{}
	records uint64
}

func (w *writer) writeClosure(ctx context.Context, storeDir string, closure []store.Path) error {
	if err := w.parents(storeDir); err != nil {
		return err
	}
	for _, p := range closure {
		if err := w.tree(ctx, p.String()); err != nil {
			return err
		}
	}
	if err := cpio.WriteTrailer(w.rw); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}
	return nil
}

// parents writes the directories leading to the store directory, so the
// unpacked tree has /nix and /nix/store before any store path.
func (w *writer) parents(storeDir string) error {
	rel := archiveName(filepath.Clean(storeDir))
	if rel == "" {
		return nil
	}
	parts := strings.Split(rel, "/")
	for i := range parts {
		name := strings.Join(parts[:i+1], "/")
		if err := w.write(w.record(name, cpio.S_IFDIR|0o755, 0, bytes.NewReader(nil))); err != nil {
			return err
		}
	}
	return nil
}

// tree writes root and everything below it. Symbolic links are stored as
// links and never followed.
func (w *writer) tree(ctx context.Context, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return w.add(path, info)
	})
}

func (w *writer) add(path string, info fs.FileInfo) error {
	name := archiveName(path)
	perm := uint64(info.Mode().Perm())

	switch mode := info.Mode(); {
	case mode.IsDir():
		return w.write(w.record(name, cpio.S_IFDIR|perm, 0, bytes.NewReader(nil)))

	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		return w.write(w.record(name, cpio.S_IFLNK|0o777, uint64(len(target)), strings.NewReader(target)))

	case mode.IsRegular():
		if info.Size() > maxFileSize {
			return fmt.Errorf("%w: %s is %d bytes", ErrEntryTooLarge, path, info.Size())
		}
		f, err := os.Open(path) //nolint:gosec // path comes from walking a store path
		if err != nil {
			return err
		}
		defer f.Close()
		return w.write(w.record(name, cpio.S_IFREG|perm, uint64(info.Size()), f))

	default:
		return fmt.Errorf("%w: %s (%s)", ErrUnsupportedFile, path, mode.Type())
	}
}

// record builds a normalised record. Inode numbers are assigned in write
// order so that no two records share one.
func (w *writer) record(name string, mode, size uint64, content io.ReaderAt) cpio.Record {
	return cpio.Record{
		ReaderAt: content,
		Info: cpio.Info{
			Ino:      w.records + 1,
			Mode:     mode,
			NLink:    1,
			MTime:    storeEpoch,
			FileSize: size,
			Name:     name,
		},
	}
}

func (w *writer) write(rec cpio.Record) error {
	if _, dup := w.seen[rec.Name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, rec.Name)
	}
	w.seen[rec.Name] = struct{}{}
	if err := w.rw.WriteRecord(rec); err != nil {
		return fmt.Errorf("write %s: %w", rec.Name, err)
	}
	w.records++
	return nil
}

// archiveName converts an absolute filesystem path into a cpio member
// name, which is relative to the initramfs root.
func archiveName(path string) string {
	return strings.TrimPrefix(filepath.ToSlash(path), "/")
}
