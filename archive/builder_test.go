package archive_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/u-root/u-root/pkg/cpio"

	"github.com/meigma/netboot/archive"
	"github.com/meigma/netboot/internal/testutil"
	"github.com/meigma/netboot/store"
)

type member struct {
	mode    uint64
	content string
}

// readArchive unpacks a newc stream into a name to member map and the
// names in stream order.
func readArchive(t *testing.T, data []byte) (map[string]member, []string) {
	t.Helper()
	rr := cpio.Newc.Reader(bytes.NewReader(data))
	members := make(map[string]member)
	var order []string
	for {
		rec, err := rr.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if rec.Name == cpio.Trailer {
			break
		}
		content, err := io.ReadAll(io.NewSectionReader(rec.ReaderAt, 0, int64(rec.FileSize)))
		require.NoError(t, err)
		members[rec.Name] = member{mode: rec.Mode, content: string(content)}
		order = append(order, rec.Name)
	}
	return members, order
}

func relName(p store.Path, rel string) string {
	name := strings.TrimPrefix(p.String(), "/")
	if rel != "" {
		name += "/" + rel
	}
	return name
}

func build(t *testing.T, b *archive.Builder, ref store.Path) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, b.Build(t.Context(), ref, &buf))
	return buf.Bytes()
}

func TestBuildWritesClosure(t *testing.T) {
	t.Parallel()

	st := testutil.NewStore(t)
	lib := st.Add(t, "libfoo", map[string]string{"lib/libfoo.so": "ELF"})
	top := st.Add(t, "nixos-system", map[string]string{
		"init":          "#!/bin/sh\n",
		"kernel-params": "console=ttyS0",
	}, lib)
	st.Symlink(t, top, "sw/lib", lib.String()+"/lib")

	members, order := readArchive(t, build(t, archive.NewBuilder(st), top))

	storeDir := strings.TrimPrefix(st.Dir().String(), "/")
	require.Contains(t, members, storeDir)
	assert.Equal(t, uint64(cpio.S_IFDIR), members[storeDir].mode&cpio.S_IFMT)
	require.Contains(t, members, strings.TrimSuffix(storeDir, "/store"))

	initFile := members[relName(top, "init")]
	assert.Equal(t, "#!/bin/sh\n", initFile.content)
	assert.Equal(t, uint64(cpio.S_IFREG), initFile.mode&cpio.S_IFMT)
	assert.Equal(t, "ELF", members[relName(lib, "lib/libfoo.so")].content)

	link := members[relName(top, "sw/lib")]
	assert.Equal(t, uint64(cpio.S_IFLNK), link.mode&cpio.S_IFMT)
	assert.Equal(t, lib.String()+"/lib", link.content)

	index := make(map[string]int, len(order))
	for i, name := range order {
		index[name] = i
	}
	assert.Less(t, index[storeDir], index[relName(top, "")])
	assert.Less(t, index[relName(top, "")], index[relName(top, "init")])
}

func TestBuildIsDeterministic(t *testing.T) {
	t.Parallel()

	st := testutil.NewStore(t)
	dep := st.Add(t, "dep", map[string]string{"a": "1", "b/c": "2"})
	top := st.Add(t, "top", map[string]string{"init": "x"}, dep)

	b := archive.NewBuilder(st)
	first := build(t, b, top)
	second := build(t, b, top)
	assert.Equal(t, first, second)
}

func TestBuildZstd(t *testing.T) {
	t.Parallel()

	st := testutil.NewStore(t)
	top := st.Add(t, "top", map[string]string{"init": strings.Repeat("z", 4096)})

	b := archive.NewBuilder(st, archive.WithCompression(archive.CompressionZstd))
	assert.Equal(t, "cpio.zst", b.Format())

	data := build(t, b, top)
	require.True(t, bytes.HasPrefix(data, []byte{0x28, 0xb5, 0x2f, 0xfd}), "zstd magic")

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	require.NoError(t, err)

	members, _ := readArchive(t, raw)
	assert.Equal(t, strings.Repeat("z", 4096), members[relName(top, "init")].content)
}

func TestBuildRealisesMissingPath(t *testing.T) {
	t.Parallel()

	st := testutil.NewStore(t)
	top := st.Remote("remote", map[string]string{"init": "fetched"})

	members, _ := readArchive(t, build(t, archive.NewBuilder(st), top))
	assert.Equal(t, "fetched", members[relName(top, "init")].content)
	assert.Equal(t, []store.Path{top}, st.Realised())
}

func TestBuildFetchFailure(t *testing.T) {
	t.Parallel()

	st := testutil.NewStore(t)
	missing := testutil.StorePath(st.Dir(), "nowhere")

	err := archive.NewBuilder(st).Build(t.Context(), missing, io.Discard)
	require.ErrorIs(t, err, archive.ErrFetch)
}

// dupStore lists its one path twice in every closure.
type dupStore struct {
	*testutil.Store
}

func (s dupStore) Closure(ctx context.Context, p store.Path) ([]store.Path, error) {
	closure, err := s.Store.Closure(ctx, p)
	if err != nil {
		return nil, err
	}
	return append(closure, closure...), nil
}

func TestBuildDuplicateEntry(t *testing.T) {
	t.Parallel()

	st := testutil.NewStore(t)
	top := st.Add(t, "top", map[string]string{"init": "x"})

	err := archive.NewBuilder(dupStore{st}).Build(t.Context(), top, io.Discard)
	require.ErrorIs(t, err, archive.ErrDuplicateEntry)
}

func TestBuildCancelled(t *testing.T) {
	t.Parallel()

	st := testutil.NewStore(t)
	top := st.Add(t, "top", map[string]string{"init": "x"})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := archive.NewBuilder(st).Build(ctx, top, io.Discard)
	require.ErrorIs(t, err, context.Canceled)
}

func TestParseCompression(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    archive.Compression
		ext     string
		wantErr bool
	}{
		{"", archive.CompressionNone, "cpio", false},
		{"none", archive.CompressionNone, "cpio", false},
		{"zstd", archive.CompressionZstd, "cpio.zst", false},
		{"gzip", 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := archive.ParseCompression(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ext, got.Extension())
		})
	}
	assert.Equal(t, "unknown", archive.Compression(9).String())
}
