package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rfratto/farfs/internal/wire"
	"github.com/stretchr/testify/require"
)

func newTestPassthrough(t *testing.T) (*PassthroughHandler, string) {
	t.Helper()

	dir := t.TempDir()
	h, err := NewPassthrough(nil, dir, DefaultPassthroughOptions)
	require.NoError(t, err)
	require.NoError(t, h.Init(context.Background()))
	t.Cleanup(func() { _ = h.Close() })
	return h, dir
}

var hdr = &wire.RequestHeader{}

func TestRelPath(t *testing.T) {
	tt := []struct {
		in, expect string
		err        bool
	}{
		{in: "/", expect: "."},
		{in: "/a/b", expect: "a/b"},
		{in: "/a/../b", expect: "b"},
		{in: "/../../etc/passwd", expect: "etc/passwd"},
		{in: "//a//", expect: "a"},
		{in: "a", err: true},
		{in: "", err: true},
		{in: "/a\x00b", err: true},
	}
	for _, tc := range tt {
		actual, err := relPath(tc.in)
		if tc.err {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.expect, actual, tc.in)
	}
}

func TestPassthrough_GetAttr(t *testing.T) {
	h, dir := newTestPassthrough(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("hello"), 0640))

	resp, err := h.GetAttr(context.Background(), hdr, &wire.GetAttrRequest{Path: "/f"})
	require.NoError(t, err)
	require.Equal(t, wire.TypeFile, resp.Attr.Type)
	require.Equal(t, uint64(5), resp.Attr.Size)
	require.Equal(t, uint16(0640), resp.Attr.Mode)

	resp, err = h.GetAttr(context.Background(), hdr, &wire.GetAttrRequest{Path: "/"})
	require.NoError(t, err)
	require.Equal(t, wire.TypeDir, resp.Attr.Type)

	_, err = h.GetAttr(context.Background(), hdr, &wire.GetAttrRequest{Path: "/missing"})
	require.Equal(t, wire.StatusNotFound, statusForError(err))
}

func TestPassthrough_SymlinkEscape(t *testing.T) {
	h, dir := newTestPassthrough(t)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "out")))

	// The link itself can be inspected.
	resp, err := h.GetAttr(context.Background(), hdr, &wire.GetAttrRequest{Path: "/out"})
	require.NoError(t, err)
	require.Equal(t, wire.TypeLink, resp.Attr.Type)

	rl, err := h.Readlink(context.Background(), hdr, &wire.ReadlinkRequest{Path: "/out"})
	require.NoError(t, err)
	require.Equal(t, outside, rl.Target)

	// But it can't be followed out of the root.
	_, err = h.Open(context.Background(), hdr, &wire.OpenRequest{Path: "/out/secret"})
	require.Error(t, err)
	require.Equal(t, wire.StatusDenied, statusForError(err))
}

func TestPassthrough_ReadWrite(t *testing.T) {
	h, dir := newTestPassthrough(t)
	ctx := context.Background()

	_, err := h.MkNod(ctx, hdr, &wire.MkNodRequest{Path: "/f", Type: wire.TypeFile, Mode: 0644})
	require.NoError(t, err)

	_, err = h.Write(ctx, hdr, &wire.WriteRequest{Path: "/f", Data: []byte("x")})
	require.Equal(t, wire.StatusInvalid, statusForError(err), "writing requires an open file")

	_, err = h.Open(ctx, hdr, &wire.OpenRequest{Path: "/f", Flags: uint32(os.O_RDWR)})
	require.NoError(t, err)

	w, err := h.Write(ctx, hdr, &wire.WriteRequest{Path: "/f", Data: []byte("hello world"), Offset: 0})
	require.NoError(t, err)
	require.Equal(t, uint32(11), w.Written)

	_, err = h.Write(ctx, hdr, &wire.WriteRequest{Path: "/f", Data: []byte("W"), Offset: 6})
	require.NoError(t, err)

	r, err := h.Read(ctx, hdr, &wire.ReadRequest{Path: "/f", Size: 100, Offset: 0})
	require.NoError(t, err)
	require.Equal(t, "hello World", string(r.Data))

	r, err = h.Read(ctx, hdr, &wire.ReadRequest{Path: "/f", Size: 100, Offset: 1000})
	require.NoError(t, err)
	require.Empty(t, r.Data, "reading past EOF returns no data")

	require.NoError(t, h.Release(ctx, hdr, &wire.ReleaseRequest{Path: "/f"}))
	_, err = h.Read(ctx, hdr, &wire.ReadRequest{Path: "/f", Size: 1})
	require.Equal(t, wire.StatusInvalid, statusForError(err))

	data, err := os.ReadFile(filepath.Join(dir, "f"))
	require.NoError(t, err)
	require.Equal(t, "hello World", string(data))
}

func TestPassthrough_ReadClampsSize(t *testing.T) {
	h, dir := newTestPassthrough(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big"), make([]byte, 8192), 0644))

	_, err := h.Open(ctx, hdr, &wire.OpenRequest{Path: "/big", Flags: uint32(os.O_RDONLY)})
	require.NoError(t, err)

	r, err := h.Read(ctx, hdr, &wire.ReadRequest{Path: "/big", Size: 8192})
	require.NoError(t, err)
	require.Len(t, r.Data, wire.MaxReadSize)
}

func TestPassthrough_OpenTruncate(t *testing.T) {
	h, dir := newTestPassthrough(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("hello"), 0644))

	resp, err := h.Open(ctx, hdr, &wire.OpenRequest{Path: "/f", Flags: uint32(os.O_WRONLY | os.O_TRUNC)})
	require.NoError(t, err)
	require.Equal(t, uint64(0), resp.Attr.Size)

	_, err = h.Open(ctx, hdr, &wire.OpenRequest{Path: "/", Flags: uint32(os.O_RDONLY)})
	require.Equal(t, wire.StatusInvalid, statusForError(err), "directories are opened with OpenDir")
}

func TestPassthrough_SetAttr(t *testing.T) {
	h, dir := newTestPassthrough(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("hello"), 0644))

	mtime := time.Unix(1600000000, 0)
	resp, err := h.SetAttr(ctx, hdr, &wire.SetAttrRequest{
		Path:  "/f",
		Valid: wire.SetAttrMode | wire.SetAttrSize | wire.SetAttrMtime,
		Mode:  0600,
		Size:  2,
		Mtime: mtime.UnixNano(),
	})
	require.NoError(t, err)
	require.Equal(t, uint16(0600), resp.Attr.Mode)
	require.Equal(t, uint64(2), resp.Attr.Size)
	require.Equal(t, mtime.UnixNano(), resp.Attr.Mtime)

	data, err := os.ReadFile(filepath.Join(dir, "f"))
	require.NoError(t, err)
	require.Equal(t, "he", string(data))
}

func TestPassthrough_Readdir(t *testing.T) {
	h, dir := newTestPassthrough(t)
	ctx := context.Background()

	const files = 100
	for i := 0; i < files; i++ {
		name := filepath.Join(dir, fmt.Sprintf("file-with-a-long-name-%03d", i))
		require.NoError(t, os.WriteFile(name, nil, 0644))
	}

	_, err := h.OpenDir(ctx, hdr, &wire.OpenDirRequest{Path: "/"})
	require.NoError(t, err)

	var (
		names  []string
		offset uint64
		pages  int
	)
	for {
		resp, err := h.Readdir(ctx, hdr, &wire.ReaddirRequest{Path: "/", Offset: offset})
		require.NoError(t, err)
		if len(resp.Entries) == 0 {
			break
		}
		pages++

		b, err := wire.EncodeResponse(wire.ResponseHeader{Op: wire.OpReaddir, ID: ^uint64(0)}, resp)
		require.NoError(t, err, "page must fit in a datagram")
		require.LessOrEqual(t, len(b), wire.MaxDatagramSize)

		for _, ent := range resp.Entries {
			names = append(names, ent.Name)
		}
		offset += uint64(len(resp.Entries))
	}

	require.Len(t, names, files)
	require.Greater(t, pages, 1)
	for i, name := range names {
		require.Equal(t, fmt.Sprintf("file-with-a-long-name-%03d", i), name)
	}

	_, err = h.OpenDir(ctx, hdr, &wire.OpenDirRequest{Path: "/file-with-a-long-name-000"})
	require.Equal(t, wire.StatusInvalid, statusForError(err))
}

func TestPassthrough_MkNodIdempotent(t *testing.T) {
	h, _ := newTestPassthrough(t)
	ctx := context.Background()

	_, err := h.MkNod(ctx, hdr, &wire.MkNodRequest{Path: "/f", Type: wire.TypeFile, Mode: 0644})
	require.NoError(t, err)
	_, err = h.MkNod(ctx, hdr, &wire.MkNodRequest{Path: "/f", Type: wire.TypeFile, Mode: 0644})
	require.NoError(t, err)

	_, err = h.MkDir(ctx, hdr, &wire.MkDirRequest{Path: "/d", Mode: 0755})
	require.NoError(t, err)
	_, err = h.MkNod(ctx, hdr, &wire.MkNodRequest{Path: "/d", Type: wire.TypeFile, Mode: 0644})
	require.Equal(t, wire.StatusExists, statusForError(err))

	_, err = h.MkNod(ctx, hdr, &wire.MkNodRequest{Path: "/missing/f", Type: wire.TypeFile, Mode: 0644})
	require.Equal(t, wire.StatusNotFound, statusForError(err))
}

func TestPassthrough_MkNodFifo(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("special files are only supported on Linux")
	}
	h, dir := newTestPassthrough(t)

	resp, err := h.MkNod(context.Background(), hdr, &wire.MkNodRequest{Path: "/pipe", Type: wire.TypeFifo, Mode: 0644})
	require.NoError(t, err)
	require.Equal(t, wire.TypeFifo, resp.Attr.Type)

	fi, err := os.Lstat(filepath.Join(dir, "pipe"))
	require.NoError(t, err)
	require.NotZero(t, fi.Mode()&os.ModeNamedPipe)
}

func TestPassthrough_MkDir(t *testing.T) {
	h, dir := newTestPassthrough(t)
	ctx := context.Background()

	resp, err := h.MkDir(ctx, hdr, &wire.MkDirRequest{Path: "/d", Mode: 0755})
	require.NoError(t, err)
	require.Equal(t, wire.TypeDir, resp.Attr.Type)

	_, err = h.MkDir(ctx, hdr, &wire.MkDirRequest{Path: "/d", Mode: 0755})
	require.NoError(t, err, "existing directories are fine")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), nil, 0644))
	_, err = h.MkDir(ctx, hdr, &wire.MkDirRequest{Path: "/f", Mode: 0755})
	require.Equal(t, wire.StatusExists, statusForError(err))
}

func TestPassthrough_Remove(t *testing.T) {
	h, dir := newTestPassthrough(t)
	ctx := context.Background()

	require.NoError(t, os.Mkdir(filepath.Join(dir, "d"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d", "f"), nil, 0644))

	err := h.Rmdir(ctx, hdr, &wire.RmdirRequest{Path: "/d"})
	require.Equal(t, wire.StatusNotEmpty, statusForError(err))

	err = h.Unlink(ctx, hdr, &wire.UnlinkRequest{Path: "/d"})
	require.Equal(t, wire.StatusInvalid, statusForError(err))

	err = h.Rmdir(ctx, hdr, &wire.RmdirRequest{Path: "/d/f"})
	require.Equal(t, wire.StatusInvalid, statusForError(err))

	_, err = h.Open(ctx, hdr, &wire.OpenRequest{Path: "/d/f", Flags: uint32(os.O_RDONLY)})
	require.NoError(t, err)
	require.NoError(t, h.Unlink(ctx, hdr, &wire.UnlinkRequest{Path: "/d/f"}))
	require.Equal(t, 0, h.files.Len(), "removed files should be closed")

	require.NoError(t, h.Unlink(ctx, hdr, &wire.UnlinkRequest{Path: "/d/f"}), "missing files are fine")
	require.NoError(t, h.Rmdir(ctx, hdr, &wire.RmdirRequest{Path: "/d"}))
	require.NoError(t, h.Rmdir(ctx, hdr, &wire.RmdirRequest{Path: "/d"}))

	err = h.Rmdir(ctx, hdr, &wire.RmdirRequest{Path: "/"})
	require.Equal(t, wire.StatusDenied, statusForError(err))
}

func TestPassthrough_IdleEviction(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), nil, 0644))

	h, err := NewPassthrough(nil, dir, PassthroughOptions{IdleTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, h.Init(context.Background()))
	defer h.Close()

	_, err = h.Open(context.Background(), hdr, &wire.OpenRequest{Path: "/f", Flags: uint32(os.O_RDONLY)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.files.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestStatusForError(t *testing.T) {
	tt := []struct {
		err    error
		expect wire.Status
	}{
		{nil, wire.StatusOK},
		{os.ErrNotExist, wire.StatusNotFound},
		{os.ErrPermission, wire.StatusDenied},
		{os.ErrExist, wire.StatusExists},
		{fmt.Errorf("wrapped: %w", wire.StatusNotEmpty), wire.StatusNotEmpty},
		{errors.New("something else"), wire.StatusIOError},
		{&os.PathError{Op: "openat", Path: "x", Err: errors.New("path escapes from parent")}, wire.StatusDenied},
	}
	for _, tc := range tt {
		require.Equal(t, tc.expect, statusForError(tc.err), "%v", tc.err)
	}
}
