package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/farfs/internal/metrics"
	"github.com/rfratto/farfs/internal/wire"
)

// PassthroughOptions configures a PassthroughHandler.
type PassthroughOptions struct {
	// IdleTimeout is how long an open file may go unused before it's closed.
	IdleTimeout time.Duration

	// Metrics to update. Unregistered metrics are used when nil.
	Metrics *metrics.Server
}

// DefaultPassthroughOptions holds defaults for PassthroughOptions.
var DefaultPassthroughOptions = PassthroughOptions{
	IdleTimeout: 5 * time.Minute,
}

// PassthroughHandler is a Handler which passes requests through to a
// directory on the host. Every path is resolved through an os.Root, so
// requests can't reach outside of the directory, even through symbolic
// links.
type PassthroughHandler struct {
	log  log.Logger
	o    PassthroughOptions
	root *os.Root

	files *openFiles

	stopOnce sync.Once
	stop     chan struct{}
	reaper   sync.WaitGroup
}

var _ Handler = (*PassthroughHandler)(nil)

// NewPassthrough creates a PassthroughHandler serving dir.
func NewPassthrough(l log.Logger, dir string, o PassthroughOptions) (*PassthroughHandler, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultPassthroughOptions.IdleTimeout
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewServer(nil)
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening target directory: %w", err)
	}
	return &PassthroughHandler{
		log:   l,
		o:     o,
		root:  root,
		files: newOpenFiles(l, o.Metrics),
		stop:  make(chan struct{}),
	}, nil
}

// Init starts the background eviction of idle files.
func (h *PassthroughHandler) Init(ctx context.Context) error {
	interval := h.o.IdleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	h.reaper.Add(1)
	go func() {
		defer h.reaper.Done()

		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-h.stop:
				return
			case <-t.C:
				if n := h.files.evictIdle(h.o.IdleTimeout); n > 0 {
					level.Debug(h.log).Log("msg", "closed idle files", "count", n)
				}
			}
		}
	}()
	return nil
}

// Close closes all open files and the root.
func (h *PassthroughHandler) Close() error {
	var result error
	h.stopOnce.Do(func() {
		close(h.stop)
		h.reaper.Wait()

		if err := h.files.closeAll(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := h.root.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	})
	return result
}

// relPath converts a request path into a path relative to the root. Paths
// must be absolute; ".." elements are resolved lexically and can't climb
// above "/".
func relPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q is not absolute: %w", p, wire.StatusInvalid)
	}
	if strings.IndexByte(p, 0) >= 0 {
		return "", fmt.Errorf("path contains NUL: %w", wire.StatusInvalid)
	}
	clean := path.Clean(p)
	if clean == "/" {
		return ".", nil
	}
	return clean[1:], nil
}

// tablePath is the key used in the open file table for p.
func tablePath(rel string) string { return "/" + strings.TrimPrefix(rel, ".") }

func (h *PassthroughHandler) lstat(rel string) (wire.FileAttr, error) {
	fi, err := h.root.Lstat(rel)
	if err != nil {
		return wire.FileAttr{}, err
	}
	return attrFromInfo(fi), nil
}

func (h *PassthroughHandler) GetAttr(ctx context.Context, hdr *wire.RequestHeader, req *wire.GetAttrRequest) (*wire.AttrResponse, error) {
	rel, err := relPath(req.Path)
	if err != nil {
		return nil, err
	}
	attr, err := h.lstat(rel)
	if err != nil {
		return nil, err
	}
	return &wire.AttrResponse{Attr: attr}, nil
}

func (h *PassthroughHandler) SetAttr(ctx context.Context, hdr *wire.RequestHeader, req *wire.SetAttrRequest) (*wire.AttrResponse, error) {
	rel, err := relPath(req.Path)
	if err != nil {
		return nil, err
	}

	if req.Valid&wire.SetAttrMode != 0 {
		if err := h.root.Chmod(rel, wire.PermFromWire(req.Mode)); err != nil {
			return nil, err
		}
	}
	if req.Valid&(wire.SetAttrUID|wire.SetAttrGID) != 0 {
		uid, gid := -1, -1
		if req.Valid&wire.SetAttrUID != 0 {
			uid = int(req.UID)
		}
		if req.Valid&wire.SetAttrGID != 0 {
			gid = int(req.GID)
		}
		if err := h.root.Lchown(rel, uid, gid); err != nil {
			return nil, err
		}
	}
	if req.Valid&wire.SetAttrSize != 0 {
		if err := h.truncate(rel, int64(req.Size)); err != nil {
			return nil, err
		}
	}
	if req.Valid&(wire.SetAttrAtime|wire.SetAttrMtime) != 0 {
		// Zero times are left unchanged by Chtimes.
		var atime, mtime time.Time
		if req.Valid&wire.SetAttrAtime != 0 {
			atime = time.Unix(0, req.Atime)
		}
		if req.Valid&wire.SetAttrMtime != 0 {
			mtime = time.Unix(0, req.Mtime)
		}
		if err := h.root.Chtimes(rel, atime, mtime); err != nil {
			return nil, err
		}
	}

	attr, err := h.lstat(rel)
	if err != nil {
		return nil, err
	}
	return &wire.AttrResponse{Attr: attr}, nil
}

func (h *PassthroughHandler) truncate(rel string, size int64) error {
	if f, done, err := h.files.use(tablePath(rel), true); err == nil {
		defer done()
		return f.Truncate(size)
	}
	f, err := h.root.OpenFile(rel, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

func (h *PassthroughHandler) Open(ctx context.Context, hdr *wire.RequestHeader, req *wire.OpenRequest) (*wire.OpenResponse, error) {
	rel, err := relPath(req.Path)
	if err != nil {
		return nil, err
	}
	attr, err := h.lstat(rel)
	if err != nil {
		return nil, err
	}
	if attr.Type == wire.TypeDir {
		return nil, fmt.Errorf("%s is a directory: %w", req.Path, wire.StatusInvalid)
	}

	flags := int(req.Flags)
	access := accessMode(flags)
	f, err := h.files.acquire(tablePath(rel), access, func(access int) (*os.File, error) {
		// Data is always written at explicit offsets, so O_APPEND is never
		// used for the held file. Creation goes through MkNod.
		return h.root.OpenFile(rel, access, 0)
	})
	if err != nil {
		return nil, err
	}
	if flags&os.O_TRUNC != 0 && access != os.O_RDONLY {
		if err := f.Truncate(0); err != nil {
			return nil, err
		}
		if attr, err = h.lstat(rel); err != nil {
			return nil, err
		}
	}
	return &wire.OpenResponse{Attr: attr}, nil
}

func (h *PassthroughHandler) OpenDir(ctx context.Context, hdr *wire.RequestHeader, req *wire.OpenDirRequest) (*wire.OpenResponse, error) {
	rel, err := relPath(req.Path)
	if err != nil {
		return nil, err
	}
	attr, err := h.lstat(rel)
	if err != nil {
		return nil, err
	}
	if attr.Type != wire.TypeDir {
		return nil, fmt.Errorf("%s is not a directory: %w", req.Path, wire.StatusInvalid)
	}

	// Check that the directory is readable.
	f, err := h.root.Open(rel)
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	return &wire.OpenResponse{Attr: attr}, nil
}

// Readdir returns entries of a directory in name order, starting at the
// req.Offset-th entry. As many entries as fit in one datagram are returned.
func (h *PassthroughHandler) Readdir(ctx context.Context, hdr *wire.RequestHeader, req *wire.ReaddirRequest) (*wire.ReaddirResponse, error) {
	rel, err := relPath(req.Path)
	if err != nil {
		return nil, err
	}
	f, err := h.root.Open(rel)
	if err != nil {
		return nil, err
	}
	names, err := f.Readdirnames(-1)
	_ = f.Close()
	if err != nil {
		return nil, err
	}
	slices.Sort(names)

	resp := &wire.ReaddirResponse{Entries: []wire.Entry{}}
	if req.Offset >= uint64(len(names)) {
		return resp, nil
	}

	budget := wire.ReaddirBudget()
	for _, name := range names[req.Offset:] {
		attr, err := h.lstat(path.Join(rel, name))
		if errors.Is(err, fs.ErrNotExist) {
			// Removed since listing. Report it with unknown attributes so
			// offsets stay stable across pages.
			attr = wire.FileAttr{Type: wire.TypeUnknown}
		} else if err != nil {
			return nil, err
		}

		ent := wire.Entry{Name: name, Attr: attr}
		size := wire.EntrySize(ent)
		if size > budget {
			break
		}
		budget -= size
		resp.Entries = append(resp.Entries, ent)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if len(resp.Entries) == 0 {
		return nil, fmt.Errorf("entry %d of %s does not fit in a datagram: %w", req.Offset, req.Path, wire.StatusIOError)
	}
	return resp, nil
}

// MkNod creates a file. Creating a file which already exists with the same
// type succeeds.
func (h *PassthroughHandler) MkNod(ctx context.Context, hdr *wire.RequestHeader, req *wire.MkNodRequest) (*wire.LookupResponse, error) {
	rel, err := relPath(req.Path)
	if err != nil {
		return nil, err
	}
	if rel == "." {
		return nil, fmt.Errorf("cannot create root: %w", wire.StatusExists)
	}
	perm := wire.PermFromWire(req.Mode)

	switch req.Type {
	case wire.TypeFile:
		var f *os.File
		f, err = h.root.OpenFile(rel, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			err = f.Close()
		}
	case wire.TypeFifo, wire.TypeCharDev, wire.TypeBlockDev, wire.TypeSocket:
		err = h.mknodSpecial(rel, req.Type, perm, req.Rdev)
	default:
		return nil, fmt.Errorf("cannot create file of type %d: %w", req.Type, wire.StatusUnsupported)
	}

	if errors.Is(err, fs.ErrExist) {
		attr, statErr := h.lstat(rel)
		if statErr == nil && attr.Type == req.Type {
			return &wire.LookupResponse{Attr: attr}, nil
		}
		return nil, err
	} else if err != nil {
		return nil, err
	}

	attr, err := h.lstat(rel)
	if err != nil {
		return nil, err
	}
	return &wire.LookupResponse{Attr: attr}, nil
}

// mknodSpecial creates a non-regular file relative to the directory holding
// it, so the parent is still resolved through the root.
func (h *PassthroughHandler) mknodSpecial(rel string, typ wire.Type, perm os.FileMode, rdev uint32) error {
	dir, err := h.root.Open(path.Dir(rel))
	if err != nil {
		return err
	}
	defer dir.Close()
	return mknodat(dir, path.Base(rel), typ, perm, rdev)
}

// MkDir creates a directory. Creating a directory which already exists
// succeeds.
func (h *PassthroughHandler) MkDir(ctx context.Context, hdr *wire.RequestHeader, req *wire.MkDirRequest) (*wire.LookupResponse, error) {
	rel, err := relPath(req.Path)
	if err != nil {
		return nil, err
	}
	err = h.root.Mkdir(rel, wire.PermFromWire(req.Mode))
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return nil, err
	}

	attr, statErr := h.lstat(rel)
	if statErr != nil {
		return nil, statErr
	}
	if attr.Type != wire.TypeDir {
		return nil, fmt.Errorf("%s exists and is not a directory: %w", req.Path, wire.StatusExists)
	}
	return &wire.LookupResponse{Attr: attr}, nil
}

func (h *PassthroughHandler) Write(ctx context.Context, hdr *wire.RequestHeader, req *wire.WriteRequest) (*wire.WriteResponse, error) {
	rel, err := relPath(req.Path)
	if err != nil {
		return nil, err
	}
	if req.Offset < 0 {
		return nil, fmt.Errorf("negative offset: %w", wire.StatusInvalid)
	}
	f, done, err := h.files.use(tablePath(rel), true)
	if err != nil {
		return nil, err
	}
	defer done()

	n, err := f.WriteAt(req.Data, req.Offset)
	if err != nil {
		return nil, err
	}
	return &wire.WriteResponse{Written: uint32(n)}, nil
}

func (h *PassthroughHandler) Read(ctx context.Context, hdr *wire.RequestHeader, req *wire.ReadRequest) (*wire.ReadResponse, error) {
	rel, err := relPath(req.Path)
	if err != nil {
		return nil, err
	}
	if req.Offset < 0 {
		return nil, fmt.Errorf("negative offset: %w", wire.StatusInvalid)
	}
	f, done, err := h.files.use(tablePath(rel), false)
	if err != nil {
		return nil, err
	}
	defer done()

	size := int(req.Size)
	if size > wire.MaxReadSize {
		size = wire.MaxReadSize
	}
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, req.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &wire.ReadResponse{Data: buf[:n]}, nil
}

// Unlink removes a non-directory. Removing a file which doesn't exist
// succeeds.
func (h *PassthroughHandler) Unlink(ctx context.Context, hdr *wire.RequestHeader, req *wire.UnlinkRequest) error {
	return h.remove(req.Path, false)
}

// Rmdir removes an empty directory. Removing a directory which doesn't
// exist succeeds.
func (h *PassthroughHandler) Rmdir(ctx context.Context, hdr *wire.RequestHeader, req *wire.RmdirRequest) error {
	return h.remove(req.Path, true)
}

func (h *PassthroughHandler) remove(p string, dir bool) error {
	rel, err := relPath(p)
	if err != nil {
		return err
	}
	if rel == "." {
		return fmt.Errorf("cannot remove root: %w", wire.StatusDenied)
	}

	attr, err := h.lstat(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	switch isDir := attr.Type == wire.TypeDir; {
	case dir && !isDir:
		return fmt.Errorf("%s is not a directory: %w", p, wire.StatusInvalid)
	case !dir && isDir:
		return fmt.Errorf("%s is a directory: %w", p, wire.StatusInvalid)
	}

	if err := h.root.Remove(rel); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := h.files.forget(tablePath(rel)); err != nil {
		level.Warn(h.log).Log("msg", "error closing removed file", "path", p, "err", err)
	}
	return nil
}

func (h *PassthroughHandler) Readlink(ctx context.Context, hdr *wire.RequestHeader, req *wire.ReadlinkRequest) (*wire.ReadlinkResponse, error) {
	rel, err := relPath(req.Path)
	if err != nil {
		return nil, err
	}
	target, err := h.root.Readlink(rel)
	if err != nil {
		return nil, err
	}
	return &wire.ReadlinkResponse{Target: target}, nil
}

func (h *PassthroughHandler) Release(ctx context.Context, hdr *wire.RequestHeader, req *wire.ReleaseRequest) error {
	rel, err := relPath(req.Path)
	if err != nil {
		return err
	}
	return h.files.release(tablePath(rel))
}
