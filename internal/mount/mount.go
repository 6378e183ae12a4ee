// Package mount connects a client.Translator to the kernel through FUSE.
package mount

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fuseutil"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/farfs/internal/client"
	"github.com/rfratto/farfs/internal/wire"
)

// Translator handles filesystem callbacks. *client.Translator implements
// Translator.
type Translator interface {
	Lookup(ctx context.Context, parent client.Inode, name string) (client.Entry, error)
	Getattr(ctx context.Context, ino client.Inode) (client.Entry, error)
	Setattr(ctx context.Context, ino client.Inode, attrs client.SetAttrs) (client.Entry, error)
	Open(ctx context.Context, ino client.Inode, flags uint32) (wire.FileAttr, error)
	Opendir(ctx context.Context, ino client.Inode) (wire.FileAttr, error)
	ReadDirAll(ctx context.Context, ino client.Inode) ([]client.DirEntry, error)
	Mknod(ctx context.Context, parent client.Inode, name string, mode os.FileMode, rdev uint32) (client.Entry, error)
	Mkdir(ctx context.Context, parent client.Inode, name string, mode os.FileMode) (client.Entry, error)
	Read(ctx context.Context, ino client.Inode, offset int64, size int) ([]byte, error)
	Write(ctx context.Context, ino client.Inode, offset int64, data []byte) (int, error)
	Unlink(ctx context.Context, parent client.Inode, name string) error
	Rmdir(ctx context.Context, parent client.Inode, name string) error
	Readlink(ctx context.Context, ino client.Inode) (string, error)
	Release(ctx context.Context, ino client.Inode) error
	Forget(ino client.Inode, n uint64)
	Shutdown(ctx context.Context) error
}

var _ Translator = (*client.Translator)(nil)

// Options configures a mount.
type Options struct {
	// How long the kernel may cache attributes and lookups.
	AttrValid  time.Duration
	EntryValid time.Duration

	// ShutdownTimeout bounds how long in-flight callbacks are waited on once
	// the filesystem is unmounted.
	ShutdownTimeout time.Duration

	MountOptions []fuse.MountOption
}

// DefaultOptions holds defaults for Options.
var DefaultOptions = Options{
	AttrValid:       time.Second,
	EntryValid:      time.Second,
	ShutdownTimeout: 10 * time.Second,
}

// FS is a mounted filesystem.
type FS struct {
	log  log.Logger
	dir  string
	o    Options
	conn *fuse.Conn
	tr   Translator

	unmountOnce sync.Once

	mut        sync.Mutex
	nextHandle fuse.HandleID
	dirs       map[fuse.HandleID]*dirHandle
	running    map[fuse.RequestID]context.CancelFunc
}

// dirHandle holds the listing of an open directory. The listing is fetched
// on the first successful read so offsets stay consistent across reads.
type dirHandle struct {
	ino client.Inode

	mut    sync.Mutex
	loaded bool
	data   []byte
}

// Mount mounts a filesystem at dir, serving callbacks from t. Call Serve to
// start handling requests.
func Mount(l log.Logger, dir string, t Translator, o Options) (*FS, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultOptions.ShutdownTimeout
	}

	opts := append([]fuse.MountOption{fuse.FSName("farfs"), fuse.Subtype("farfs")}, o.MountOptions...)
	conn, err := fuse.Mount(dir, opts...)
	if err != nil {
		return nil, fmt.Errorf("mounting %s: %w", dir, err)
	}
	level.Info(l).Log("msg", "mounted filesystem", "dir", dir)

	return &FS{
		log:     l,
		dir:     dir,
		o:       o,
		conn:    conn,
		tr:      t,
		dirs:    make(map[fuse.HandleID]*dirHandle),
		running: make(map[fuse.RequestID]context.CancelFunc),
	}, nil
}

// Serve handles requests until the filesystem is unmounted. Canceling ctx
// unmounts the filesystem.
func (fs *FS) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		if err := fs.Unmount(); err != nil {
			level.Warn(fs.log).Log("msg", "failed to unmount", "dir", fs.dir, "err", err)
		}
	}()

	var (
		handlers sync.WaitGroup
		serveErr error
	)
	for {
		req, err := fs.conn.ReadRequest()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			serveErr = fmt.Errorf("reading request: %w", err)
			break
		}

		if intr, ok := req.(*fuse.InterruptRequest); ok {
			fs.interrupt(intr)
			continue
		}

		reqCtx := fs.track(ctx, req)
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			defer fs.untrack(req)
			fs.handle(reqCtx, req)
		}()
	}

	handlers.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), fs.o.ShutdownTimeout)
	defer shutdownCancel()
	if err := fs.tr.Shutdown(shutdownCtx); err != nil {
		level.Warn(fs.log).Log("msg", "filesystem did not shut down cleanly", "err", err)
	}
	if err := fs.conn.Close(); err != nil {
		level.Warn(fs.log).Log("msg", "failed to close fuse connection", "err", err)
	}
	level.Info(fs.log).Log("msg", "filesystem unmounted", "dir", fs.dir)
	return serveErr
}

// Unmount unmounts the filesystem. Serve returns once the kernel
// acknowledges the unmount.
func (fs *FS) Unmount() error {
	var err error
	fs.unmountOnce.Do(func() { err = fuse.Unmount(fs.dir) })
	return err
}

func (fs *FS) track(ctx context.Context, req fuse.Request) context.Context {
	ctx, cancel := context.WithCancel(ctx)

	fs.mut.Lock()
	defer fs.mut.Unlock()
	fs.running[req.Hdr().ID] = cancel
	return ctx
}

func (fs *FS) untrack(req fuse.Request) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	if cancel, ok := fs.running[req.Hdr().ID]; ok {
		cancel()
		delete(fs.running, req.Hdr().ID)
	}
}

// interrupt cancels the request named by intr. Interrupts aren't answered.
func (fs *FS) interrupt(intr *fuse.InterruptRequest) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	if cancel, ok := fs.running[intr.IntrID]; ok {
		cancel()
	}
}

func (fs *FS) handle(ctx context.Context, req fuse.Request) {
	level.Debug(fs.log).Log("msg", "received request", "req", req)

	if err := fs.dispatch(ctx, req); err != nil {
		errno := client.Errno(err)
		if errno == syscall.EIO {
			level.Warn(fs.log).Log("msg", "request failed", "req", req, "err", err)
		} else {
			level.Debug(fs.log).Log("msg", "request failed", "req", req, "errno", errno, "err", err)
		}
		req.RespondError(fuse.Errno(errno))
	}
}

// dispatch handles req. If dispatch returns an error, req hasn't been
// responded to.
func (fs *FS) dispatch(ctx context.Context, req fuse.Request) error {
	ino := client.Inode(req.Hdr().Node)

	switch r := req.(type) {
	case *fuse.LookupRequest:
		ent, err := fs.tr.Lookup(ctx, ino, r.Name)
		if err != nil {
			return err
		}
		r.Respond(fs.lookupResponse(ent))

	case *fuse.GetattrRequest:
		ent, err := fs.tr.Getattr(ctx, ino)
		if err != nil {
			return err
		}
		r.Respond(&fuse.GetattrResponse{Attr: fs.attr(ent)})

	case *fuse.SetattrRequest:
		ent, err := fs.tr.Setattr(ctx, ino, setAttrs(r))
		if err != nil {
			return err
		}
		r.Respond(&fuse.SetattrResponse{Attr: fs.attr(ent)})

	case *fuse.OpenRequest:
		if r.Dir {
			if _, err := fs.tr.Opendir(ctx, ino); err != nil {
				return err
			}
			r.Respond(&fuse.OpenResponse{Handle: fs.openDir(ino)})
			return nil
		}
		if _, err := fs.tr.Open(ctx, ino, uint32(r.Flags)); err != nil {
			return err
		}
		r.Respond(&fuse.OpenResponse{Handle: fs.newHandle()})

	case *fuse.CreateRequest:
		// Without create, the kernel falls back to mknod and open.
		return fmt.Errorf("create: %w", wire.StatusUnsupported)

	case *fuse.ReadRequest:
		if r.Dir {
			data, err := fs.readDir(ctx, r.Handle)
			if err != nil {
				return err
			}
			resp := &fuse.ReadResponse{}
			fuseutil.HandleRead(r, resp, data)
			r.Respond(resp)
			return nil
		}
		data, err := fs.tr.Read(ctx, ino, r.Offset, r.Size)
		if err != nil {
			return err
		}
		r.Respond(&fuse.ReadResponse{Data: data})

	case *fuse.WriteRequest:
		n, err := fs.tr.Write(ctx, ino, r.Offset, r.Data)
		if err != nil {
			return err
		}
		r.Respond(&fuse.WriteResponse{Size: n})

	case *fuse.MkdirRequest:
		ent, err := fs.tr.Mkdir(ctx, ino, r.Name, r.Mode&^r.Umask)
		if err != nil {
			return err
		}
		r.Respond(&fuse.MkdirResponse{LookupResponse: *fs.lookupResponse(ent)})

	case *fuse.MknodRequest:
		ent, err := fs.tr.Mknod(ctx, ino, r.Name, r.Mode&^r.Umask, r.Rdev)
		if err != nil {
			return err
		}
		r.Respond(fs.lookupResponse(ent))

	case *fuse.RemoveRequest:
		var err error
		if r.Dir {
			err = fs.tr.Rmdir(ctx, ino, r.Name)
		} else {
			err = fs.tr.Unlink(ctx, ino, r.Name)
		}
		if err != nil {
			return err
		}
		r.Respond()

	case *fuse.ReadlinkRequest:
		target, err := fs.tr.Readlink(ctx, ino)
		if err != nil {
			return err
		}
		r.Respond(target)

	case *fuse.ReleaseRequest:
		if r.Dir {
			fs.closeDir(r.Handle)
			r.Respond()
			return nil
		}
		if err := fs.tr.Release(ctx, ino); err != nil {
			return err
		}
		r.Respond()

	case *fuse.ForgetRequest:
		fs.tr.Forget(ino, r.N)
		r.Respond()

	case *fuse.FlushRequest:
		// Writes are sent synchronously, so there's nothing to flush.
		r.Respond()

	case *fuse.FsyncRequest:
		r.Respond()

	case *fuse.AccessRequest:
		// Permissions are enforced by the server.
		r.Respond()

	case *fuse.StatfsRequest:
		r.Respond(&fuse.StatfsResponse{
			Bsize:   4096,
			Frsize:  4096,
			Namelen: 255,
		})

	case *fuse.DestroyRequest:
		r.Respond()

	default:
		return fmt.Errorf("%T: %w", req, wire.StatusUnsupported)
	}
	return nil
}

func (fs *FS) lookupResponse(ent client.Entry) *fuse.LookupResponse {
	return &fuse.LookupResponse{
		Node:       fuse.NodeID(ent.Inode),
		EntryValid: fs.o.EntryValid,
		Attr:       fs.attr(ent),
	}
}

func (fs *FS) attr(ent client.Entry) fuse.Attr {
	a := ent.Attr
	return fuse.Attr{
		Valid:     fs.o.AttrValid,
		Inode:     uint64(ent.Inode),
		Size:      a.Size,
		Blocks:    (a.Size + 511) / 512,
		Atime:     a.AccessTime(),
		Mtime:     a.ModTime(),
		Ctime:     a.ChangeTime(),
		Mode:      a.FileMode(),
		Nlink:     a.Nlink,
		Uid:       a.UID,
		Gid:       a.GID,
		Rdev:      a.Rdev,
		BlockSize: 4096,
	}
}

func setAttrs(r *fuse.SetattrRequest) client.SetAttrs {
	var res client.SetAttrs
	if r.Valid.Mode() {
		res.Valid |= wire.SetAttrMode
		res.Mode = r.Mode
	}
	if r.Valid.Uid() {
		res.Valid |= wire.SetAttrUID
		res.UID = r.Uid
	}
	if r.Valid.Gid() {
		res.Valid |= wire.SetAttrGID
		res.GID = r.Gid
	}
	if r.Valid.Size() {
		res.Valid |= wire.SetAttrSize
		res.Size = r.Size
	}
	switch {
	case r.Valid.AtimeNow():
		res.Valid |= wire.SetAttrAtime
		res.Atime = time.Now()
	case r.Valid.Atime():
		res.Valid |= wire.SetAttrAtime
		res.Atime = r.Atime
	}
	switch {
	case r.Valid.MtimeNow():
		res.Valid |= wire.SetAttrMtime
		res.Mtime = time.Now()
	case r.Valid.Mtime():
		res.Valid |= wire.SetAttrMtime
		res.Mtime = r.Mtime
	}
	return res
}

func (fs *FS) newHandle() fuse.HandleID {
	fs.mut.Lock()
	defer fs.mut.Unlock()
	fs.nextHandle++
	return fs.nextHandle
}

func (fs *FS) openDir(ino client.Inode) fuse.HandleID {
	id := fs.newHandle()

	fs.mut.Lock()
	defer fs.mut.Unlock()
	fs.dirs[id] = &dirHandle{ino: ino}
	return id
}

func (fs *FS) closeDir(id fuse.HandleID) {
	fs.mut.Lock()
	defer fs.mut.Unlock()
	delete(fs.dirs, id)
}

// readDir returns the encoded listing for the directory handle id.
func (fs *FS) readDir(ctx context.Context, id fuse.HandleID) ([]byte, error) {
	fs.mut.Lock()
	h, ok := fs.dirs[id]
	fs.mut.Unlock()
	if !ok {
		return nil, fmt.Errorf("directory handle %d: %w", id, client.ErrUnknownInode)
	}

	h.mut.Lock()
	defer h.mut.Unlock()
	if h.loaded {
		return h.data, nil
	}

	// A failed fetch, e.g. an interrupted one, is retried on the next read.
	ents, err := fs.tr.ReadDirAll(ctx, h.ino)
	if err != nil {
		return nil, err
	}
	for _, ent := range ents {
		h.data = fuse.AppendDirent(h.data, fuse.Dirent{
			Inode: uint64(ent.Inode),
			Type:  direntType(ent.Type),
			Name:  ent.Name,
		})
	}
	h.loaded = true
	return h.data, nil
}

func direntType(t wire.Type) fuse.DirentType {
	switch t {
	case wire.TypeFile:
		return fuse.DT_File
	case wire.TypeDir:
		return fuse.DT_Dir
	case wire.TypeLink:
		return fuse.DT_Link
	case wire.TypeSocket:
		return fuse.DT_Socket
	case wire.TypeFifo:
		return fuse.DT_FIFO
	case wire.TypeCharDev:
		return fuse.DT_Char
	case wire.TypeBlockDev:
		return fuse.DT_Block
	default:
		return fuse.DT_Unknown
	}
}
