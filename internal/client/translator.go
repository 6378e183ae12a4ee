// Package client translates kernel filesystem callbacks into farfs requests.
// The Translator owns the mapping between the inodes the kernel sees and the
// paths the server understands.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/farfs/internal/wire"
	"go.uber.org/atomic"
)

// Translator errors.
var (
	// ErrInvalidName is returned for names which can't be a single path
	// component.
	ErrInvalidName = errors.New("invalid file name")

	// ErrNotActive is returned for callbacks made before Init completed.
	ErrNotActive = errors.New("filesystem is not active")

	// ErrUnmounting is returned for callbacks made once Shutdown was called.
	ErrUnmounting = errors.New("filesystem is unmounting")
)

// Requester sends a request to the server and returns its response. A
// response with a non-OK status is returned as a wire.Status error.
// *transport.Client implements Requester.
type Requester interface {
	Do(ctx context.Context, req wire.Request) (wire.Response, error)
}

// State is the lifecycle state of a Translator.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateActive
	StateUnmounting
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateActive:
		return "active"
	case StateUnmounting:
		return "unmounting"
	case StateTornDown:
		return "torn down"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Entry is a file known to the kernel.
type Entry struct {
	Inode Inode
	Attr  wire.FileAttr
}

// DirEntry is a single directory entry returned by Readdir.
type DirEntry struct {
	Inode Inode
	Name  string
	Type  wire.Type
}

// SetAttrs holds attribute changes. Only the fields named by Valid are
// applied.
type SetAttrs struct {
	Valid wire.SetAttrValid

	Mode  os.FileMode
	UID   uint32
	GID   uint32
	Size  uint64
	Atime time.Time
	Mtime time.Time
}

// Translator implements filesystem callbacks by sending requests through a
// Requester. Callbacks may be made concurrently.
type Translator struct {
	log log.Logger
	r   Requester

	state atomic.Int32

	// lifecycleMut guards transitions out of StateActive against callbacks
	// joining inflight.
	lifecycleMut sync.RWMutex
	inflight     sync.WaitGroup

	inodes *inodeTable
}

// New creates a Translator. Init must be called before any other callback.
func New(l log.Logger, r Requester) *Translator {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &Translator{
		log: l,
		r:   r,
	}
}

// State returns the current lifecycle state.
func (t *Translator) State() State { return State(t.state.Load()) }

// Init registers the root inode and checks that the server's root directory
// can be reached. A failed Init leaves the Translator uninitialized.
func (t *Translator) Init(ctx context.Context) error {
	if !t.state.CAS(int32(StateUninitialized), int32(StateInitialized)) {
		return fmt.Errorf("cannot initialize: filesystem is %s", t.State())
	}
	t.inodes = newInodeTable()

	resp, err := t.r.Do(ctx, &wire.GetAttrRequest{Path: "/"})
	if err != nil {
		// Init may be retried, e.g. while the server is starting.
		t.state.Store(int32(StateUninitialized))
		return fmt.Errorf("probing remote root: %w", err)
	}
	if attr := resp.(*wire.AttrResponse).Attr; attr.Type != wire.TypeDir {
		t.state.Store(int32(StateUninitialized))
		return fmt.Errorf("remote root is not a directory: %w", wire.StatusInvalid)
	}

	t.state.Store(int32(StateActive))
	level.Debug(t.log).Log("msg", "filesystem active")
	return nil
}

// Shutdown stops accepting callbacks and waits for in-flight callbacks to
// finish. Callbacks made after Shutdown fail with ErrUnmounting.
func (t *Translator) Shutdown(ctx context.Context) error {
	t.lifecycleMut.Lock()
	prev := State(t.state.Swap(int32(StateUnmounting)))
	t.lifecycleMut.Unlock()

	if prev == StateTornDown {
		t.state.Store(int32(StateTornDown))
		return nil
	}

	drained := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight requests: %w", ctx.Err())
	}

	t.state.Store(int32(StateTornDown))
	level.Debug(t.log).Log("msg", "filesystem torn down")
	return nil
}

// begin admits a callback. The returned func must be called once the
// callback completes.
func (t *Translator) begin() (func(), error) {
	t.lifecycleMut.RLock()
	defer t.lifecycleMut.RUnlock()

	switch s := t.State(); s {
	case StateActive:
		t.inflight.Add(1)
		return t.inflight.Done, nil
	case StateUnmounting, StateTornDown:
		return nil, ErrUnmounting
	default:
		return nil, ErrNotActive
	}
}

// Lookup resolves name inside the directory parent.
func (t *Translator) Lookup(ctx context.Context, parent Inode, name string) (Entry, error) {
	done, err := t.begin()
	if err != nil {
		return Entry{}, err
	}
	defer done()

	p, err := t.inodes.Child(parent, name)
	if err != nil {
		return Entry{}, err
	}
	resp, err := t.r.Do(ctx, &wire.GetAttrRequest{Path: p})
	if err != nil {
		return Entry{}, err
	}
	attr := resp.(*wire.AttrResponse).Attr
	return Entry{Inode: t.inodes.Register(p, attr), Attr: attr}, nil
}

// Getattr returns the attributes of ino.
func (t *Translator) Getattr(ctx context.Context, ino Inode) (Entry, error) {
	done, err := t.begin()
	if err != nil {
		return Entry{}, err
	}
	defer done()

	n, err := t.inodes.Get(ino)
	if err != nil {
		return Entry{}, err
	}
	resp, err := t.r.Do(ctx, &wire.GetAttrRequest{Path: n.Path})
	if err != nil {
		return Entry{}, err
	}
	attr := resp.(*wire.AttrResponse).Attr
	t.inodes.Update(ino, attr)
	return Entry{Inode: ino, Attr: attr}, nil
}

// Setattr changes the attributes of ino and returns the new attributes.
func (t *Translator) Setattr(ctx context.Context, ino Inode, attrs SetAttrs) (Entry, error) {
	done, err := t.begin()
	if err != nil {
		return Entry{}, err
	}
	defer done()

	n, err := t.inodes.Get(ino)
	if err != nil {
		return Entry{}, err
	}
	req := &wire.SetAttrRequest{
		Path:  n.Path,
		Valid: attrs.Valid,
		Mode:  wire.PermToWire(attrs.Mode),
		UID:   attrs.UID,
		GID:   attrs.GID,
		Size:  attrs.Size,
		Atime: wire.UnixNano(attrs.Atime),
		Mtime: wire.UnixNano(attrs.Mtime),
	}
	resp, err := t.r.Do(ctx, req)
	if err != nil {
		return Entry{}, err
	}
	attr := resp.(*wire.AttrResponse).Attr
	t.inodes.Update(ino, attr)
	return Entry{Inode: ino, Attr: attr}, nil
}

// Open opens the file ino. flags are os.O_* flags; they're remembered so the
// file can be reopened if the server closes it.
func (t *Translator) Open(ctx context.Context, ino Inode, flags uint32) (wire.FileAttr, error) {
	done, err := t.begin()
	if err != nil {
		return wire.FileAttr{}, err
	}
	defer done()

	n, err := t.inodes.Get(ino)
	if err != nil {
		return wire.FileAttr{}, err
	}
	resp, err := t.r.Do(ctx, &wire.OpenRequest{Path: n.Path, Flags: flags})
	if err != nil {
		return wire.FileAttr{}, err
	}
	t.inodes.Opened(ino, flags)
	return resp.(*wire.OpenResponse).Attr, nil
}

// Opendir opens the directory ino.
func (t *Translator) Opendir(ctx context.Context, ino Inode) (wire.FileAttr, error) {
	done, err := t.begin()
	if err != nil {
		return wire.FileAttr{}, err
	}
	defer done()

	n, err := t.inodes.Get(ino)
	if err != nil {
		return wire.FileAttr{}, err
	}
	resp, err := t.r.Do(ctx, &wire.OpenDirRequest{Path: n.Path})
	if err != nil {
		return wire.FileAttr{}, err
	}
	return resp.(*wire.OpenResponse).Attr, nil
}

// Readdir returns a page of entries of the directory ino, starting at the
// offset-th entry. An empty page marks the end of the directory.
func (t *Translator) Readdir(ctx context.Context, ino Inode, offset uint64) ([]DirEntry, error) {
	done, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	n, err := t.inodes.Get(ino)
	if err != nil {
		return nil, err
	}
	return t.readdirPage(ctx, n.Path, offset)
}

func (t *Translator) readdirPage(ctx context.Context, dir string, offset uint64) ([]DirEntry, error) {
	resp, err := t.r.Do(ctx, &wire.ReaddirRequest{Path: dir, Offset: offset})
	if err != nil {
		return nil, err
	}

	ents := resp.(*wire.ReaddirResponse).Entries
	res := make([]DirEntry, 0, len(ents))
	for _, ent := range ents {
		if !wire.ValidName(ent.Name) {
			return nil, fmt.Errorf("server returned entry %q: %w", ent.Name, ErrInvalidName)
		}
		child := joinPath(dir, ent.Name)
		res = append(res, DirEntry{
			Inode: t.inodes.Register(child, ent.Attr),
			Name:  ent.Name,
			Type:  ent.Attr.Type,
		})
	}
	return res, nil
}

// ReadDirAll returns every entry of the directory ino.
func (t *Translator) ReadDirAll(ctx context.Context, ino Inode) ([]DirEntry, error) {
	done, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	n, err := t.inodes.Get(ino)
	if err != nil {
		return nil, err
	}

	var all []DirEntry
	for {
		page, err := t.readdirPage(ctx, n.Path, uint64(len(all)))
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return all, nil
		}
		all = append(all, page...)
	}
}

// Mknod creates a non-directory file named name inside parent. The type of
// the file is taken from mode.
func (t *Translator) Mknod(ctx context.Context, parent Inode, name string, mode os.FileMode, rdev uint32) (Entry, error) {
	done, err := t.begin()
	if err != nil {
		return Entry{}, err
	}
	defer done()

	p, err := t.inodes.Child(parent, name)
	if err != nil {
		return Entry{}, err
	}
	typ := wire.TypeFromMode(mode)
	switch typ {
	case wire.TypeDir, wire.TypeLink, wire.TypeUnknown:
		return Entry{}, fmt.Errorf("mknod of %s: %w", mode.Type(), wire.StatusUnsupported)
	}

	resp, err := t.r.Do(ctx, &wire.MkNodRequest{
		Path: p,
		Type: typ,
		Mode: wire.PermToWire(mode),
		Rdev: rdev,
	})
	if err != nil {
		return Entry{}, err
	}
	attr := resp.(*wire.LookupResponse).Attr
	return Entry{Inode: t.inodes.Register(p, attr), Attr: attr}, nil
}

// Mkdir creates a directory named name inside parent.
func (t *Translator) Mkdir(ctx context.Context, parent Inode, name string, mode os.FileMode) (Entry, error) {
	done, err := t.begin()
	if err != nil {
		return Entry{}, err
	}
	defer done()

	p, err := t.inodes.Child(parent, name)
	if err != nil {
		return Entry{}, err
	}
	resp, err := t.r.Do(ctx, &wire.MkDirRequest{Path: p, Mode: wire.PermToWire(mode)})
	if err != nil {
		return Entry{}, err
	}
	attr := resp.(*wire.LookupResponse).Attr
	return Entry{Inode: t.inodes.Register(p, attr), Attr: attr}, nil
}

// Read reads up to size bytes of ino starting at offset. Fewer bytes are
// returned at the end of the file.
func (t *Translator) Read(ctx context.Context, ino Inode, offset int64, size int) ([]byte, error) {
	done, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	n, err := t.inodes.Get(ino)
	if err != nil {
		return nil, err
	}

	var (
		buf      = make([]byte, 0, size)
		reopened bool
	)
	for len(buf) < size {
		chunk := size - len(buf)
		if chunk > wire.MaxReadSize {
			chunk = wire.MaxReadSize
		}

		req := &wire.ReadRequest{Path: n.Path, Size: uint32(chunk), Offset: offset + int64(len(buf))}
		resp, err := t.r.Do(ctx, req)
		if errors.Is(err, wire.StatusInvalid) && !reopened {
			reopened = true
			if err := t.reopen(ctx, n); err != nil {
				return nil, err
			}
			continue
		} else if err != nil {
			return nil, err
		}

		data := resp.(*wire.ReadResponse).Data
		buf = append(buf, data...)
		if len(data) < chunk {
			break
		}
	}
	return buf, nil
}

// Write writes data to ino at offset, returning the number of bytes written.
func (t *Translator) Write(ctx context.Context, ino Inode, offset int64, data []byte) (int, error) {
	done, err := t.begin()
	if err != nil {
		return 0, err
	}
	defer done()

	n, err := t.inodes.Get(ino)
	if err != nil {
		return 0, err
	}
	max := wire.MaxWriteData(n.Path)
	if max == 0 {
		return 0, fmt.Errorf("path of %d is too long to write to: %w", ino, wire.StatusInvalid)
	}

	var (
		written  int
		reopened bool
	)
	for written < len(data) {
		chunk := data[written:]
		if len(chunk) > max {
			chunk = chunk[:max]
		}

		req := &wire.WriteRequest{Path: n.Path, Data: chunk, Offset: offset + int64(written)}
		resp, err := t.r.Do(ctx, req)
		if errors.Is(err, wire.StatusInvalid) && !reopened {
			reopened = true
			if err := t.reopen(ctx, n); err != nil {
				return written, err
			}
			continue
		} else if err != nil {
			return written, err
		}

		w := int(resp.(*wire.WriteResponse).Written)
		written += w
		if w < len(chunk) {
			break
		}
	}
	return written, nil
}

// reopen opens n again after the server dropped its handle.
func (t *Translator) reopen(ctx context.Context, n node) error {
	if n.Opens == 0 {
		return fmt.Errorf("%s was never opened: %w", n.Path, wire.StatusInvalid)
	}
	level.Debug(t.log).Log("msg", "reopening file closed by server", "path", n.Path)

	// Never truncate or create again.
	flags := n.OpenFlags &^ uint32(os.O_TRUNC|os.O_CREATE|os.O_EXCL)
	_, err := t.r.Do(ctx, &wire.OpenRequest{Path: n.Path, Flags: flags})
	return err
}

// Unlink removes the file name inside parent.
func (t *Translator) Unlink(ctx context.Context, parent Inode, name string) error {
	return t.remove(ctx, parent, name, false)
}

// Rmdir removes the empty directory name inside parent.
func (t *Translator) Rmdir(ctx context.Context, parent Inode, name string) error {
	return t.remove(ctx, parent, name, true)
}

func (t *Translator) remove(ctx context.Context, parent Inode, name string, dir bool) error {
	done, err := t.begin()
	if err != nil {
		return err
	}
	defer done()

	p, err := t.inodes.Child(parent, name)
	if err != nil {
		return err
	}

	var req wire.Request = &wire.UnlinkRequest{Path: p}
	if dir {
		req = &wire.RmdirRequest{Path: p}
	}
	if _, err := t.r.Do(ctx, req); err != nil {
		return err
	}
	t.inodes.Detach(p, dir)
	return nil
}

// Readlink returns the target of the symbolic link ino.
func (t *Translator) Readlink(ctx context.Context, ino Inode) (string, error) {
	done, err := t.begin()
	if err != nil {
		return "", err
	}
	defer done()

	n, err := t.inodes.Get(ino)
	if err != nil {
		return "", err
	}
	resp, err := t.r.Do(ctx, &wire.ReadlinkRequest{Path: n.Path})
	if err != nil {
		return "", err
	}
	return resp.(*wire.ReadlinkResponse).Target, nil
}

// Release drops the kernel's handle to ino. Directories have no server-side
// handle and are released locally.
func (t *Translator) Release(ctx context.Context, ino Inode) error {
	done, err := t.begin()
	if err != nil {
		return err
	}
	defer done()

	n, err := t.inodes.Get(ino)
	if err != nil {
		return err
	}
	if n.Type == wire.TypeDir {
		return nil
	}
	t.inodes.Closed(ino)

	_, err = t.r.Do(ctx, &wire.ReleaseRequest{Path: n.Path})
	return err
}

// Forget is called when the kernel drops its references to ino. Inodes are
// kept for the lifetime of the mount so paths keep resolving to the same
// inode; Forget does nothing.
func (t *Translator) Forget(ino Inode, n uint64) {}

// Inodes returns the number of inodes handed out.
func (t *Translator) Inodes() int {
	if t.inodes == nil {
		return 0
	}
	return t.inodes.Len()
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
