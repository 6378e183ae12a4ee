package client

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/google/btree"
	"github.com/rfratto/farfs/internal/wire"
)

// Inode identifies a file to the kernel. Inodes are assigned by the client
// and never reused during a mount.
type Inode uint64

// RootInode is always the root of the mount.
const RootInode Inode = 1

// ErrUnknownInode is returned when the kernel references an inode the client
// never handed out.
var ErrUnknownInode = errors.New("unknown inode")

type node struct {
	Inode Inode
	Path  string
	Type  wire.Type
	Perm  os.FileMode // Permissions as of the last response about the file.

	// Flags of the most recent Open, used to reopen files which the server
	// closed.
	OpenFlags uint32
	Opens     int
}

type pathItem struct {
	path string
	ino  Inode
}

func lessPath(a, b pathItem) bool { return a.path < b.path }

// inodeTable maps inodes to remote paths. Paths are also indexed in order so
// a removed directory's descendants can be detached in one walk.
type inodeTable struct {
	mut    sync.RWMutex
	nodes  map[Inode]*node
	paths  *btree.BTreeG[pathItem]
	nextID Inode
}

func newInodeTable() *inodeTable {
	t := &inodeTable{
		nodes:  make(map[Inode]*node),
		paths:  btree.NewG(32, lessPath),
		nextID: RootInode,
	}
	t.nodes[RootInode] = &node{Inode: RootInode, Path: "/", Type: wire.TypeDir, Perm: 0o755}
	t.paths.ReplaceOrInsert(pathItem{path: "/", ino: RootInode})
	return t
}

// Register returns the inode for p, allocating a new one if p isn't known.
// The type and permissions of the inode are refreshed from attr.
func (t *inodeTable) Register(p string, attr wire.FileAttr) Inode {
	t.mut.Lock()
	defer t.mut.Unlock()

	if item, ok := t.paths.Get(pathItem{path: p}); ok {
		if n := t.nodes[item.ino]; n != nil {
			n.refresh(attr)
		}
		return item.ino
	}

	t.nextID++
	ino := t.nextID
	n := &node{Inode: ino, Path: p}
	n.refresh(attr)
	t.nodes[ino] = n
	t.paths.ReplaceOrInsert(pathItem{path: p, ino: ino})
	return ino
}

// Update refreshes the type and permissions of ino from attr.
func (t *inodeTable) Update(ino Inode, attr wire.FileAttr) {
	t.mut.Lock()
	defer t.mut.Unlock()

	if n, ok := t.nodes[ino]; ok {
		n.refresh(attr)
	}
}

// refresh copies attr into n. Unknown types carry no attributes.
func (n *node) refresh(attr wire.FileAttr) {
	if attr.Type == wire.TypeUnknown {
		return
	}
	n.Type = attr.Type
	n.Perm = wire.PermFromWire(attr.Mode)
}

// Get returns a copy of the node for ino.
func (t *inodeTable) Get(ino Inode) (node, error) {
	t.mut.RLock()
	defer t.mut.RUnlock()

	n, ok := t.nodes[ino]
	if !ok {
		return node{}, fmt.Errorf("inode %d: %w", ino, ErrUnknownInode)
	}
	return *n, nil
}

// Child returns the path of name inside the directory ino.
func (t *inodeTable) Child(parent Inode, name string) (string, error) {
	if !wire.ValidName(name) {
		return "", fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	n, err := t.Get(parent)
	if err != nil {
		return "", err
	}
	return path.Join(n.Path, name), nil
}

// Opened records that ino was opened with flags.
func (t *inodeTable) Opened(ino Inode, flags uint32) {
	t.mut.Lock()
	defer t.mut.Unlock()

	n, ok := t.nodes[ino]
	if !ok {
		return
	}
	const accessMask = uint32(os.O_RDONLY | os.O_WRONLY | os.O_RDWR)
	if n.Opens > 0 && n.OpenFlags&accessMask != flags&accessMask {
		// Reopening has to serve every handle the kernel holds.
		flags = flags&^accessMask | uint32(os.O_RDWR)
	}
	n.OpenFlags = flags
	n.Opens++
}

// Closed records that one open of ino was released.
func (t *inodeTable) Closed(ino Inode) {
	t.mut.Lock()
	defer t.mut.Unlock()

	if n, ok := t.nodes[ino]; ok && n.Opens > 0 {
		n.Opens--
	}
}

// Detach removes p from the path index, along with everything beneath it if
// subtree is set. Detached inodes stay resolvable, but a later Register of
// the same path allocates a new inode.
func (t *inodeTable) Detach(p string, subtree bool) int {
	if p == "/" {
		return 0
	}

	t.mut.Lock()
	defer t.mut.Unlock()

	var detached []pathItem
	if item, ok := t.paths.Get(pathItem{path: p}); ok {
		detached = append(detached, item)
	}
	if subtree {
		// '0' sorts immediately after '/', bounding every path under p.
		t.paths.AscendRange(pathItem{path: p + "/"}, pathItem{path: p + "0"}, func(item pathItem) bool {
			detached = append(detached, item)
			return true
		})
	}
	for _, item := range detached {
		t.paths.Delete(item)
	}
	return len(detached)
}

// Len returns the number of inodes handed out, including the root.
func (t *inodeTable) Len() int {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return len(t.nodes)
}
