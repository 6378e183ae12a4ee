//go:build linux

package server

import (
	"os"
	"syscall"

	"github.com/rfratto/farfs/internal/wire"
	"golang.org/x/sys/unix"
)

func attrFromInfo(fi os.FileInfo) wire.FileAttr {
	attr := wire.FileAttr{
		Type:  wire.TypeFromMode(fi.Mode()),
		Size:  uint64(fi.Size()),
		Mode:  wire.PermToWire(fi.Mode()),
		Nlink: 1,
		Mtime: wire.UnixNano(fi.ModTime()),
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		attr.Atime = attr.Mtime
		attr.Ctime = attr.Mtime
		return attr
	}
	attr.Ino = st.Ino
	attr.UID = st.Uid
	attr.GID = st.Gid
	attr.Nlink = uint32(st.Nlink)
	attr.Atime = st.Atim.Nano()
	attr.Ctime = st.Ctim.Nano()
	attr.Rdev = uint32(st.Rdev)
	return attr
}

func mknodat(dir *os.File, name string, typ wire.Type, perm os.FileMode, rdev uint32) error {
	mode := uint32(wire.PermToWire(perm))
	switch typ {
	case wire.TypeFifo:
		return wrapPathError("mkfifoat", name, unix.Mkfifoat(int(dir.Fd()), name, mode))
	case wire.TypeCharDev:
		mode |= unix.S_IFCHR
	case wire.TypeBlockDev:
		mode |= unix.S_IFBLK
	case wire.TypeSocket:
		mode |= unix.S_IFSOCK
	default:
		return wire.StatusUnsupported
	}
	return wrapPathError("mknodat", name, unix.Mknodat(int(dir.Fd()), name, mode, int(rdev)))
}

func wrapPathError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &os.PathError{Op: op, Path: name, Err: err}
}
