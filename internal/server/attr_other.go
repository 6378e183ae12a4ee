//go:build !linux

package server

import (
	"fmt"
	"os"

	"github.com/rfratto/farfs/internal/wire"
)

func attrFromInfo(fi os.FileInfo) wire.FileAttr {
	mtime := wire.UnixNano(fi.ModTime())
	return wire.FileAttr{
		Type:  wire.TypeFromMode(fi.Mode()),
		Size:  uint64(fi.Size()),
		Mode:  wire.PermToWire(fi.Mode()),
		Nlink: 1,
		Atime: mtime,
		Mtime: mtime,
		Ctime: mtime,
	}
}

func mknodat(dir *os.File, name string, typ wire.Type, perm os.FileMode, rdev uint32) error {
	return fmt.Errorf("creating special files is only supported on Linux: %w", wire.StatusUnsupported)
}
