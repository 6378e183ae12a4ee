package wire

import (
	"fmt"
	"os"
	"time"
)

// Protocol limits.
const (
	// ProtocolVersion is written as the first byte of every datagram.
	ProtocolVersion byte = 1

	// MaxDatagramSize is the largest datagram either peer will send or accept.
	MaxDatagramSize = 1500

	// responseOverhead is a generous upper bound on the non-data bytes of a
	// Read response: prefix, header and the msgpack bin header.
	responseOverhead = 64

	// MaxReadSize is the largest amount of data a single Read may return.
	MaxReadSize = MaxDatagramSize - responseOverhead
)

// Op identifies the kind of a request, and the kind of the response that
// answers it.
type Op uint8

// Supported operations.
const (
	OpGetAttr Op = iota + 1
	OpSetAttr
	OpOpen
	OpOpenDir
	OpReaddir
	OpMkNod
	OpMkDir
	OpWrite
	OpRead
	OpUnlink
	OpExit
	OpRelease
	OpRmdir
	OpReadlink
)

var opNames = map[Op]string{
	OpGetAttr:  "GETATTR",
	OpSetAttr:  "SETATTR",
	OpOpen:     "OPEN",
	OpOpenDir:  "OPENDIR",
	OpReaddir:  "READDIR",
	OpMkNod:    "MKNOD",
	OpMkDir:    "MKDIR",
	OpWrite:    "WRITE",
	OpRead:     "READ",
	OpUnlink:   "UNLINK",
	OpExit:     "EXIT",
	OpRelease:  "RELEASE",
	OpRmdir:    "RMDIR",
	OpReadlink: "READLINK",
}

// String implements fmt.Stringer.
func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// Type is the kind of a file.
type Type uint8

// Known file types.
const (
	TypeFile     Type = 0
	TypeDir      Type = 1
	TypeLink     Type = 2
	TypeSocket   Type = 3
	TypeFifo     Type = 4
	TypeCharDev  Type = 5
	TypeBlockDev Type = 6
	TypeUnknown  Type = 0xff
)

// TypeFromMode classifies a file by its mode bits.
func TypeFromMode(m os.FileMode) Type {
	switch {
	case m.IsRegular():
		return TypeFile
	case m&os.ModeDir != 0:
		return TypeDir
	case m&os.ModeSymlink != 0:
		return TypeLink
	case m&os.ModeSocket != 0:
		return TypeSocket
	case m&os.ModeNamedPipe != 0:
		return TypeFifo
	case m&os.ModeCharDevice != 0:
		return TypeCharDev
	case m&os.ModeDevice != 0:
		return TypeBlockDev
	default:
		return TypeUnknown
	}
}

// FileMode returns the os.FileMode type bits for t.
func (t Type) FileMode() os.FileMode {
	switch t {
	case TypeDir:
		return os.ModeDir
	case TypeLink:
		return os.ModeSymlink
	case TypeSocket:
		return os.ModeSocket
	case TypeFifo:
		return os.ModeNamedPipe
	case TypeCharDev:
		return os.ModeDevice | os.ModeCharDevice
	case TypeBlockDev:
		return os.ModeDevice
	default:
		return 0
	}
}

// Common data types carried inside messages.
type (
	// RequestHeader is present in every request.
	RequestHeader struct {
		_msgpack struct{} `msgpack:",as_array"`

		Op Op     `msgpack:"-"` // Carried in the datagram prefix.
		ID uint64 // Response must echo this value.
	}

	// ResponseHeader is present in every response.
	ResponseHeader struct {
		_msgpack struct{} `msgpack:",as_array"`

		Op     Op     `msgpack:"-"` // Must match the request's Op.
		ID     uint64 // ID of the request being answered.
		Status Status
	}

	// FileAttr describes a file on the server.
	FileAttr struct {
		_msgpack struct{} `msgpack:",as_array"`

		Ino   uint64 // Server-side inode number. Informational only.
		Type  Type
		Size  uint64
		UID   uint32
		GID   uint32
		Mode  uint16 // Permission bits (07777).
		Nlink uint32
		Atime int64 // Unix nanoseconds.
		Mtime int64
		Ctime int64
		Rdev  uint32
	}

	// Entry is a named file within a directory. Name is never a path.
	Entry struct {
		_msgpack struct{} `msgpack:",as_array"`

		Name string
		Attr FileAttr
	}
)

// FileMode returns the full os.FileMode (type and permission bits) of a.
func (a FileAttr) FileMode() os.FileMode {
	return a.Type.FileMode() | permFromWire(a.Mode)
}

// ModTime returns the modification time of a.
func (a FileAttr) ModTime() time.Time { return time.Unix(0, a.Mtime) }

// AccessTime returns the access time of a.
func (a FileAttr) AccessTime() time.Time { return time.Unix(0, a.Atime) }

// ChangeTime returns the inode change time of a.
func (a FileAttr) ChangeTime() time.Time { return time.Unix(0, a.Ctime) }

// PermToWire converts the permission and special bits of m into the 12-bit
// representation used by FileAttr.Mode.
func PermToWire(m os.FileMode) uint16 {
	res := uint16(m.Perm())
	if m&os.ModeSetuid != 0 {
		res |= 04000
	}
	if m&os.ModeSetgid != 0 {
		res |= 02000
	}
	if m&os.ModeSticky != 0 {
		res |= 01000
	}
	return res
}

func permFromWire(v uint16) os.FileMode {
	res := os.FileMode(v & 0777)
	if v&04000 != 0 {
		res |= os.ModeSetuid
	}
	if v&02000 != 0 {
		res |= os.ModeSetgid
	}
	if v&01000 != 0 {
		res |= os.ModeSticky
	}
	return res
}

// PermFromWire is the inverse of PermToWire.
func PermFromWire(v uint16) os.FileMode { return permFromWire(v) }
