package client

import (
	"context"
	"errors"
	"syscall"

	"github.com/rfratto/farfs/internal/wire"
)

// Errno converts an error from a Translator callback into the errno reported
// to the kernel. Errors from the transport, and any error not otherwise
// known, are reported as EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var st wire.Status
	if errors.As(err, &st) {
		switch st {
		case wire.StatusOK:
			return 0
		case wire.StatusNotFound:
			return syscall.ENOENT
		case wire.StatusDenied:
			return syscall.EACCES
		case wire.StatusExists:
			return syscall.EEXIST
		case wire.StatusNotEmpty:
			return syscall.ENOTEMPTY
		case wire.StatusInvalid:
			return syscall.EINVAL
		case wire.StatusUnsupported:
			return syscall.ENOSYS
		default:
			return syscall.EIO
		}
	}

	switch {
	case errors.Is(err, ErrUnknownInode):
		return syscall.ESTALE
	case errors.Is(err, ErrInvalidName):
		return syscall.EINVAL
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	}
	return syscall.EIO
}
