package wire

import "strconv"

// Status is the outcome of a request, carried in every response header.
// Status implements error so handlers can return it directly.
type Status uint8

// Known statuses. Any other value received from a peer is decoded as
// StatusUnknown.
const (
	StatusOK          Status = 0
	StatusNotFound    Status = 1
	StatusDenied      Status = 2
	StatusIOError     Status = 3
	StatusUnsupported Status = 4
	StatusInvalid     Status = 5
	StatusNotEmpty    Status = 6
	StatusExists      Status = 7
	StatusUnknown     Status = 0xff
)

var statusDescriptions = map[Status]string{
	StatusOK:          "ok",
	StatusNotFound:    "no such file or directory",
	StatusDenied:      "permission denied",
	StatusIOError:     "input/output error",
	StatusUnsupported: "operation not supported",
	StatusInvalid:     "invalid argument",
	StatusNotEmpty:    "directory not empty",
	StatusExists:      "file exists",
	StatusUnknown:     "unknown error",
}

// Error implements error.
func (s Status) Error() string {
	if desc, ok := statusDescriptions[s]; ok {
		return desc
	}
	return "status " + strconv.Itoa(int(s))
}

// normalize maps unrecognized status bytes to StatusUnknown.
func (s Status) normalize() Status {
	if _, ok := statusDescriptions[s]; ok {
		return s
	}
	return StatusUnknown
}
