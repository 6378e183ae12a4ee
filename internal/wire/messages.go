package wire

import (
	"fmt"
	"time"
)

// SetAttrValid is a bitmask of the fields a SetAttrRequest changes.
type SetAttrValid uint32

// SetAttr fields.
const (
	SetAttrMode SetAttrValid = 1 << iota
	SetAttrUID
	SetAttrGID
	SetAttrSize
	SetAttrAtime
	SetAttrMtime
)

// Request types.
type (
	GetAttrRequest struct {
		_msgpack struct{} `msgpack:",as_array"`
		Path     string
	}

	SetAttrRequest struct {
		_msgpack struct{} `msgpack:",as_array"`
		Path     string
		Valid    SetAttrValid
		Mode     uint16
		UID      uint32
		GID      uint32
		Size     uint64
		Atime    int64 // Unix nanoseconds.
		Mtime    int64 // Unix nanoseconds.
	}

	OpenRequest struct {
		_msgpack struct{} `msgpack:",as_array"`
		Path     string
		Flags    uint32 // os.O_* flags.
	}

	OpenDirRequest struct {
		_msgpack struct{} `msgpack:",as_array"`
		Path     string
	}

	// ReaddirRequest requests entries of a directory, starting at the
	// Offset-th entry in name order.
	ReaddirRequest struct {
		_msgpack struct{} `msgpack:",as_array"`
		Path     string
		Offset   uint64
	}

	MkNodRequest struct {
		_msgpack struct{} `msgpack:",as_array"`
		Path     string
		Type     Type
		Mode     uint16
		Rdev     uint32
	}

	MkDirRequest struct {
		_msgpack struct{} `msgpack:",as_array"`
		Path     string
		Mode     uint16
	}

	WriteRequest struct {
		_msgpack struct{} `msgpack:",as_array"`
		Path     string
		Data     []byte
		Offset   int64
	}

	ReadRequest struct {
		_msgpack struct{} `msgpack:",as_array"`
		Path     string
		Size     uint32
		Offset   int64
	}

	UnlinkRequest struct {
		_msgpack struct{} `msgpack:",as_array"`
		Path     string
	}

	RmdirRequest struct {
		_msgpack struct{} `msgpack:",as_array"`
		Path     string
	}

	ReadlinkRequest struct {
		_msgpack struct{} `msgpack:",as_array"`
		Path     string
	}

	// ReleaseRequest drops one reference to a file opened with OpenRequest.
	ReleaseRequest struct {
		_msgpack struct{} `msgpack:",as_array"`
		Path     string
	}

	// ExitRequest asks the server to stop serving. Token authorizes requests
	// from non-loopback peers.
	ExitRequest struct {
		_msgpack struct{} `msgpack:",as_array"`
		Token    string
	}
)

func (*GetAttrRequest) wireRequest()  {}
func (*SetAttrRequest) wireRequest()  {}
func (*OpenRequest) wireRequest()     {}
func (*OpenDirRequest) wireRequest()  {}
func (*ReaddirRequest) wireRequest()  {}
func (*MkNodRequest) wireRequest()    {}
func (*MkDirRequest) wireRequest()    {}
func (*WriteRequest) wireRequest()    {}
func (*ReadRequest) wireRequest()     {}
func (*UnlinkRequest) wireRequest()   {}
func (*RmdirRequest) wireRequest()    {}
func (*ReadlinkRequest) wireRequest() {}
func (*ReleaseRequest) wireRequest()  {}
func (*ExitRequest) wireRequest()     {}

func (r *GetAttrRequest) targetPath() string  { return r.Path }
func (r *SetAttrRequest) targetPath() string  { return r.Path }
func (r *OpenRequest) targetPath() string     { return r.Path }
func (r *OpenDirRequest) targetPath() string  { return r.Path }
func (r *ReaddirRequest) targetPath() string  { return r.Path }
func (r *MkNodRequest) targetPath() string    { return r.Path }
func (r *MkDirRequest) targetPath() string    { return r.Path }
func (r *WriteRequest) targetPath() string    { return r.Path }
func (r *ReadRequest) targetPath() string     { return r.Path }
func (r *UnlinkRequest) targetPath() string   { return r.Path }
func (r *RmdirRequest) targetPath() string    { return r.Path }
func (r *ReadlinkRequest) targetPath() string { return r.Path }
func (r *ReleaseRequest) targetPath() string  { return r.Path }
func (r *ExitRequest) targetPath() string     { return "" }

// Response types.
type (
	// AttrResponse answers GetAttr and SetAttr.
	AttrResponse struct {
		_msgpack struct{} `msgpack:",as_array"`
		Attr     FileAttr
	}

	// LookupResponse answers requests which create a file.
	LookupResponse struct {
		_msgpack struct{} `msgpack:",as_array"`
		Attr     FileAttr
	}

	// OpenResponse answers Open and OpenDir.
	OpenResponse struct {
		_msgpack struct{} `msgpack:",as_array"`
		Attr     FileAttr
	}

	ReadResponse struct {
		_msgpack struct{} `msgpack:",as_array"`
		Data     []byte
	}

	// ReaddirResponse holds a page of directory entries. An empty page marks
	// the end of the directory.
	ReaddirResponse struct {
		_msgpack struct{} `msgpack:",as_array"`
		Entries  []Entry
	}

	WriteResponse struct {
		_msgpack struct{} `msgpack:",as_array"`
		Written  uint32
	}

	ReadlinkResponse struct {
		_msgpack struct{} `msgpack:",as_array"`
		Target   string
	}

	// AckResponse answers requests which have nothing to report beyond their
	// status.
	AckResponse struct {
		_msgpack struct{} `msgpack:",as_array"`
	}
)

func (*AttrResponse) wireResponse()     {}
func (*LookupResponse) wireResponse()   {}
func (*OpenResponse) wireResponse()     {}
func (*ReadResponse) wireResponse()     {}
func (*ReaddirResponse) wireResponse()  {}
func (*WriteResponse) wireResponse()    {}
func (*ReadlinkResponse) wireResponse() {}
func (*AckResponse) wireResponse()      {}

// NewEmptyRequest returns an empty request body for op. Returns an error if
// op is unknown.
func NewEmptyRequest(op Op) (Request, error) {
	switch op {
	case OpGetAttr:
		return &GetAttrRequest{}, nil
	case OpSetAttr:
		return &SetAttrRequest{}, nil
	case OpOpen:
		return &OpenRequest{}, nil
	case OpOpenDir:
		return &OpenDirRequest{}, nil
	case OpReaddir:
		return &ReaddirRequest{}, nil
	case OpMkNod:
		return &MkNodRequest{}, nil
	case OpMkDir:
		return &MkDirRequest{}, nil
	case OpWrite:
		return &WriteRequest{}, nil
	case OpRead:
		return &ReadRequest{}, nil
	case OpUnlink:
		return &UnlinkRequest{}, nil
	case OpRmdir:
		return &RmdirRequest{}, nil
	case OpReadlink:
		return &ReadlinkRequest{}, nil
	case OpRelease:
		return &ReleaseRequest{}, nil
	case OpExit:
		return &ExitRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown op %d", ErrMalformed, uint8(op))
	}
}

// NewEmptyResponse returns an empty response body for the response to op.
func NewEmptyResponse(op Op) (Response, error) {
	switch op {
	case OpGetAttr, OpSetAttr:
		return &AttrResponse{}, nil
	case OpMkNod, OpMkDir:
		return &LookupResponse{}, nil
	case OpOpen, OpOpenDir:
		return &OpenResponse{}, nil
	case OpRead:
		return &ReadResponse{}, nil
	case OpReaddir:
		return &ReaddirResponse{}, nil
	case OpWrite:
		return &WriteResponse{}, nil
	case OpReadlink:
		return &ReadlinkResponse{}, nil
	case OpUnlink, OpRmdir, OpRelease, OpExit:
		return &AckResponse{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown op %d", ErrMalformed, uint8(op))
	}
}

// OpOf returns the Op that identifies r.
func OpOf(r Request) (Op, error) {
	switch r.(type) {
	case *GetAttrRequest:
		return OpGetAttr, nil
	case *SetAttrRequest:
		return OpSetAttr, nil
	case *OpenRequest:
		return OpOpen, nil
	case *OpenDirRequest:
		return OpOpenDir, nil
	case *ReaddirRequest:
		return OpReaddir, nil
	case *MkNodRequest:
		return OpMkNod, nil
	case *MkDirRequest:
		return OpMkDir, nil
	case *WriteRequest:
		return OpWrite, nil
	case *ReadRequest:
		return OpRead, nil
	case *UnlinkRequest:
		return OpUnlink, nil
	case *RmdirRequest:
		return OpRmdir, nil
	case *ReadlinkRequest:
		return OpReadlink, nil
	case *ReleaseRequest:
		return OpRelease, nil
	case *ExitRequest:
		return OpExit, nil
	default:
		return 0, fmt.Errorf("unsupported request type %T", r)
	}
}

// UnixNano converts t to the time representation used on the wire. The zero
// time is encoded as 0.
func UnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
