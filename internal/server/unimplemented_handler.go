package server

import (
	"context"

	"github.com/rfratto/farfs/internal/wire"
)

// UnimplementedHandler implements Handler, returning StatusUnsupported for
// every request. Embed it in handlers which only support a subset of
// operations.
type UnimplementedHandler struct{}

var _ Handler = UnimplementedHandler{}

func (UnimplementedHandler) Init(context.Context) error { return nil }
func (UnimplementedHandler) Close() error               { return nil }

func (UnimplementedHandler) GetAttr(context.Context, *wire.RequestHeader, *wire.GetAttrRequest) (*wire.AttrResponse, error) {
	return nil, wire.StatusUnsupported
}

func (UnimplementedHandler) SetAttr(context.Context, *wire.RequestHeader, *wire.SetAttrRequest) (*wire.AttrResponse, error) {
	return nil, wire.StatusUnsupported
}

func (UnimplementedHandler) Open(context.Context, *wire.RequestHeader, *wire.OpenRequest) (*wire.OpenResponse, error) {
	return nil, wire.StatusUnsupported
}

func (UnimplementedHandler) OpenDir(context.Context, *wire.RequestHeader, *wire.OpenDirRequest) (*wire.OpenResponse, error) {
	return nil, wire.StatusUnsupported
}

func (UnimplementedHandler) Readdir(context.Context, *wire.RequestHeader, *wire.ReaddirRequest) (*wire.ReaddirResponse, error) {
	return nil, wire.StatusUnsupported
}

func (UnimplementedHandler) MkNod(context.Context, *wire.RequestHeader, *wire.MkNodRequest) (*wire.LookupResponse, error) {
	return nil, wire.StatusUnsupported
}

func (UnimplementedHandler) MkDir(context.Context, *wire.RequestHeader, *wire.MkDirRequest) (*wire.LookupResponse, error) {
	return nil, wire.StatusUnsupported
}

func (UnimplementedHandler) Write(context.Context, *wire.RequestHeader, *wire.WriteRequest) (*wire.WriteResponse, error) {
	return nil, wire.StatusUnsupported
}

func (UnimplementedHandler) Read(context.Context, *wire.RequestHeader, *wire.ReadRequest) (*wire.ReadResponse, error) {
	return nil, wire.StatusUnsupported
}

func (UnimplementedHandler) Unlink(context.Context, *wire.RequestHeader, *wire.UnlinkRequest) error {
	return wire.StatusUnsupported
}

func (UnimplementedHandler) Rmdir(context.Context, *wire.RequestHeader, *wire.RmdirRequest) error {
	return wire.StatusUnsupported
}

func (UnimplementedHandler) Readlink(context.Context, *wire.RequestHeader, *wire.ReadlinkRequest) (*wire.ReadlinkResponse, error) {
	return nil, wire.StatusUnsupported
}

func (UnimplementedHandler) Release(context.Context, *wire.RequestHeader, *wire.ReleaseRequest) error {
	return wire.StatusUnsupported
}
