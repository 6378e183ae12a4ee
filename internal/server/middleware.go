package server

import (
	"context"
	"fmt"

	"github.com/rfratto/farfs/internal/wire"
)

// Middleware hooks into requests.
type Middleware interface {
	// HandleRequest handles an individual request.
	HandleRequest(ctx context.Context, hdr *wire.RequestHeader, req wire.Request, invoker Invoker) (wire.Response, error)
}

// Invoker is called by Middleware to complete requests.
type Invoker func(ctx context.Context, hdr *wire.RequestHeader, req wire.Request) (wire.Response, error)

// FuncMiddleware is a function that implements Middleware.
type FuncMiddleware func(ctx context.Context, hdr *wire.RequestHeader, req wire.Request, i Invoker) (wire.Response, error)

func (f FuncMiddleware) HandleRequest(ctx context.Context, h *wire.RequestHeader, req wire.Request, i Invoker) (wire.Response, error) {
	return f(ctx, h, req, i)
}

func missingBody(op wire.Op) error {
	return fmt.Errorf("missing request body for %s: %w", op, wire.StatusInvalid)
}

// handlerInvoker converts h into an Invoker. Operations which only report a
// status are answered with an AckResponse.
func handlerInvoker(h Handler) Invoker {
	return func(ctx context.Context, header *wire.RequestHeader, req wire.Request) (resp wire.Response, err error) {
		switch header.Op {
		case wire.OpGetAttr:
			req, _ := req.(*wire.GetAttrRequest)
			if req == nil {
				return nil, missingBody(header.Op)
			}
			return h.GetAttr(ctx, header, req)

		case wire.OpSetAttr:
			req, _ := req.(*wire.SetAttrRequest)
			if req == nil {
				return nil, missingBody(header.Op)
			}
			return h.SetAttr(ctx, header, req)

		case wire.OpOpen:
			req, _ := req.(*wire.OpenRequest)
			if req == nil {
				return nil, missingBody(header.Op)
			}
			return h.Open(ctx, header, req)

		case wire.OpOpenDir:
			req, _ := req.(*wire.OpenDirRequest)
			if req == nil {
				return nil, missingBody(header.Op)
			}
			return h.OpenDir(ctx, header, req)

		case wire.OpReaddir:
			req, _ := req.(*wire.ReaddirRequest)
			if req == nil {
				return nil, missingBody(header.Op)
			}
			return h.Readdir(ctx, header, req)

		case wire.OpMkNod:
			req, _ := req.(*wire.MkNodRequest)
			if req == nil {
				return nil, missingBody(header.Op)
			}
			return h.MkNod(ctx, header, req)

		case wire.OpMkDir:
			req, _ := req.(*wire.MkDirRequest)
			if req == nil {
				return nil, missingBody(header.Op)
			}
			return h.MkDir(ctx, header, req)

		case wire.OpWrite:
			req, _ := req.(*wire.WriteRequest)
			if req == nil {
				return nil, missingBody(header.Op)
			}
			return h.Write(ctx, header, req)

		case wire.OpRead:
			req, _ := req.(*wire.ReadRequest)
			if req == nil {
				return nil, missingBody(header.Op)
			}
			return h.Read(ctx, header, req)

		case wire.OpReadlink:
			req, _ := req.(*wire.ReadlinkRequest)
			if req == nil {
				return nil, missingBody(header.Op)
			}
			return h.Readlink(ctx, header, req)

		case wire.OpUnlink:
			req, _ := req.(*wire.UnlinkRequest)
			if req == nil {
				return nil, missingBody(header.Op)
			}
			return ack(h.Unlink(ctx, header, req))

		case wire.OpRmdir:
			req, _ := req.(*wire.RmdirRequest)
			if req == nil {
				return nil, missingBody(header.Op)
			}
			return ack(h.Rmdir(ctx, header, req))

		case wire.OpRelease:
			req, _ := req.(*wire.ReleaseRequest)
			if req == nil {
				return nil, missingBody(header.Op)
			}
			return ack(h.Release(ctx, header, req))

		default:
			return nil, fmt.Errorf("unexpected opcode %s: %w", header.Op, wire.StatusUnsupported)
		}
	}
}

func ack(err error) (wire.Response, error) {
	if err != nil {
		return nil, err
	}
	return &wire.AckResponse{}, nil
}

type chainMiddleware []Middleware

func (c chainMiddleware) HandleRequest(ctx context.Context, h *wire.RequestHeader, req wire.Request, invoker Invoker) (wire.Response, error) {
	if len(c) == 0 {
		return invoker(ctx, h, req)
	}

	var (
		index        int
		chainInvoker Invoker
	)

	chainInvoker = func(ctx context.Context, h *wire.RequestHeader, req wire.Request) (wire.Response, error) {
		mw := c[index]
		index++

		var next Invoker
		if index == len(c) {
			next = invoker
		} else {
			next = chainInvoker
		}

		return mw.HandleRequest(ctx, h, req, next)
	}
	return chainInvoker(ctx, h, req)
}
