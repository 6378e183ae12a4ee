package server

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/farfs/internal/wire"
)

// NewLoggingMiddleware returns a new logging middleware.
func NewLoggingMiddleware(l log.Logger) Middleware {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &loggingMiddleware{l: l}
}

type loggingMiddleware struct {
	l log.Logger
}

func (lm *loggingMiddleware) HandleRequest(ctx context.Context, hdr *wire.RequestHeader, req wire.Request, invoker Invoker) (wire.Response, error) {
	path := wire.PathOf(req)
	level.Debug(lm.l).Log("msg", "starting request", "op", hdr.Op, "id", hdr.ID, "path", path)
	resp, err := invoker(ctx, hdr, req)
	level.Debug(lm.l).Log("msg", "finished request", "op", hdr.Op, "id", hdr.ID, "path", path, "status", statusForError(err), "err", err)
	return resp, err
}
