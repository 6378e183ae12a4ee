package server

import (
	"context"
	"time"

	"github.com/rfratto/farfs/internal/metrics"
	"github.com/rfratto/farfs/internal/wire"
)

// NewMetricsMiddleware returns a middleware which records the outcome and
// duration of every request.
func NewMetricsMiddleware(m *metrics.Server) Middleware {
	return FuncMiddleware(func(ctx context.Context, hdr *wire.RequestHeader, req wire.Request, invoker Invoker) (wire.Response, error) {
		start := time.Now()
		resp, err := invoker(ctx, hdr, req)

		op := hdr.Op.String()
		m.RequestSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
		m.Requests.WithLabelValues(op, statusLabel(statusForError(err))).Inc()
		return resp, err
	})
}

func statusLabel(s wire.Status) string {
	switch s {
	case wire.StatusOK:
		return "ok"
	case wire.StatusNotFound:
		return "not_found"
	case wire.StatusDenied:
		return "denied"
	case wire.StatusIOError:
		return "io_error"
	case wire.StatusUnsupported:
		return "unsupported"
	case wire.StatusInvalid:
		return "invalid"
	case wire.StatusNotEmpty:
		return "not_empty"
	case wire.StatusExists:
		return "exists"
	default:
		return "unknown"
	}
}
