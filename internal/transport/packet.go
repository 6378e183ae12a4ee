package transport

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/farfs/internal/metrics"
	"github.com/rfratto/farfs/internal/wire"
	"golang.org/x/time/rate"
)

// PacketOptions configures a PacketTransport.
type PacketOptions struct {
	// Limiter, when set, drops datagrams arriving faster than it allows.
	// Clients recover dropped requests by retransmitting.
	Limiter *rate.Limiter

	// Metrics to update. Unregistered metrics are used when nil.
	Metrics *metrics.Server
}

// PacketTransport is a wire.ServerTransport over a datagram socket.
type PacketTransport struct {
	log  log.Logger
	conn net.PacketConn
	o    PacketOptions
	m    *metrics.Server

	buf []byte
}

var _ wire.ServerTransport = (*PacketTransport)(nil)

// Listen opens a UDP socket on addr and returns a PacketTransport for it.
func Listen(l log.Logger, addr string, o PacketOptions) (*PacketTransport, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return NewPacketTransport(l, conn, o), nil
}

// NewPacketTransport wraps conn. PacketTransport takes ownership of conn.
func NewPacketTransport(l log.Logger, conn net.PacketConn, o PacketOptions) *PacketTransport {
	if l == nil {
		l = log.NewNopLogger()
	}
	m := o.Metrics
	if m == nil {
		m = metrics.NewServer(nil)
	}
	return &PacketTransport{
		log:  log.With(l, "component", "transport"),
		conn: conn,
		o:    o,
		m:    m,
		buf:  make([]byte, wire.MaxDatagramSize+1),
	}
}

// Addr returns the local address of the transport.
func (t *PacketTransport) Addr() net.Addr { return t.conn.LocalAddr() }

// RecvRequest reads datagrams until a well-formed request arrives.
// Malformed datagrams are logged and dropped. io.EOF is returned once the
// transport is closed.
//
// RecvRequest must not be called concurrently.
func (t *PacketTransport) RecvRequest() (net.Addr, wire.RequestHeader, wire.Request, error) {
	for {
		n, peer, err := t.conn.ReadFrom(t.buf)
		if errors.Is(err, net.ErrClosed) {
			return nil, wire.RequestHeader{}, nil, io.EOF
		} else if err != nil {
			return nil, wire.RequestHeader{}, nil, err
		}

		if t.o.Limiter != nil && !t.o.Limiter.Allow() {
			t.m.RateLimited.Inc()
			level.Debug(t.log).Log("msg", "rate limit exceeded, dropping datagram", "peer", peer)
			continue
		}
		if n > wire.MaxDatagramSize {
			t.m.Malformed.Inc()
			level.Warn(t.log).Log("msg", "dropping oversized datagram", "peer", peer, "size", n)
			continue
		}

		h, req, err := wire.DecodeRequest(t.buf[:n])
		if err != nil {
			t.m.Malformed.Inc()
			level.Warn(t.log).Log("msg", "dropping malformed datagram", "peer", peer, "err", err)
			continue
		}
		return peer, h, req, nil
	}
}

// SendResponse encodes and sends a response to peer. Responses which can't
// be encoded (for example, because they're too large) are replaced with an
// IOError status so the peer isn't left waiting.
func (t *PacketTransport) SendResponse(peer net.Addr, h wire.ResponseHeader, r wire.Response) error {
	raw, err := wire.EncodeResponse(h, r)
	if err != nil {
		level.Error(t.log).Log("msg", "failed to encode response", "op", h.Op, "id", h.ID, "err", err)
		h.Status = wire.StatusIOError
		if raw, err = wire.EncodeResponse(h, nil); err != nil {
			return err
		}
	}
	_, err = t.conn.WriteTo(raw, peer)
	return err
}

// Close closes the underlying socket.
func (t *PacketTransport) Close() error { return t.conn.Close() }
