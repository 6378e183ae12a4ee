// Package transport moves wire messages over UDP. Client correlates
// requests with responses and retransmits on timeout; PacketTransport is the
// server side, feeding decoded requests to a server.Server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/farfs/internal/metrics"
	"github.com/rfratto/farfs/internal/wire"
	"go.uber.org/atomic"
)

// Transport errors. These are distinct from wire.Status errors, which are
// returned when the server answered with a failure.
var (
	// ErrTimeout is returned when no response arrived after all attempts.
	ErrTimeout = errors.New("request timed out")

	// ErrClosed is returned for requests made on or interrupted by a closed
	// Client.
	ErrClosed = errors.New("transport closed")

	// ErrUnexpectedResponse is returned when the server answered a request
	// with a response for a different operation.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrSocket is returned for all requests once reading from the socket
	// failed.
	ErrSocket = errors.New("socket failed")
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Timeout is how long to wait for a response before retransmitting.
	Timeout time.Duration

	// Attempts is the total number of transmissions of a request, including
	// the first one.
	Attempts int

	// Metrics to update. Unregistered metrics are used when nil.
	Metrics *metrics.Client
}

// DefaultClientOptions holds defaults for ClientOptions.
var DefaultClientOptions = ClientOptions{
	Timeout:  500 * time.Millisecond,
	Attempts: 6,
}

// Client sends requests to a single server and waits for their responses.
// Client is safe for concurrent use; any number of requests may be in flight
// at once.
type Client struct {
	log    log.Logger
	o      ClientOptions
	m      *metrics.Client
	conn   net.PacketConn
	remote net.Addr

	nextID atomic.Uint64

	mut     sync.Mutex
	pending map[uint64]*pendingRequest

	closeOnce sync.Once
	closed    chan struct{}
	exited    chan struct{}

	failed  chan struct{} // Closed when the reader stops on a socket error.
	readErr error
}

type pendingRequest struct {
	op       wire.Op
	attempts int
	respCh   chan reply
}

type reply struct {
	Header   wire.ResponseHeader
	Response wire.Response
}

// Dial opens a UDP socket and returns a Client talking to addr.
func Dial(l log.Logger, addr string, o ClientOptions) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("opening socket: %w", err)
	}
	return NewClient(l, conn, raddr, o), nil
}

// NewClient creates a Client which sends requests to remote over conn. The
// Client takes ownership of conn and closes it on Close.
func NewClient(l log.Logger, conn net.PacketConn, remote net.Addr, o ClientOptions) *Client {
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultClientOptions.Timeout
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultClientOptions.Attempts
	}
	m := o.Metrics
	if m == nil {
		m = metrics.NewClient(nil)
	}

	c := &Client{
		log:     log.With(l, "component", "transport", "remote", remote),
		o:       o,
		m:       m,
		conn:    conn,
		remote:  remote,
		pending: make(map[uint64]*pendingRequest),
		closed:  make(chan struct{}),
		exited:  make(chan struct{}),
		failed:  make(chan struct{}),
	}
	go c.run()
	return c
}

// Do sends req with a fresh request ID and waits for its response. A
// response with a non-OK status is returned as a wire.Status error.
func (c *Client) Do(ctx context.Context, req wire.Request) (wire.Response, error) {
	_, resp, err := c.Send(ctx, wire.RequestHeader{}, req)
	return resp, err
}

// Send sends req and waits for its response. h.ID is used as the request ID
// when non-zero; otherwise a fresh ID is assigned.
//
// The request is retransmitted with the same ID and bytes every time
// Timeout elapses without a response, up to Attempts transmissions. After
// the final attempt, ErrTimeout is returned.
func (c *Client) Send(ctx context.Context, h wire.RequestHeader, req wire.Request) (wire.ResponseHeader, wire.Response, error) {
	op, err := wire.OpOf(req)
	if err != nil {
		return wire.ResponseHeader{}, nil, err
	}
	if h.ID == 0 {
		h.ID = c.nextID.Inc()
	}
	h.Op = op

	raw, err := wire.EncodeRequest(h, req)
	if err != nil {
		return wire.ResponseHeader{}, nil, fmt.Errorf("failed to encode request: %w", err)
	}

	// The channel is buffered so the reading goroutine never blocks on a
	// request that already gave up.
	p := &pendingRequest{op: op, respCh: make(chan reply, 1)}
	if err := c.register(h.ID, p); err != nil {
		return wire.ResponseHeader{}, nil, err
	}
	defer c.retire(h.ID)

	c.m.Inflight.Inc()
	defer c.m.Inflight.Dec()

	timer := time.NewTimer(c.o.Timeout)
	defer timer.Stop()

	for p.attempts = 1; ; p.attempts++ {
		if p.attempts > 1 {
			c.m.Retries.Inc()
			level.Debug(c.log).Log("msg", "retransmitting request", "op", op, "id", h.ID, "attempt", p.attempts)
		}
		if _, err := c.conn.WriteTo(raw, c.remote); err != nil {
			if c.isClosed() {
				return wire.ResponseHeader{}, nil, ErrClosed
			}
			// Send failures are treated like lost datagrams.
			level.Warn(c.log).Log("msg", "failed to send request", "op", op, "id", h.ID, "err", err)
		}

		timer.Reset(c.o.Timeout)

		select {
		case r := <-p.respCh:
			return c.finish(op, r)

		case <-timer.C:
			if p.attempts >= c.o.Attempts {
				c.m.Timeouts.Inc()
				c.m.Requests.WithLabelValues(op.String(), "timeout").Inc()
				return wire.ResponseHeader{}, nil, fmt.Errorf("%s %d after %d attempts: %w", op, h.ID, p.attempts, ErrTimeout)
			}

		case <-c.closed:
			return wire.ResponseHeader{}, nil, ErrClosed

		case <-c.failed:
			return wire.ResponseHeader{}, nil, c.Err()

		case <-ctx.Done():
			c.m.Requests.WithLabelValues(op.String(), "canceled").Inc()
			return wire.ResponseHeader{}, nil, ctx.Err()
		}
	}
}

func (c *Client) finish(op wire.Op, r reply) (wire.ResponseHeader, wire.Response, error) {
	if r.Header.Op != op {
		c.m.Requests.WithLabelValues(op.String(), "unexpected").Inc()
		return r.Header, nil, fmt.Errorf("%w: got %s for %s", ErrUnexpectedResponse, r.Header.Op, op)
	}
	if r.Header.Status != wire.StatusOK {
		c.m.Requests.WithLabelValues(op.String(), "status").Inc()
		return r.Header, r.Response, r.Header.Status
	}
	c.m.Requests.WithLabelValues(op.String(), "ok").Inc()
	return r.Header, r.Response, nil
}

func (c *Client) register(id uint64, p *pendingRequest) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if c.readErr != nil {
		return c.readErr
	}
	if _, exist := c.pending[id]; exist {
		return fmt.Errorf("request %d is already pending", id)
	}
	c.pending[id] = p
	return nil
}

// retire removes id from the pending table if it's still there. A request
// is retired exactly once: either here or by the reader when its response
// arrives.
func (c *Client) retire(id uint64) {
	c.mut.Lock()
	defer c.mut.Unlock()
	delete(c.pending, id)
}

// claim removes and returns the pending request for id.
func (c *Client) claim(id uint64) (*pendingRequest, bool) {
	c.mut.Lock()
	defer c.mut.Unlock()

	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return p, ok
}

// Pending returns the number of requests currently awaiting a response.
func (c *Client) Pending() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.pending)
}

// run reads responses from the socket and forwards them to blocked
// requests.
func (c *Client) run() {
	defer close(c.exited)
	defer level.Debug(c.log).Log("msg", "transport reader exiting")

	// One extra byte so oversized datagrams can be detected.
	buf := make([]byte, wire.MaxDatagramSize+1)
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			if c.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			level.Error(c.log).Log("msg", "read error from socket; failing all requests", "err", err)
			c.fail(fmt.Errorf("%w: %w", ErrSocket, err))
			return
		}
		if from == nil || from.String() != c.remote.String() {
			level.Debug(c.log).Log("msg", "ignoring datagram from unexpected peer", "from", from)
			continue
		}
		if n > wire.MaxDatagramSize {
			c.m.Malformed.Inc()
			level.Warn(c.log).Log("msg", "discarding oversized datagram", "size", n)
			continue
		}

		h, resp, err := wire.DecodeResponse(buf[:n])
		if err != nil {
			c.m.Malformed.Inc()
			level.Warn(c.log).Log("msg", "discarding malformed response", "err", err)
			continue
		}

		p, found := c.claim(h.ID)
		if !found {
			c.m.LateReplies.Inc()
			level.Debug(c.log).Log("msg", "discarding response that doesn't match a pending request", "op", h.Op, "id", h.ID)
			continue
		}
		p.respCh <- reply{Header: h, Response: resp}
	}
}

func (c *Client) fail(err error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.readErr = err
	close(c.failed)
}

// Failed is closed if the Client stopped receiving because of a socket
// error. Err returns the error.
func (c *Client) Failed() <-chan struct{} { return c.failed }

// Err returns the socket error which stopped the Client, if any.
func (c *Client) Err() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.readErr
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close closes the Client. Requests waiting for a response fail with
// ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mut.Lock()
		close(c.closed)
		c.mut.Unlock()

		err = c.conn.Close()
		<-c.exited
	})
	return err
}
