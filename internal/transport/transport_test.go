package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rfratto/farfs/internal/metrics"
	"github.com/rfratto/farfs/internal/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

type handleFunc func(conn net.PacketConn, peer net.Addr, raw []byte, h wire.RequestHeader, req wire.Request)

// runFakeServer runs a UDP server on loopback which hands every request to
// fn.
func runFakeServer(t *testing.T, fn handleFunc) net.Addr {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, wire.MaxDatagramSize)
		for {
			n, peer, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			raw := append([]byte{}, buf[:n]...)
			h, req, err := wire.DecodeRequest(raw)
			if err != nil {
				continue
			}
			fn(conn, peer, raw, h, req)
		}
	}()
	return conn.LocalAddr()
}

func sendReply(t *testing.T, conn net.PacketConn, peer net.Addr, h wire.ResponseHeader, resp wire.Response) {
	raw, err := wire.EncodeResponse(h, resp)
	if err != nil {
		t.Errorf("encoding response: %s", err)
		return
	}
	_, _ = conn.WriteTo(raw, peer)
}

// echoReadlink answers Readlink requests with the requested path as the
// link target.
func echoReadlink(t *testing.T) handleFunc {
	return func(conn net.PacketConn, peer net.Addr, _ []byte, h wire.RequestHeader, req wire.Request) {
		rl := req.(*wire.ReadlinkRequest)
		sendReply(t, conn, peer, wire.ResponseHeader{Op: h.Op, ID: h.ID}, &wire.ReadlinkResponse{Target: rl.Path})
	}
}

func newTestClient(t *testing.T, addr net.Addr, o ClientOptions) *Client {
	t.Helper()
	c, err := Dial(nil, addr.String(), o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_Do(t *testing.T) {
	addr := runFakeServer(t, echoReadlink(t))
	c := newTestClient(t, addr, DefaultClientOptions)

	resp, err := c.Do(context.Background(), &wire.ReadlinkRequest{Path: "/link"})
	require.NoError(t, err)
	require.Equal(t, &wire.ReadlinkResponse{Target: "/link"}, resp)
	require.Equal(t, 0, c.Pending())
}

func TestClient_Send_KeepsID(t *testing.T) {
	var (
		mut  sync.Mutex
		seen []uint64
	)
	addr := runFakeServer(t, func(conn net.PacketConn, peer net.Addr, raw []byte, h wire.RequestHeader, req wire.Request) {
		mut.Lock()
		seen = append(seen, h.ID)
		mut.Unlock()
		echoReadlink(t)(conn, peer, raw, h, req)
	})
	c := newTestClient(t, addr, DefaultClientOptions)

	h, _, err := c.Send(context.Background(), wire.RequestHeader{ID: 9000}, &wire.ReadlinkRequest{Path: "/"})
	require.NoError(t, err)
	require.Equal(t, uint64(9000), h.ID)

	mut.Lock()
	defer mut.Unlock()
	require.Equal(t, []uint64{9000}, seen)
}

func TestClient_StatusError(t *testing.T) {
	addr := runFakeServer(t, func(conn net.PacketConn, peer net.Addr, _ []byte, h wire.RequestHeader, _ wire.Request) {
		sendReply(t, conn, peer, wire.ResponseHeader{Op: h.Op, ID: h.ID, Status: wire.StatusNotFound}, nil)
	})
	c := newTestClient(t, addr, DefaultClientOptions)

	_, err := c.Do(context.Background(), &wire.GetAttrRequest{Path: "/missing"})
	require.True(t, errors.Is(err, wire.StatusNotFound))
	require.False(t, errors.Is(err, ErrTimeout))
}

func TestClient_UnexpectedResponse(t *testing.T) {
	addr := runFakeServer(t, func(conn net.PacketConn, peer net.Addr, _ []byte, h wire.RequestHeader, _ wire.Request) {
		sendReply(t, conn, peer, wire.ResponseHeader{Op: wire.OpRead, ID: h.ID}, &wire.ReadResponse{Data: []byte("x")})
	})
	c := newTestClient(t, addr, DefaultClientOptions)

	_, err := c.Do(context.Background(), &wire.GetAttrRequest{Path: "/"})
	require.True(t, errors.Is(err, ErrUnexpectedResponse))
}

func TestClient_Retransmit(t *testing.T) {
	var (
		mut      sync.Mutex
		attempts [][]byte
	)
	addr := runFakeServer(t, func(conn net.PacketConn, peer net.Addr, raw []byte, h wire.RequestHeader, req wire.Request) {
		mut.Lock()
		attempts = append(attempts, raw)
		n := len(attempts)
		mut.Unlock()

		// Lose the first two transmissions.
		if n < 3 {
			return
		}
		echoReadlink(t)(conn, peer, raw, h, req)
	})

	m := metrics.NewClient(nil)
	c := newTestClient(t, addr, ClientOptions{Timeout: 50 * time.Millisecond, Attempts: 5, Metrics: m})

	resp, err := c.Do(context.Background(), &wire.ReadlinkRequest{Path: "/retry"})
	require.NoError(t, err)
	require.Equal(t, "/retry", resp.(*wire.ReadlinkResponse).Target)

	mut.Lock()
	defer mut.Unlock()
	require.Len(t, attempts, 3)
	require.Equal(t, attempts[0], attempts[1], "retransmissions must reuse the same bytes")
	require.Equal(t, attempts[0], attempts[2], "retransmissions must reuse the same bytes")
	require.Equal(t, float64(2), testutil.ToFloat64(m.Retries))
	require.Equal(t, 0, c.Pending())
}

func TestClient_Timeout(t *testing.T) {
	var (
		mut   sync.Mutex
		count int
	)
	addr := runFakeServer(t, func(net.PacketConn, net.Addr, []byte, wire.RequestHeader, wire.Request) {
		mut.Lock()
		count++
		mut.Unlock()
	})

	m := metrics.NewClient(nil)
	c := newTestClient(t, addr, ClientOptions{Timeout: 20 * time.Millisecond, Attempts: 3, Metrics: m})

	_, err := c.Do(context.Background(), &wire.GetAttrRequest{Path: "/"})
	require.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	require.Equal(t, 0, c.Pending())
	require.Equal(t, float64(1), testutil.ToFloat64(m.Timeouts))

	// Give the last datagram time to arrive.
	require.Eventually(t, func() bool {
		mut.Lock()
		defer mut.Unlock()
		return count == 3
	}, time.Second, 10*time.Millisecond)
}

func TestClient_DuplicateReplyDiscarded(t *testing.T) {
	addr := runFakeServer(t, func(conn net.PacketConn, peer net.Addr, raw []byte, h wire.RequestHeader, req wire.Request) {
		echoReadlink(t)(conn, peer, raw, h, req)
		echoReadlink(t)(conn, peer, raw, h, req)
	})

	m := metrics.NewClient(nil)
	c := newTestClient(t, addr, ClientOptions{Metrics: m})

	resp, err := c.Do(context.Background(), &wire.ReadlinkRequest{Path: "/dup"})
	require.NoError(t, err)
	require.Equal(t, "/dup", resp.(*wire.ReadlinkResponse).Target)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.LateReplies) == 1
	}, time.Second, 10*time.Millisecond)

	// The duplicate must not be delivered to the next request.
	resp, err = c.Do(context.Background(), &wire.ReadlinkRequest{Path: "/next"})
	require.NoError(t, err)
	require.Equal(t, "/next", resp.(*wire.ReadlinkResponse).Target)
}

func TestClient_Concurrent(t *testing.T) {
	// Collect a batch of requests and answer them in reverse order.
	const n = 32

	var (
		mut     sync.Mutex
		batch   []func()
		handled = make(chan struct{})
	)
	addr := runFakeServer(t, func(conn net.PacketConn, peer net.Addr, raw []byte, h wire.RequestHeader, req wire.Request) {
		mut.Lock()
		defer mut.Unlock()
		batch = append(batch, func() { echoReadlink(t)(conn, peer, raw, h, req) })
		if len(batch) == n {
			for i := len(batch) - 1; i >= 0; i-- {
				batch[i]()
			}
			close(handled)
		}
	})

	c := newTestClient(t, addr, ClientOptions{Timeout: 5 * time.Second, Attempts: 1})

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/file-%d", i)
			resp, err := c.Do(context.Background(), &wire.ReadlinkRequest{Path: path})
			if err != nil {
				errs <- err
				return
			}
			if got := resp.(*wire.ReadlinkResponse).Target; got != path {
				errs <- fmt.Errorf("request for %s got response for %s", path, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	<-handled
	require.Equal(t, 0, c.Pending())
}

func TestClient_ContextCanceled(t *testing.T) {
	addr := runFakeServer(t, func(net.PacketConn, net.Addr, []byte, wire.RequestHeader, wire.Request) {})
	c := newTestClient(t, addr, ClientOptions{Timeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Do(ctx, &wire.GetAttrRequest{Path: "/"})
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, 0, c.Pending())
}

func TestClient_Close(t *testing.T) {
	addr := runFakeServer(t, func(net.PacketConn, net.Addr, []byte, wire.RequestHeader, wire.Request) {})
	c := newTestClient(t, addr, ClientOptions{Timeout: time.Minute})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), &wire.GetAttrRequest{Path: "/"})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())
	require.True(t, errors.Is(<-errCh, ErrClosed))

	_, err := c.Do(context.Background(), &wire.GetAttrRequest{Path: "/"})
	require.True(t, errors.Is(err, ErrClosed))
}

// brokenConn is a PacketConn whose reads always fail.
type brokenConn struct {
	net.PacketConn
	reads atomic.Int64
}

var errBroken = errors.New("network is down")

func (c *brokenConn) ReadFrom([]byte) (int, net.Addr, error) {
	c.reads.Inc()
	return 0, nil, errBroken
}

func TestClient_SocketFailure(t *testing.T) {
	addr := runFakeServer(t, func(net.PacketConn, net.Addr, []byte, wire.RequestHeader, wire.Request) {})

	inner, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn := &brokenConn{PacketConn: inner}

	c := NewClient(nil, conn, addr, ClientOptions{Timeout: 100 * time.Millisecond, Attempts: 2})
	t.Cleanup(func() { _ = c.Close() })

	select {
	case <-c.Failed():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "client did not fail")
	}
	require.ErrorIs(t, c.Err(), ErrSocket)
	require.ErrorIs(t, c.Err(), errBroken)

	_, err = c.Do(context.Background(), &wire.GetAttrRequest{Path: "/"})
	require.ErrorIs(t, err, ErrSocket)
	require.False(t, errors.Is(err, ErrTimeout))

	// The reader stops on the first failure instead of spinning.
	require.Equal(t, int64(1), conn.reads.Load())
	require.Equal(t, 0, c.Pending())
}

func TestClient_SocketFailureWhilePending(t *testing.T) {
	addr := runFakeServer(t, func(net.PacketConn, net.Addr, []byte, wire.RequestHeader, wire.Request) {})

	inner, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	c := NewClient(nil, inner, addr, ClientOptions{Timeout: time.Minute, Attempts: 1})
	t.Cleanup(func() { _ = c.Close() })

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), &wire.GetAttrRequest{Path: "/"})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, 5*time.Second, 10*time.Millisecond)

	c.fail(fmt.Errorf("%w: %w", ErrSocket, errBroken))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrSocket)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "pending request was not failed")
	}
}

func TestPacketTransport_SkipsMalformed(t *testing.T) {
	m := metrics.NewServer(nil)
	pt, err := Listen(nil, "127.0.0.1:0", PacketOptions{Metrics: m})
	require.NoError(t, err)
	defer pt.Close()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	good, err := wire.EncodeRequest(wire.RequestHeader{ID: 5}, &wire.GetAttrRequest{Path: "/ok"})
	require.NoError(t, err)

	for _, dgram := range [][]byte{{0xde, 0xad}, good[:len(good)-1], good} {
		_, err := conn.WriteTo(dgram, pt.Addr())
		require.NoError(t, err)
	}

	peer, h, req, err := pt.RecvRequest()
	require.NoError(t, err)
	require.Equal(t, conn.LocalAddr().String(), peer.String())
	require.Equal(t, uint64(5), h.ID)
	require.Equal(t, &wire.GetAttrRequest{Path: "/ok"}, req)
	require.Equal(t, float64(2), testutil.ToFloat64(m.Malformed))

	require.NoError(t, pt.SendResponse(peer, wire.ResponseHeader{Op: h.Op, ID: h.ID, Status: wire.StatusDenied}, nil))
	buf := make([]byte, wire.MaxDatagramSize)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	rh, _, err := wire.DecodeResponse(buf[:n])
	require.NoError(t, err)
	require.Equal(t, wire.StatusDenied, rh.Status)

	require.NoError(t, pt.Close())
	_, _, _, err = pt.RecvRequest()
	require.Equal(t, io.EOF, err)
}

func TestPacketTransport_RateLimit(t *testing.T) {
	m := metrics.NewServer(nil)
	// Burst of one and effectively no refill.
	pt, err := Listen(nil, "127.0.0.1:0", PacketOptions{
		Limiter: rate.NewLimiter(rate.Every(time.Hour), 1),
		Metrics: m,
	})
	require.NoError(t, err)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	for i := 1; i <= 3; i++ {
		raw, err := wire.EncodeRequest(wire.RequestHeader{ID: uint64(i)}, &wire.GetAttrRequest{Path: "/"})
		require.NoError(t, err)
		_, err = conn.WriteTo(raw, pt.Addr())
		require.NoError(t, err)
	}

	_, h, _, err := pt.RecvRequest()
	require.NoError(t, err)
	require.Equal(t, uint64(1), h.ID)

	// The remaining datagrams are dropped; closing unblocks the reader.
	done := make(chan error, 1)
	go func() {
		_, _, _, err := pt.RecvRequest()
		done <- err
	}()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.RateLimited) == 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, pt.Close())
	require.Equal(t, io.EOF, <-done)
}
