// Package server implements the farfs request processor. A Server reads
// requests from a wire.ServerTransport and hands them to a Handler, which
// performs the filesystem operation.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/farfs/internal/metrics"
	"github.com/rfratto/farfs/internal/wire"
)

// Handler processes requests. Handler is passed to a Server, which will
// invoke methods as requests come in.
type Handler interface {
	// Init is called at the start of serving a handler.
	Init(context.Context) error

	// Close is called when closing a handler.
	Close() error

	GetAttr(context.Context, *wire.RequestHeader, *wire.GetAttrRequest) (*wire.AttrResponse, error)
	SetAttr(context.Context, *wire.RequestHeader, *wire.SetAttrRequest) (*wire.AttrResponse, error)
	Open(context.Context, *wire.RequestHeader, *wire.OpenRequest) (*wire.OpenResponse, error)
	OpenDir(context.Context, *wire.RequestHeader, *wire.OpenDirRequest) (*wire.OpenResponse, error)
	Readdir(context.Context, *wire.RequestHeader, *wire.ReaddirRequest) (*wire.ReaddirResponse, error)
	MkNod(context.Context, *wire.RequestHeader, *wire.MkNodRequest) (*wire.LookupResponse, error)
	MkDir(context.Context, *wire.RequestHeader, *wire.MkDirRequest) (*wire.LookupResponse, error)
	Write(context.Context, *wire.RequestHeader, *wire.WriteRequest) (*wire.WriteResponse, error)
	Read(context.Context, *wire.RequestHeader, *wire.ReadRequest) (*wire.ReadResponse, error)
	Unlink(context.Context, *wire.RequestHeader, *wire.UnlinkRequest) error
	Rmdir(context.Context, *wire.RequestHeader, *wire.RmdirRequest) error
	Readlink(context.Context, *wire.RequestHeader, *wire.ReadlinkRequest) (*wire.ReadlinkResponse, error)
	Release(context.Context, *wire.RequestHeader, *wire.ReleaseRequest) error
}

type Options struct {
	// ConcurrencyLimit is the number of workers processing requests. Requests
	// for the same path are always processed by the same worker, in the order
	// they were received. If ConcurrencyLimit is <= 0, it will obtain its
	// default from DefaultOptions.
	ConcurrencyLimit int

	// RequestTimeout will force a request to abort after a given amount of time.
	// 0 means to never time out.
	RequestTimeout time.Duration

	// Transport is the transport used to read and write requests. Server takes
	// ownership of the Transport after passing to New; do not close directly.
	Transport wire.ServerTransport

	// Handler is used for handling individual requests.
	Handler Handler

	// Optional middleware to preprocess requests with.
	Middleware []Middleware

	// ExitToken authorizes Exit requests from non-loopback peers. When empty,
	// only loopback peers may stop the server.
	ExitToken string

	// ReplyCacheSize is the number of recent responses remembered for
	// answering retransmitted requests. ReplyCacheTTL is how long they are
	// remembered for.
	ReplyCacheSize int
	ReplyCacheTTL  time.Duration

	// Metrics to update. Unregistered metrics are used when nil.
	Metrics *metrics.Server
}

// DefaultOptions provides defaults for Server.
var DefaultOptions = Options{
	ConcurrencyLimit: 16,
	ReplyCacheSize:   1024,
	ReplyCacheTTL:    30 * time.Second,
}

// Server asynchronously handles requests from a transport by passing them
// to a Handler.
type Server struct {
	log log.Logger
	o   Options
	m   *metrics.Server

	// The middleware to execute before the handler
	mw      Middleware
	handler Invoker
	replies *replyCache
}

// New creates a new Server. Read messages will be passed to Handler for
// handling.
//
// Call Serve to start the Server.
func New(l log.Logger, o Options) (*Server, error) {
	if o.Handler == nil {
		return nil, fmt.Errorf("Handler must be set")
	}
	if o.Transport == nil {
		return nil, fmt.Errorf("Transport must be set")
	}
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = DefaultOptions.ConcurrencyLimit
	}
	if o.ReplyCacheSize <= 0 {
		o.ReplyCacheSize = DefaultOptions.ReplyCacheSize
	}
	if o.ReplyCacheTTL <= 0 {
		o.ReplyCacheTTL = DefaultOptions.ReplyCacheTTL
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewServer(nil)
	}

	if l == nil {
		l = log.NewNopLogger()
	}
	return &Server{
		log:     l,
		o:       o,
		m:       o.Metrics,
		mw:      chainMiddleware(o.Middleware),
		handler: handlerInvoker(o.Handler),
		replies: newReplyCache(o.ReplyCacheSize, o.ReplyCacheTTL),
	}, nil
}

type task struct {
	peer   net.Addr
	key    replyKey
	header wire.RequestHeader
	req    wire.Request
}

// Serve starts the server. Serve returns nil after an authorized Exit
// request, when the transport is closed, or when ctx is canceled. Other
// transport errors are returned.
//
// Serve should not be called again after it has exited.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.o.Handler.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize handler: %w", err)
	}

	// Reading from the transport can't be canceled, so closing the transport
	// is what unblocks the read loop. We launch a dedicated goroutine just for
	// waiting for context to cancel, and never return until it exits.
	exited := make(chan struct{})
	defer func() { <-exited }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer close(exited)
		<-ctx.Done()

		level.Info(s.log).Log("msg", "server exiting")
		defer level.Debug(s.log).Log("msg", "server exited")

		if err := s.o.Transport.Close(); err != nil {
			level.Error(s.log).Log("msg", "error when closing transport", "err", err)
		}
	}()

	var (
		runningWorkers sync.WaitGroup
		shards         = make([]chan task, s.o.ConcurrencyLimit)
	)
	for i := range shards {
		shards[i] = make(chan task, 64)

		runningWorkers.Add(1)
		go func(tasks <-chan task) {
			defer runningWorkers.Done()

			for {
				select {
				case <-ctx.Done():
					return
				case t := <-tasks:
					s.handleTask(ctx, t)
				}
			}
		}(shards[i])
	}
	defer func() {
		// Stop all of our workers. The handler is only closed once no worker
		// can be using it.
		cancel()
		runningWorkers.Wait()

		if err := s.o.Handler.Close(); err != nil {
			level.Error(s.log).Log("msg", "error when closing handler", "err", err)
		}
	}()

	scheduleTask := func(t task) {
		shard := shards[shardFor(wire.PathOf(t.req), len(shards))]
		select {
		case shard <- t:
		case <-ctx.Done():
		}
	}

	for {
		// Do an early return if our context has been canceled.
		if ctx.Err() != nil {
			level.Debug(s.log).Log("msg", "context canceled, breaking out of server read loop")
			return nil
		}

		peer, header, req, err := s.o.Transport.RecvRequest()
		if errors.Is(err, io.EOF) {
			level.Debug(s.log).Log("msg", "got EOF from transport; exiting")
			return nil
		} else if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			level.Error(s.log).Log("msg", "got error from transport; exiting", "err", err)
			return err
		}

		switch header.Op {
		case wire.OpExit:
			req, _ := req.(*wire.ExitRequest)
			if req == nil {
				level.Warn(s.log).Log("msg", "protocol error: got exit request without request payload", "peer", peer)
				continue
			}
			if !s.exitAllowed(peer, req.Token) {
				level.Warn(s.log).Log("msg", "rejecting unauthorized exit request", "peer", peer)
				s.sendResponse(peer, wire.ResponseHeader{Op: header.Op, ID: header.ID, Status: wire.StatusDenied}, nil)
				continue
			}
			level.Info(s.log).Log("msg", "received exit request from peer", "peer", peer)
			s.sendResponse(peer, wire.ResponseHeader{Op: header.Op, ID: header.ID}, &wire.AckResponse{})
			return nil

		default:
			key := replyKey{peer: peer.String(), id: header.ID}
			cached, state := s.replies.begin(key, time.Now())
			switch state {
			case replyRunning:
				s.m.DroppedReplay.Inc()
				level.Debug(s.log).Log("msg", "dropping retransmission of running request", "op", header.Op, "id", header.ID)
			case replyDone:
				s.m.ReplayedReply.Inc()
				level.Debug(s.log).Log("msg", "answering retransmission from reply cache", "op", header.Op, "id", header.ID)
				s.sendResponse(peer, cached.header, cached.resp)
			default:
				scheduleTask(task{peer: peer, key: key, header: header, req: req})
			}
		}
	}
}

func (s *Server) handleTask(ctx context.Context, t task) {
	if s.o.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.o.RequestTimeout)
		defer cancel()
	}

	resp, err := s.mw.HandleRequest(ctx, &t.header, t.req, s.handler)
	h := responseHeader(t.header, err)
	if h.Status != wire.StatusOK {
		resp = nil
	}

	s.replies.complete(t.key, h, resp, time.Now())
	s.sendResponse(t.peer, h, resp)
}

func (s *Server) sendResponse(peer net.Addr, h wire.ResponseHeader, resp wire.Response) {
	err := s.o.Transport.SendResponse(peer, h, resp)
	if err != nil {
		level.Error(s.log).Log("msg", "failed to write response to transport", "peer", peer, "err", err)
	}
}

// exitAllowed reports whether peer may stop the server.
func (s *Server) exitAllowed(peer net.Addr, token string) bool {
	if isLoopback(peer) {
		return true
	}
	if s.o.ExitToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.o.ExitToken), []byte(token)) == 1
}

func isLoopback(addr net.Addr) bool {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.IsLoopback()
	case nil:
		return false
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func shardFor(path string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return int(h.Sum32() % uint32(shards))
}

func responseHeader(req wire.RequestHeader, err error) wire.ResponseHeader {
	return wire.ResponseHeader{
		Op:     req.Op,
		ID:     req.ID,
		Status: statusForError(err),
	}
}

func statusForError(err error) wire.Status {
	if err == nil {
		return wire.StatusOK
	}

	var st wire.Status
	if errors.As(err, &st) && st != wire.StatusOK {
		return st
	}

	// Check for common system-level errors.
	// ENOTEMPTY also matches fs.ErrExist, so it's checked first.
	switch {
	case errors.Is(err, syscall.ENOTEMPTY):
		return wire.StatusNotEmpty
	case errors.Is(err, fs.ErrNotExist):
		return wire.StatusNotFound
	case errors.Is(err, fs.ErrPermission), isEscape(err):
		return wire.StatusDenied
	case errors.Is(err, fs.ErrExist):
		return wire.StatusExists
	case errors.Is(err, syscall.EINVAL), errors.Is(err, syscall.EISDIR), errors.Is(err, syscall.ENOTDIR):
		return wire.StatusInvalid
	case errors.Is(err, syscall.ENOSYS), errors.Is(err, errors.ErrUnsupported):
		return wire.StatusUnsupported
	}
	return wire.StatusIOError
}

// isEscape reports whether err was raised by os.Root for a path leaving the
// root. os.Root doesn't export a sentinel for this.
func isEscape(err error) bool {
	var pe *fs.PathError
	return errors.As(err, &pe) && strings.Contains(pe.Err.Error(), "escapes")
}
