package server

import (
	"testing"
	"time"

	"github.com/rfratto/farfs/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestReplyCache_States(t *testing.T) {
	var (
		c   = newReplyCache(4, time.Minute)
		now = time.Unix(1000, 0)
		key = replyKey{peer: "127.0.0.1:1234", id: 1}
	)

	_, state := c.begin(key, now)
	require.Equal(t, replyNew, state)

	_, state = c.begin(key, now)
	require.Equal(t, replyRunning, state)

	h := wire.ResponseHeader{Op: wire.OpReadlink, ID: 1}
	c.complete(key, h, &wire.ReadlinkResponse{Target: "t"}, now)

	cached, state := c.begin(key, now)
	require.Equal(t, replyDone, state)
	require.Equal(t, h, cached.header)
	require.Equal(t, &wire.ReadlinkResponse{Target: "t"}, cached.resp)

	// Same ID from a different peer is a different request.
	_, state = c.begin(replyKey{peer: "127.0.0.1:9999", id: 1}, now)
	require.Equal(t, replyNew, state)
}

func TestReplyCache_Expires(t *testing.T) {
	var (
		c   = newReplyCache(4, time.Second)
		now = time.Unix(1000, 0)
		key = replyKey{peer: "p", id: 1}
	)

	c.begin(key, now)
	c.complete(key, wire.ResponseHeader{Op: wire.OpUnlink, ID: 1}, &wire.AckResponse{}, now)
	require.Equal(t, 1, c.Len())

	_, state := c.begin(key, now.Add(2*time.Second))
	require.Equal(t, replyNew, state, "expired entry should be forgotten")
}

func TestReplyCache_RunningNeverExpires(t *testing.T) {
	var (
		c   = newReplyCache(4, time.Second)
		now = time.Unix(1000, 0)
		key = replyKey{peer: "p", id: 1}
	)

	c.begin(key, now)
	_, state := c.begin(key, now.Add(time.Hour))
	require.Equal(t, replyRunning, state)
}

func TestReplyCache_EvictsOldest(t *testing.T) {
	var (
		c   = newReplyCache(2, time.Minute)
		now = time.Unix(1000, 0)
	)

	for id := uint64(1); id <= 3; id++ {
		key := replyKey{peer: "p", id: id}
		c.begin(key, now)
		c.complete(key, wire.ResponseHeader{Op: wire.OpUnlink, ID: id}, &wire.AckResponse{}, now)
	}
	require.Equal(t, 2, c.Len())

	_, state := c.begin(replyKey{peer: "p", id: 3}, now)
	require.Equal(t, replyDone, state)
	_, state = c.begin(replyKey{peer: "p", id: 1}, now)
	require.Equal(t, replyNew, state)
}

func TestReplyCache_CompleteAfterEviction(t *testing.T) {
	var (
		c   = newReplyCache(1, time.Minute)
		now = time.Unix(1000, 0)
		a   = replyKey{peer: "p", id: 1}
		b   = replyKey{peer: "p", id: 2}
	)

	c.begin(a, now)
	c.begin(b, now) // evicts a
	c.complete(a, wire.ResponseHeader{Op: wire.OpUnlink, ID: 1}, &wire.AckResponse{}, now)

	require.Equal(t, 1, c.Len())
	_, state := c.begin(b, now)
	require.Equal(t, replyRunning, state)
}
