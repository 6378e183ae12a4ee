package server

import (
	"container/list"
	"sync"
	"time"

	"github.com/rfratto/farfs/internal/wire"
)

type replyKey struct {
	peer string
	id   uint64
}

type replyState int

const (
	replyNew     replyState = iota // Never seen; the caller must process it.
	replyRunning                   // Seen and still being processed.
	replyDone                      // Processed; the cached reply can be resent.
)

type cachedReply struct {
	key     replyKey
	done    bool
	header  wire.ResponseHeader
	resp    wire.Response
	expires time.Time
}

// replyCache remembers recent responses by (peer, request ID) so that
// retransmitted requests are answered without running them again. Entries
// are evicted oldest-first once the cache is full, or after their TTL.
type replyCache struct {
	size int
	ttl  time.Duration

	mut     sync.Mutex
	order   *list.List // *cachedReply, oldest at the front
	entries map[replyKey]*list.Element
}

func newReplyCache(size int, ttl time.Duration) *replyCache {
	return &replyCache{
		size:    size,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[replyKey]*list.Element, size),
	}
}

// begin looks up key. If the key is new, it is recorded as running and
// replyNew is returned.
func (c *replyCache) begin(key replyKey, now time.Time) (cachedReply, replyState) {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.expire(now)

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*cachedReply)
		if ent.done {
			return *ent, replyDone
		}
		return *ent, replyRunning
	}

	for c.order.Len() >= c.size {
		c.remove(c.order.Front())
	}
	ent := &cachedReply{key: key, expires: now.Add(c.ttl)}
	c.entries[key] = c.order.PushBack(ent)
	return cachedReply{}, replyNew
}

// complete stores the reply for key.
func (c *replyCache) complete(key replyKey, h wire.ResponseHeader, resp wire.Response, now time.Time) {
	c.mut.Lock()
	defer c.mut.Unlock()

	el, ok := c.entries[key]
	if !ok {
		// Evicted while running. Don't re-add it; it would push out fresher
		// entries.
		return
	}
	ent := el.Value.(*cachedReply)
	ent.done = true
	ent.header = h
	ent.resp = resp
	ent.expires = now.Add(c.ttl)
	c.order.MoveToBack(el)
}

func (c *replyCache) expire(now time.Time) {
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		ent := el.Value.(*cachedReply)
		if ent.done && now.After(ent.expires) {
			c.remove(el)
		}
		el = next
	}
}

func (c *replyCache) remove(el *list.Element) {
	ent := c.order.Remove(el).(*cachedReply)
	delete(c.entries, ent.key)
}

// Len returns the number of cached entries.
func (c *replyCache) Len() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.order.Len()
}
