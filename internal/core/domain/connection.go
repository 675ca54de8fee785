package domain

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// ConnectionUser is implemented by anything that can hold a reference
// into a Connection's active-call registry (spec.md §9: "cyclic graphs:
// Call <-> Connection <-> Pool" are modelled with identifiers instead
// of language-level weak references).
type ConnectionUser interface {
	CallID() CallID
}

type CallID uint64

// Connection is the shared, multiplexable (for HTTP/2) or exclusive
// (for HTTP/1) socket wrapper described in spec.md §3. All mutation
// requires holding Mu; fields below the mutex comment are touched only
// under that lock, with the exception of the atomics which are safe to
// read lock-free for fast-path checks (e.g. pool eligibility scans).
type Connection struct {
	Mu sync.Mutex

	Route      Route
	Raw        net.Conn
	App        net.Conn // equals Raw for plaintext; the TLS-wrapped conn otherwise
	TLS        *TLSInfo
	Protocol   string // "http/1.1" or "h2"
	H2         H2ConnHandle // nil unless Protocol == "h2"

	AllocationLimit int32
	ActiveCalls     map[CallID]struct{}

	IdleSince time.Time

	NoNewExchanges        atomic.Bool
	NoCoalescedConnections atomic.Bool

	RouteFailureCount int32
	CreatedAt         time.Time
}

// H2ConnHandle is the minimal surface the engine needs from an HTTP/2
// session multiplexer; the real frame codec lives outside the core
// (spec.md §1 "out of scope: wire codecs").
type H2ConnHandle interface {
	MaxConcurrentStreams() int32
	Ping(ctx context.Context) error
	Shutdown()
}

func NewConnection(route Route, raw net.Conn) *Connection {
	return &Connection{
		Route:           route,
		Raw:             raw,
		App:             raw,
		Protocol:        "http/1.1",
		AllocationLimit: 1,
		ActiveCalls:     make(map[CallID]struct{}),
		CreatedAt:       time.Now(),
	}
}

// Acquire registers id as an active user of the connection. Callers
// must hold Mu. Returns false if the allocation limit is already
// reached (I1 in spec.md §8).
func (c *Connection) Acquire(id CallID) bool {
	if int32(len(c.ActiveCalls)) >= c.AllocationLimit {
		return false
	}
	c.ActiveCalls[id] = struct{}{}
	c.IdleSince = time.Time{}
	return true
}

// Release removes id from the active-call set. Callers must hold Mu.
// When the set becomes empty the connection becomes idle as of now.
func (c *Connection) Release(id CallID, now time.Time) {
	delete(c.ActiveCalls, id)
	if len(c.ActiveCalls) == 0 {
		c.IdleSince = now
	}
}

func (c *Connection) CallCount() int {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return len(c.ActiveCalls)
}

func (c *Connection) IsMultiplexed() bool {
	return c.Protocol == "h2"
}

func (c *Connection) MarkNoNewExchanges() {
	c.NoNewExchanges.Store(true)
}

// ApplySettings revises AllocationLimit from a fresh HTTP/2 SETTINGS
// frame (spec.md §3 invariant: "revised on every SETTINGS frame").
func (c *Connection) ApplySettings(maxConcurrentStreams int32) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if maxConcurrentStreams > 0 {
		c.AllocationLimit = maxConcurrentStreams
	}
}

func (c *Connection) IdleDuration(now time.Time) (time.Duration, bool) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if len(c.ActiveCalls) > 0 || c.IdleSince.IsZero() {
		return 0, false
	}
	return now.Sub(c.IdleSince), true
}

// Close tears down the raw socket. Safe to call more than once.
func (c *Connection) Close() error {
	c.MarkNoNewExchanges()
	if c.H2 != nil {
		c.H2.Shutdown()
	}
	if c.Raw != nil {
		return c.Raw.Close()
	}
	return nil
}
