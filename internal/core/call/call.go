// Package call implements the per-request state machine (spec.md
// §4.12): a 2-bit executing/canceled lattice mutated via compare-and-
// set, plus the per-exchange stream flags that decide when a call is
// fully done.
package call

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/vellumhttp/vellum/internal/core/domain"
	"github.com/vellumhttp/vellum/internal/core/ports"
)

// state packs executing/canceled into two independent bits, mutated
// with atomic compare-and-swap so cancel is idempotent under races
// (spec.md §4.12).
type state struct {
	executing atomic.Bool
	canceled  atomic.Bool
}

// Call owns one request's lifecycle across however many exchanges a
// retry/follow-up/redirect chain produces.
type Call struct {
	ID       domain.CallID
	Listener ports.EventListener
	Conn     *domain.Connection

	st state
	mu sync.Mutex

	requestBodyOpen     bool
	responseBodyOpen    bool
	socketReaderOpen    bool
	socketWriterOpen    bool
	expectMoreExchanges bool

	FollowUpCount int

	deadline    time.Time
	deadlineSet bool
	timedOut    bool

	releaseConn func(conn *domain.Connection, idleEligible bool) // hands conn back; idleEligible reports whether it may rejoin the idle pool
}

func New(id domain.CallID, listener ports.EventListener, release func(*domain.Connection, bool)) *Call {
	c := &Call{ID: id, Listener: listener, releaseConn: release}
	c.expectMoreExchanges = true
	return c
}

// Start marks the call executing; a no-op if already canceled.
func (c *Call) Start() bool {
	if c.st.canceled.Load() {
		return false
	}
	return c.st.executing.CompareAndSwap(false, true)
}

// Cancel is sticky and idempotent (spec.md §5's cancellation model):
// only the first caller to flip the bit gets true.
func (c *Call) Cancel() bool {
	return c.st.canceled.CompareAndSwap(false, true)
}

func (c *Call) IsCanceled() bool { return c.st.canceled.Load() }

// WithDeadline wraps ctx with the overall-call deadline (spec.md §5:
// "Four independent [timeouts]: connect, read, write, overall-call").
func (c *Call) WithDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	c.mu.Lock()
	c.deadline = time.Now().Add(timeout)
	c.deadlineSet = true
	c.mu.Unlock()
	return context.WithTimeout(ctx, timeout)
}

// DisengageDeadline drops the overall-call deadline early, used for
// duplex/WebSocket upgrades whose body outlives the initial handshake
// (spec.md §4.12).
func (c *Call) DisengageDeadline() {
	c.mu.Lock()
	c.deadlineSet = false
	c.mu.Unlock()
}

// OpenExchange marks the per-exchange stream flags open before an
// exchange begins (spec.md §4.12).
func (c *Call) OpenExchange(expectMore bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestBodyOpen = true
	c.responseBodyOpen = true
	c.socketReaderOpen = true
	c.socketWriterOpen = true
	c.expectMoreExchanges = expectMore
}

// MessageDone clears the stream flags named done, and when every
// stream has closed and no further exchange is expected, finalizes the
// call (spec.md §4.12).
func (c *Call) MessageDone(requestDone, responseDone, readerDone, writerDone bool, err error) {
	c.mu.Lock()
	if requestDone {
		c.requestBodyOpen = false
	}
	if responseDone {
		c.responseBodyOpen = false
	}
	if readerDone {
		c.socketReaderOpen = false
	}
	if writerDone {
		c.socketWriterOpen = false
	}
	allClosed := !c.requestBodyOpen && !c.responseBodyOpen && !c.socketReaderOpen && !c.socketWriterOpen
	expectMore := c.expectMoreExchanges
	deadlineSet := c.deadlineSet
	deadline := c.deadline
	c.mu.Unlock()

	if !allClosed || expectMore {
		return
	}

	timedOut := deadlineSet && !deadline.IsZero() && time.Now().After(deadline)
	c.callDone(timedOut, err)
}

// callDone releases the connection, applies deadline-derived timeout
// wrapping, and reports the outcome through one CallEnd notification,
// with err set on failure (spec.md §4.12).
func (c *Call) callDone(timedOut bool, err error) {
	if timedOut && err == nil {
		err = domain.NewError(domain.KindTimeout, "call.done", nil)
	} else if timedOut && err != nil {
		err = domain.NewError(domain.KindTimeout, "call.done", err)
	}

	if c.releaseConn != nil && c.Conn != nil {
		c.releaseConn(c.Conn, err == nil)
	}

	if c.Listener != nil {
		c.Listener.CallEnd(c.ID, nil, err)
	}
}

// Fail is the explicit failure path (socket error, protocol error):
// same finalization as callDone but always carries an error.
func (c *Call) Fail(err error) {
	if c.releaseConn != nil && c.Conn != nil {
		c.releaseConn(c.Conn, false)
	}
	if c.Listener != nil {
		c.Listener.CallEnd(c.ID, nil, err)
	}
}
