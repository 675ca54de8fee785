package interceptor

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/vellumhttp/vellum/internal/adapter/connect"
	"github.com/vellumhttp/vellum/internal/adapter/finder"
	"github.com/vellumhttp/vellum/internal/adapter/planner"
	"github.com/vellumhttp/vellum/internal/core/call"
	"github.com/vellumhttp/vellum/internal/core/domain"
)

// ExchangeFactory builds a codec-bound Exchange once a connection is
// ready, owned outside the core (spec.md §1, "out of scope: HTTP/1.1
// and HTTP/2 wire codecs").
type ExchangeFactory func(conn *domain.Connection, req *domain.Request) Exchange

type Exchange interface {
	WriteRequest(ctx context.Context, req *domain.Request) error
	ReadResponse(ctx context.Context) (*domain.Response, error)
}

type ConnectListener interface {
	ConnectStart(domain.CallID, domain.Route)
	ConnectEnd(domain.CallID, domain.Route, *domain.Connection, error)
	ConnectionAcquired(domain.CallID, *domain.Connection, bool)
}

// ConnectStage acquires a connection via the route planner/exchange
// finder and enforces that the final host+port matches what the
// request asked for (spec.md §4.7).
type ConnectStage struct {
	Planner         *planner.Planner
	UseFastFallback bool
	NewExchange     ExchangeFactory
	Listener        ConnectListener
}

func (c *ConnectStage) Intercept(ctx context.Context, chain *Chain) (*domain.Response, error) {
	chain.EnforceHostFrom(chain.Request)

	plan, err := c.Planner.Plan(ctx, false)
	if err != nil {
		return nil, err
	}

	var conn *domain.Connection
	reused := false
	switch plan.Kind {
	case domain.PlanReuse:
		conn = plan.ReuseConn
		reused = true
	default:
		c.Listener.ConnectStart(chain.CallID, plan.Connect.Route)

		var winner *connect.Plan
		var findErr error
		if c.UseFastFallback {
			winner, findErr = finder.FastFallback(ctx, c.Planner)
		} else {
			winner, findErr = finder.Sequential(ctx, c.Planner)
		}
		if findErr == nil {
			if winner.State.PooledConn != nil {
				// The planner's post-DNS coalescing recheck already found
				// a live pooled connection for this address; nothing was
				// dialed, so there is no fresh socket to wrap.
				conn = winner.State.PooledConn
			} else {
				conn = domain.NewConnection(winner.State.Route, winner.Conn())
				conn.Protocol = winner.NegotiatedProtocol()
			}
		}
		c.Listener.ConnectEnd(chain.CallID, plan.Connect.Route, conn, findErr)
		if findErr != nil {
			return nil, findErr
		}
	}
	c.Listener.ConnectionAcquired(chain.CallID, conn, reused)

	conn.Mu.Lock()
	conn.Acquire(chain.CallID)
	conn.Mu.Unlock()

	// cs tracks this single exchange's request/response/socket flags and
	// decides, once every stream has closed, whether conn goes back to
	// the pool idle set or gets torn down (spec.md §4.12). A follow-up
	// or redirect re-enters ConnectStage with a fresh Chain and gets its
	// own cs scoped to that exchange.
	callID := chain.CallID
	cs := call.New(callID, nil, func(conn *domain.Connection, idleEligible bool) {
		conn.Mu.Lock()
		conn.Release(callID, time.Now())
		conn.Mu.Unlock()
		if idleEligible {
			c.Planner.Pool.Put(conn)
			return
		}
		_ = conn.Close()
	})
	cs.Conn = conn
	cs.OpenExchange(false)

	exchange := c.NewExchange(conn, chain.Request)
	if err := exchange.WriteRequest(ctx, chain.Request); err != nil {
		conn.Mu.Lock()
		conn.RouteFailureCount++
		conn.Mu.Unlock()
		cs.Fail(err)
		return nil, err
	}
	resp, err := exchange.ReadResponse(ctx)
	if err != nil {
		cs.Fail(err)
		return nil, err
	}
	resp.Request = chain.Request

	if resp.Body != nil && resp.Body.Reader != nil {
		resp.Body.Reader = &releaseOnCloseBody{ReadCloser: resp.Body.Reader, cs: cs}
	} else {
		cs.MessageDone(true, true, true, true, nil)
	}
	return resp, nil
}

// releaseOnCloseBody finalizes cs exactly once, when the caller closes
// the response body, so the connection isn't recycled while the body
// is still being streamed (spec.md §4.12).
type releaseOnCloseBody struct {
	io.ReadCloser
	once sync.Once
	cs   *call.Call
}

func (b *releaseOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		b.cs.MessageDone(true, true, true, true, nil)
	})
	return err
}
