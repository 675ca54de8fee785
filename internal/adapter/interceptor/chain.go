// Package interceptor implements the ordered pipeline (spec.md §4.7):
// retry-and-follow-up, bridge, cache, connect, call-server.
package interceptor

import (
	"context"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

// Interceptor owns one pipeline behaviour and calls Chain.Proceed
// exactly once to delegate to the rest of the pipeline.
type Interceptor interface {
	Intercept(ctx context.Context, chain *Chain) (*domain.Response, error)
}

type InterceptorFunc func(ctx context.Context, chain *Chain) (*domain.Response, error)

func (f InterceptorFunc) Intercept(ctx context.Context, chain *Chain) (*domain.Response, error) {
	return f(ctx, chain)
}

// Chain threads the request through the remaining interceptors.
// Network-stage interceptors that call Proceed with a different
// host/port than the original request are a bug in the stage itself
// (spec.md §4.7); Chain.Proceed enforces that invariant once a
// connection has actually been acquired (see connect.go).
type Chain struct {
	interceptors []Interceptor
	index        int

	Request    *domain.Request
	CallID     domain.CallID
	Call       *CallState
	enforceHost bool
	originalHost string
}

// CallState is the subset of per-call state interceptors need:
// whether retries are forbidden for this call, and how many follow-ups
// have been issued so far (spec.md §4.8, bounded at 20).
type CallState struct {
	FollowUpCount int
	ForbidRetry   bool
}

func NewChain(interceptors []Interceptor, req *domain.Request, callID domain.CallID, call *CallState) *Chain {
	return &Chain{interceptors: interceptors, Request: req, CallID: callID, Call: call}
}

// Proceed calls the next interceptor with req substituted for the
// current request in this chain.
func (c *Chain) Proceed(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	if c.enforceHost && (req.URL.Host != c.originalHost) {
		return nil, domain.NewError(domain.KindProtocol, "chain.proceed", errHostChanged)
	}
	if c.index >= len(c.interceptors) {
		return nil, domain.NewError(domain.KindProtocol, "chain.proceed", errNoMoreInterceptors)
	}
	next := &Chain{
		interceptors: c.interceptors,
		index:        c.index + 1,
		Request:      req,
		CallID:       c.CallID,
		Call:         c.Call,
		enforceHost:  c.enforceHost,
		originalHost: c.originalHost,
	}
	return c.interceptors[c.index].Intercept(ctx, next)
}

// EnforceHostFrom pins the host+port a network-stage Proceed must keep
// (spec.md §4.7).
func (c *Chain) EnforceHostFrom(req *domain.Request) {
	c.enforceHost = true
	c.originalHost = req.URL.Host
}

func Execute(ctx context.Context, interceptors []Interceptor, req *domain.Request, callID domain.CallID) (*domain.Response, error) {
	chain := NewChain(interceptors, req, callID, &CallState{})
	return chain.interceptors[0].Intercept(ctx, &Chain{
		interceptors: interceptors,
		index:        1,
		Request:      req,
		CallID:       callID,
		Call:         chain.Call,
	})
}

var (
	errHostChanged        = chainError("network interceptor changed host/port without reconnecting")
	errNoMoreInterceptors = chainError("no more interceptors in chain")
)

type chainError string

func (e chainError) Error() string { return string(e) }
