// Package vellum wires the route planner, connection pool, interceptor
// pipeline, and disk cache into one synchronous/asynchronous call
// surface, the engine's public entry point (spec.md §1, §4.1).
package vellum

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/vellumhttp/vellum/internal/adapter/dispatcher"
	"github.com/vellumhttp/vellum/internal/adapter/interceptor"
	"github.com/vellumhttp/vellum/internal/adapter/planner"
	"github.com/vellumhttp/vellum/internal/adapter/pool"
	"github.com/vellumhttp/vellum/internal/adapter/route"
	"github.com/vellumhttp/vellum/internal/core/domain"
	"github.com/vellumhttp/vellum/internal/core/ports"
)

// Client is the engine: one Dispatcher, one connection Pool and route
// Database shared across every call, plus whatever application
// interceptors the caller supplies ahead of the built-in pipeline
// (retry/follow-up, bridge, cache, connect+call-server — spec.md §4.7).
type Client struct {
	Dispatcher *dispatcher.Dispatcher
	Pool       *pool.Pool
	RouteDB    *route.Database
	Resolver   ports.Resolver
	Listener   ports.EventListener
	Stats      ports.StatsCollector
	Logger     *slog.Logger

	AppInterceptors []interceptor.Interceptor
	CacheStore      interceptor.CacheStore
	NewExchange     interceptor.ExchangeFactory

	ConnectTimeout  time.Duration
	UserAgent       string
	UseFastFallback bool
	AllowRedirects  bool

	nextCallID atomic.Uint64
}

// NewClient builds a Client with the teacher-style option defaults:
// a bounded dispatcher, an idle-evicting pool, and no cache unless
// CacheStore is set by the caller.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	p := pool.New(logger)
	p.Stats = ports.NoopStatsCollector{}
	return &Client{
		Dispatcher:      dispatcher.New(),
		Pool:            p,
		RouteDB:         route.NewDatabase(10 * time.Second),
		Resolver:        systemResolver{},
		Listener:        ports.NoopListener{},
		Stats:           p.Stats,
		Logger:          logger,
		ConnectTimeout:  10 * time.Second,
		AllowRedirects:  true,
		UseFastFallback: true,
	}
}

// WithStats swaps the stats collector used by the client and its pool
// once the client has been constructed. A disk cache keeps the
// collector it was opened with.
func (c *Client) WithStats(stats ports.StatsCollector) *Client {
	c.Stats = stats
	c.Pool.Stats = stats
	return c
}

// Do executes req synchronously, running it through the full
// interceptor pipeline on the caller's own goroutine. It bypasses the
// dispatcher's ready queue; the dispatcher counts it among running
// calls (and for its idle check) but not against any per-host limit.
func (c *Client) Do(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	callID := c.allocateCallID(req)
	c.Dispatcher.Execute(callID)
	defer c.Dispatcher.Finished(callID, req.URL.Hostname())

	c.Listener.CallStart(callID, req)
	resp, err := c.execute(ctx, req, callID)
	c.Listener.CallEnd(callID, resp, err)
	return resp, err
}

// DoAsync enqueues req on the dispatcher's ready queue, subject to the
// global/per-host admission limits (spec.md §4.1), and invokes done
// once the call finishes (result, or rejection if the dispatcher has
// been shut down).
func (c *Client) DoAsync(ctx context.Context, req *domain.Request, done func(*domain.Response, error)) *dispatcher.AsyncCall {
	callID := c.allocateCallID(req)
	ac := &dispatcher.AsyncCall{
		ID:   callID,
		Host: req.URL.Hostname(),
		Reject: func(err error) {
			c.Listener.CallEnd(callID, nil, err)
			done(nil, err)
		},
	}
	ac.Start = func(ctx context.Context) {
		c.Listener.CallStart(callID, req)
		resp, err := c.execute(ctx, req, callID)
		c.Listener.CallEnd(callID, resp, err)
		c.Dispatcher.Finished(callID, req.URL.Hostname())
		done(resp, err)
	}
	c.Dispatcher.Enqueue(ac)
	return ac
}

// allocateCallID assigns a monotonic CallID and, unless the caller
// already stamped one, a uuid trace id carried in Request.Tags for
// cross-system correlation (grounded on the teacher pack's
// caddyhttp/requestid pattern of stamping one uuid per inbound
// request).
func (c *Client) allocateCallID(req *domain.Request) domain.CallID {
	if req.Tags == nil {
		req.Tags = make(map[string]any)
	}
	if _, ok := req.Tags["trace_id"]; !ok {
		req.Tags["trace_id"] = uuid.New().String()
	}
	return domain.CallID(c.nextCallID.Inc())
}

func (c *Client) execute(ctx context.Context, req *domain.Request, callID domain.CallID) (*domain.Response, error) {
	address := addressFromRequest(req)

	pl := &planner.Planner{
		Address:        address,
		CallID:         callID,
		Pool:           c.Pool,
		Selector:       route.NewSelector(address, c.Resolver, c.RouteDB, c.UseFastFallback),
		Database:       c.RouteDB,
		ConnectTimeout: c.ConnectTimeout,
		UserAgent:      c.UserAgent,
		ProxyAuth:      address.ProxyAuth,
	}

	chainInterceptors := make([]interceptor.Interceptor, 0, len(c.AppInterceptors)+4)
	chainInterceptors = append(chainInterceptors, c.AppInterceptors...)
	chainInterceptors = append(chainInterceptors,
		&interceptor.RetryAndFollowUp{
			Planner:        pl,
			AllowRedirects: c.AllowRedirects,
		},
		interceptor.Bridge{},
	)
	if c.CacheStore != nil {
		chainInterceptors = append(chainInterceptors, &interceptor.Cache{
			Store:    c.CacheStore,
			Listener: c.Listener,
		})
	}
	chainInterceptors = append(chainInterceptors, &interceptor.ConnectStage{
		Planner:         pl,
		UseFastFallback: c.UseFastFallback,
		NewExchange:     c.NewExchange,
		Listener:        c.Listener,
	})

	return interceptor.Execute(ctx, chainInterceptors, req, callID)
}

// addressFromRequest derives the dial target from the request URL. TLS
// addresses get a minimal default tls.Config; callers who need pinning
// or custom trust roots build their own domain.Address and reach the
// planner directly rather than going through Client.
func addressFromRequest(req *domain.Request) domain.Address {
	host := req.URL.Hostname()
	scheme := req.URL.Scheme

	port := 80
	if scheme == "https" {
		port = 443
	}
	if p := req.URL.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	addr := domain.Address{Scheme: scheme, Host: host, Port: port}
	if scheme == "https" {
		addr.TLSConfig = &tls.Config{}
	}
	return addr
}

// systemResolver adapts net.DefaultResolver to ports.Resolver.
type systemResolver struct{}

func (systemResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return net.DefaultResolver.LookupIPAddr(ctx, host)
}
