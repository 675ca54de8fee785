// Package ports declares the interfaces the engine calls into without
// owning an implementation — the same shape the teacher uses for
// ports.DiscoveryService / ports.MetricsExtractor: small contracts the
// core depends on, concrete implementations live in internal/adapter or
// are supplied by the host application.
package ports

import (
	"context"
	"net"
	"time"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

// EventListener receives lifecycle notifications for a call. Every
// method is called outside any engine lock (spec.md §5). Client
// defaults to NoopListener; call.Call also accepts a nil listener and
// then sends no notifications (ConnectStage passes nil).
type EventListener interface {
	CallStart(callID domain.CallID, req *domain.Request)
	CallEnd(callID domain.CallID, resp *domain.Response, err error)
	ConnectStart(callID domain.CallID, route domain.Route)
	ConnectEnd(callID domain.CallID, route domain.Route, conn *domain.Connection, err error)
	ConnectionAcquired(callID domain.CallID, conn *domain.Connection, reused bool)
	ConnectionReleased(callID domain.CallID, conn *domain.Connection)
	CacheHit(callID domain.CallID, req *domain.Request)
	CacheMiss(callID domain.CallID, req *domain.Request)
	CacheConditionalHit(callID domain.CallID, req *domain.Request)
}

type NoopListener struct{}

func (NoopListener) CallStart(domain.CallID, *domain.Request)                      {}
func (NoopListener) CallEnd(domain.CallID, *domain.Response, error)                {}
func (NoopListener) ConnectStart(domain.CallID, domain.Route)                      {}
func (NoopListener) ConnectEnd(domain.CallID, domain.Route, *domain.Connection, error) {}
func (NoopListener) ConnectionAcquired(domain.CallID, *domain.Connection, bool)     {}
func (NoopListener) ConnectionReleased(domain.CallID, *domain.Connection)           {}
func (NoopListener) CacheHit(domain.CallID, *domain.Request)                       {}
func (NoopListener) CacheMiss(domain.CallID, *domain.Request)                      {}
func (NoopListener) CacheConditionalHit(domain.CallID, *domain.Request)            {}

// Clock abstracts the current time. No engine component takes one:
// the cache strategy and pool eviction receive "now" as a parameter,
// and the route database, call deadlines and backoff read time.Now.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Resolver resolves a hostname to a set of IPs, standing in for the
// external DNS collaborator (spec.md §1, "out of scope ... DNS
// resolver").
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}
