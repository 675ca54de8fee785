// Package planner implements the route planner (spec.md §4.2):
// choosing between reusing the call's current connection, a pooled
// connection, a deferred plan, or building a fresh ConnectPlan.
package planner

import (
	"context"
	"time"

	"github.com/vellumhttp/vellum/internal/adapter/connect"
	"github.com/vellumhttp/vellum/internal/adapter/pool"
	"github.com/vellumhttp/vellum/internal/adapter/route"
	"github.com/vellumhttp/vellum/internal/core/domain"
)

type Planner struct {
	Address        domain.Address
	CallID         domain.CallID
	Pool           *pool.Pool
	Selector       *route.Selector
	Database       *route.Database
	ConnectTimeout time.Duration
	UserAgent      string
	ProxyAuth      domain.ProxyAuthenticator

	current       *domain.Connection
	deferred      []*connect.Plan
	pending       *connect.Plan
	nextRoute     *domain.Route
	resolvedIPs   []domain.Route
}

// UseExisting installs conn as the call's held connection, checked for
// health/host-match/retirement at the top of every Plan call
// (spec.md §4.2 step 1).
func (p *Planner) UseExisting(conn *domain.Connection) {
	p.current = conn
}

// Plan produces the next Plan for this call (spec.md §4.2).
func (p *Planner) Plan(ctx context.Context, requireMultiplexed bool) (*domain.Plan, error) {
	if p.current != nil {
		p.current.Mu.Lock()
		healthy := !p.current.NoNewExchanges.Load()
		hostMatch := p.current.Route.Address.Host == p.Address.Host && p.current.Route.Port == p.Address.Port
		p.current.Mu.Unlock()
		if healthy && hostMatch {
			return &domain.Plan{Kind: domain.PlanReuse, ReuseConn: p.current}, nil
		}
		p.current = nil
	}

	if conn := p.Pool.Acquire(p.Address, p.resolvedIPs, requireMultiplexed, false, p.CallID); conn != nil {
		return &domain.Plan{Kind: domain.PlanReuse, ReuseConn: conn}, nil
	}

	if len(p.deferred) > 0 {
		plan := p.deferred[0]
		p.deferred = p.deferred[1:]
		// Same reasoning as the fresh-connect path below: cache it so the
		// finder's first NextConnectPlan call hands back this exact
		// attempt instead of popping the deferred queue a second time.
		p.pending = plan
		return &domain.Plan{Kind: domain.PlanConnect, Connect: &plan.State}, nil
	}

	cp, err := p.buildConnectPlan(ctx)
	if err != nil {
		return nil, err
	}
	// Hold onto cp so the finder's first NextConnectPlan call hands back
	// this exact attempt instead of pulling a second route off the
	// selector for a plan the caller already holds.
	p.pending = cp
	return &domain.Plan{Kind: domain.PlanConnect, Connect: &cp.State}, nil
}

func (p *Planner) buildConnectPlan(ctx context.Context) (*connect.Plan, error) {
	var r domain.Route
	if p.nextRoute != nil {
		r = *p.nextRoute
		p.nextRoute = nil
	} else {
		var ok bool
		var err error
		r, ok, err = p.Selector.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.NewError(domain.KindExhaustedRoutes, "planner.plan", nil)
		}
	}

	p.resolvedIPs = append(p.resolvedIPs, r)

	// Re-consult the pool with the now-resolved IP — this is the second
	// lookup spec.md §4.2 step 5 calls out, which catches HTTP/2
	// coalescing opportunities only visible after DNS. The acquired
	// connection rides along in the plan itself so the finder hands back
	// a connection that actually exists instead of a bare Ready flag.
	if conn := p.Pool.Acquire(p.Address, p.resolvedIPs, false, false, p.CallID); conn != nil {
		coalesced := connect.New(r, p.ConnectTimeout)
		coalesced.State.Ready = true
		coalesced.State.PooledConn = conn
		return coalesced, nil
	}

	cp := connect.New(r, p.ConnectTimeout)
	cp.ProxyAuth = p.ProxyAuth
	cp.UserAgent = p.UserAgent
	return cp, nil
}

// Defer pushes a follow-up plan (coalescing swap, TLS fallback, proxy
// retry) to the front of the deferred queue.
func (p *Planner) Defer(plan *connect.Plan) {
	p.deferred = append([]*connect.Plan{plan}, p.deferred...)
}

// NextConnectPlan implements finder.Planner for the exchange finder. A
// plan already built by Plan (and not yet attempted) is handed back
// first, so the finder's opening attempt is the same route Plan
// reported rather than a fresh pop off the selector.
func (p *Planner) NextConnectPlan(ctx context.Context) (*connect.Plan, error) {
	if p.pending != nil {
		plan := p.pending
		p.pending = nil
		return plan, nil
	}
	if len(p.deferred) > 0 {
		plan := p.deferred[0]
		p.deferred = p.deferred[1:]
		return plan, nil
	}
	return p.buildConnectPlan(ctx)
}

// RecordFailure tells the route database a connect attempt against r
// failed, so the selector postpones it behind routes that haven't.
func (p *Planner) RecordFailure(r domain.Route) {
	if p.Database != nil {
		p.Database.Failed(r)
	}
}

// RecordSuccess clears any failure recorded against r.
func (p *Planner) RecordSuccess(r domain.Route) {
	if p.Database != nil {
		p.Database.Connected(r)
	}
}

// HasNext reports whether plan() could still produce a route
// (spec.md §4.2 hasNext).
func (p *Planner) HasNext(failedConn *domain.Connection) bool {
	if len(p.deferred) > 0 || p.nextRoute != nil || p.Selector.HasNext() {
		return true
	}
	if failedConn == nil {
		return false
	}
	return p.routeEligibleForRetry(failedConn)
}

// routeEligibleForRetry implements spec.md §4.2's retry-eligibility
// predicate for a failed connection's route.
func (p *Planner) routeEligibleForRetry(conn *domain.Connection) bool {
	conn.Mu.Lock()
	defer conn.Mu.Unlock()
	return conn.RouteFailureCount == 0 && conn.NoNewExchanges.Load()
}
