package domain

import "net/http"

// PlanKind tags the two plan variants (spec.md §3 "sealed hierarchies
// ... tagged variants", per the redesign notes in §9).
type PlanKind int

const (
	PlanConnect PlanKind = iota
	PlanReuse
)

// Plan is either a fresh ConnectPlan or a ReusePlan wrapping an
// already-ready pooled connection. Exactly one of Connect/ReuseConn is
// set, selected by Kind.
type Plan struct {
	Kind       PlanKind
	Connect    *ConnectPlanState
	ReuseConn  *Connection
}

func (p *Plan) IsReady() bool {
	if p.Kind == PlanReuse {
		return true
	}
	return p.Connect != nil && p.Connect.Ready
}

// ConnectPlanState is the mutable state threaded through the three
// connect phases (TCP, tunnel, TLS) described in spec.md §4.5.
type ConnectPlanState struct {
	Route           Route
	TunnelRequest   *http.Request
	SpecIndex       int
	Attempt         int
	IsTLSFallback   bool
	Ready           bool
	Canceled        bool

	// PooledConn is set when this plan was satisfied by a connection the
	// pool already held (the post-DNS coalescing recheck in the
	// planner), rather than one this plan's TCP/tunnel/TLS phases will
	// dial. A plan with PooledConn nil dials through its own phases and
	// becomes Ready once its TLS handshake completes; a Ready plan with
	// PooledConn set carries an already-live connection.
	PooledConn *Connection
}

// NextPlanReason records why ConnectPlan emitted a follow-up plan
// instead of completing, so the finder knows whether to retry the
// same attempt counter or start fresh (spec.md §4.5, §4.6).
type NextPlanReason int

const (
	NextPlanNone NextPlanReason = iota
	NextPlanProxyAuth
	NextPlanProxyReconnect
	NextPlanTLSFallback
	NextPlanCoalescedSwap
)
