// Package pool implements the connection pool (spec.md §4.4): idle
// connection storage, acquisition/eligibility, health checks, and
// eviction.
package pool

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/vellumhttp/vellum/internal/core/domain"
	"github.com/vellumhttp/vellum/internal/core/ports"
	"github.com/vellumhttp/vellum/internal/util"
)

const (
	DefaultKeepAlive        = 5 * time.Minute
	DefaultMaxIdle          = 5
	DefaultHealthCheckTimeout = time.Millisecond
)

// AddressPolicy configures preemptive warming for one address
// (spec.md §4.4).
type AddressPolicy struct {
	MinConcurrentCalls int
	BackoffDelay       time.Duration
	BackoffJitter      time.Duration
}

type addressState struct {
	policy             AddressPolicy
	consecutiveFailures int
}

// Pool is a bounded set of idle connections plus per-address state for
// preemptive warming, guarded by one mutex (the teacher's "shared
// queue + copy-on-write map" is replaced here with a plain mutex-backed
// map, which is simpler and sufficient at this scale).
type Pool struct {
	mu          sync.Mutex
	conns       []*domain.Connection
	addresses   map[string]*addressState

	KeepAlive       time.Duration
	MaxIdle         int
	HealthCheckFunc func(conn *domain.Connection, extensive bool) bool

	Stats  ports.StatsCollector
	Logger *slog.Logger
}

func New(logger *slog.Logger) *Pool {
	return &Pool{
		conns:     make([]*domain.Connection, 0, 16),
		addresses: make(map[string]*addressState),
		KeepAlive: DefaultKeepAlive,
		MaxIdle:   DefaultMaxIdle,
		Stats:     ports.NoopStatsCollector{},
		Logger:    logger,
	}
}

func addrKey(a domain.Address) string {
	return a.Scheme + "://" + a.Host + portSuffix(a.Port)
}

func portSuffix(port int) string {
	if port == 0 {
		return ""
	}
	return ":" + strconv.Itoa(port)
}

// Put returns a freshly connected, no-longer-in-use connection to the
// idle set.
func (p *Pool) Put(conn *domain.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn.IdleSince = time.Now()
	p.conns = append(p.conns, conn)
}

// eligible implements spec.md §4.4 step 2: call count below allocation
// limit, not retired, non-host fields match, and host matches or
// coalescing applies.
func eligible(conn *domain.Connection, address domain.Address, routeIPs []domain.Route, requireMultiplexed bool) bool {
	if requireMultiplexed && !conn.IsMultiplexed() {
		return false
	}
	if conn.NoNewExchanges.Load() {
		return false
	}
	if int32(len(conn.ActiveCalls)) >= conn.AllocationLimit {
		return false
	}
	if !conn.Route.Address.EqualsNonHost(address) {
		return false
	}
	if conn.Route.Address.Host == address.Host {
		return true
	}
	return coalesces(conn, address, routeIPs)
}

// coalesces reports whether an existing HTTP/2 connection can serve a
// different hostname: same resolved IP, a hostname verifier set on the
// address, a TLS handshake recorded on the connection, and the
// connection doesn't forbid coalescing (spec.md §3, §4.4, S6).
func coalesces(conn *domain.Connection, address domain.Address, routeIPs []domain.Route) bool {
	if !conn.IsMultiplexed() || conn.NoCoalescedConnections.Load() {
		return false
	}
	sameIP := false
	for _, r := range routeIPs {
		if r.IP != nil && conn.Route.IP != nil && r.IP.Equal(conn.Route.IP) {
			sameIP = true
			break
		}
	}
	if !sameIP {
		return false
	}
	if address.HostnameVerifier == nil || conn.TLS == nil {
		return false
	}
	// The presented certificate's coverage of the new hostname and the
	// address's pinner are not checked, here or by the caller.
	return true
}

// Acquire scans idle connections for one eligible for address/routeIPs,
// health-checks it, and either returns it or keeps scanning
// (spec.md §4.4 "Acquisition").
func (p *Pool) Acquire(address domain.Address, routeIPs []domain.Route, requireMultiplexed, extensiveHealthCheck bool, callID domain.CallID) *domain.Connection {
	for {
		conn := p.takeCandidate(address, routeIPs, requireMultiplexed)
		if conn == nil {
			return nil
		}

		if !p.healthCheck(conn, extensiveHealthCheck) {
			conn.MarkNoNewExchanges()
			_ = conn.Close()
			p.Stats.RecordPoolEviction(addrKey(address), "unhealthy")
			continue
		}

		conn.Mu.Lock()
		ok := conn.Acquire(callID)
		conn.Mu.Unlock()
		if ok {
			p.Stats.RecordPoolAcquire(addrKey(address), true)
			return conn
		}
		// lost a race to another acquirer between eligibility check and
		// lock; put it back and keep scanning.
		p.Put(conn)
	}
}

func (p *Pool) takeCandidate(address domain.Address, routeIPs []domain.Route, requireMultiplexed bool) *domain.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.conns {
		c.Mu.Lock()
		ok := eligible(c, address, routeIPs, requireMultiplexed)
		c.Mu.Unlock()
		if ok {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return c
		}
	}
	return nil
}

func (p *Pool) healthCheck(conn *domain.Connection, extensive bool) bool {
	if p.HealthCheckFunc != nil {
		return p.HealthCheckFunc(conn, extensive)
	}
	if !extensive {
		// cheap check: socket still reports open
		return conn.Raw != nil
	}
	_ = conn.Raw.SetReadDeadline(time.Now().Add(DefaultHealthCheckTimeout))
	defer conn.Raw.SetReadDeadline(time.Time{})
	buf := make([]byte, 1)
	_, err := conn.Raw.Read(buf)
	if err == nil {
		return false // peer sent unsolicited bytes; connection is in an unknown state
	}
	ne, ok := err.(interface{ Timeout() bool })
	return ok && ne.Timeout()
}

// CloseConnections runs one eviction pass (spec.md §4.4 "Eviction") and
// returns the nanoseconds to sleep before the next pass.
func (p *Pool) CloseConnections(now time.Time) time.Duration {
	var oldest *domain.Connection
	var oldestIdle time.Duration
	var evictableOldest *domain.Connection
	var evictableIdle time.Duration
	evictableCount := 0

	p.mu.Lock()
	total := len(p.conns)
	for _, c := range p.conns {
		idle, isIdle := c.IdleDuration(now)
		if !isIdle {
			continue
		}
		if idle >= p.KeepAlive {
			if oldest == nil || idle > oldestIdle {
				oldest, oldestIdle = c, idle
			}
			continue
		}
		if !p.requiredByPolicy(c) {
			evictableCount++
			if evictableOldest == nil || idle > evictableIdle {
				evictableOldest, evictableIdle = c, idle
			}
		}
	}
	p.mu.Unlock()

	var toClose *domain.Connection
	switch {
	case oldest != nil:
		toClose = oldest
	case evictableOldest != nil && evictableCount > p.MaxIdle:
		toClose = evictableOldest
	}

	if toClose != nil && p.closeIfStillIdle(toClose, now) {
		return 0
	}

	switch {
	case total == 0:
		return -1
	case evictableOldest != nil:
		return p.KeepAlive - evictableIdle
	default:
		return p.KeepAlive
	}
}

func (p *Pool) closeIfStillIdle(conn *domain.Connection, now time.Time) bool {
	conn.Mu.Lock()
	idleSince := conn.IdleSince
	empty := len(conn.ActiveCalls) == 0
	conn.Mu.Unlock()
	if !empty {
		return false
	}

	p.mu.Lock()
	removed := false
	for i, c := range p.conns {
		if c == conn {
			conn.Mu.Lock()
			stillSame := conn.IdleSince.Equal(idleSince)
			conn.Mu.Unlock()
			if stillSame {
				p.conns = append(p.conns[:i], p.conns[i+1:]...)
				removed = true
			}
			break
		}
	}
	p.mu.Unlock()

	if removed {
		_ = conn.Close()
		p.Stats.RecordPoolEviction(addrKey(conn.Route.Address), "idle")
	}
	return removed
}

func (p *Pool) requiredByPolicy(conn *domain.Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.addresses[addrKey(conn.Route.Address)]
	return ok && st.policy.MinConcurrentCalls > 0
}

// PruneLeaks sweeps the idle set and logs (but does not error on) any
// connection whose ActiveCalls set holds an id whose owning call has
// already gone away — the Go analogue of the teacher's weak-reference
// scan (spec.md §4.4 "Leak pruning", §9).
func (p *Pool) PruneLeaks(alive func(domain.CallID) bool) {
	p.mu.Lock()
	conns := append([]*domain.Connection(nil), p.conns...)
	p.mu.Unlock()

	var wg conc.WaitGroup
	for _, c := range conns {
		c := c
		wg.Go(func() {
			c.Mu.Lock()
			defer c.Mu.Unlock()
			for id := range c.ActiveCalls {
				if !alive(id) {
					if p.Logger != nil {
						p.Logger.Warn("pruning leaked connection user", "call_id", id)
					}
					delete(c.ActiveCalls, id)
				}
			}
		})
	}
	wg.Wait()
}

// SetAddressPolicy registers (or clears, with a zero policy) preemptive
// warming requirements for an address.
func (p *Pool) SetAddressPolicy(address domain.Address, policy AddressPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addresses[addrKey(address)] = &addressState{policy: policy}
}

// WarmOnce ensures address has at least policy.MinConcurrentCalls of
// allocation capacity across its pooled connections, invoking connectFn
// to build one more connection when short. On failure it returns the
// delay the caller should wait before retrying: exponential backoff
// from BackoffDelay, capped at BackoffDelay+BackoffJitter, with jitter
// applied (spec.md §4.4 "Preemptive opening"). It does not sleep.
func (p *Pool) WarmOnce(ctx context.Context, address domain.Address, connectFn func(ctx context.Context) (*domain.Connection, error)) (time.Duration, error) {
	p.mu.Lock()
	st, ok := p.addresses[addrKey(address)]
	p.mu.Unlock()
	if !ok || st.policy.MinConcurrentCalls <= 0 {
		return 0, nil
	}

	capacity := int32(0)
	p.mu.Lock()
	for _, c := range p.conns {
		if c.Route.Address.EqualsNonHost(address) && c.Route.Address.Host == address.Host {
			capacity += c.AllocationLimit
		}
	}
	p.mu.Unlock()

	if int(capacity) >= st.policy.MinConcurrentCalls {
		return 0, nil
	}

	conn, err := connectFn(ctx)
	if err != nil {
		p.mu.Lock()
		st.consecutiveFailures++
		attempt := st.consecutiveFailures
		p.mu.Unlock()

		jitterPercent := 0.0
		if st.policy.BackoffJitter > 0 && st.policy.BackoffDelay > 0 {
			jitterPercent = float64(st.policy.BackoffJitter) / float64(st.policy.BackoffDelay)
		}
		delay := util.CalculateExponentialBackoff(attempt, st.policy.BackoffDelay, st.policy.BackoffDelay+st.policy.BackoffJitter, jitterPercent)
		return delay, err
	}

	p.mu.Lock()
	st.consecutiveFailures = 0
	p.mu.Unlock()
	p.Put(conn)
	return 0, nil
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
