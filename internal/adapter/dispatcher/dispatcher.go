// Package dispatcher implements the async-call concurrency gate
// described in spec.md §4.1: global and per-host admission limits, FIFO
// promotion, and an idle callback.
package dispatcher

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/atomic"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

const (
	DefaultMaxRequests         = 64
	DefaultMaxRequestsPerHost  = 5
)

// AsyncCall is one queued asynchronous request. Start is invoked on a
// worker goroutine once the dispatcher admits it; Reject is invoked
// instead if the executor has been shut down (spec.md §4.1, "Edge
// cases").
type AsyncCall struct {
	ID     domain.CallID
	Host   string
	Start  func(ctx context.Context)
	Reject func(err error)

	canceled atomic.Bool
}

// Cancel marks a ready-but-not-yet-running call as canceled so the
// promote step skips it (spec.md §4.1 "Edge cases").
func (c *AsyncCall) Cancel() { c.canceled.Store(true) }

type hostCounter struct {
	count atomic.Int32
	refs  atomic.Int32
}

// Dispatcher owns the three collections from spec.md §4.1, all guarded
// by one mutex, plus the host-fairness table shared across calls to the
// same lowercased hostname.
type Dispatcher struct {
	mu sync.Mutex

	readyAsync   []*AsyncCall
	runningAsync map[domain.CallID]*AsyncCall
	runningSync  map[domain.CallID]struct{}

	hosts map[string]*hostCounter

	maxRequests        int
	maxRequestsPerHost int

	executor   func(ctx context.Context, fn func(ctx context.Context))
	shutdown   atomic.Bool
	idleCB     func()
}

type Option func(*Dispatcher)

func WithLimits(maxRequests, maxRequestsPerHost int) Option {
	return func(d *Dispatcher) {
		d.maxRequests = maxRequests
		d.maxRequestsPerHost = maxRequestsPerHost
	}
}

func WithIdleCallback(fn func()) Option {
	return func(d *Dispatcher) { d.idleCB = fn }
}

// WithExecutor overrides how a started call is actually run. The
// default spawns a bare goroutine; tests substitute a synchronous
// executor to observe ordering deterministically.
func WithExecutor(executor func(ctx context.Context, fn func(ctx context.Context))) Option {
	return func(d *Dispatcher) { d.executor = executor }
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		runningAsync:       make(map[domain.CallID]*AsyncCall),
		runningSync:        make(map[domain.CallID]struct{}),
		hosts:              make(map[string]*hostCounter),
		maxRequests:        DefaultMaxRequests,
		maxRequestsPerHost: DefaultMaxRequestsPerHost,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.executor == nil {
		d.executor = func(ctx context.Context, fn func(ctx context.Context)) { go fn(ctx) }
	}
	return d
}

func hostKey(host string) string { return strings.ToLower(host) }

// Enqueue appends call to the ready queue, shares the per-host counter
// with any other in-flight call to the same host, and runs the promote
// step (spec.md §4.1).
func (d *Dispatcher) Enqueue(call *AsyncCall) {
	d.mu.Lock()
	key := hostKey(call.Host)
	hc, ok := d.hosts[key]
	if !ok {
		hc = &hostCounter{}
		d.hosts[key] = hc
	}
	hc.refs.Inc()
	d.readyAsync = append(d.readyAsync, call)
	toStart := d.promoteLocked()
	d.mu.Unlock()

	d.startAll(toStart)
}

// Execute registers a synchronous call in the running set, so Stats
// and the idle check count it even though it bypasses the ready
// queue. It takes no per-host slot.
func (d *Dispatcher) Execute(id domain.CallID) {
	d.mu.Lock()
	d.runningSync[id] = struct{}{}
	d.mu.Unlock()
}

// Finished removes call from whichever collection holds it, decrements
// its shared host counter, re-runs promotion, and fires the idle
// callback if the dispatcher just emptied out.
func (d *Dispatcher) Finished(id domain.CallID, host string) {
	d.mu.Lock()
	_, wasAsync := d.runningAsync[id]
	delete(d.runningAsync, id)
	delete(d.runningSync, id)

	// A synchronous call (registered via Execute) never incremented a
	// host counter in the first place, so it must not decrement one
	// here either — only calls admitted through Enqueue/promoteLocked
	// touch d.hosts.
	if wasAsync {
		key := hostKey(host)
		if hc, ok := d.hosts[key]; ok {
			hc.count.Dec()
			if hc.refs.Dec() <= 0 {
				delete(d.hosts, key)
			}
		}
	}

	toStart := d.promoteLocked()
	idle := len(d.runningAsync) == 0 && len(d.runningSync) == 0 && len(d.readyAsync) == 0
	d.mu.Unlock()

	d.startAll(toStart)

	if idle && d.idleCB != nil {
		d.idleCB()
	}
}

// promoteLocked walks readyAsync in FIFO order, admitting calls that
// fit under both the global and per-host caps (spec.md §4.1 "Promote
// step"). Must be called with d.mu held; returns the calls to actually
// start once the lock is released.
func (d *Dispatcher) promoteLocked() []*AsyncCall {
	var toStart []*AsyncCall
	remaining := d.readyAsync[:0]

	for _, call := range d.readyAsync {
		if call.canceled.Load() {
			continue
		}
		if len(d.runningAsync) >= d.maxRequests {
			remaining = append(remaining, call)
			continue
		}
		hc := d.hosts[hostKey(call.Host)]
		if hc != nil && int(hc.count.Load()) >= d.maxRequestsPerHost {
			remaining = append(remaining, call) // per-host cap: skip, keep scanning
			continue
		}
		d.runningAsync[call.ID] = call
		if hc != nil {
			hc.count.Inc()
		}
		toStart = append(toStart, call)
	}

	d.readyAsync = append([]*AsyncCall(nil), remaining...)
	return toStart
}

func (d *Dispatcher) startAll(calls []*AsyncCall) {
	for _, call := range calls {
		if d.shutdown.Load() {
			call.Reject(domain.NewError(domain.KindRejectedExecution, "dispatcher.start", nil))
			continue
		}
		d.executor(context.Background(), call.Start)
	}
}

// Shutdown marks the executor closed; any call still promoted after
// this point is synthesized as rejected rather than started.
func (d *Dispatcher) Shutdown() {
	d.shutdown.Store(true)
}

func (d *Dispatcher) Stats() (running, ready int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runningAsync) + len(d.runningSync), len(d.readyAsync)
}
