// Package route implements the route database (spec.md §4.2 component
// A) and the route selector (component B).
package route

import (
	"sync"
	"time"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

// Database remembers recently failed routes so the selector can defer
// them behind routes that haven't failed, grounded on the teacher's
// health.CircuitBreaker (sync.Map keyed by endpoint, atomic failure
// counters) but generalized from "open/half-open" to the simpler
// "should postpone" predicate spec.md §4.2/§4.3 actually asks for.
type Database struct {
	mu     sync.Mutex
	failed map[string]time.Time
	ttl    time.Duration
}

func NewDatabase(ttl time.Duration) *Database {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Database{failed: make(map[string]time.Time), ttl: ttl}
}

func key(r domain.Route) string {
	return r.Address.Scheme + "|" + r.SocketAddr()
}

// Failed records a connection failure against r's socket address.
func (d *Database) Failed(r domain.Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed[key(r)] = time.Now()
}

// Connected clears any failure recorded for r.
func (d *Database) Connected(r domain.Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failed, key(r))
}

// ShouldPostpone reports whether r failed recently enough that the
// selector should try other routes first (spec.md §4.3).
func (d *Database) ShouldPostpone(r domain.Route) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	failedAt, ok := d.failed[key(r)]
	if !ok {
		return false
	}
	if time.Since(failedAt) > d.ttl {
		delete(d.failed, key(r))
		return false
	}
	return true
}
