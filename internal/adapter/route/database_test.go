package route

import (
	"net"
	"testing"
	"time"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

func testRoute(t *testing.T, ip string, port int) domain.Route {
	t.Helper()
	return domain.Route{
		Address: domain.Address{Scheme: "http", Host: "example.com", Port: port},
		IP:      net.ParseIP(ip),
		Port:    port,
	}
}

func TestShouldPostponeUnknownRoute(t *testing.T) {
	d := NewDatabase(time.Minute)
	r := testRoute(t, "10.0.0.1", 80)

	if d.ShouldPostpone(r) {
		t.Errorf("a route with no recorded failure should never be postponed")
	}
}

func TestFailedThenShouldPostpone(t *testing.T) {
	d := NewDatabase(time.Minute)
	r := testRoute(t, "10.0.0.1", 80)

	d.Failed(r)
	if !d.ShouldPostpone(r) {
		t.Errorf("a recently failed route should be postponed")
	}
}

func TestConnectedClearsFailure(t *testing.T) {
	d := NewDatabase(time.Minute)
	r := testRoute(t, "10.0.0.1", 80)

	d.Failed(r)
	d.Connected(r)

	if d.ShouldPostpone(r) {
		t.Errorf("Connected should clear a prior failure")
	}
}

func TestShouldPostponeExpiresAfterTTL(t *testing.T) {
	d := NewDatabase(10 * time.Millisecond)
	r := testRoute(t, "10.0.0.1", 80)

	d.Failed(r)
	time.Sleep(20 * time.Millisecond)

	if d.ShouldPostpone(r) {
		t.Errorf("a failure older than the TTL should no longer be postponed")
	}
}

func TestDistinctSocketAddressesAreIndependent(t *testing.T) {
	d := NewDatabase(time.Minute)
	a := testRoute(t, "10.0.0.1", 80)
	b := testRoute(t, "10.0.0.2", 80)

	d.Failed(a)

	if d.ShouldPostpone(b) {
		t.Errorf("a failure on one socket address must not affect another")
	}
}

func TestNewDatabaseDefaultsZeroTTL(t *testing.T) {
	d := NewDatabase(0)
	if d.ttl != 10*time.Second {
		t.Errorf("expected a non-positive ttl to default to 10s, got %v", d.ttl)
	}
}
