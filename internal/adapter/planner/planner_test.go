package planner

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/vellumhttp/vellum/internal/adapter/pool"
	"github.com/vellumhttp/vellum/internal/adapter/route"
	"github.com/vellumhttp/vellum/internal/core/domain"
)

type staticResolver struct{ ips []net.IP }

func (r staticResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	out := make([]net.IPAddr, len(r.ips))
	for i, ip := range r.ips {
		out[i] = net.IPAddr{IP: ip}
	}
	return out, nil
}

func alwaysVerifies(string, *tls.ConnectionState) bool { return true }

func newPlanner(address domain.Address, p *pool.Pool, resolver staticResolver) *Planner {
	db := route.NewDatabase(time.Minute)
	sel := route.NewSelector(address, resolver, db, false)
	return &Planner{
		Address:        address,
		CallID:         domain.CallID(1),
		Pool:           p,
		Selector:       sel,
		Database:       db,
		ConnectTimeout: time.Second,
	}
}

// TestPlanThenNextConnectPlanDoesNotDoubleConsumeTheRoute reproduces the
// single-IP scenario: Plan builds a connect plan off the only route the
// selector has, and the finder's first NextConnectPlan call must hand
// that exact plan back rather than popping the (now-exhausted) selector
// a second time.
func TestPlanThenNextConnectPlanDoesNotDoubleConsumeTheRoute(t *testing.T) {
	address := domain.Address{Scheme: "http", Host: "example.com", Port: 80}
	p := newPlanner(address, pool.New(nil), staticResolver{ips: []net.IP{net.ParseIP("10.0.0.1")}})

	plan, err := p.Plan(context.Background(), false)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Kind != domain.PlanConnect {
		t.Fatalf("expected a PlanConnect, got %v", plan.Kind)
	}
	wantRoute := plan.Connect.Route

	cp, err := p.NextConnectPlan(context.Background())
	if err != nil {
		t.Fatalf("NextConnectPlan: %v", err)
	}
	if cp.State.Route.SocketAddr() != wantRoute.SocketAddr() {
		t.Fatalf("NextConnectPlan must hand back Plan's own route, got %s want %s", cp.State.Route.SocketAddr(), wantRoute.SocketAddr())
	}

	// The selector had exactly one route; a second call must not find
	// another one left to build.
	_, err = p.buildConnectPlan(context.Background())
	verr, ok := err.(*domain.Error)
	if !ok || verr.Kind != domain.KindExhaustedRoutes {
		t.Fatalf("expected KindExhaustedRoutes once the single route is spent, got %v", err)
	}
}

// TestBuildConnectPlanCoalescingCarriesTheAcquiredConnection reproduces
// the HTTP/2 coalescing recheck: when the post-DNS pool lookup finds a
// connection, the returned plan must carry that connection rather than
// a bare Ready flag with nothing behind it.
func TestBuildConnectPlanCoalescingCarriesTheAcquiredConnection(t *testing.T) {
	sharedIP := net.ParseIP("10.0.0.1")
	address := domain.Address{
		Scheme:           "https",
		Host:             "a.example.com",
		Port:             443,
		TLSConfig:        &tls.Config{},
		HostnameVerifier: alwaysVerifies,
	}

	rawConn, peerConn := net.Pipe()
	t.Cleanup(func() { _ = peerConn.Close() })

	existing := domain.NewConnection(domain.Route{
		Address: domain.Address{Scheme: "https", Host: "b.example.com", Port: 443, TLSConfig: &tls.Config{}, HostnameVerifier: alwaysVerifies},
		IP:      sharedIP,
		Port:    443,
	}, rawConn)
	existing.Protocol = "h2"
	existing.AllocationLimit = 100
	existing.TLS = &domain.TLSInfo{CipherSuite: "TLS_AES_128_GCM_SHA256"}

	p := pool.New(nil)
	p.Put(existing)

	pl := newPlanner(address, p, staticResolver{ips: []net.IP{sharedIP}})

	cp, err := pl.buildConnectPlan(context.Background())
	if err != nil {
		t.Fatalf("buildConnectPlan: %v", err)
	}
	if !cp.State.Ready {
		t.Fatalf("expected the coalesced plan to report Ready")
	}
	if cp.State.PooledConn != existing {
		t.Fatalf("expected the coalesced plan to carry the acquired connection, got %v", cp.State.PooledConn)
	}
}

func TestRecordFailureAndSuccessDelegateToDatabase(t *testing.T) {
	address := domain.Address{Scheme: "http", Host: "example.com", Port: 80}
	pl := newPlanner(address, pool.New(nil), staticResolver{})

	r := domain.Route{Address: address, IP: net.ParseIP("10.0.0.1"), Port: 80}
	pl.RecordFailure(r)
	if !pl.Database.ShouldPostpone(r) {
		t.Errorf("RecordFailure should mark the route for postponement")
	}

	pl.RecordSuccess(r)
	if pl.Database.ShouldPostpone(r) {
		t.Errorf("RecordSuccess should clear the postponement")
	}
}
