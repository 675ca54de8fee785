package finder

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/vellumhttp/vellum/internal/adapter/connect"
	"github.com/vellumhttp/vellum/internal/core/domain"
)

// fakePlanner replays a fixed sequence of plans and records every
// failure/success reported back against the route it carried.
type fakePlanner struct {
	plans     []*connect.Plan
	i         int
	deferred  []*connect.Plan
	failed    []domain.Route
	succeeded []domain.Route
}

func (f *fakePlanner) NextConnectPlan(ctx context.Context) (*connect.Plan, error) {
	if f.i >= len(f.plans) {
		return nil, nil
	}
	p := f.plans[f.i]
	f.i++
	return p, nil
}

func (f *fakePlanner) Defer(plan *connect.Plan) { f.deferred = append(f.deferred, plan) }

func (f *fakePlanner) RecordFailure(r domain.Route)  { f.failed = append(f.failed, r) }
func (f *fakePlanner) RecordSuccess(r domain.Route) { f.succeeded = append(f.succeeded, r) }

func routeTo(addr *net.TCPAddr) domain.Route {
	return domain.Route{
		Address: domain.Address{Scheme: "http", Host: addr.IP.String(), Port: addr.Port},
		IP:      addr.IP,
		Port:    addr.Port,
	}
}

func TestSequentialSucceedsAndRecordsSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	r := routeTo(ln.Addr().(*net.TCPAddr))
	plan := connect.New(r, time.Second)
	pl := &fakePlanner{plans: []*connect.Plan{plan}}

	winner, err := Sequential(context.Background(), pl)
	if err != nil {
		t.Fatalf("Sequential: %v", err)
	}
	if winner != plan {
		t.Fatalf("expected the winning plan to be the one we seeded")
	}
	if len(pl.succeeded) != 1 || pl.succeeded[0].SocketAddr() != r.SocketAddr() {
		t.Errorf("expected RecordSuccess(%v), got %v", r, pl.succeeded)
	}
	if len(pl.failed) != 0 {
		t.Errorf("expected no recorded failures, got %v", pl.failed)
	}
}

func TestSequentialRecordsFailureThenExhausts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	refused := ln.Addr().(*net.TCPAddr)
	ln.Close() // nothing is listening now; the dial should be refused

	r := routeTo(refused)
	plan := connect.New(r, time.Second)
	pl := &fakePlanner{plans: []*connect.Plan{plan}}

	_, err = Sequential(context.Background(), pl)
	if err == nil {
		t.Fatalf("expected an error once the only route is refused and exhausted")
	}
	if len(pl.failed) != 1 || pl.failed[0].SocketAddr() != r.SocketAddr() {
		t.Errorf("expected RecordFailure(%v), got %v", r, pl.failed)
	}
	if len(pl.succeeded) != 0 {
		t.Errorf("expected no recorded successes, got %v", pl.succeeded)
	}
}

func TestSequentialTreatsPooledPlanAsInstantWinner(t *testing.T) {
	r := domain.Route{Address: domain.Address{Scheme: "https", Host: "example.com", Port: 443}}
	plan := connect.New(r, time.Second)
	plan.State.Ready = true

	pl := &fakePlanner{plans: []*connect.Plan{plan}}

	winner, err := Sequential(context.Background(), pl)
	if err != nil {
		t.Fatalf("Sequential: %v", err)
	}
	if winner != plan {
		t.Fatalf("expected the already-ready plan to win without dialing")
	}
	if len(pl.succeeded) != 1 {
		t.Errorf("expected the ready plan to record a success, got %v", pl.succeeded)
	}
}
