// Package finder implements the exchange finder (spec.md §4.6):
// sequential connection attempts, or Happy-Eyeballs-style racing.
package finder

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vellumhttp/vellum/internal/adapter/connect"
	"github.com/vellumhttp/vellum/internal/core/domain"
)

// Planner is the subset of the route planner the finder needs: produce
// the next candidate plan, report none remain, and record each
// attempt's outcome against the route database.
type Planner interface {
	NextConnectPlan(ctx context.Context) (*connect.Plan, error)
	Defer(plan *connect.Plan)
	RecordFailure(route domain.Route)
	RecordSuccess(route domain.Route)
}

const fastFallbackInterval = 250 * time.Millisecond

// connectResult is one attempt's outcome, used by both strategies to
// report success/failure uniformly.
type connectResult struct {
	plan  *connect.Plan
	route domain.Route
	err   error
	next  *connect.NextPlan
}

// Sequential tries plans one at a time, accumulating failures
// (spec.md §4.6 "Sequential").
func Sequential(ctx context.Context, planner Planner) (*connect.Plan, error) {
	var errs error
	for {
		plan, err := planner.NextConnectPlan(ctx)
		if err != nil {
			return nil, multierr.Append(errs, err)
		}
		if plan == nil {
			return nil, multierr.Append(errs, domain.NewError(domain.KindExhaustedRoutes, "finder.sequential", nil))
		}

		res := attemptWithPlan(ctx, plan)
		if res.err == nil {
			planner.RecordSuccess(plan.State.Route)
			return plan, nil
		}
		planner.RecordFailure(plan.State.Route)
		errs = multierr.Append(errs, res.err)
		if res.next != nil {
			nextPlan := &connect.Plan{State: res.next.State}
			planner.Defer(nextPlan)
		}
	}
}

// FastFallback races connect attempts no more than once per
// fastFallbackInterval, cancels losers on the first winner, and pushes
// losers' follow-up plans (coalescing swaps, TLS fallback) to the front
// of the deferred queue (spec.md §4.6).
func FastFallback(ctx context.Context, planner Planner) (*connect.Plan, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan connectResult, 8)
	eg, egCtx := errgroup.WithContext(context.Background()) // own ctx: a losing attempt's cancel must not kill the winner's read
	var inFlight []*connect.Plan
	var mu sync.Mutex

	launch := func(plan *connect.Plan) {
		mu.Lock()
		inFlight = append(inFlight, plan)
		mu.Unlock()
		eg.Go(func() error {
			res := attemptWithPlan(egCtx, plan)
			res.route = plan.State.Route
			results <- res
			return nil
		})
	}

	spawnTimer := time.NewTimer(0)
	defer spawnTimer.Stop()

	var errs error
	exhausted := false
	pending := 0

	for {
		select {
		case <-spawnTimer.C:
			if !exhausted {
				plan, err := planner.NextConnectPlan(ctx)
				if err != nil {
					errs = multierr.Append(errs, err)
					exhausted = true
				} else if plan == nil {
					exhausted = true
				} else {
					launch(plan)
					pending++
					spawnTimer.Reset(fastFallbackInterval)
				}
				if exhausted && pending == 0 {
					return nil, multierr.Append(errs, domain.NewError(domain.KindExhaustedRoutes, "finder.fastfallback", nil))
				}
			}

		case res := <-results:
			pending--
			if res.err == nil {
				planner.RecordSuccess(res.route)
				cancel()
				cancelLosers(inFlight, res.plan)
				drainAndDefer(results, pending, planner)
				_ = eg.Wait()
				return res.plan, nil
			}
			planner.RecordFailure(res.route)
			errs = multierr.Append(errs, res.err)
			if res.next != nil {
				planner.Defer(&connect.Plan{State: res.next.State})
			}
			if exhausted && pending == 0 {
				return nil, multierr.Append(errs, domain.NewError(domain.KindExhaustedRoutes, "finder.fastfallback", nil))
			}
		}
	}
}

func cancelLosers(inFlight []*connect.Plan, winner *connect.Plan) {
	for _, p := range inFlight {
		if p != winner {
			p.Cancel()
		}
	}
}

func drainAndDefer(results chan connectResult, n int, planner Planner) {
	for i := 0; i < n; i++ {
		res := <-results
		if res.next != nil {
			planner.Defer(&connect.Plan{State: res.next.State})
		}
	}
}

func attemptWithPlan(ctx context.Context, plan *connect.Plan) connectResult {
	if plan.State.Ready {
		return connectResult{plan: plan}
	}
	if err := plan.ConnectTCP(ctx); err != nil {
		return connectResult{err: err}
	}
	if next, err := plan.ConnectTunnel(ctx); err != nil || next != nil {
		if err == nil {
			err = domain.NewError(domain.KindProtocol, "finder.attempt", nil)
		}
		return connectResult{err: err, next: next}
	}
	if next, err := plan.ConnectTLS(ctx); err != nil || next != nil {
		if err == nil {
			err = domain.NewError(domain.KindTLSHandshake, "finder.attempt", nil)
		}
		return connectResult{err: err, next: next}
	}
	return connectResult{plan: plan}
}
