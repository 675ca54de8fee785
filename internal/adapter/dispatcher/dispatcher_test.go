package dispatcher

import (
	"context"
	"sync"
	"testing"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

// syncExecutor runs the call inline so tests can observe admission
// ordering deterministically instead of racing real goroutines.
func syncExecutor(ctx context.Context, fn func(ctx context.Context)) { fn(ctx) }

func TestEnqueueRespectsGlobalLimit(t *testing.T) {
	var mu sync.Mutex
	var started []domain.CallID

	d := New(
		WithLimits(2, 10),
		WithExecutor(func(ctx context.Context, fn func(ctx context.Context)) {
			// record the start but never run fn, so started calls stay running
			mu.Lock()
			started = append(started, 0)
			mu.Unlock()
		}),
	)

	for i := 1; i <= 3; i++ {
		d.Enqueue(&AsyncCall{ID: domain.CallID(i), Host: "example.com"})
	}

	running, ready := d.Stats()
	if running != 2 {
		t.Errorf("running = %d, want 2 (global limit)", running)
	}
	if ready != 1 {
		t.Errorf("ready = %d, want 1 (the call that couldn't be admitted yet)", ready)
	}
}

func TestPerHostLimitBlocksExcessCalls(t *testing.T) {
	d := New(WithLimits(100, 1), WithExecutor(func(context.Context, func(context.Context)) {}))

	d.Enqueue(&AsyncCall{ID: 1, Host: "Example.com"})
	d.Enqueue(&AsyncCall{ID: 2, Host: "example.com"}) // same host, different case

	running, ready := d.Stats()
	if running != 1 {
		t.Errorf("running = %d, want 1 (per-host limit of 1)", running)
	}
	if ready != 1 {
		t.Errorf("ready = %d, want 1", ready)
	}

	d.Finished(1, "example.com")
	running, ready = d.Stats()
	if running != 1 {
		t.Errorf("after Finished, running = %d, want 1 (second call promoted)", running)
	}
	if ready != 0 {
		t.Errorf("after Finished, ready = %d, want 0", ready)
	}
}

func TestFinishedFiresIdleCallback(t *testing.T) {
	idleFired := false
	d := New(
		WithExecutor(syncExecutor),
		WithIdleCallback(func() { idleFired = true }),
	)

	d.Execute(1)
	d.Finished(1, "example.com")

	if !idleFired {
		t.Errorf("expected idle callback to fire once every call finished")
	}
}

func TestShutdownRejectsPromotedCalls(t *testing.T) {
	d := New(WithLimits(1, 10))
	d.Shutdown()

	rejected := false
	d.Enqueue(&AsyncCall{
		ID:   1,
		Host: "example.com",
		Reject: func(err error) {
			rejected = true
			var verr *domain.Error
			if ok := asDomainError(err, &verr); !ok || verr.Kind != domain.KindRejectedExecution {
				t.Errorf("expected a KindRejectedExecution error, got %v", err)
			}
		},
	})

	if !rejected {
		t.Errorf("expected Reject to be called after Shutdown")
	}
}

func TestCanceledCallIsSkippedByPromote(t *testing.T) {
	d := New(WithLimits(1, 10), WithExecutor(func(context.Context, func(context.Context)) {}))

	first := &AsyncCall{ID: 1, Host: "example.com"}
	d.Enqueue(first)

	second := &AsyncCall{ID: 2, Host: "other.com"}
	second.Cancel()
	d.Enqueue(second)

	d.Finished(1, "example.com")

	running, ready := d.Stats()
	if running != 0 || ready != 0 {
		t.Errorf("canceled call should never be promoted: running=%d ready=%d", running, ready)
	}
}

func TestExecuteDoesNotCorruptSharedHostCounter(t *testing.T) {
	d := New(WithLimits(100, 1), WithExecutor(func(context.Context, func(context.Context)) {}))

	// A synchronous call against the host never goes through Enqueue, so
	// it must not touch the host counter a concurrent async call to the
	// same host relies on.
	d.Execute(1)
	d.Finished(1, "example.com")

	d.Enqueue(&AsyncCall{ID: 2, Host: "example.com"})
	running, _ := d.Stats()
	if running != 1 {
		t.Errorf("running = %d, want 1: the sync call's Finished must not have decremented a counter it never incremented", running)
	}

	d.Enqueue(&AsyncCall{ID: 3, Host: "example.com"})
	running, ready := d.Stats()
	if running != 1 || ready != 1 {
		t.Errorf("running=%d ready=%d, want running=1 ready=1: per-host limit of 1 must still hold", running, ready)
	}
}

func asDomainError(err error, target **domain.Error) bool {
	v, ok := err.(*domain.Error)
	if ok {
		*target = v
	}
	return ok
}
