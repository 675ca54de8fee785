package call

import (
	"testing"
	"time"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

func TestStartIsIdempotent(t *testing.T) {
	c := New(domain.CallID(1), nil, nil)

	if !c.Start() {
		t.Fatalf("first Start() should succeed")
	}
	if c.Start() {
		t.Errorf("second Start() should be a no-op and report false")
	}
}

func TestCancelIsStickyAndIdempotent(t *testing.T) {
	c := New(domain.CallID(1), nil, nil)

	if c.IsCanceled() {
		t.Fatalf("new call should not start canceled")
	}
	if !c.Cancel() {
		t.Fatalf("first Cancel() should succeed")
	}
	if c.Cancel() {
		t.Errorf("second Cancel() should report false (already canceled)")
	}
	if !c.IsCanceled() {
		t.Errorf("IsCanceled() should report true after Cancel()")
	}
}

func TestMessageDoneReleasesOnlyWhenAllStreamsClose(t *testing.T) {
	released := 0
	var lastIdleEligible bool
	conn := &domain.Connection{}

	c := New(domain.CallID(1), nil, func(_ *domain.Connection, idleEligible bool) {
		released++
		lastIdleEligible = idleEligible
	})
	c.Conn = conn
	c.OpenExchange(false)

	c.MessageDone(true, false, false, false, nil)
	if released != 0 {
		t.Fatalf("release should not fire until every stream flag is closed")
	}

	c.MessageDone(false, true, true, true, nil)
	if released != 1 {
		t.Fatalf("expected release to fire exactly once, got %d", released)
	}
	if !lastIdleEligible {
		t.Errorf("clean completion (nil err) should be idle-eligible")
	}
}

func TestMessageDoneWaitsForMoreExchanges(t *testing.T) {
	released := 0
	c := New(domain.CallID(1), nil, func(*domain.Connection, bool) { released++ })
	c.Conn = &domain.Connection{}
	c.OpenExchange(true) // more exchanges expected, e.g. a pipelined follow-up

	c.MessageDone(true, true, true, true, nil)
	if released != 0 {
		t.Errorf("release should not fire while more exchanges are expected")
	}
}

func TestFailAlwaysClosesNotIdleEligible(t *testing.T) {
	var gotIdleEligible bool
	calledWithNilArg := false

	c := New(domain.CallID(1), nil, func(conn *domain.Connection, idleEligible bool) {
		gotIdleEligible = idleEligible
		calledWithNilArg = conn == nil
	})
	c.Conn = &domain.Connection{}

	c.Fail(domain.NewError(domain.KindIO, "exchange.writerequest", nil))

	if gotIdleEligible {
		t.Errorf("Fail() must never report idle-eligible")
	}
	if calledWithNilArg {
		t.Errorf("releaseConn should receive the call's connection, not nil")
	}
}

func TestWithDeadlineZeroTimeoutIsNoop(t *testing.T) {
	c := New(domain.CallID(1), nil, nil)
	ctx, cancel := c.WithDeadline(t.Context(), 0)
	defer cancel()

	if _, ok := ctx.Deadline(); ok {
		t.Errorf("a zero timeout should not install a context deadline")
	}
}

func TestWithDeadlineAndDisengage(t *testing.T) {
	c := New(domain.CallID(1), nil, nil)
	ctx, cancel := c.WithDeadline(t.Context(), time.Minute)
	defer cancel()

	if _, ok := ctx.Deadline(); !ok {
		t.Fatalf("expected a deadline to be installed")
	}

	c.DisengageDeadline()
	// DisengageDeadline only affects call.go's own timedOut bookkeeping
	// used by callDone/MessageDone, not the context itself.
}
