package domain

import (
	"errors"
	"testing"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(KindIO, "exchange.writerequest", cause)

	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find the wrapped cause")
	}

	var target *Error
	if !errors.As(err, &target) {
		t.Fatalf("expected errors.As to match *Error")
	}
	if target.Kind != KindIO {
		t.Errorf("Kind = %v, want %v", target.Kind, KindIO)
	}
}

func TestErrorStringWithAndWithoutCause(t *testing.T) {
	withCause := NewError(KindProtocol, "retry.followup", errors.New("bad status line"))
	if withCause.Error() == "" {
		t.Errorf("expected non-empty error string")
	}

	withoutCause := NewError(KindTimeout, "call.done", nil)
	want := "call.done: timeout"
	if got := withoutCause.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsRetriableBeforeSend(t *testing.T) {
	testCases := []struct {
		name               string
		kind               ErrorKind
		requestSendStarted bool
		want               bool
	}{
		{"timeout before send is retriable", KindTimeout, false, true},
		{"timeout after send is not retriable", KindTimeout, true, false},
		{"non-timeout kind always retriable regardless of send", KindIO, true, true},
		{"protocol kind always retriable by this helper", KindProtocol, false, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetriableBeforeSend(tc.kind, tc.requestSendStarted); got != tc.want {
				t.Errorf("IsRetriableBeforeSend(%v, %v) = %v, want %v", tc.kind, tc.requestSendStarted, got, tc.want)
			}
		})
	}
}

func TestErrorKindString(t *testing.T) {
	if KindExhaustedRoutes.String() != "exhausted_routes" {
		t.Errorf("unexpected String() for KindExhaustedRoutes: %s", KindExhaustedRoutes.String())
	}
	if ErrorKind(999).String() != "unknown" {
		t.Errorf("expected unrecognized kind to stringify to \"unknown\"")
	}
}
