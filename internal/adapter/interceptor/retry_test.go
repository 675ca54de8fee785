package interceptor

import (
	"net/url"
	"testing"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestBuildRedirectGetifiesOn303(t *testing.T) {
	r := &RetryAndFollowUp{AllowRedirects: true}
	req := &domain.Request{Method: "POST", URL: mustParse(t, "http://example.com/a")}
	resp := &domain.Response{
		Code:    303,
		Headers: domain.Headers{{Name: "Location", Value: "/b"}},
	}

	next, again, err := r.buildRedirect(resp, req)
	if err != nil {
		t.Fatalf("buildRedirect: %v", err)
	}
	if !again {
		t.Fatalf("expected a follow-up to be issued")
	}
	if next.Method != "GET" {
		t.Errorf("303 should GET-ify a POST, got method %s", next.Method)
	}
	if next.URL.String() != "http://example.com/b" {
		t.Errorf("unexpected redirect target: %s", next.URL.String())
	}
}

func TestBuildRedirectPreservesMethodAndBodyOn307(t *testing.T) {
	r := &RetryAndFollowUp{AllowRedirects: true}
	body := &domain.Body{Length: 4, OneShot: false}
	req := &domain.Request{Method: "PUT", URL: mustParse(t, "http://example.com/a"), Body: body}
	resp := &domain.Response{
		Code:    307,
		Headers: domain.Headers{{Name: "Location", Value: "http://example.com/b"}},
	}

	next, again, err := r.buildRedirect(resp, req)
	if err != nil {
		t.Fatalf("buildRedirect: %v", err)
	}
	if !again {
		t.Fatalf("expected a follow-up to be issued")
	}
	if next.Method != "PUT" {
		t.Errorf("307 must preserve the method, got %s", next.Method)
	}
	if next.Body != body {
		t.Errorf("307 must preserve the request body")
	}
}

func TestBuildRedirectRefusesOneShotBodyOn307(t *testing.T) {
	r := &RetryAndFollowUp{AllowRedirects: true}
	req := &domain.Request{
		Method: "POST",
		URL:    mustParse(t, "http://example.com/a"),
		Body:   &domain.Body{OneShot: true},
	}
	resp := &domain.Response{
		Code:    307,
		Headers: domain.Headers{{Name: "Location", Value: "/b"}},
	}

	_, again, err := r.buildRedirect(resp, req)
	if err != nil {
		t.Fatalf("buildRedirect: %v", err)
	}
	if again {
		t.Errorf("a one-shot body must not be replayed across a 307 redirect")
	}
}

func TestBuildRedirectStripsAuthorizationCrossHost(t *testing.T) {
	r := &RetryAndFollowUp{AllowRedirects: true}
	req := &domain.Request{
		Method:  "GET",
		URL:     mustParse(t, "http://example.com/a"),
		Headers: domain.Headers{{Name: "Authorization", Value: "Bearer secret"}},
	}
	resp := &domain.Response{
		Code:    302,
		Headers: domain.Headers{{Name: "Location", Value: "http://other.com/b"}},
	}

	next, _, err := r.buildRedirect(resp, req)
	if err != nil {
		t.Fatalf("buildRedirect: %v", err)
	}
	if next.Headers.Has("Authorization") {
		t.Errorf("Authorization header must be stripped across a cross-host redirect")
	}
}

func TestBuildRedirectKeepsAuthorizationSameHost(t *testing.T) {
	r := &RetryAndFollowUp{AllowRedirects: true}
	req := &domain.Request{
		Method:  "GET",
		URL:     mustParse(t, "http://example.com/a"),
		Headers: domain.Headers{{Name: "Authorization", Value: "Bearer secret"}},
	}
	resp := &domain.Response{
		Code:    302,
		Headers: domain.Headers{{Name: "Location", Value: "/b"}},
	}

	next, _, err := r.buildRedirect(resp, req)
	if err != nil {
		t.Fatalf("buildRedirect: %v", err)
	}
	if !next.Headers.Has("Authorization") {
		t.Errorf("Authorization header should be preserved for a same-host redirect")
	}
}

func TestBuildRedirectNoLocationHeaderIsNotAFollowUp(t *testing.T) {
	r := &RetryAndFollowUp{AllowRedirects: true}
	req := &domain.Request{Method: "GET", URL: mustParse(t, "http://example.com/a")}
	resp := &domain.Response{Code: 302}

	_, again, err := r.buildRedirect(resp, req)
	if err != nil {
		t.Fatalf("buildRedirect: %v", err)
	}
	if again {
		t.Errorf("a 302 with no Location header must not produce a follow-up")
	}
}

func TestRecoverRespectsForbidRetry(t *testing.T) {
	r := &RetryAndFollowUp{ForbidRetry: true}
	req := &domain.Request{Method: "GET"}
	call := &CallState{}

	if r.recover(domain.NewError(domain.KindIO, "exchange.writerequest", nil), req, call) {
		t.Errorf("ForbidRetry on the interceptor should veto every retry")
	}
}

func TestRecoverRefusesProtocolErrors(t *testing.T) {
	r := &RetryAndFollowUp{Planner: alwaysHasNext{}}
	req := &domain.Request{Method: "GET"}
	call := &CallState{}

	if r.recover(domain.NewError(domain.KindProtocol, "exchange.readresponse", nil), req, call) {
		t.Errorf("protocol errors should never be retried")
	}
}

type alwaysHasNext struct{}

func (alwaysHasNext) HasNext(*domain.Connection) bool { return true }
