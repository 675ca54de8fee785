package cachestrategy

import (
	"net/url"
	"testing"
	"time"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestComputeNoCachedResponseGoesToNetwork(t *testing.T) {
	req := &domain.Request{Method: "GET", URL: mustURL(t, "http://example.com/a")}
	d := Compute(time.Now(), req, nil)

	if d.NetworkRequest != req {
		t.Errorf("expected the original request to pass through unchanged")
	}
	if d.CacheResponse != nil {
		t.Errorf("expected no cache response with a nil cache candidate")
	}
}

func TestComputeFreshResponseServedFromCache(t *testing.T) {
	now := time.Now()
	req := &domain.Request{Method: "GET", URL: mustURL(t, "http://example.com/a")}
	cached := &domain.Response{
		Request:  req,
		Code:     200,
		Headers:  domain.Headers{{Name: "Cache-Control", Value: "max-age=3600"}},
		SentAt:   now.Add(-time.Minute),
		ReceivedAt: now.Add(-time.Minute),
	}

	d := Compute(now, req, cached)

	if d.NetworkRequest != nil {
		t.Errorf("a fresh response should not trigger a network request, got %+v", d.NetworkRequest)
	}
	if d.CacheResponse == nil {
		t.Fatalf("expected a cache response for a fresh entry")
	}
}

func TestComputeStaleResponseTriggersConditionalRequest(t *testing.T) {
	now := time.Now()
	req := &domain.Request{Method: "GET", URL: mustURL(t, "http://example.com/a")}
	cached := &domain.Response{
		Request: req,
		Code:    200,
		Headers: domain.Headers{
			{Name: "Cache-Control", Value: "max-age=60"},
			{Name: "ETag", Value: `"v1"`},
		},
		SentAt:     now.Add(-time.Hour),
		ReceivedAt: now.Add(-time.Hour),
	}

	d := Compute(now, req, cached)

	if d.NetworkRequest == nil {
		t.Fatalf("expected a conditional network request for a stale entry")
	}
	if v, ok := d.NetworkRequest.Headers.Get("If-None-Match"); !ok || v != `"v1"` {
		t.Errorf("expected If-None-Match to be set from the cached ETag, got %q (ok=%v)", v, ok)
	}
}

func TestComputeNoStoreResponseNotStorable(t *testing.T) {
	now := time.Now()
	req := &domain.Request{Method: "GET", URL: mustURL(t, "http://example.com/a")}
	cached := &domain.Response{
		Request: req,
		Code:    200,
		Headers: domain.Headers{{Name: "Cache-Control", Value: "no-store, max-age=3600"}},
		SentAt:     now,
		ReceivedAt: now,
	}

	d := Compute(now, req, cached)

	if d.NetworkRequest != req {
		t.Errorf("no-store cached entries must always be treated as not storable, forcing a network request")
	}
}

func TestComputeOnlyIfCachedWithoutUsableCandidateReturnsEmptyDecision(t *testing.T) {
	now := time.Now()
	req := &domain.Request{
		Method:  "GET",
		URL:     mustURL(t, "http://example.com/a"),
		Headers: domain.Headers{{Name: "Cache-Control", Value: "only-if-cached"}},
	}
	cached := &domain.Response{
		Request: req,
		Code:    200,
		Headers: domain.Headers{{Name: "Cache-Control", Value: "max-age=60"}},
		SentAt:     now.Add(-time.Hour),
		ReceivedAt: now.Add(-time.Hour),
	}

	d := Compute(now, req, cached)

	if d.NetworkRequest != nil || d.CacheResponse != nil {
		t.Errorf("only-if-cached with a stale, non-conditionally-usable entry should yield an empty decision, got %+v", d)
	}
}

func TestComputeHTTPSRequestWithoutTLSInfoGoesToNetwork(t *testing.T) {
	now := time.Now()
	req := &domain.Request{Method: "GET", URL: mustURL(t, "https://example.com/a")}
	cached := &domain.Response{
		Request: req,
		Code:    200,
		TLS:     nil,
		Headers: domain.Headers{{Name: "Cache-Control", Value: "max-age=3600"}},
		SentAt:     now,
		ReceivedAt: now,
	}

	d := Compute(now, req, cached)
	if d.NetworkRequest != req {
		t.Errorf("an https entry cached without TLS info must not be served, even if fresh")
	}
}
