// Package cachestrategy implements the RFC 7234 private-cache decision
// procedure (spec.md §4.9): given a request and an optional cached
// response, decide whether to serve from cache, issue a conditional
// request, or go straight to the network.
package cachestrategy

import (
	"strconv"
	"time"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

// Decision is the strategy's output: either or both of NetworkRequest
// and CacheResponse may be set, matching spec.md §4.9's
// "{networkRequest?, cacheResponse?}" output shape. Neither set means
// only-if-cached with no usable candidate (caller surfaces a
// 504-like gateway timeout).
type Decision struct {
	NetworkRequest *domain.Request
	CacheResponse  *domain.Response
}

const (
	warning110Stale      = "110 vellum \"Response is Stale\""
	warning113Heuristic  = "113 vellum \"Heuristic Expiration\""
	oneDayMs             = 24 * 60 * 60 * 1000
)

// Compute runs the ten-step algorithm from spec.md §4.9. cached may be
// nil. now is injected so the decision is deterministic for a fixed
// clock reading (spec.md §8, L3).
func Compute(now time.Time, req *domain.Request, cached *domain.Response) Decision {
	if cached == nil {
		return Decision{NetworkRequest: req}
	}
	if req.IsHTTPS() && cached.TLS == nil {
		return Decision{NetworkRequest: req}
	}
	if !storable(cached) {
		return Decision{NetworkRequest: req}
	}

	reqCC := req.CacheControl()
	if reqCC.NoCache || req.Headers.Has("If-Modified-Since") || req.Headers.Has("If-None-Match") {
		return networkOnly(req, reqCC)
	}

	respCC := cached.CacheControl()
	ageMs := computeAgeMs(now, cached, respCC)
	freshMs := computeFreshnessMs(cached, req, respCC)

	var minFreshMs int64
	if d, ok := reqCC.MinFresh(); ok {
		minFreshMs = d.Milliseconds()
	}
	var maxStaleMs int64
	if !respCC.MustRevalidate {
		if d, ok := reqCC.MaxStale(); ok {
			maxStaleMs = d.Milliseconds()
		}
	}

	if !respCC.NoCache && ageMs+minFreshMs < freshMs+maxStaleMs {
		resp := withCacheWarnings(cached, ageMs > freshMs, heuristicUsed(cached, req) && ageMs > oneDayMs)
		return networkOnlyIfCached(req, reqCC, resp)
	}

	conditional := buildConditionalRequest(req, cached)
	if reqCC.OnlyIfCached {
		return Decision{}
	}
	return Decision{NetworkRequest: conditional}
}

func networkOnly(req *domain.Request, reqCC domain.CacheControl) Decision {
	if reqCC.OnlyIfCached {
		return Decision{}
	}
	return Decision{NetworkRequest: req}
}

func networkOnlyIfCached(req *domain.Request, reqCC domain.CacheControl, resp *domain.Response) Decision {
	return Decision{CacheResponse: resp}
}

// storable implements spec.md §4.9's "Storable codes" table plus the
// no-store veto.
func storable(resp *domain.Response) bool {
	cc := resp.CacheControl()
	if cc.NoStore {
		return false
	}
	if resp.Request != nil && resp.Request.CacheControl().NoStore {
		return false
	}
	if domain.AlwaysStorableCodes[resp.Code] {
		return true
	}
	if domain.ConditionallyStorableCodes[resp.Code] {
		if resp.Headers.Has("Expires") {
			return true
		}
		if _, ok := cc.MaxAge(); ok {
			return true
		}
		return cc.Public || cc.Private
	}
	return false
}

// computeAgeMs implements RFC 7234 §4.2.3 as summarized in spec.md
// §4.9 step 5: apparent age from the Date header or the Age header
// (whichever is larger), plus the time the response spent in transit
// and resident in the cache.
func computeAgeMs(now time.Time, resp *domain.Response, cc domain.CacheControl) int64 {
	var apparentAgeMs int64
	if dateHdr := resp.Headers.GetOrEmpty("Date"); dateHdr != "" {
		if d, err := time.Parse(time.RFC1123, dateHdr); err == nil {
			if diff := resp.ReceivedAt.Sub(d).Milliseconds(); diff > 0 {
				apparentAgeMs = diff
			}
		}
	}

	ageHeaderMs := int64(-1)
	if v := resp.Headers.GetOrEmpty("Age"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			ageHeaderMs = secs * 1000
		}
	}

	ageMs := apparentAgeMs
	if ageHeaderMs > ageMs {
		ageMs = ageHeaderMs
	}

	responseDurationMs := resp.ReceivedAt.Sub(resp.SentAt).Milliseconds()
	if responseDurationMs < 0 {
		responseDurationMs = 0
	}
	residentMs := now.Sub(resp.ReceivedAt).Milliseconds()
	if residentMs < 0 {
		residentMs = 0
	}
	return ageMs + responseDurationMs + residentMs
}

// computeFreshnessMs implements spec.md §4.9 step 6.
func computeFreshnessMs(resp *domain.Response, req *domain.Request, cc domain.CacheControl) int64 {
	var freshMs int64
	if maxAge, ok := cc.MaxAge(); ok {
		freshMs = maxAge.Milliseconds()
	} else if resp.Headers.Has("Expires") {
		if expires, err := time.Parse(time.RFC1123, resp.Headers.GetOrEmpty("Expires")); err == nil {
			if diff := expires.Sub(resp.SentAt).Milliseconds(); diff > 0 {
				freshMs = diff
			}
		}
	} else if heuristicUsed(resp, req) {
		if lastModified, err := time.Parse(time.RFC1123, resp.Headers.GetOrEmpty("Last-Modified")); err == nil {
			if age := resp.SentAt.Sub(lastModified).Milliseconds(); age > 0 {
				freshMs = age / 10
			}
		}
	}

	if reqMaxAge, ok := req.CacheControl().MaxAge(); ok {
		if ms := reqMaxAge.Milliseconds(); ms < freshMs {
			freshMs = ms
		}
	}
	return freshMs
}

func heuristicUsed(resp *domain.Response, req *domain.Request) bool {
	return resp.Headers.Has("Last-Modified") && req.URL.RawQuery == ""
}

func withCacheWarnings(resp *domain.Response, stale, heuristicOld bool) *domain.Response {
	if !stale && !heuristicOld {
		return resp
	}
	out := *resp
	out.Headers = resp.Headers.Clone()
	if stale {
		out.Headers = out.Headers.Add("Warning", warning110Stale)
	}
	if heuristicOld {
		out.Headers = out.Headers.Add("Warning", warning113Heuristic)
	}
	out.NetworkFetched = false
	return &out
}

// buildConditionalRequest implements spec.md §4.9 step 9's preference
// order: If-None-Match, then If-Modified-Since off Last-Modified, then
// If-Modified-Since off Date, then a plain request.
func buildConditionalRequest(req *domain.Request, cached *domain.Response) *domain.Request {
	headers := req.Headers.Clone()

	if etag := cached.Headers.GetOrEmpty("ETag"); etag != "" {
		headers = headers.Set("If-None-Match", etag)
	} else if lm := cached.Headers.GetOrEmpty("Last-Modified"); lm != "" {
		headers = headers.Set("If-Modified-Since", lm)
	} else if date := cached.Headers.GetOrEmpty("Date"); date != "" {
		headers = headers.Set("If-Modified-Since", date)
	}

	out := *req
	out.Headers = headers
	return &out
}
