package interceptor

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"

	"github.com/vellumhttp/vellum/internal/adapter/cachestrategy"
	"github.com/vellumhttp/vellum/internal/core/domain"
)

// CacheStore is the subset of the disk LRU cache the interceptor
// needs: read a stored response for a key, write one back, and
// invalidate on mutating methods (spec.md §6).
type CacheStore interface {
	Get(key domain.CacheKey) (*domain.Response, bool)
	Put(key domain.CacheKey, resp *domain.Response) error
	Remove(key domain.CacheKey) error
}

// CacheListener matches ports.EventListener's cache-related methods so
// the engine's single EventListener can be passed straight through.
type CacheListener interface {
	CacheHit(callID domain.CallID, req *domain.Request)
	CacheMiss(callID domain.CallID, req *domain.Request)
	CacheConditionalHit(callID domain.CallID, req *domain.Request)
}

// Cache implements spec.md §4.9's strategy plus §6's Vary matching and
// invalidation-on-write, sitting between Bridge and Connect in the
// pipeline.
type Cache struct {
	Store    CacheStore
	Listener CacheListener
	Now      func() time.Time
}

func (c *Cache) Intercept(ctx context.Context, chain *Chain) (*domain.Response, error) {
	req := chain.Request

	if domain.InvalidatingMethods[req.Method] {
		_ = c.Store.Remove(cacheKey(req))
		return chain.Proceed(ctx, req)
	}

	if !domain.IsCacheableMethod(req.Method) {
		return chain.Proceed(ctx, req)
	}

	var cached *domain.Response
	if stored, ok := c.Store.Get(cacheKey(req)); ok && varyMatches(req, stored) {
		cached = stored
	}

	decision := cachestrategy.Compute(c.now(), req, cached)

	if decision.CacheResponse != nil {
		c.Listener.CacheHit(chain.CallID, req)
		return decision.CacheResponse, nil
	}
	if decision.NetworkRequest == nil {
		c.Listener.CacheMiss(chain.CallID, req)
		return nil, domain.NewError(domain.KindProtocol, "cache.onlyifcached", errOnlyIfCachedUnsatisfied)
	}

	networkReq := decision.NetworkRequest
	conditional := networkReq.Headers.Has("If-None-Match") || networkReq.Headers.Has("If-Modified-Since")
	if conditional {
		c.Listener.CacheConditionalHit(chain.CallID, req)
	} else {
		c.Listener.CacheMiss(chain.CallID, req)
	}

	resp, err := chain.Proceed(ctx, networkReq)
	if err != nil {
		return nil, err
	}

	if conditional && resp.Code == 304 && cached != nil {
		merged := mergeConditional(cached, resp)
		_ = c.Store.Put(cacheKey(req), merged)
		return merged, nil
	}

	if storableResponse(resp) {
		_ = c.Store.Put(cacheKey(req), resp)
	} else {
		_ = c.Store.Remove(cacheKey(req))
	}
	return resp, nil
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func cacheKey(req *domain.Request) domain.CacheKey {
	sum := md5.Sum([]byte(req.URL.String()))
	return domain.CacheKey(hex.EncodeToString(sum[:]))
}

// varyMatches implements spec.md §6's Vary rule: every header named in
// the stored response's Vary list must match exactly (case-insensitive
// names, exact values) between the incoming request and the one that
// produced the cached entry.
func varyMatches(req *domain.Request, stored *domain.Response) bool {
	varyHeader := stored.Headers.GetOrEmpty("Vary")
	if varyHeader == "" {
		return true
	}
	if stored.Request == nil {
		return false
	}
	for _, name := range strings.Split(varyHeader, ",") {
		name = strings.TrimSpace(name)
		if name == "" || name == "*" {
			continue
		}
		if req.Headers.GetOrEmpty(name) != stored.Request.Headers.GetOrEmpty(name) {
			return false
		}
	}
	return true
}

// mergeConditional implements the 304 path: keep the cached body,
// replace headers per RFC 7234 §4.3.4 (the fresh response's headers
// win, falling back to the cached ones).
func mergeConditional(cached, fresh *domain.Response) *domain.Response {
	merged := *cached
	headers := cached.Headers.Clone()
	for _, kv := range fresh.Headers {
		headers = headers.Set(kv.Name, kv.Value)
	}
	merged.Headers = headers
	merged.ReceivedAt = fresh.ReceivedAt
	merged.SentAt = fresh.SentAt
	merged.PriorResponse = fresh.PriorResponse
	merged.NetworkFetched = true
	return &merged
}

func storableResponse(resp *domain.Response) bool {
	cc := resp.CacheControl()
	if cc.NoStore {
		return false
	}
	if resp.Request != nil && resp.Request.CacheControl().NoStore {
		return false
	}
	if !domain.IsCacheableMethod(resp.Request.Method) {
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

var errOnlyIfCachedUnsatisfied = chainError("only-if-cached: no usable cached response")
