package domain

import "time"

// CacheKey is the hex-MD5 of the full URL string (spec.md §3, §6),
// computed by the cache interceptor.
// MD5 is intentionally used here, matching spec.md's explicit carve-out
// ("cryptographic primitives (MD5 for cache keys ...)" is an external
// collaborator, not a core concern) — crypto/md5 is the correct tool,
// not a library gap.
type CacheKey string

// CacheMetadata is the decoded form of the text metadata entry
// described in spec.md §6. It is stored as stream index 0; the response
// body occupies stream index 1.
type CacheMetadata struct {
	URL              string
	RequestMethod    string
	VaryHeaders      Headers // only the request headers named by the stored response's Vary
	Status           string
	StatusCode       int
	Protocol         string
	ResponseHeaders  Headers
	SentMillis       int64
	ReceivedMillis   int64
	TLS              *TLSInfo
}

func (m CacheMetadata) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(m.ReceivedMillis))
}

const CacheValueCount = 2 // 0 = metadata, 1 = body

// AlwaysStorableCodes are always cacheable, headers permitting
// (spec.md §4.9 "Storable codes").
var AlwaysStorableCodes = map[int]bool{
	200: true, 203: true, 204: true, 300: true, 301: true,
	404: true, 405: true, 410: true, 414: true, 501: true, 308: true,
}

// ConditionallyStorableCodes (302/307) require an explicit freshness
// signal to be cached at all.
var ConditionallyStorableCodes = map[int]bool{302: true, 307: true}

// InvalidatingMethods drop any cached entry for the request URL
// (spec.md §6).
var InvalidatingMethods = map[string]bool{
	"POST": true, "PUT": true, "PATCH": true, "DELETE": true, "MOVE": true,
}

func IsCacheableMethod(method string) bool {
	return method == "GET"
}
