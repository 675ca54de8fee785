package domain

import (
	"io"
	"net/url"
	"time"
)

// Body is a request or response payload. Length is -1 when unknown.
// A OneShot body cannot be replayed — retry/redirect logic must treat
// its exhaustion as terminal (spec.md §4.8).
type Body struct {
	Reader    io.ReadCloser
	Length    int64
	OneShot   bool
	IsDuplex  bool
}

// Request is treated as immutable once built: code that changes
// headers (the bridge interceptor, the cache strategy) builds a copy rather than mutating one in
// place. The one in-place write is the "trace_id" tag Client stamps
// into Tags.
type Request struct {
	URL     *url.URL
	Body    *Body
	Tags    map[string]any
	Method  string
	Headers Headers
}

func (r *Request) Header(name string) string {
	if r == nil {
		return ""
	}
	return r.Headers.GetOrEmpty(name)
}

func (r *Request) CacheControl() CacheControl {
	return ParseCacheControl(r.Headers)
}

func (r *Request) IsHTTPS() bool {
	return r.URL != nil && r.URL.Scheme == "https"
}

// Response is immutable. PriorResponse chains follow-ups (redirects,
// auth challenges) so callers can walk the full history of a call.
type Response struct {
	TLS            *TLSInfo
	Request        *Request
	Body           *Body
	PriorResponse  *Response
	Status         string
	Protocol       string
	Headers        Headers
	SentAt         time.Time
	ReceivedAt     time.Time
	Code           int
	NetworkFetched bool // false when served entirely from the disk cache
}

func (r *Response) Header(name string) string {
	if r == nil {
		return ""
	}
	return r.Headers.GetOrEmpty(name)
}

func (r *Response) CacheControl() CacheControl {
	return ParseCacheControl(r.Headers)
}

func (r *Response) IsRedirect() bool {
	switch r.Code {
	case 300, 301, 302, 303, 307, 308:
		return true
	default:
		return false
	}
}

// TLSInfo captures the handshake outcome recorded on both the
// connection and any response served over it.
type TLSInfo struct {
	CipherSuite      string
	Version          string
	PeerCertificates [][]byte // DER
	LocalCertificates [][]byte
}
