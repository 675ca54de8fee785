package interceptor

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

// Bridge fills in network-facing headers the caller shouldn't have to
// set by hand (Host, Content-Length, Accept-Encoding), then reverses
// transparent gzip on the way back (spec.md §4.7).
type Bridge struct{}

func (Bridge) Intercept(ctx context.Context, chain *Chain) (*domain.Response, error) {
	req := chain.Request
	headers := req.Headers

	if !headers.Has("Host") {
		headers = headers.Set("Host", req.URL.Host)
	}
	if req.Body != nil && req.Body.Length >= 0 && !headers.Has("Content-Length") {
		headers = headers.Set("Content-Length", strconv.FormatInt(req.Body.Length, 10))
	}

	transparentGzip := false
	if !headers.Has("Accept-Encoding") && !headers.Has("Range") {
		headers = headers.Set("Accept-Encoding", "gzip")
		transparentGzip = true
	}

	bridged := *req
	bridged.Headers = headers

	resp, err := chain.Proceed(ctx, &bridged)
	if err != nil || resp == nil {
		return resp, err
	}

	if transparentGzip && isGzipped(resp) {
		resp = decodeGzip(resp)
	}
	return resp, nil
}

func isGzipped(resp *domain.Response) bool {
	enc, _ := resp.Headers.Get("Content-Encoding")
	return enc == "gzip"
}

func decodeGzip(resp *domain.Response) *domain.Response {
	if resp.Body == nil || resp.Body.Reader == nil {
		return resp
	}
	gz, err := gzip.NewReader(resp.Body.Reader)
	if err != nil {
		return resp
	}
	out := *resp
	out.Headers = resp.Headers.Clone()
	out.Headers = stripHeader(out.Headers, "Content-Encoding")
	out.Headers = stripHeader(out.Headers, "Content-Length")
	out.Body = &domain.Body{Reader: gzipReadCloser{gz, resp.Body.Reader}, Length: -1}
	return &out
}

type gzipReadCloser struct {
	gz   *gzip.Reader
	wrap io.Closer
}

func (g gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g gzipReadCloser) Close() error {
	_ = g.gz.Close()
	return g.wrap.Close()
}

func stripHeader(h domain.Headers, name string) domain.Headers {
	out := make(domain.Headers, 0, len(h))
	for _, kv := range h {
		if !strings.EqualFold(kv.Name, name) {
			out = append(out, kv)
		}
	}
	return out
}
