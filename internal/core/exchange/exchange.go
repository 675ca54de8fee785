// Package exchange wraps a single request/response codec exchange,
// counting bytes and firing event-listener notifications without
// knowing anything about HTTP/1.1 vs HTTP/2 framing (spec.md §4.11).
package exchange

import (
	"context"
	"io"
	"strconv"

	"github.com/vellumhttp/vellum/internal/core/domain"
	vpool "github.com/vellumhttp/vellum/pkg/pool"
)

// copyBufferSize matches the stdlib's own io.Copy default, so pooling
// this buffer only saves the allocation, not the copy granularity.
const copyBufferSize = 32 * 1024

type copyBuffer struct{ b []byte }

func (c *copyBuffer) Reset() {} // reused verbatim; contents are overwritten before read

var bodyBufferPool = vpool.NewLitePool(func() *copyBuffer {
	return &copyBuffer{b: make([]byte, copyBufferSize)}
})

// Codec is the wire-level collaborator an Exchange drives; its
// implementation (HTTP/1.1 writer/reader, HTTP/2 stream) lives outside
// the core, per spec.md §1's out-of-scope list.
type Codec interface {
	WriteRequestHeaders(req *domain.Request) error
	RequestBodyWriter() (io.WriteCloser, error)
	ReadResponseHeaders() (*domain.Response, error)
	ResponseBodyReader(resp *domain.Response) (io.ReadCloser, error)
}

// Exchange is one request/response pair on a connection, reused across
// HTTP/1.1 pipelined exchanges or HTTP/2 streams by constructing a new
// Exchange per logical exchange on the same Connection.
type Exchange struct {
	Codec  Codec
	CallID domain.CallID

	// OnRequestBodyComplete, OnResponseBodyStart, OnResponseBodyEnd and
	// OnResponseFailed mirror spec.md §4.11's notification points. Any
	// of these may be left nil.
	OnRequestBodyComplete func(bytesWritten int64, err error)
	OnResponseBodyStart   func()
	OnResponseBodyEnd     func(bytesRead int64)
	OnResponseFailed      func(err error)

	hasFailure         bool
	requestSendStarted bool
}

// HasFailure reports whether any codec error was observed on this
// exchange; retry eligibility in the retry interceptor depends on it
// (spec.md §4.11, §7).
func (e *Exchange) HasFailure() bool { return e.hasFailure }

// RequestSendStarted reports whether any request bytes reached the
// wire, used by domain.IsRetriableBeforeSend.
func (e *Exchange) RequestSendStarted() bool { return e.requestSendStarted }

// WriteRequest writes headers then streams the body, counting bytes
// and enforcing a declared Content-Length (spec.md §4.11). ctx is
// accepted to satisfy interceptor.Exchange; cancellation is applied by
// the codec (e.g. via the connection's read/write deadlines), not here.
func (e *Exchange) WriteRequest(ctx context.Context, req *domain.Request) error {
	if err := e.Codec.WriteRequestHeaders(req); err != nil {
		e.hasFailure = true
		return err
	}
	e.requestSendStarted = true
	if req.Body == nil || req.Body.Reader == nil {
		return nil
	}

	w, err := e.Codec.RequestBodyWriter()
	if err != nil {
		e.hasFailure = true
		return err
	}
	counted := &countingWriter{w: w}
	buf := bodyBufferPool.Get()
	_, copyErr := io.CopyBuffer(counted, req.Body.Reader, buf.b)
	bodyBufferPool.Put(buf)
	closeErr := w.Close()

	err = firstNonNil(copyErr, closeErr)
	if err != nil {
		e.hasFailure = true
		if e.OnRequestBodyComplete != nil {
			e.OnRequestBodyComplete(counted.n, err)
		}
		return err
	}
	if req.Body.Length >= 0 && counted.n != req.Body.Length {
		e.hasFailure = true
		mismatch := domain.NewError(domain.KindProtocol, "exchange.writerequest", errContentLengthMismatch)
		if e.OnRequestBodyComplete != nil {
			e.OnRequestBodyComplete(counted.n, mismatch)
		}
		return mismatch
	}
	if e.OnRequestBodyComplete != nil {
		e.OnRequestBodyComplete(counted.n, nil)
	}
	return nil
}

// ReadResponse reads headers and wraps the body reader so EOF/error
// fire the response-body lifecycle notifications (spec.md §4.11).
func (e *Exchange) ReadResponse(ctx context.Context) (*domain.Response, error) {
	resp, err := e.Codec.ReadResponseHeaders()
	if err != nil {
		e.hasFailure = true
		return nil, err
	}

	body, err := e.Codec.ResponseBodyReader(resp)
	if err != nil {
		e.hasFailure = true
		return nil, err
	}

	declared := int64(-1)
	if cl, ok := resp.Headers.Get("Content-Length"); ok {
		declared = parseContentLength(cl)
	}

	resp.Body = &domain.Body{Reader: &responseBodyReader{
		exchange: e,
		inner:    body,
		declared: declared,
	}, Length: declared}
	return resp, nil
}

type responseBodyReader struct {
	exchange *Exchange
	inner    io.ReadCloser
	declared int64
	read     int64
	started  bool
	ended    bool
}

func (r *responseBodyReader) Read(p []byte) (int, error) {
	if !r.started {
		r.started = true
		if r.exchange.OnResponseBodyStart != nil {
			r.exchange.OnResponseBodyStart()
		}
	}
	n, err := r.inner.Read(p)
	r.read += int64(n)

	if err != nil && err != io.EOF {
		r.exchange.hasFailure = true
		if r.exchange.OnResponseFailed != nil {
			r.exchange.OnResponseFailed(err)
		}
		return n, err
	}
	if !r.ended && (err == io.EOF || (r.declared >= 0 && r.read >= r.declared)) {
		r.ended = true
		if r.exchange.OnResponseBodyEnd != nil {
			r.exchange.OnResponseBodyEnd(r.read)
		}
	}
	return n, err
}

func (r *responseBodyReader) Close() error {
	return r.inner.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func parseContentLength(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

var errContentLengthMismatch = chainErr("declared Content-Length does not match bytes written")

type chainErr string

func (e chainErr) Error() string { return string(e) }
