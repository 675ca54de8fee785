// Package httpcodec is a minimal HTTP/1.1 wire codec built on
// net/http's own request/response (de)serialization, the same idiom
// connect.Plan already uses for its CONNECT tunnel handshake. The wire
// codec itself is an external collaborator per spec.md §1; this is one
// concrete implementation of exchange.Codec for callers that don't
// bring their own.
package httpcodec

import (
	"bufio"
	"io"
	"net/http"
	"strconv"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

type Codec struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader

	method string
	url    string
}

func New(conn io.ReadWriteCloser) *Codec {
	return &Codec{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *Codec) WriteRequestHeaders(req *domain.Request) error {
	c.method = req.Method
	c.url = req.URL.String()

	httpReq, err := http.NewRequest(req.Method, req.URL.String(), nil)
	if err != nil {
		return domain.NewError(domain.KindProtocol, "httpcodec.writeheaders", err)
	}
	for _, kv := range req.Headers {
		httpReq.Header.Add(kv.Name, kv.Value)
	}
	httpReq.Host = req.URL.Host

	// Write headers only; WriteRequest body writer streams the body
	// separately so Content-Length enforcement stays in exchange.go.
	var bodyLen int64 = -1
	if req.Body != nil {
		bodyLen = req.Body.Length
	}
	if bodyLen >= 0 {
		httpReq.ContentLength = bodyLen
	}
	// httpReq.Body is nil, so Write flushes only the request line and
	// headers; the body (if any) streams separately through
	// RequestBodyWriter so exchange.go can enforce Content-Length itself.
	return httpReq.Write(c.conn)
}

func (c *Codec) RequestBodyWriter() (io.WriteCloser, error) {
	return nopWriteCloser{c.conn}, nil
}

func (c *Codec) ReadResponseHeaders() (*domain.Response, error) {
	httpReq, _ := http.NewRequest(c.method, c.url, nil)
	resp, err := http.ReadResponse(c.reader, httpReq)
	if err != nil {
		return nil, domain.NewError(domain.KindIO, "httpcodec.readheaders", err)
	}

	headers := make(domain.Headers, 0, len(resp.Header))
	for name, values := range resp.Header {
		for _, v := range values {
			headers = headers.Add(name, v)
		}
	}
	if resp.ContentLength >= 0 && !headers.Has("Content-Length") {
		headers = headers.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}

	return &domain.Response{
		Status:   resp.Status,
		Code:     resp.StatusCode,
		Protocol: resp.Proto,
		Headers:  headers,
	}, nil
}

func (c *Codec) ResponseBodyReader(resp *domain.Response) (io.ReadCloser, error) {
	return c.conn, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
