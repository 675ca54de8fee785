package diskcache

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vellumhttp/vellum/internal/core/domain"
	"github.com/vellumhttp/vellum/internal/util"
)

const (
	sentMillisPrefix     = "Vellum-Sent-Millis"
	receivedMillisPrefix = "Vellum-Received-Millis"
)

// EncodeMetadata renders the text metadata format of spec.md §6 for
// resp. It is stored as value-slot 0; the response body occupies
// slot 1 (domain.CacheValueCount == 2).
func EncodeMetadata(w io.Writer, resp *domain.Response, varyHeaders domain.Headers) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintln(bw, resp.Request.URL.String())
	fmt.Fprintln(bw, resp.Request.Method)
	fmt.Fprintln(bw, len(varyHeaders))
	for _, kv := range varyHeaders {
		fmt.Fprintf(bw, "%s: %s\n", kv.Name, kv.Value)
	}

	fmt.Fprintf(bw, "HTTP/1.1 %d %s\n", resp.Code, resp.Status)
	fmt.Fprintln(bw, len(resp.Headers)+2)
	for _, kv := range resp.Headers {
		fmt.Fprintf(bw, "%s: %s\n", kv.Name, kv.Value)
	}
	fmt.Fprintf(bw, "%s: %d\n", sentMillisPrefix, resp.SentAt.UnixMilli())
	fmt.Fprintf(bw, "%s: %d\n", receivedMillisPrefix, resp.ReceivedAt.UnixMilli())

	if resp.TLS != nil {
		fmt.Fprintln(bw)
		fmt.Fprintln(bw, resp.TLS.CipherSuite)
		writeCertList(bw, resp.TLS.PeerCertificates)
		writeCertList(bw, resp.TLS.LocalCertificates)
		fmt.Fprintln(bw, resp.TLS.Version)
	}
	return bw.Flush()
}

func writeCertList(w io.Writer, certs [][]byte) {
	if certs == nil {
		fmt.Fprintln(w, -1)
		return
	}
	fmt.Fprintln(w, len(certs))
	for _, der := range certs {
		fmt.Fprintln(w, base64.StdEncoding.EncodeToString(der))
	}
}

// DecodeMetadata parses the format EncodeMetadata writes, returning
// the reconstructed response shell (without a body) and the vary
// header subset that gated this entry's storage.
func DecodeMetadata(r io.Reader) (*domain.Response, domain.Headers, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), 1<<20)

	readLine := func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		return sc.Text(), true
	}

	urlStr, ok := readLine()
	if !ok {
		return nil, nil, fmt.Errorf("diskcache: truncated metadata")
	}
	method, ok := readLine()
	if !ok {
		return nil, nil, fmt.Errorf("diskcache: truncated metadata")
	}

	varyCountLine, _ := readLine()
	varyCount := clampCount(varyCountLine)
	vary := make(domain.Headers, 0, varyCount)
	for i := 0; i < varyCount; i++ {
		line, _ := readLine()
		vary = append(vary, parseHeaderLine(line))
	}

	statusLine, _ := readLine()
	code, status := parseStatusLine(statusLine)

	headerCountLine, _ := readLine()
	headerCount := clampCount(headerCountLine)
	headers := make(domain.Headers, 0, headerCount)
	var sentMillis, receivedMillis int64
	for i := 0; i < headerCount; i++ {
		line, _ := readLine()
		kv := parseHeaderLine(line)
		switch kv.Name {
		case sentMillisPrefix:
			sentMillis, _ = strconv.ParseInt(kv.Value, 10, 64)
		case receivedMillisPrefix:
			receivedMillis, _ = strconv.ParseInt(kv.Value, 10, 64)
		default:
			headers = append(headers, kv)
		}
	}

	resp := &domain.Response{
		Status:     status,
		Code:       code,
		Headers:    headers,
		Protocol:   "HTTP/1.1",
		SentAt:     timeFromMillis(sentMillis),
		ReceivedAt: timeFromMillis(receivedMillis),
	}

	if blank, ok := readLine(); ok && blank == "" {
		cipherSuite, _ := readLine()
		peers := readCertList(readLine)
		locals := readCertList(readLine)
		version, _ := readLine()
		resp.TLS = &domain.TLSInfo{
			CipherSuite:       cipherSuite,
			PeerCertificates:  peers,
			LocalCertificates: locals,
			Version:           version,
		}
	}

	reqURL, err := parseRequestURL(urlStr)
	if err != nil {
		return nil, nil, err
	}
	resp.Request = &domain.Request{URL: reqURL, Method: method}

	return resp, vary, sc.Err()
}

func readCertList(readLine func() (string, bool)) [][]byte {
	countLine, _ := readLine()
	if n, _ := strconv.ParseInt(countLine, 10, 64); n < 0 {
		return nil
	}
	n := clampCount(countLine)
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		line, _ := readLine()
		der, err := base64.StdEncoding.DecodeString(line)
		if err == nil {
			out = append(out, der)
		}
	}
	return out
}

// clampCount parses a count line from untrusted on-disk metadata,
// clamping to a non-negative int32 so a corrupted journal entry can't
// drive make() into a huge or negative-length allocation.
func clampCount(s string) int {
	raw, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	if raw < 0 {
		return 0
	}
	return int(util.SafeInt32(raw))
}

func parseHeaderLine(line string) domain.Header {
	name, value, _ := strings.Cut(line, ": ")
	return domain.Header{Name: name, Value: value}
}

func parseStatusLine(line string) (int, string) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, ""
	}
	code, _ := strconv.Atoi(parts[1])
	status := ""
	if len(parts) == 3 {
		status = parts[2]
	}
	return code, status
}
