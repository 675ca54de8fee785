package diskcache

import (
	"bytes"
	"net/url"
	"testing"
	"time"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

func TestEncodeDecodeMetadataRoundTrip(t *testing.T) {
	u, err := url.Parse("https://example.com/resource?x=1")
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}

	resp := &domain.Response{
		Request:    &domain.Request{URL: u, Method: "GET"},
		Status:     "200 OK",
		Code:       200,
		Headers:    domain.Headers{{Name: "Content-Type", Value: "text/plain"}, {Name: "ETag", Value: `"abc"`}},
		SentAt:     time.UnixMilli(1_700_000_000_000),
		ReceivedAt: time.UnixMilli(1_700_000_000_500),
	}
	vary := domain.Headers{{Name: "Accept-Encoding", Value: "gzip"}}

	var buf bytes.Buffer
	if err := EncodeMetadata(&buf, resp, vary); err != nil {
		t.Fatalf("EncodeMetadata: %v", err)
	}

	decoded, decodedVary, err := DecodeMetadata(&buf)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}

	if decoded.Code != 200 {
		t.Errorf("Code = %d, want 200", decoded.Code)
	}
	if decoded.Request.URL.String() != u.String() {
		t.Errorf("URL = %s, want %s", decoded.Request.URL.String(), u.String())
	}
	if decoded.Request.Method != "GET" {
		t.Errorf("Method = %s, want GET", decoded.Request.Method)
	}
	if v, ok := decoded.Headers.Get("ETag"); !ok || v != `"abc"` {
		t.Errorf("ETag = %q (ok=%v), want \"abc\"", v, ok)
	}
	if len(decodedVary) != 1 || decodedVary[0].Name != "Accept-Encoding" {
		t.Errorf("vary headers not round-tripped correctly: %+v", decodedVary)
	}
	if decoded.SentAt.UnixMilli() != resp.SentAt.UnixMilli() {
		t.Errorf("SentAt not round-tripped: got %v want %v", decoded.SentAt, resp.SentAt)
	}
}

func TestEncodeDecodeMetadataWithTLS(t *testing.T) {
	u, _ := url.Parse("https://example.com/")
	resp := &domain.Response{
		Request: &domain.Request{URL: u, Method: "GET"},
		Status:  "200 OK",
		Code:    200,
		TLS: &domain.TLSInfo{
			CipherSuite:      "TLS_AES_128_GCM_SHA256",
			Version:          "TLS 1.3",
			PeerCertificates: [][]byte{[]byte("fake-der-cert")},
		},
	}

	var buf bytes.Buffer
	if err := EncodeMetadata(&buf, resp, nil); err != nil {
		t.Fatalf("EncodeMetadata: %v", err)
	}

	decoded, _, err := DecodeMetadata(&buf)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if decoded.TLS == nil {
		t.Fatalf("expected TLS info to round-trip")
	}
	if decoded.TLS.CipherSuite != "TLS_AES_128_GCM_SHA256" {
		t.Errorf("CipherSuite = %s", decoded.TLS.CipherSuite)
	}
	if len(decoded.TLS.PeerCertificates) != 1 || string(decoded.TLS.PeerCertificates[0]) != "fake-der-cert" {
		t.Errorf("PeerCertificates not round-tripped: %+v", decoded.TLS.PeerCertificates)
	}
}

func TestClampCountRejectsCorruptValues(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  int
	}{
		{"normal", "3", 3},
		{"negative", "-1", 0},
		{"not a number", "garbage", 0},
		{"huge overflow", "99999999999999999999", 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := clampCount(tc.input); got != tc.want {
				t.Errorf("clampCount(%q) = %d, want %d", tc.input, got, tc.want)
			}
		})
	}
}

func TestDecodeMetadataTruncatedInput(t *testing.T) {
	_, _, err := DecodeMetadata(bytes.NewReader(nil))
	if err == nil {
		t.Errorf("expected an error decoding empty metadata")
	}
}
