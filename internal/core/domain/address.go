package domain

import (
	"crypto/tls"
	"net"
	"strconv"
)

// Address is the target of every route a call may take to reach it.
// Non-host equality (EqualsNonHost) ignores the host, which is what
// makes HTTP/2 coalescing possible across hostnames that share server
// identity.
type Address struct {
	Scheme           string
	Host             string
	Port             int
	TLSConfig        *tls.Config // nil for plaintext addresses
	HostnameVerifier HostnameVerifier
	Pinner           CertificatePinner
	Protocols        []string // e.g. "h2", "http/1.1", in preference order
	ConnectionSpecs  []ConnectionSpec
	Proxy            ProxySelector
	ProxyAuth        ProxyAuthenticator
}

// EqualsNonHost is the predicate HTTP/2 coalescing relies on (spec.md
// §3, §4.4). It compares scheme, port and the protocol list, and
// whether each side has a TLSConfig and a HostnameVerifier set. The
// contents of the TLS config and verifier, the pinner, the connection
// specs, the proxy selector and the proxy authenticator are not
// compared.
func (a Address) EqualsNonHost(b Address) bool {
	if a.Scheme != b.Scheme || a.Port != b.Port {
		return false
	}
	if len(a.Protocols) != len(b.Protocols) {
		return false
	}
	for i := range a.Protocols {
		if a.Protocols[i] != b.Protocols[i] {
			return false
		}
	}
	if (a.TLSConfig == nil) != (b.TLSConfig == nil) {
		return false
	}
	if (a.HostnameVerifier == nil) != (b.HostnameVerifier == nil) {
		return false
	}
	return true
}

func (a Address) IsTLS() bool { return a.TLSConfig != nil }

// HostnameVerifier checks a negotiated TLS session against a hostname.
type HostnameVerifier func(hostname string, state *tls.ConnectionState) bool

// CertificatePinner validates a cleaned certificate chain for a
// hostname, independent of normal chain-of-trust verification (SPKI
// pinning per spec.md §6).
type CertificatePinner interface {
	Check(hostname string, chain [][]byte) error
}

// ConnectionSpec enumerates one TLS fallback tier: enabled protocol
// versions, cipher suites and whether the tier supports TLS at all
// (SupportsTLS false marks a plaintext-only tier) (spec.md §4.5
// "Connection-spec fallback").
type ConnectionSpec struct {
	Name           string
	TLSVersions    []uint16
	CipherSuites   []uint16
	SupportsTLS    bool
}

// Route is a concrete tuple of (Address, resolved socket address).
type Route struct {
	Address  Address
	IP       net.IP
	Port     int
}

func (r Route) SocketAddr() string {
	return net.JoinHostPort(r.IP.String(), strconv.Itoa(r.Port))
}

// RequiresTunnel reports whether this route must establish a CONNECT
// tunnel before TLS can begin: true iff the proxy is an HTTP proxy and
// the address itself uses TLS (spec.md §3).
func (r Route) RequiresTunnel() bool {
	return r.Address.IsTLS() && r.proxyIsHTTP()
}

func (r Route) proxyIsHTTP() bool {
	sel, ok := r.Address.Proxy.(StaticProxySelector)
	return ok && sel.Proxy.Type == ProxyHTTP
}
