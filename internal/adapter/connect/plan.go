// Package connect executes one connect attempt end-to-end: TCP, an
// optional CONNECT tunnel, then TLS (spec.md §4.5).
package connect

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

const maxTunnelAttempts = 21

// Plan drives a single ConnectPlanState through TCP -> tunnel -> TLS.
// Each phase checks the cancel flag before blocking I/O and closes the
// raw socket to interrupt I/O already in flight (spec.md §4.5
// "Cancellation invariant").
type Plan struct {
	State domain.ConnectPlanState

	ConnectTimeout time.Duration
	ProxyAuth      domain.ProxyAuthenticator
	UserAgent      string

	canceled atomic.Bool
	raw      net.Conn
}

// NextPlan is returned when a phase determines the caller should retry
// with a different plan rather than continuing this one (spec.md §4.5
// "Connection-spec fallback", proxy reconnect, proxy auth retry).
type NextPlan struct {
	Reason domain.NextPlanReason
	State  domain.ConnectPlanState
}

func New(route domain.Route, connectTimeout time.Duration) *Plan {
	return &Plan{
		State:          domain.ConnectPlanState{Route: route},
		ConnectTimeout: connectTimeout,
	}
}

// Cancel sets the cancel flag and, if a raw socket is already open,
// closes it to interrupt any blocking read/write (spec.md §4.5).
func (p *Plan) Cancel() {
	p.canceled.Store(true)
	if p.raw != nil {
		_ = p.raw.Close()
	}
}

func (p *Plan) isCanceled() bool { return p.canceled.Load() }

// ConnectTCP performs phase 1: dial the resolved socket address, or,
// for a route with no resolved IP (a SOCKS route), dial
// Route.Address.Host and the route's port directly. No connection to
// the SOCKS proxy and no SOCKS handshake is made.
func (p *Plan) ConnectTCP(ctx context.Context) error {
	if p.isCanceled() {
		return domain.NewError(domain.KindCancellation, "connect.tcp", nil)
	}

	dialer := &net.Dialer{Timeout: p.ConnectTimeout}
	target := p.State.Route.SocketAddr()
	if p.State.Route.IP == nil {
		target = net.JoinHostPort(p.State.Route.Address.Host, portString(p.State.Route.Port))
	}

	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return domain.NewError(domain.KindSocket, "connect.tcp", err)
	}
	if p.isCanceled() {
		_ = conn.Close()
		return domain.NewError(domain.KindCancellation, "connect.tcp", nil)
	}
	p.raw = conn
	return nil
}

// ConnectTunnel performs phase 2 when the route requires an HTTP
// CONNECT tunnel (spec.md §4.5, §3 "RequiresTunnel").
func (p *Plan) ConnectTunnel(ctx context.Context) (*NextPlan, error) {
	if !p.State.Route.RequiresTunnel() {
		return nil, nil
	}

	host := p.State.Route.Address.Host
	hostport := net.JoinHostPort(host, portString(p.State.Route.Port))

	for attempt := 0; attempt < maxTunnelAttempts; attempt++ {
		if p.isCanceled() {
			return nil, domain.NewError(domain.KindCancellation, "connect.tunnel", nil)
		}

		req := p.State.TunnelRequest
		if req == nil {
			req, _ = http.NewRequestWithContext(ctx, http.MethodConnect, "http://"+hostport, nil)
			req.Host = hostport
			req.Header.Set("Proxy-Connection", "Keep-Alive")
			if p.UserAgent != "" {
				req.Header.Set("User-Agent", p.UserAgent)
			}
		}

		if err := req.Write(p.raw); err != nil {
			return nil, domain.NewError(domain.KindIO, "connect.tunnel", err)
		}

		resp, err := http.ReadResponse(bufio.NewReader(p.raw), req)
		if err != nil {
			return nil, domain.NewError(domain.KindIO, "connect.tunnel", err)
		}
		_ = resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			return nil, nil
		case http.StatusProxyAuthRequired:
			if p.ProxyAuth == nil {
				return nil, domain.NewError(domain.KindProtocol, "connect.tunnel", fmt.Errorf("407 with no proxy authenticator"))
			}
			nextReq, authErr := p.ProxyAuth.Authenticate(p.State.Route, &domain.Response{Code: resp.StatusCode})
			if authErr != nil || nextReq == nil {
				return nil, domain.NewError(domain.KindProtocol, "connect.tunnel", fmt.Errorf("proxy authenticator declined"))
			}
			if resp.Close {
				return &NextPlan{Reason: domain.NextPlanProxyReconnect, State: p.State}, nil
			}
			authReq, _ := http.NewRequestWithContext(ctx, http.MethodConnect, "http://"+hostport, nil)
			authReq.Host = hostport
			for _, h := range nextReq.Headers {
				authReq.Header.Add(h.Name, h.Value)
			}
			p.State.TunnelRequest = authReq
			continue
		default:
			return nil, domain.NewError(domain.KindProtocol, "connect.tunnel", fmt.Errorf("unexpected tunnel status %d", resp.StatusCode))
		}
	}
	return nil, domain.NewError(domain.KindProtocol, "connect.tunnel", fmt.Errorf("exhausted %d tunnel attempts", maxTunnelAttempts))
}

// ConnectTLS performs phase 3: handshake, hostname verification,
// certificate-chain cleaning, and pinner evaluation.
func (p *Plan) ConnectTLS(ctx context.Context) (*NextPlan, error) {
	addr := p.State.Route.Address
	if !addr.IsTLS() {
		return nil, nil
	}
	if p.isCanceled() {
		return nil, domain.NewError(domain.KindCancellation, "connect.tls", nil)
	}

	specs := addr.ConnectionSpecs
	if len(specs) == 0 {
		specs = []domain.ConnectionSpec{{Name: "modern", SupportsTLS: true}}
	}
	spec := specs[p.State.SpecIndex]
	if !spec.SupportsTLS {
		return nil, domain.NewError(domain.KindTLSHandshake, "connect.tls", fmt.Errorf("plaintext-only spec cannot negotiate TLS"))
	}

	cfg := addr.TLSConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg.ServerName = addr.Host
	if len(spec.CipherSuites) > 0 {
		cfg.CipherSuites = spec.CipherSuites
	}
	cfg.MinVersion, cfg.MaxVersion = specVersionRange(spec)

	tconn := tls.Client(p.raw, cfg)
	if err := tconn.HandshakeContext(ctx); err != nil {
		if p.State.SpecIndex+1 < len(specs) && !isCertificateError(err) {
			return &NextPlan{
				Reason: domain.NextPlanTLSFallback,
				State: domain.ConnectPlanState{
					Route: p.State.Route, SpecIndex: p.State.SpecIndex + 1, IsTLSFallback: true,
				},
			}, nil
		}
		return nil, domain.NewError(domain.KindTLSHandshake, "connect.tls", err)
	}

	state := tconn.ConnectionState()
	if addr.HostnameVerifier != nil && !addr.HostnameVerifier(addr.Host, &state) {
		return nil, domain.NewError(domain.KindTLSPeerUnverified, "connect.tls", fmt.Errorf("hostname verification failed for %s", addr.Host))
	}

	chain := cleanCertificateChain(state)
	if addr.Pinner != nil {
		if err := addr.Pinner.Check(addr.Host, chain); err != nil {
			return nil, domain.NewError(domain.KindTLSPinning, "connect.tls", err)
		}
	}

	p.raw = tconn
	p.State.Ready = true
	return nil, nil
}

func portString(port int) string {
	return fmt.Sprintf("%d", port)
}

func specVersionRange(spec domain.ConnectionSpec) (min, max uint16) {
	if len(spec.TLSVersions) == 0 {
		return tls.VersionTLS12, tls.VersionTLS13
	}
	min, max = spec.TLSVersions[0], spec.TLSVersions[0]
	for _, v := range spec.TLSVersions {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// isCertificateError reports whether the handshake failed because of
// the certificate itself (untrusted, expired, wrong name) rather than a
// transient/negotiation problem — spec.md §4.8 treats the former as
// fatal and never falls back to another connection spec for it.
func isCertificateError(err error) bool {
	var unknownAuth x509.UnknownAuthorityError
	var invalid x509.CertificateInvalidError
	var hostname x509.HostnameError
	return errors.As(err, &unknownAuth) || errors.As(err, &invalid) || errors.As(err, &hostname)
}

// cleanCertificateChain returns the DER bytes of every certificate the
// peer presented, in the order presented. Nothing is stripped or
// reordered; certificate parsing and chain validation are left to the
// TLS handshake's x509 verification.
func cleanCertificateChain(state tls.ConnectionState) [][]byte {
	chain := make([][]byte, 0, len(state.PeerCertificates))
	for _, cert := range state.PeerCertificates {
		chain = append(chain, cert.Raw)
	}
	return chain
}

// Conn returns the (possibly TLS-wrapped) socket once ready.
func (p *Plan) Conn() net.Conn { return p.raw }

func (p *Plan) NegotiatedProtocol() string {
	tconn, ok := p.raw.(*tls.Conn)
	if !ok {
		return "http/1.1"
	}
	if tconn.ConnectionState().NegotiatedProtocol == "h2" {
		return "h2"
	}
	return "http/1.1"
}
