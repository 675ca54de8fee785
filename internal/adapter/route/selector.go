package route

import (
	"context"
	"net"

	"github.com/vellumhttp/vellum/internal/core/domain"
	"github.com/vellumhttp/vellum/internal/core/ports"
)

// Selector iterates proxies x resolved IPs for one Address, producing
// routes one at a time via Next (spec.md §4.3).
type Selector struct {
	resolver    ports.Resolver
	db          *Database
	fastFallback bool

	address domain.Address
	proxies []domain.Proxy

	primary    []domain.Route
	postponed  []domain.Route
	proxyIdx   int
	routeIdx   int
	started    bool
}

func NewSelector(address domain.Address, resolver ports.Resolver, db *Database, fastFallback bool) *Selector {
	return &Selector{address: address, resolver: resolver, db: db, fastFallback: fastFallback}
}

// HasNext reports whether the selector might still produce a route.
// Before the first resolution this is optimistically true, matching
// spec.md §4.2's "uninitialized (optimistic true)".
func (s *Selector) HasNext() bool {
	if !s.started {
		return true
	}
	return len(s.primary) > 0 || len(s.postponed) > 0
}

// Next resolves (on first call) and returns the next route to attempt,
// postponed routes from the Database last (spec.md §4.3).
func (s *Selector) Next(ctx context.Context) (domain.Route, bool, error) {
	if !s.started {
		if err := s.resolveAll(ctx); err != nil {
			return domain.Route{}, false, err
		}
		s.started = true
	}

	for len(s.primary) > 0 {
		r := s.primary[0]
		s.primary = s.primary[1:]
		if s.db != nil && s.db.ShouldPostpone(r) {
			s.postponed = append(s.postponed, r)
			continue
		}
		return r, true, nil
	}
	if len(s.postponed) > 0 {
		r := s.postponed[0]
		s.postponed = s.postponed[1:]
		return r, true, nil
	}
	return domain.Route{}, false, nil
}

func (s *Selector) resolveAll(ctx context.Context) error {
	proxies := s.proxies
	if proxies == nil {
		var err error
		if s.address.Proxy != nil {
			proxies, err = s.address.Proxy.Select(&domain.Request{URL: nil})
			if err != nil {
				return err
			}
		}
		if len(proxies) == 0 {
			proxies = []domain.Proxy{{Type: domain.ProxyDirect}}
		}
	}

	var routes []domain.Route
	for _, p := range proxies {
		if p.Type == domain.ProxySOCKS {
			// SOCKS proxies resolve the hostname themselves; the
			// engine passes the unresolved host through (spec.md
			// §4.3) as a route with no IP, which the connect plan
			// dials by hostname.
			routes = append(routes, domain.Route{Address: s.address, IP: nil, Port: s.address.Port})
			continue
		}

		addrs, err := s.resolver.LookupIPAddr(ctx, s.address.Host)
		if err != nil {
			return domain.NewError(domain.KindUnknownHost, "route.resolve", err)
		}
		ips := make([]net.IP, len(addrs))
		for i, a := range addrs {
			ips[i] = a.IP
		}
		if s.fastFallback {
			ips = happyEyeballsOrder(ips)
		}
		for _, ip := range ips {
			routes = append(routes, domain.Route{Address: s.address, IP: ip, Port: s.address.Port})
		}
	}
	s.primary = routes
	return nil
}

// happyEyeballsOrder partitions resolved addresses into IPv6 and IPv4
// and interleaves them IPv6-first (spec.md §4.3, RFC 8305), producing
// e.g. [v6a, v4a, v6b, v4b] from DNS order [v6a, v4a, v6b, v4b] or any
// other ordering DNS happened to return.
func happyEyeballsOrder(ips []net.IP) []net.IP {
	var v6, v4 []net.IP
	for _, ip := range ips {
		if ip.To4() == nil {
			v6 = append(v6, ip)
		} else {
			v4 = append(v4, ip)
		}
	}
	out := make([]net.IP, 0, len(ips))
	for i := 0; i < len(v6) || i < len(v4); i++ {
		if i < len(v6) {
			out = append(out, v6[i])
		}
		if i < len(v4) {
			out = append(out, v4[i])
		}
	}
	return out
}
