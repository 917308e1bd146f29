package middleware

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies lists the peers allowed to report the client address
// through X-Real-IP or X-Forwarded-For.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies reads a comma-separated list of addresses and CIDR
// ranges. An empty list trusts nobody.
func ParseTrustedProxies(list string) (TrustedProxies, error) {
	var out TrustedProxies
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy range %q: %w", item, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy address %q: %w", item, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Contains reports whether ip falls inside one of the ranges.
func (t TrustedProxies) Contains(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// RealIP rewrites RemoteAddr to the forwarded client address, but only for
// requests whose peer is a trusted proxy. Everyone else is identified by the
// connection address and their forwarding headers are ignored.
func RealIP(trusted TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(trusted) > 0 && trusted.Contains(ClientIP(r)) {
				if ip := trusted.forwardedFor(r); ip != "" {
					r.RemoteAddr = ip
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// forwardedFor picks the client from the proxy headers. X-Forwarded-For is
// read right to left so entries a client prepended itself are skipped once
// an untrusted hop is found.
func (t TrustedProxies) forwardedFor(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); validIP(ip) {
		return ip
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	first := ""
	for i := len(hops) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(hops[i])
		if !validIP(ip) {
			// anything left of a malformed hop cannot be attributed
			break
		}
		if !t.Contains(ip) {
			return ip
		}
		first = ip
	}
	return first
}

func validIP(ip string) bool {
	return ip != "" && net.ParseIP(ip) != nil
}

// ClientIP returns the caller address from RemoteAddr. Put RealIP in front
// to resolve callers behind a trusted proxy.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
