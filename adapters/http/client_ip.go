package authhttp

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPFunc picks the client address used as the rate-limit key.
// An empty result means unknown, and the request is not limited.
type ClientIPFunc func(r *http.Request) string

// DefaultClientIP keys on RemoteAddr when it is a public address. Private and loopback
// peers are usually a proxy in front of many clients, so they are not limited.
func DefaultClientIP() ClientIPFunc {
	return func(r *http.Request) string {
		a, ok := peerAddr(r)
		if !ok || !isPublicAddr(a) {
			return ""
		}
		return a.String()
	}
}

// ClientIPFromForwardedHeaders honours CF-Connecting-IP, X-Real-IP and the left-most
// X-Forwarded-For entry, in that order, but only when the peer is one of trustedProxies.
func ClientIPFromForwardedHeaders(trustedProxies []netip.Prefix) ClientIPFunc {
	fallback := DefaultClientIP()
	return func(r *http.Request) string {
		peer, ok := peerAddr(r)
		if !ok {
			return ""
		}
		if !trusted(peer, trustedProxies) {
			return fallback(r)
		}
		for _, h := range []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"} {
			v, _, _ := strings.Cut(r.Header.Get(h), ",")
			if a, err := netip.ParseAddr(strings.TrimSpace(v)); err == nil && isPublicAddr(a) {
				return a.String()
			}
		}
		return fallback(r)
	}
}

func trusted(a netip.Addr, prefixes []netip.Prefix) bool {
	for _, p := range prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

func peerAddr(r *http.Request) (netip.Addr, bool) {
	if r == nil || r.RemoteAddr == "" {
		return netip.Addr{}, false
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

func isPublicAddr(a netip.Addr) bool {
	if !a.IsValid() {
		return false
	}
	return !(a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalMulticast() || a.IsLinkLocalUnicast() ||
		a.IsMulticast() || a.IsUnspecified())
}
