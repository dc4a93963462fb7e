package ratelimit

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// AnonymousIdentity is used when no client address can be determined.
const AnonymousIdentity = "anonymous"

// ClientIdentity picks the address requests are counted against: the trusted
// proxy header, then the first X-Forwarded-For entry, then the peer address.
// Values that do not parse as an IP are skipped.
func ClientIdentity(r *http.Request, trustedHeader string) string {
	if trustedHeader != "" {
		if addr, ok := parseAddr(r.Header.Get(trustedHeader)); ok {
			return addr
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, ok := parseAddr(first); ok {
			return addr
		}
	}
	if addr, ok := parseAddr(remoteHost(r.RemoteAddr)); ok {
		return addr
	}
	return AnonymousIdentity
}

func parseAddr(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	if addr, err := netip.ParseAddr(value); err == nil {
		return addr.Unmap().String(), true
	}
	if addrPort, err := netip.ParseAddrPort(value); err == nil {
		return addrPort.Addr().Unmap().String(), true
	}
	return "", false
}

func remoteHost(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
