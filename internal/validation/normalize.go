package validation

import (
	"net"
	"strings"

	regexp "github.com/wasilibs/go-re2"
	"golang.org/x/net/publicsuffix"
)

var hostnamePattern = regexp.MustCompile(
	`^[a-z0-9_]([a-z0-9_-]{0,61}[a-z0-9_])?(\.[a-z0-9_]([a-z0-9_-]{0,61}[a-z0-9_])?)+$`)

// NormalizeHost reduces a tool output line to a bare lower-case hostname:
// scheme, credentials, port, path, wildcard label and trailing dot are
// removed. It reports false for anything that is not a DNS name.
func NormalizeHost(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}

	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	s = strings.TrimSuffix(s, ".")
	for strings.HasPrefix(s, "*.") {
		s = s[2:]
	}
	s = strings.TrimPrefix(s, ".")

	if len(s) > 253 || net.ParseIP(s) != nil || !hostnamePattern.MatchString(s) {
		return "", false
	}
	return s, true
}

// RootDomain returns the registrable domain (eTLD+1) of host.
func RootDomain(host string) (string, bool) {
	host, ok := NormalizeHost(host)
	if !ok {
		return "", false
	}
	root, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", false
	}
	return root, true
}

// WildcardDomain returns the domain under a "*.example.com" scope value.
func WildcardDomain(value string) string {
	host, ok := NormalizeHost(value)
	if !ok {
		return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "*.")
	}
	return host
}

// InScope reports whether host is domain or one of its subdomains.
func InScope(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// NormalizeCIDR canonicalises a network range. A bare address becomes a
// single-host range.
func NormalizeCIDR(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if _, network, err := net.ParseCIDR(s); err == nil {
		return network.String(), true
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return "", false
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String() + "/32", true
	}
	return ip.String() + "/128", true
}
