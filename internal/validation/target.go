package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

// ValidateScopeTarget checks that value is well formed for its target type.
// Wildcard targets are "*.example.com", company targets an organisation
// name, URL targets an absolute http(s) URL.
func ValidateScopeTarget(targetType types.TargetType, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("target cannot be empty")
	}

	switch targetType {
	case types.TargetTypeWildcard:
		if !strings.HasPrefix(value, "*.") {
			return fmt.Errorf("wildcard target must look like *.example.com, got %q", value)
		}
		domain, ok := NormalizeHost(value)
		if !ok {
			return fmt.Errorf("invalid wildcard domain %q", value)
		}
		if isPrivateTarget(domain) {
			return fmt.Errorf("scanning private/local targets is not allowed without explicit authorization")
		}
		return nil

	case types.TargetTypeCompany:
		if len(value) < 2 || strings.ContainsAny(value, "/\\") {
			return fmt.Errorf("invalid company name %q", value)
		}
		return nil

	case types.TargetTypeURL:
		parsed, err := url.Parse(value)
		if err != nil {
			return fmt.Errorf("invalid URL format: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("URL target must use http or https")
		}
		if parsed.Hostname() == "" {
			return fmt.Errorf("URL target has no host")
		}
		if isPrivateTarget(parsed.Hostname()) {
			return fmt.Errorf("URL points to private/local network")
		}
		return nil
	}

	return fmt.Errorf("unknown target type %q", targetType)
}

// ParseTargetType accepts the stored spelling or its lower-case form.
func ParseTargetType(s string) (types.TargetType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wildcard":
		return types.TargetTypeWildcard, nil
	case "company":
		return types.TargetTypeCompany, nil
	case "url":
		return types.TargetTypeURL, nil
	}
	return "", fmt.Errorf("unknown target type %q (expected Company, Wildcard or URL)", s)
}

// isPrivateTarget checks if a host is localhost or on a private network
func isPrivateTarget(host string) bool {
	lower := strings.ToLower(host)

	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}

	privateTLDs := []string{
		".local",
		".internal",
		".lan",
		".test",
	}
	for _, tld := range privateTLDs {
		if strings.HasSuffix(lower, tld) {
			return true
		}
	}

	return isPrivateHost(lower)
}

// isPrivateHost checks if a hostname/IP is private
func isPrivateHost(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
