package repositories

import (
	"net"
	"strings"
)

// NormalizeHost lower-cases host and strips any port and trailing dot so storefront hosts compare
// equal to the registered domain regardless of how the request reached us.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return strings.TrimSuffix(host, ".")
}
