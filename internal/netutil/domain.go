// Package netutil provides host parsing helpers for endpoint validation
// and location lookups.
package netutil

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeHost lowercases a hostname and converts it to its ASCII
// (punycode) form. Returns an error for hostnames IDNA rejects. IP
// literals pass through unchanged.
func NormalizeHost(host string) (string, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return "", fmt.Errorf("empty host")
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return host, nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid hostname %q: %w", host, err)
	}
	return ascii, nil
}

// ExtractHost returns the bare host of a target that may be a URL,
// host:port, or a bracketed IPv6 address.
func ExtractHost(target string) string {
	if strings.Contains(target, "://") || strings.HasPrefix(target, "//") {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			target = u.Host
		}
	}
	host := target
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return host
}
