package config

import (
	"fmt"
	"net"
	"strings"
)

// DefaultSSHPort is appended to destinations given without a port
const DefaultSSHPort = "22"

// NormalizeDestination turns host, host:port, [v6] or [v6]:port into a
// dialable host:port. A bare IPv6 address is accepted as well.
func NormalizeDestination(dest string) (string, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return "", fmt.Errorf("destination cannot be empty")
	}

	if host, port, err := net.SplitHostPort(dest); err == nil {
		if host == "" {
			return "", fmt.Errorf("destination %q has no host", dest)
		}
		if port == "" {
			port = DefaultSSHPort
		}
		return net.JoinHostPort(host, port), nil
	}

	host := dest
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	} else if strings.ContainsAny(host, "[]") {
		return "", fmt.Errorf("invalid destination %q", dest)
	}
	if host == "" {
		return "", fmt.Errorf("destination %q has no host", dest)
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return "", fmt.Errorf("invalid destination %q", dest)
	}
	return net.JoinHostPort(host, DefaultSSHPort), nil
}
