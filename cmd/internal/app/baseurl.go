package app

import (
	"net"
	"strings"
)

// runtimeBaseURL turns a listen address into a URL a local browser can reach.
// Wildcard binds map to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL onto its ws(s) equivalent.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

// publicBaseURL prefers the configured public URL over the listen address.
func publicBaseURL(cfg Config) string {
	if b := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"); b != "" {
		return b
	}
	return runtimeBaseURL(cfg.HTTPAddr)
}
