package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

// originPolicy is the handshake allowlist. An entry matches either the full
// origin or, ignoring scheme and port, its host.
type originPolicy struct {
	required bool
	any      bool
	origins  map[string]struct{}
	hosts    map[string]struct{}

	// patterns feed websocket.Accept, which runs its own same-host check
	// and needs the hosts spelled out for cross-origin pages.
	patterns []string
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	p := originPolicy{
		required: required,
		origins:  make(map[string]struct{}, len(allowed)),
		hosts:    make(map[string]struct{}, len(allowed)),
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			p.any = true
			continue
		}
		p.origins[a] = struct{}{}
		if h := hostOf(a); h != "" {
			p.hosts[h] = struct{}{}
		}
	}

	p.patterns = make([]string, 0, len(p.hosts))
	for h := range p.hosts {
		p.patterns = append(p.patterns, h)
	}
	sort.Strings(p.patterns)
	return p
}

func (p originPolicy) check(origin string) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	}
	if p.any {
		return nil
	}
	if len(p.origins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}
	if _, ok := p.origins[origin]; ok {
		return nil
	}
	if h := hostOf(origin); h != "" {
		if _, ok := p.hosts[h]; ok {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// hostOf returns the lower-cased host of an origin or bare host[:port].
func hostOf(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return strings.ToLower(strings.TrimSpace(s))
}
