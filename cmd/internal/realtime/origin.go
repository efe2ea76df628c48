package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/samber/lo"
)

type originPolicy struct {
	required bool
	allowed  []string
	// patterns feed websocket.AcceptOptions.OriginPatterns so the library's
	// own cross-origin check agrees with ours.
	patterns []string
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	allowed = lo.Compact(lo.Map(allowed, func(s string, _ int) string { return strings.TrimSpace(s) }))
	return originPolicy{
		required: required,
		allowed:  allowed,
		patterns: deriveOriginPatterns(allowed),
	}
}

func (p originPolicy) check(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(p.allowed) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := originHostOnly(origin)
	for _, a := range p.allowed {
		if a == "*" {
			return nil
		}
		// Full origin match, then host match ignoring scheme and port.
		if origin == a {
			return nil
		}
		if host != "" && host == originHostOnly(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatterns(allowed []string) []string {
	if lo.Contains(allowed, "*") {
		return []string{"*"}
	}
	hosts := lo.Uniq(lo.FilterMap(allowed, func(a string, _ int) (string, bool) {
		h := originHostOnly(a)
		return h, h != "" && h != "*"
	}))
	slices.Sort(hosts)
	return hosts
}

func splitCSV(raw string) []string {
	return lo.Compact(lo.Map(strings.Split(raw, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
}
