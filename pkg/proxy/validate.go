package proxy

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/mocklab/devgate/pkg/domain"
)

// TargetValidator checks proxy targets against the domain allow/block lists.
// Matchers are compiled once at configuration load. Malformed URLs fail
// closed; blocked entries win regardless of the allow-list.
type TargetValidator struct {
	allowed []domainMatcher
	blocked []domainMatcher
}

type domainMatcher struct {
	exact   string
	pattern *regexp.Regexp
}

func (m domainMatcher) matches(host string) bool {
	if m.pattern != nil {
		return m.pattern.MatchString(host)
	}
	return host == m.exact
}

// NewTargetValidator compiles the domain lists. Entries containing `*`
// become anchored regexes, mirroring the origin allow-list semantics.
func NewTargetValidator(allowedDomains, blockedDomains []string) *TargetValidator {
	return &TargetValidator{
		allowed: compileDomainList(allowedDomains),
		blocked: compileDomainList(blockedDomains),
	}
}

func compileDomainList(entries []string) []domainMatcher {
	var matchers []domainMatcher
	for _, entry := range entries {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "*") {
			pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(entry), `\*`, ".*") + "$"
			if re, err := regexp.Compile(pattern); err == nil {
				matchers = append(matchers, domainMatcher{pattern: re})
			}
			continue
		}
		matchers = append(matchers, domainMatcher{exact: entry})
	}
	return matchers
}

// Validate rejects non-http(s) schemes, hosts on the block list, and, when
// the allow-list is non-empty, hosts matching none of its entries.
func (v *TargetValidator) Validate(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return domain.InvalidTarget(raw, "malformed url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return domain.InvalidTarget(raw, "scheme must be http or https")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return domain.InvalidTarget(raw, "missing host")
	}

	for _, m := range v.blocked {
		if m.matches(host) {
			return domain.InvalidTarget(raw, "host is on the blocked domain list")
		}
	}
	if len(v.allowed) > 0 {
		for _, m := range v.allowed {
			if m.matches(host) {
				return nil
			}
		}
		return domain.InvalidTarget(raw, "host is not on the allowed domain list")
	}
	return nil
}
