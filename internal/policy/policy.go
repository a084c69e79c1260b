// Package policy implements the domain policy engine: whitelist/blacklist
// admission control over the hosts a crawl job may target.
package policy

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/studypulse/crawldispatch/internal/dispatch"
)

// Engine evaluates stored domain policies against target URLs.
type Engine struct {
	store  dispatch.PolicyStore
	logger *zap.Logger
}

// NewEngine builds an Engine over the policy store.
func NewEngine(store dispatch.PolicyStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger}
}

// IsAllowed decides whether role/tier may crawl rawURL. The evaluation order
// is deliberate: any matching blacklist entry denies outright, and the
// presence of any whitelist entry switches admission to closed-by-default.
// A nil error means allowed; denial returns *dispatch.PolicyViolationError.
func (e *Engine) IsAllowed(ctx context.Context, rawURL, role string, tier int) error {
	host, err := hostOf(rawURL)
	if err != nil {
		return &dispatch.PolicyViolationError{URL: rawURL, Reason: "unparseable URL"}
	}

	policies, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active policies: %w", err)
	}

	whitelistPresent := false
	whitelisted := false
	for _, p := range policies {
		switch p.Type {
		case dispatch.PolicyBlacklist:
			if matches(host, p.Pattern) {
				e.logger.Debug("host denied by blacklist",
					zap.String("host", host),
					zap.String("pattern", p.Pattern),
				)
				return &dispatch.PolicyViolationError{URL: rawURL, Reason: "domain is blacklisted"}
			}
		case dispatch.PolicyWhitelist:
			whitelistPresent = true
			if !matches(host, p.Pattern) {
				continue
			}
			if len(p.AllowedRoles) > 0 && !slices.Contains(p.AllowedRoles, role) {
				continue
			}
			if p.MinTier > 0 && tier < p.MinTier {
				continue
			}
			whitelisted = true
		}
	}

	if whitelistPresent && !whitelisted {
		return &dispatch.PolicyViolationError{URL: rawURL, Reason: "domain is not whitelisted for this role/tier"}
	}
	return nil
}

// CheckAll evaluates every URL of a job and returns the first denial.
func (e *Engine) CheckAll(ctx context.Context, urls []string, role string, tier int) error {
	for _, u := range urls {
		if err := e.IsAllowed(ctx, u, role, tier); err != nil {
			return err
		}
	}
	return nil
}

func hostOf(rawURL string) (string, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("no host in %q", rawURL)
	}
	return strings.ToLower(u.Hostname()), nil
}

// matches applies the pattern forms policies may carry: "*.x" and ".x" match
// x and its subdomains, anything else matches as an exact host or substring.
func matches(host, pattern string) bool {
	pattern = strings.TrimSpace(strings.ToLower(pattern))
	if pattern == "" {
		return false
	}
	switch {
	case strings.HasPrefix(pattern, "*."):
		suffix := strings.TrimPrefix(pattern, "*.")
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	case strings.HasPrefix(pattern, "."):
		suffix := strings.TrimPrefix(pattern, ".")
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	default:
		return host == pattern || strings.Contains(host, pattern)
	}
}
