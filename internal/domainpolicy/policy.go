// Package domainpolicy decides whether a store domain may produce an
// observation: blocked, foreign, listing page, or duplicate.
package domainpolicy

import (
	"context"
	_ "embed"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/avaliabr/cotador/internal/model"
)

//go:embed seed.yaml
var seedYAML []byte

type seedFile struct {
	Blocked     []string `yaml:"blocked"`
	Comparators []string `yaml:"comparators"`
}

// foreignAllowlist lists global manufacturers that sell in Brazil. Non-.br
// hosts are accepted only when they belong to one of these.
var foreignAllowlist = []string{
	"dell.com",
	"lenovo.com",
	"samsung.com",
	"hp.com",
	"lg.com",
	"apple.com",
	"asus.com",
	"acer.com",
}

// listingPathPatterns mark search/category pages that never carry a single
// product price.
var listingPathPatterns = []string{"/busca/", "/search/", "/categoria/", "/colecao/"}

// BlockedLister supplies the administratively editable blocked-domain set.
type BlockedLister interface {
	ListBlockedDomains(ctx context.Context) ([]string, error)
}

// Violation is the tagged outcome of a failed policy check.
type Violation struct {
	Reason model.FailureReason
	Detail string
}

// Policy performs the domain checks. All checks run against an in-memory
// snapshot; no check incurs network or database I/O.
type Policy struct {
	lister  BlockedLister
	refresh time.Duration

	mu          sync.RWMutex
	blocked     []string
	comparators []string
	loadedAt    time.Time
}

// New creates a Policy seeded with the default blocked list. The store-backed
// list is merged in on Refresh.
func New(lister BlockedLister, refreshInterval time.Duration) *Policy {
	blocked, comparators := seedDomains()
	return &Policy{
		lister:      lister,
		refresh:     refreshInterval,
		blocked:     blocked,
		comparators: comparators,
	}
}

func seedDomains() (blocked, comparators []string) {
	var seed seedFile
	if err := yaml.Unmarshal(seedYAML, &seed); err != nil {
		// The seed is embedded and validated by tests; an unmarshal failure
		// here means a broken build, not a runtime condition.
		panic(eris.Wrap(err, "domainpolicy: parse embedded seed"))
	}
	return seed.Blocked, seed.Comparators
}

// Refresh reloads the blocked set from the store and merges it with the seed.
func (p *Policy) Refresh(ctx context.Context) error {
	if p.lister == nil {
		return nil
	}
	stored, err := p.lister.ListBlockedDomains(ctx)
	if err != nil {
		return eris.Wrap(err, "domainpolicy: list blocked domains")
	}

	seedBlocked, _ := seedDomains()
	merged := make([]string, 0, len(seedBlocked)+len(stored))
	seen := make(map[string]struct{}, len(seedBlocked)+len(stored))
	for _, d := range append(seedBlocked, stored...) {
		d = normalizeHost(d)
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		merged = append(merged, d)
	}

	p.mu.Lock()
	p.blocked = merged
	p.loadedAt = time.Now()
	p.mu.Unlock()
	return nil
}

// StartRefresh refreshes the blocked set periodically until ctx is done, so
// admin edits become visible to all workers within the refresh interval.
func (p *Policy) StartRefresh(ctx context.Context) {
	if p.lister == nil || p.refresh <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(p.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Refresh(ctx); err != nil {
					zap.L().Warn("domainpolicy: refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

// Check runs the policy checks in order against rawURL. seenDomains holds the
// hosts that already produced an accepted observation for the current request.
// A nil return means the URL is acceptable.
func (p *Policy) Check(rawURL string, seenDomains map[string]struct{}) *Violation {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return &Violation{Reason: model.FailOther, Detail: "unparsable url"}
	}
	host := normalizeHost(u.Hostname())

	if p.IsBlocked(host) {
		return &Violation{Reason: model.FailBlockedDomain, Detail: host}
	}

	if !p.isAcceptedLocale(host) {
		return &Violation{Reason: model.FailForeignDomain, Detail: host}
	}

	if p.isListing(u, host) {
		return &Violation{Reason: model.FailListingURL, Detail: u.Path}
	}

	if _, dup := seenDomains[host]; dup {
		return &Violation{Reason: model.FailDuplicateURL, Detail: host}
	}

	return nil
}

// IsBlocked performs a suffix-based membership test against the blocked set.
func (p *Policy) IsBlocked(host string) bool {
	host = normalizeHost(host)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, b := range p.blocked {
		if hostMatches(host, b) {
			return true
		}
	}
	return false
}

// IsListingURL reports whether rawURL points at a search, category or
// comparator page rather than a single product.
func (p *Policy) IsListingURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	return p.isListing(u, normalizeHost(u.Hostname()))
}

func (p *Policy) isAcceptedLocale(host string) bool {
	if strings.HasSuffix(host, ".br") {
		return true
	}
	for _, allowed := range foreignAllowlist {
		if hostMatches(host, allowed) {
			return true
		}
	}
	return false
}

func (p *Policy) isListing(u *url.URL, host string) bool {
	path := strings.ToLower(u.Path)
	for _, pattern := range listingPathPatterns {
		if strings.Contains(path, pattern) {
			return true
		}
	}
	if u.Query().Has("q") {
		return true
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.comparators {
		if hostMatches(host, c) {
			return true
		}
	}
	return false
}

// Host extracts the normalized host from a raw URL, or "" when unparsable.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return normalizeHost(u.Hostname())
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimPrefix(host, "www.")
}

// hostMatches reports whether host equals domain or is a subdomain of it.
func hostMatches(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}
