// Package urlclean strips tracking parameters from store URLs before any
// fetch or persistence.
package urlclean

import (
	"net/url"
	"strings"
)

// trackingParams are removed from every store URL. The remaining query
// parameters keep their original ordering.
var trackingParams = map[string]struct{}{
	"srsltid":      {},
	"pf":           {},
	"mc":           {},
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"gclid":        {},
	"fbclid":       {},
	"ref":          {},
	"ref_":         {},
	"_ga":          {},
	"_gl":          {},
	"dclid":        {},
}

// Clean removes tracking parameters from rawURL. The operation is idempotent:
// Clean(Clean(u)) == Clean(u). Unparsable URLs are returned unchanged.
func Clean(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.RawQuery == "" {
		return rawURL
	}

	// Rebuild the query by hand instead of url.Values to preserve the
	// ordering of the surviving parameters.
	var kept []string
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if pair == "" {
			continue
		}
		key := pair
		if i := strings.Index(pair, "="); i >= 0 {
			key = pair[:i]
		}
		if _, tracked := trackingParams[strings.ToLower(key)]; tracked {
			continue
		}
		kept = append(kept, pair)
	}

	u.RawQuery = strings.Join(kept, "&")
	return u.String()
}
