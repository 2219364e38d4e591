package extract

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/avaliabr/cotador/internal/model"
	"github.com/avaliabr/cotador/internal/render"
)

// Result is a successfully extracted price and the strategy that found it.
type Result struct {
	Amount decimal.Decimal
	Method model.ExtractionMethod
}

// reliablePriceMetas carry a price without needing a paired label.
var reliablePriceMetas = []string{
	"product:price:amount",
	"og:price:amount",
}

// domPriceSelectors are tried in order; the first value > 1 wins.
var domPriceSelectors = []string{
	`[data-testid*="price"]`,
	`span[itemprop="price"]`,
	".product-price",
	".sale-price",
	`[class*="price"]`,
	`[id*="price"]`,
}

// bodyPricePatterns are applied to the flattened body text, strictest first.
var bodyPricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`R\$\s*\d{1,3}(?:\.\d{3})*,\d{2}`),
	regexp.MustCompile(`R\$\s*\d+(?:,\d{2})?`),
	regexp.MustCompile(`\d{1,3}(?:\.\d{3})*,\d{2}`),
}

// priceLabels mark a generic card-data meta as carrying a price. Matching is
// accent-insensitive so "preço" and "preco" are equivalent.
var priceLabels = []string{"preco", "price", "valor"}

// Price extracts a BRL price from the rendered page. Strategies run in
// order; the first success wins. Returns nil when every layer fails.
func Price(page *render.RenderedPage) *Result {
	if r := fromJSONLD(page); r != nil {
		return r
	}
	if r := fromMetaTags(page); r != nil {
		return r
	}
	if r := fromDOM(page); r != nil {
		return r
	}
	return fromBodyText(page)
}

// fromJSONLD walks every structured-data script looking for a Product whose
// offer is priced in BRL. The first parseable offer wins; sites that emit
// multiple Product variants get their first variant used.
func fromJSONLD(page *render.RenderedPage) *Result {
	for _, script := range page.StructuredDataScripts() {
		var payload any
		if err := json.Unmarshal([]byte(script), &payload); err != nil {
			continue
		}
		if amount, ok := findProductPrice(payload); ok {
			return &Result{Amount: amount, Method: model.MethodJSONLD}
		}
	}
	return nil
}

// findProductPrice recursively searches JSON-LD payloads (including @graph
// wrappers and top-level arrays) for Product.offers.price in BRL.
func findProductPrice(node any) (decimal.Decimal, bool) {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			if amount, ok := findProductPrice(item); ok {
				return amount, true
			}
		}
	case map[string]any:
		if isProductType(v["@type"]) {
			if amount, ok := offersPrice(v["offers"]); ok {
				return amount, true
			}
		}
		if graph, ok := v["@graph"]; ok {
			return findProductPrice(graph)
		}
	}
	return decimal.Zero, false
}

func isProductType(t any) bool {
	switch v := t.(type) {
	case string:
		return v == "Product"
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == "Product" {
				return true
			}
		}
	}
	return false
}

func offersPrice(offers any) (decimal.Decimal, bool) {
	switch v := offers.(type) {
	case []any:
		for _, offer := range v {
			if amount, ok := offersPrice(offer); ok {
				return amount, true
			}
		}
	case map[string]any:
		if currency, ok := v["priceCurrency"].(string); ok && currency != "BRL" {
			return decimal.Zero, false
		}
		switch price := v["price"].(type) {
		case string:
			return ParseBRL(price)
		case float64:
			d := decimal.NewFromFloat(price)
			if d.LessThanOrEqual(decimal.NewFromInt(1)) {
				return decimal.Zero, false
			}
			return d, true
		}
	}
	return decimal.Zero, false
}

// fromMetaTags reads the reliable price metas first, then generic card-data
// pairs (twitter:data1/twitter:label1) whose label names a price. The label
// requirement keeps SKUs out of the data slot.
func fromMetaTags(page *render.RenderedPage) *Result {
	for _, key := range reliablePriceMetas {
		if content := page.MetaContent(key); content != "" {
			if amount, ok := ParseBRL(content); ok {
				return &Result{Amount: amount, Method: model.MethodMeta}
			}
		}
	}

	tags := page.MetaTags()
	labels := make(map[string]string)
	datas := make(map[string]string)
	for _, tag := range tags {
		key := tag.Name
		if key == "" {
			key = tag.Property
		}
		if idx, ok := cardSlot(key, "label"); ok {
			labels[idx] = tag.Content
		}
		if idx, ok := cardSlot(key, "data"); ok {
			datas[idx] = tag.Content
		}
	}
	for idx, data := range datas {
		if !isPriceLabel(labels[idx]) {
			continue
		}
		if amount, ok := ParseBRL(data); ok {
			return &Result{Amount: amount, Method: model.MethodMeta}
		}
	}
	return nil
}

// cardSlot matches "twitter:data1" style keys, returning the slot index.
func cardSlot(key, kind string) (string, bool) {
	prefix := "twitter:" + kind
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return strings.TrimPrefix(key, prefix), true
}

func isPriceLabel(label string) bool {
	folded := foldAccents(strings.ToLower(label))
	for _, want := range priceLabels {
		if strings.Contains(folded, want) {
			return true
		}
	}
	return false
}

var accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func foldAccents(s string) string {
	out, _, err := transform.String(accentFolder, s)
	if err != nil {
		return s
	}
	return out
}

func fromDOM(page *render.RenderedPage) *Result {
	for _, selector := range domPriceSelectors {
		for _, text := range page.TextBySelector(selector) {
			if amount, ok := ParseBRL(text); ok {
				return &Result{Amount: amount, Method: model.MethodDOM}
			}
		}
		// itemprop elements often carry the price in a content attribute.
		for _, attr := range page.AttrBySelector(selector, "content") {
			if amount, ok := ParseBRL(attr); ok {
				return &Result{Amount: amount, Method: model.MethodDOM}
			}
		}
	}
	return nil
}

func fromBodyText(page *render.RenderedPage) *Result {
	body := page.BodyText()
	for _, pattern := range bodyPricePatterns {
		if match := pattern.FindString(body); match != "" {
			if amount, ok := ParseBRL(match); ok {
				return &Result{Amount: amount, Method: model.MethodDOM}
			}
		}
	}
	return nil
}
