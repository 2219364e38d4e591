package render

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// MetaTag is one <meta> element of the rendered page.
type MetaTag struct {
	Name     string
	Property string
	Content  string
}

// RenderedPage exposes the DOM of a rendered store page to the price
// extractors: structured-data scripts, meta tags, selector queries, and the
// full body text. It is built from the final HTML, so extraction never
// touches the browser again.
type RenderedPage struct {
	URL   string
	Title string

	doc *goquery.Document
}

// NewPageFromHTML parses html into a RenderedPage. Used by the render engine
// after navigation and by tests with static fixtures.
func NewPageFromHTML(pageURL, html string) (*RenderedPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, eris.Wrap(err, "render: parse html")
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	return &RenderedPage{
		URL:   pageURL,
		Title: title,
		doc:   doc,
	}, nil
}

// StructuredDataScripts returns the raw contents of every
// <script type="application/ld+json"> element.
func (p *RenderedPage) StructuredDataScripts() []string {
	var scripts []string
	p.doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			scripts = append(scripts, text)
		}
	})
	return scripts
}

// MetaTags returns every meta tag carrying a name or property attribute.
func (p *RenderedPage) MetaTags() []MetaTag {
	var tags []MetaTag
	p.doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		property, _ := s.Attr("property")
		content, _ := s.Attr("content")
		if name == "" && property == "" {
			return
		}
		tags = append(tags, MetaTag{Name: name, Property: property, Content: content})
	})
	return tags
}

// MetaContent returns the content of the first meta tag whose name or
// property equals key, or "".
func (p *RenderedPage) MetaContent(key string) string {
	for _, tag := range p.MetaTags() {
		if tag.Name == key || tag.Property == key {
			return tag.Content
		}
	}
	return ""
}

// TextBySelector returns the trimmed text of every element matching the CSS
// selector, in document order.
func (p *RenderedPage) TextBySelector(selector string) []string {
	var texts []string
	p.doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			texts = append(texts, text)
		}
	})
	return texts
}

// AttrBySelector returns the attribute value of every element matching the
// selector that carries it.
func (p *RenderedPage) AttrBySelector(selector, attr string) []string {
	var values []string
	p.doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			values = append(values, strings.TrimSpace(v))
		}
	})
	return values
}

// BodyText returns the flattened text content of the page body.
func (p *RenderedPage) BodyText() string {
	return strings.Join(strings.Fields(p.doc.Find("body").Text()), " ")
}
