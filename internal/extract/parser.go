// Package extract implements the extraction stage: it turns stored raw HTML
// into a ParsedArticle with metadata and ranked image candidates.
package extract

import (
	"bytes"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"codeberg.org/readeck/go-readability/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// DefaultExcerptLength bounds Document.Excerpt when no length is configured.
const DefaultExcerptLength = 300

var publishedTimeSelectors = []string{
	`meta[property="article:published_time"]`,
	`meta[name="pubdate"]`,
}

var publishedTimeLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// Document is everything extracted from one page.
type Document struct {
	Title         string
	Byline        string
	Text          string
	Excerpt       string
	CanonicalURL  string
	PublishedTime *time.Time
	Images        []news.ImageCandidate
}

// Parser extracts article content with readability and metadata with goquery.
type Parser struct {
	excerptLength int
	policy        *bluemonday.Policy
}

// NewParser builds a Parser. Non-positive excerptLength uses DefaultExcerptLength.
func NewParser(excerptLength int) *Parser {
	if excerptLength <= 0 {
		excerptLength = DefaultExcerptLength
	}
	return &Parser{
		excerptLength: excerptLength,
		policy:        bluemonday.StrictPolicy(),
	}
}

// Parse extracts a Document from raw HTML fetched from pageURL. A page with
// no usable title returns news.ErrEmptyTitle.
func (p *Parser) Parse(raw []byte, pageURL string) (Document, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return Document{}, fmt.Errorf("parse page url: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}

	var out Document
	if article, err := readability.FromReader(bytes.NewReader(raw), base); err == nil {
		out.Title = collapseSpace(article.Title())
		out.Byline = collapseSpace(article.Byline())
		var text strings.Builder
		if err := article.RenderText(&text); err == nil {
			out.Text = strings.TrimSpace(text.String())
		}
	}

	if out.Title == "" {
		out.Title = collapseSpace(doc.Find("title").First().Text())
	}
	if out.Title == "" {
		return Document{}, news.ErrEmptyTitle
	}
	if out.Text == "" {
		out.Text = collapseSpace(doc.Find("body").Text())
	}

	out.Excerpt = p.excerpt(out.Text)
	out.CanonicalURL = canonicalURL(doc, base)
	out.PublishedTime = publishedTime(doc)
	out.Images = CollectImages(doc, base)
	return out, nil
}

func (p *Parser) excerpt(text string) string {
	clean := collapseSpace(html.UnescapeString(p.policy.Sanitize(text)))
	runes := []rune(clean)
	if len(runes) <= p.excerptLength {
		return clean
	}
	return strings.TrimSpace(string(runes[:p.excerptLength]))
}

func canonicalURL(doc *goquery.Document, base *url.URL) string {
	if href, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok {
		if abs := resolveURL(base, href); abs != "" {
			return abs
		}
	}
	return base.String()
}

func publishedTime(doc *goquery.Document) *time.Time {
	for _, sel := range publishedTimeSelectors {
		v, ok := doc.Find(sel).Attr("content")
		if !ok {
			continue
		}
		if t, ok := parseTime(strings.TrimSpace(v)); ok {
			return &t
		}
	}
	return nil
}

func parseTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range publishedTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
