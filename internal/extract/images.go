package extract

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// Base scores per provenance.
const (
	scoreOpenGraph  = 1.0
	scoreTwitter    = 0.9
	scoreStructured = 0.85
	scoreBody       = 0.5

	logoPenalty    = 0.4
	ordinalPenalty = 0.01
)

var lazySrcAttrs = []string{"data-src", "data-original", "data-lazy-src"}

// CollectImages gathers image candidates in priority order: Open Graph,
// Twitter card, JSON-LD, then body images. URLs are made absolute against
// base and de-duplicated keeping the first occurrence.
func CollectImages(doc *goquery.Document, base *url.URL) []news.ImageCandidate {
	c := &collector{base: base, seen: map[string]bool{}}

	ogWidth := metaInt(doc, `meta[property="og:image:width"]`)
	ogHeight := metaInt(doc, `meta[property="og:image:height"]`)
	for _, prop := range []string{"og:image", "og:image:secure_url", "og:image:url"} {
		if v, ok := doc.Find(`meta[property="` + prop + `"]`).Attr("content"); ok {
			c.add(v, news.ImageSourceOpenGraph, scoreOpenGraph, ogWidth, ogHeight)
		}
	}

	for _, name := range []string{"twitter:image", "twitter:image:src"} {
		if v, ok := doc.Find(`meta[name="` + name + `"]`).Attr("content"); ok {
			c.add(v, news.ImageSourceTwitter, scoreTwitter, 0, 0)
		}
	}

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		for _, img := range structuredImages(s.Text()) {
			c.add(img, news.ImageSourceStructured, scoreStructured, 0, 0)
		}
	})

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		candidate := ""
		for _, attr := range lazySrcAttrs {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				candidate = v
				break
			}
		}
		if candidate == "" {
			srcset, ok := s.Attr("srcset")
			if !ok {
				srcset, _ = s.Attr("data-srcset")
			}
			candidate = widestFromSrcset(srcset)
		}
		if candidate == "" {
			candidate = src
		}
		if candidate == "" || isTrackingOrLogo(src) || isTrackingOrLogo(candidate) {
			return
		}
		c.add(candidate, news.ImageSourceBody, scoreBody, attrInt(s, "width"), attrInt(s, "height"))
	})

	return c.out
}

type collector struct {
	base *url.URL
	seen map[string]bool
	out  []news.ImageCandidate
}

func (c *collector) add(raw string, source news.ImageSource, score float64, width, height int) {
	abs := resolveURL(c.base, raw)
	if abs == "" || c.seen[abs] {
		return
	}
	c.seen[abs] = true
	c.out = append(c.out, news.ImageCandidate{
		URL:       abs,
		Width:     width,
		Height:    height,
		Source:    source,
		BaseScore: score,
	})
}

// PickBestImage scores candidates and returns the winner, or nil when there
// are none. Ties keep the earlier candidate.
func PickBestImage(candidates []news.ImageCandidate) *news.BestImage {
	var best *news.BestImage
	ordinals := map[news.ImageSource]int{}
	for _, cand := range candidates {
		ordinal := ordinals[cand.Source]
		ordinals[cand.Source] = ordinal + 1

		score := ScoreImage(cand, ordinal)
		if best == nil || score > best.Score {
			best = &news.BestImage{
				URL:    cand.URL,
				Width:  cand.Width,
				Height: cand.Height,
				Score:  score,
			}
		}
	}
	return best
}

// ScoreImage applies the logo/sprite and ordinal penalties to a candidate's base score.
func ScoreImage(cand news.ImageCandidate, ordinal int) float64 {
	score := cand.BaseScore - float64(ordinal)*ordinalPenalty
	lower := strings.ToLower(cand.URL)
	if strings.Contains(lower, "logo") || strings.Contains(lower, "sprite") {
		score -= logoPenalty
	}
	return score
}

func structuredImages(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}

	var roots []any
	if list, ok := parsed.([]any); ok {
		roots = list
	} else {
		roots = []any{parsed}
	}

	var out []string
	for _, root := range roots {
		nodes := []any{root}
		if obj, ok := root.(map[string]any); ok {
			if graph, ok := obj["@graph"].([]any); ok {
				nodes = append(nodes, graph...)
			}
		}
		for _, node := range nodes {
			obj, ok := node.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, imageURLs(nodeImage(obj))...)
		}
	}
	return out
}

// nodeImage returns the first of image, thumbnailUrl or logo.url that is set.
func nodeImage(obj map[string]any) any {
	if v, ok := obj["image"]; ok && v != nil {
		return v
	}
	if v, ok := obj["thumbnailUrl"]; ok && v != nil {
		return v
	}
	if logo, ok := obj["logo"].(map[string]any); ok {
		return logo["url"]
	}
	return nil
}

func imageURLs(v any) []string {
	switch img := v.(type) {
	case string:
		if img != "" {
			return []string{img}
		}
	case map[string]any:
		if u, ok := img["url"].(string); ok && u != "" {
			return []string{u}
		}
	case []any:
		var out []string
		for _, item := range img {
			out = append(out, imageURLs(item)...)
		}
		return out
	}
	return nil
}

// widestFromSrcset picks the entry with the largest width descriptor;
// density descriptors count as 1000 per x.
func widestFromSrcset(srcset string) string {
	best := ""
	bestScore := -1.0
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		score := 0.0
		if len(fields) > 1 {
			size := fields[1]
			switch {
			case strings.HasSuffix(size, "w"):
				if w, err := strconv.Atoi(strings.TrimSuffix(size, "w")); err == nil {
					score = float64(w)
				}
			case strings.HasSuffix(size, "x"):
				if x, err := strconv.ParseFloat(strings.TrimSuffix(size, "x"), 64); err == nil {
					score = x * 1000
				}
			}
		}
		if score > bestScore {
			bestScore = score
			best = fields[0]
		}
	}
	return best
}

func isTrackingOrLogo(u string) bool {
	lower := strings.ToLower(u)
	return strings.Contains(lower, "pixel") || strings.Contains(lower, "logo")
}

func resolveURL(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	return ref.String()
}

func metaInt(doc *goquery.Document, selector string) int {
	v, _ := doc.Find(selector).Attr("content")
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func attrInt(s *goquery.Selection, name string) int {
	v, _ := s.Attr(name)
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(v, "px")))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
