package extract

import (
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestCollectImagesPrefersLazyAttributesAndSrcset(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<html><body>
		<img src="/placeholder.gif" data-src="/lazy.jpg">
		<img src="/small.jpg" srcset="/a-320.jpg 320w, /a-1280.jpg 1280w, /a-640.jpg 640w">
		<img src="/plain.jpg">
		<img src="/x.jpg" data-srcset="/d-1x.jpg 1x, /d-2x.jpg 2x">
		<img src="/plain.jpg">
	</body></html>`)

	got := CollectImages(doc, mustURL(t, "https://example.com/story/"))
	urls := make([]string, 0, len(got))
	for _, c := range got {
		require.Equal(t, news.ImageSourceBody, c.Source)
		require.InDelta(t, 0.5, c.BaseScore, 1e-9)
		urls = append(urls, c.URL)
	}
	require.Equal(t, []string{
		"https://example.com/lazy.jpg",
		"https://example.com/a-1280.jpg",
		"https://example.com/plain.jpg",
		"https://example.com/d-2x.jpg",
	}, urls)
}

func TestCollectImagesStructuredData(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<html><head>
		<script type="application/ld+json">
		{"@context":"https://schema.org","@graph":[
			{"@type":"Organization","logo":{"url":"https://example.com/brand.png"}},
			{"@type":"NewsArticle","image":{"url":"https://example.com/hero.jpg"}},
			{"@type":"VideoObject","thumbnailUrl":"https://example.com/thumb.jpg"}
		]}
		</script>
		<script type="application/ld+json">not json</script>
	</head></html>`)

	got := CollectImages(doc, mustURL(t, "https://example.com/"))
	require.Len(t, got, 3)
	for _, c := range got {
		require.Equal(t, news.ImageSourceStructured, c.Source)
		require.InDelta(t, 0.85, c.BaseScore, 1e-9)
	}
	require.Equal(t, "https://example.com/brand.png", got[0].URL)
	require.Equal(t, "https://example.com/hero.jpg", got[1].URL)
	require.Equal(t, "https://example.com/thumb.jpg", got[2].URL)
}

func TestCollectImagesDeduplicatesAcrossSources(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<html><head>
		<meta property="og:image" content="https://example.com/hero.jpg">
		<meta property="og:image:secure_url" content="https://example.com/hero.jpg">
		<meta name="twitter:image" content="/hero.jpg">
	</head><body><img src="data:image/gif;base64,AAAA"></body></html>`)

	got := CollectImages(doc, mustURL(t, "https://example.com/a"))
	require.Len(t, got, 1)
	require.Equal(t, news.ImageSourceOpenGraph, got[0].Source)
}

func TestPickBestImage(t *testing.T) {
	t.Parallel()

	require.Nil(t, PickBestImage(nil))

	cases := []struct {
		name  string
		cands []news.ImageCandidate
		want  string
	}{
		{
			name: "og beats body",
			cands: []news.ImageCandidate{
				{URL: "https://e.com/body.jpg", Source: news.ImageSourceBody, BaseScore: 0.5},
				{URL: "https://e.com/og.jpg", Source: news.ImageSourceOpenGraph, BaseScore: 1.0},
			},
			want: "https://e.com/og.jpg",
		},
		{
			name: "logo penalty lets twitter win",
			cands: []news.ImageCandidate{
				{URL: "https://e.com/site-logo.png", Source: news.ImageSourceOpenGraph, BaseScore: 1.0},
				{URL: "https://e.com/photo.jpg", Source: news.ImageSourceTwitter, BaseScore: 0.9},
			},
			want: "https://e.com/photo.jpg",
		},
		{
			name: "ordinal penalty within source",
			cands: []news.ImageCandidate{
				{URL: "https://e.com/1.jpg", Source: news.ImageSourceBody, BaseScore: 0.5},
				{URL: "https://e.com/2.jpg", Source: news.ImageSourceBody, BaseScore: 0.5},
			},
			want: "https://e.com/1.jpg",
		},
		{
			name: "tie keeps first",
			cands: []news.ImageCandidate{
				{URL: "https://e.com/og.jpg", Source: news.ImageSourceOpenGraph, BaseScore: 1.0},
				{URL: "https://e.com/tw.jpg", Source: news.ImageSourceTwitter, BaseScore: 1.0},
			},
			want: "https://e.com/og.jpg",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			best := PickBestImage(tc.cands)
			require.NotNil(t, best)
			require.Equal(t, tc.want, best.URL)
		})
	}
}

func TestScoreImage(t *testing.T) {
	t.Parallel()

	c := news.ImageCandidate{URL: "https://e.com/sprite.png", BaseScore: 1.0}
	require.InDelta(t, 0.58, ScoreImage(c, 2), 1e-9)
}

func TestWidestFromSrcset(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", widestFromSrcset(""))
	require.Equal(t, "/only.jpg", widestFromSrcset("/only.jpg"))
	require.Equal(t, "/b.jpg", widestFromSrcset("/a.jpg 100w, /b.jpg 900w"))
}
