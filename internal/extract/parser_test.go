package extract

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

const articleHTML = `<!doctype html>
<html>
<head>
  <title>City Council Approves Budget</title>
  <link rel="canonical" href="/news/council-budget">
  <meta property="article:published_time" content="2024-05-01T08:30:00Z">
  <meta property="og:image" content="https://cdn.example.com/council.jpg">
  <meta property="og:image:width" content="1200">
  <meta property="og:image:height" content="630">
  <meta name="twitter:image" content="https://cdn.example.com/council-tw.jpg">
  <script type="application/ld+json">{"@type":"NewsArticle","image":["https://cdn.example.com/ld.jpg"]}</script>
</head>
<body>
  <header><img src="/static/site-logo.png"></header>
  <article>
    <h1>City Council Approves Budget</h1>
    <p>The council voted seven to two on Tuesday night to approve the annual budget &amp; capital plan, ending weeks of debate over road repairs and library hours across the city.</p>
    <p>Members said the plan keeps property taxes flat while adding funding for transit, parks and public safety programs that residents asked for during hearings this spring.</p>
    <p>The mayor is expected to sign the budget later this week, officials said, after a final review by the finance department and the city attorney.</p>
    <img src="/img/vote.jpg" width="800" height="450">
    <img src="/img/tracking-pixel.gif">
  </article>
</body>
</html>`

func TestParseExtractsMetadata(t *testing.T) {
	t.Parallel()

	p := NewParser(80)
	doc, err := p.Parse([]byte(articleHTML), "https://www.example.com/news/council-budget?utm_source=x")
	require.NoError(t, err)

	require.Equal(t, "City Council Approves Budget", doc.Title)
	require.Equal(t, "https://www.example.com/news/council-budget", doc.CanonicalURL)
	require.NotNil(t, doc.PublishedTime)
	require.Equal(t, time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC), *doc.PublishedTime)

	require.NotEmpty(t, doc.Excerpt)
	require.LessOrEqual(t, utf8.RuneCountInString(doc.Excerpt), 80)
	require.NotContains(t, doc.Excerpt, "<")
	require.NotContains(t, doc.Excerpt, "&amp;")

	urls := make([]string, 0, len(doc.Images))
	for _, img := range doc.Images {
		urls = append(urls, img.URL)
	}
	require.Equal(t, []string{
		"https://cdn.example.com/council.jpg",
		"https://cdn.example.com/council-tw.jpg",
		"https://cdn.example.com/ld.jpg",
		"https://www.example.com/img/vote.jpg",
	}, urls)
	require.Equal(t, 1200, doc.Images[0].Width)
	require.Equal(t, 630, doc.Images[0].Height)
	require.Equal(t, 800, doc.Images[3].Width)
}

func TestParseFallsBackToTitleTag(t *testing.T) {
	t.Parallel()

	doc, err := NewParser(0).Parse([]byte(`<html><head><title>  Short   Note </title></head><body><p>Hi.</p></body></html>`), "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, "Short Note", doc.Title)
	require.Equal(t, "https://example.com/a", doc.CanonicalURL)
	require.Nil(t, doc.PublishedTime)
	require.Empty(t, doc.Images)
}

func TestParseWithoutTitleFails(t *testing.T) {
	t.Parallel()

	_, err := NewParser(0).Parse([]byte(`<html><body><p>no heading here</p></body></html>`), "https://example.com/a")
	require.Error(t, err)
	require.True(t, errors.Is(err, news.ErrEmptyTitle))
}

func TestParseTimeLayouts(t *testing.T) {
	t.Parallel()

	for _, v := range []string{"2024-05-01T08:30:00Z", "2024-05-01T08:30:00+00:00", "2024-05-01 08:30:00", "2024-05-01"} {
		got, ok := parseTime(v)
		require.True(t, ok, v)
		require.Equal(t, 2024, got.Year())
	}
	_, ok := parseTime("last tuesday")
	require.False(t, ok)
}

func TestExcerptTruncatesByRunes(t *testing.T) {
	t.Parallel()

	p := NewParser(5)
	require.Equal(t, "héllo", p.excerpt("héllo wörld"))
	require.Equal(t, "a b", p.excerpt("  a \n\t b "))
	require.Equal(t, "x", strings.TrimSpace(p.excerpt("<b>x</b>")))
}
