package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-news-indexer/internal/metrics"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// fallbackTLSHandshake is reported when robots.txt stayed unreachable and
// the publisher was treated as allow-all.
const fallbackTLSHandshake = "TLS handshake timeout"

const allowAllRobots = "User-agent: *\nAllow: /"

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsGuard wraps the fetch transport for one article. Requests for
// /robots.txt are retried on handshake timeouts; once the retries run out it
// answers allow-all and remembers why. Everything else goes straight through.
type robotsGuard struct {
	next    http.RoundTripper
	backoff []time.Duration

	mu       sync.Mutex
	fallback string
}

func newRobotsGuard(next http.RoundTripper) *robotsGuard {
	return &robotsGuard{next: next, backoff: defaultRobotsBackoff}
}

func (g *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := g.next.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("article roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}
	return g.fetchRobots(req)
}

func (g *robotsGuard) fetchRobots(req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := g.next.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil:
			return resp, nil
		case !handshakeTimedOut(err):
			return nil, fmt.Errorf("robots.txt %s: %w", req.URL.Host, err)
		case attempt >= len(g.backoff):
			g.assumeAllowAll(fallbackTLSHandshake)
			return allowAllResponse(req), nil
		}
		if err := pause(req.Context(), g.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots.txt %s backoff: %w", req.URL.Host, err)
		}
	}
}

// assumeAllowAll keeps the first fallback reason seen for the fetch.
func (g *robotsGuard) assumeAllowAll(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fallback != "" {
		return
	}
	g.fallback = reason
	metrics.ObserveRobotsFallback(reason)
}

// Fallback reports why robots.txt was skipped, or "" if it was honored.
func (g *robotsGuard) Fallback() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fallback
}

// annotate copies the fallback reason onto the fetched article.
func (g *robotsGuard) annotate(resp *news.FetchResponse) {
	if g == nil || resp == nil {
		return
	}
	resp.RobotsFallback = g.Fallback()
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Request:       req,
	}
}

func handshakeTimedOut(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &netErr) && netErr.Timeout():
		return true
	default:
		return strings.Contains(err.Error(), "tls: handshake timeout")
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
