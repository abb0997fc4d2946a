package cluster

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// MemoryStore is an in-process Store for local runs and tests. Transactions
// are serialized and work on a copy that is committed only when fn succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
}

type memoryState struct {
	articles map[string]news.Article
	byURL    map[string]string
	clusters map[string]news.Cluster
	sources  map[string]string
	keywords []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memoryState{
		articles: make(map[string]news.Article),
		byURL:    make(map[string]string),
		clusters: make(map[string]news.Cluster),
		sources:  make(map[string]string),
	}}
}

// WithTx runs fn against a private copy of the store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{state: s.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// AddSource registers a source domain.
func (s *MemoryStore) AddSource(id, domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.sources[strings.ToLower(domain)] = id
}

// AddBlockedKeyword blocks titles containing keyword.
func (s *MemoryStore) AddBlockedKeyword(keyword string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.keywords = append(s.state.keywords, keyword)
}

// PutCluster inserts or replaces a cluster.
func (s *MemoryStore) PutCluster(c news.Cluster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.clusters[c.ID] = c
}

// PutArticle inserts an article as-is, including ones without a cluster.
func (s *MemoryStore) PutArticle(a news.Article) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.articles[a.ID] = a
	s.state.byURL[a.URL] = a.ID
}

// Articles returns stored articles ordered by creation time.
func (s *MemoryStore) Articles() []news.Article {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]news.Article, 0, len(s.state.articles))
	for _, a := range s.state.articles {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Clusters returns stored clusters ordered by creation time.
func (s *MemoryStore) Clusters() []news.Cluster {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]news.Cluster, 0, len(s.state.clusters))
	for _, c := range s.state.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Cluster returns one cluster by id.
func (s *MemoryStore) Cluster(id string) (news.Cluster, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.clusters[id]
	return c, ok
}

func (st memoryState) clone() memoryState {
	out := memoryState{
		articles: make(map[string]news.Article, len(st.articles)),
		byURL:    make(map[string]string, len(st.byURL)),
		clusters: make(map[string]news.Cluster, len(st.clusters)),
		sources:  make(map[string]string, len(st.sources)),
		keywords: append([]string(nil), st.keywords...),
	}
	for k, v := range st.articles {
		out.articles[k] = v
	}
	for k, v := range st.byURL {
		out.byURL[k] = v
	}
	for k, v := range st.clusters {
		out.clusters[k] = v
	}
	for k, v := range st.sources {
		out.sources[k] = v
	}
	return out
}

type memoryTx struct {
	state memoryState
}

func (t *memoryTx) ArticleExists(_ context.Context, url string) (bool, error) {
	_, ok := t.state.byURL[url]
	return ok, nil
}

func (t *memoryTx) BlockedKeywords(context.Context) ([]string, error) {
	return append([]string(nil), t.state.keywords...), nil
}

func (t *memoryTx) ResolveSource(_ context.Context, host string) (string, error) {
	host = strings.ToLower(host)
	if host == "" {
		return "", nil
	}
	if id, ok := t.state.sources[host]; ok {
		return id, nil
	}
	best, bestLen := "", 0
	for domain, id := range t.state.sources {
		if strings.HasSuffix(host, "."+domain) && len(domain) > bestLen {
			best, bestLen = id, len(domain)
		}
	}
	return best, nil
}

func (t *memoryTx) NearestByVector(_ context.Context, embedding []float32, since time.Time) (Candidate, bool, error) {
	var (
		best  Candidate
		found bool
	)
	for _, c := range t.sortedClusters() {
		if len(c.Embedding) == 0 || !c.LastUpdatedAt.After(since) {
			continue
		}
		d, ok := cosineDistance(embedding, c.Embedding)
		if !ok {
			continue
		}
		if !found || d < best.Score {
			best, found = Candidate{ClusterID: c.ID, Score: d}, true
		}
	}
	return best, found, nil
}

func (t *memoryTx) NearestByTitle(_ context.Context, title string, minSimilarity float64, since time.Time) (Candidate, bool, error) {
	var (
		best  Candidate
		found bool
	)
	for _, c := range t.sortedClusters() {
		if !c.LastUpdatedAt.After(since) {
			continue
		}
		sim := TrigramSimilarity(title, c.Title)
		if sim <= minSimilarity {
			continue
		}
		if !found || sim > best.Score {
			best, found = Candidate{ClusterID: c.ID, Score: sim}, true
		}
	}
	return best, found, nil
}

func (t *memoryTx) TouchCluster(_ context.Context, clusterID string, at time.Time) error {
	c, ok := t.state.clusters[clusterID]
	if !ok {
		return news.ErrNotFound
	}
	if at.After(c.LastUpdatedAt) {
		c.LastUpdatedAt = at
	}
	t.state.clusters[clusterID] = c
	return nil
}

func (t *memoryTx) CreateCluster(_ context.Context, c news.Cluster) error {
	c.PrimaryArticleID = ""
	t.state.clusters[c.ID] = c
	return nil
}

func (t *memoryTx) SetPrimaryArticle(_ context.Context, clusterID, articleID string) error {
	c, ok := t.state.clusters[clusterID]
	if !ok {
		return news.ErrNotFound
	}
	if c.PrimaryArticleID == "" {
		c.PrimaryArticleID = articleID
		t.state.clusters[clusterID] = c
	}
	return nil
}

func (t *memoryTx) InsertArticle(_ context.Context, a news.Article) (bool, error) {
	if _, ok := t.state.byURL[a.URL]; ok {
		return false, nil
	}
	t.state.articles[a.ID] = a
	t.state.byURL[a.URL] = a.ID
	return true, nil
}

func (t *memoryTx) AssignArticle(_ context.Context, articleID, clusterID string) (bool, error) {
	a, ok := t.state.articles[articleID]
	if !ok || a.ClusterID != "" {
		return false, nil
	}
	a.ClusterID = clusterID
	t.state.articles[articleID] = a
	return true, nil
}

func (t *memoryTx) Orphans(_ context.Context, limit int) ([]news.Article, error) {
	var out []news.Article
	for _, a := range t.state.articles {
		if a.ClusterID == "" {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortedClusters gives searches a stable iteration order.
func (t *memoryTx) sortedClusters() []news.Cluster {
	out := make([]news.Cluster, 0, len(t.state.clusters))
	for _, c := range t.state.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// cosineDistance matches pgvector's <=> operator. Vectors of different
// length or zero magnitude have no distance.
func cosineDistance(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), true
}

var _ Store = (*MemoryStore)(nil)
