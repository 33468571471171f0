package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/blevesearch/bleve/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hupe1980/agentrelay/logging"
)

// DefaultCacheSize is the number of cached query results when none is configured.
const DefaultCacheSize = 256

// ErrClosed is returned by operations on a closed index.
var ErrClosed = errors.New("knowledge index is closed")

// Document is one indexed knowledge item.
type Document struct {
	ID      string `yaml:"id" json:"id"`
	Title   string `yaml:"title" json:"title"`
	Content string `yaml:"content" json:"content"`
	Source  string `yaml:"source" json:"source"`
}

// Result is one ranked search hit.
type Result struct {
	ID             string
	Content        string
	RelevanceScore float64
	SourceMetadata map[string]string
}

// SearchOptions bound a search.
type SearchOptions struct {
	MaxResults        int
	MinRelevanceScore float64
}

// Options configures an Index.
type Options struct {
	CacheSize int
	Logger    logging.Logger
}

// Index is a goroutine-safe in-memory retrieval index.
type Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	cache  *lru.Cache[string, []Result]
	logger logging.Logger
	closed bool

	hits   atomic.Int64
	misses atomic.Int64
}

// NewIndex builds an in-memory index over docs.
func NewIndex(docs []Document, optFns ...func(o *Options)) (*Index, error) {
	opts := Options{CacheSize: DefaultCacheSize}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}

	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create knowledge index: %w", err)
	}
	cache, err := lru.New[string, []Result](opts.CacheSize)
	if err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("failed to create knowledge cache: %w", err)
	}

	i := &Index{index: idx, cache: cache, logger: logging.OrNoOp(opts.Logger)}
	if err := i.Add(docs...); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return i, nil
}

type indexedDocument struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Source  string `json:"source"`
}

// Add indexes docs in one batch and invalidates cached query results.
func (i *Index) Add(docs ...Document) error {
	if len(docs) == 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrClosed
	}

	batch := i.index.NewBatch()
	for n, d := range docs {
		id := d.ID
		if id == "" {
			id = fmt.Sprintf("doc-%d-%d", i.docCountLocked(), n)
		}
		if err := batch.Index(id, indexedDocument{Title: d.Title, Content: d.Content, Source: d.Source}); err != nil {
			return fmt.Errorf("failed to index document %s: %w", id, err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to commit knowledge batch: %w", err)
	}
	i.cache.Purge()
	i.logger.Debug("Knowledge documents indexed", "count", len(docs))
	return nil
}

func (i *Index) docCountLocked() uint64 {
	n, err := i.index.DocCount()
	if err != nil {
		return 0
	}
	return n
}

// Search returns up to opts.MaxResults hits for query whose normalized
// relevance is at least opts.MinRelevanceScore.
func (i *Index) Search(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}

	key := fmt.Sprintf("%s\x00%d\x00%g", strings.ToLower(query), opts.MaxResults, opts.MinRelevanceScore)
	if cached, ok := i.cache.Get(key); ok {
		i.hits.Add(1)
		return cloneResults(cached), nil
	}
	i.misses.Add(1)

	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return nil, ErrClosed
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), opts.MaxResults, 0, false)
	req.Fields = []string{"title", "content", "source"}
	res, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("knowledge search failed: %w", err)
	}

	results := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		relevance := 0.0
		if res.MaxScore > 0 {
			relevance = hit.Score / res.MaxScore
		}
		if relevance < opts.MinRelevanceScore {
			continue
		}
		meta := map[string]string{"id": hit.ID}
		if v, ok := hit.Fields["title"].(string); ok && v != "" {
			meta["title"] = v
		}
		if v, ok := hit.Fields["source"].(string); ok && v != "" {
			meta["source"] = v
		}
		content, _ := hit.Fields["content"].(string)
		results = append(results, Result{ID: hit.ID, Content: content, RelevanceScore: relevance, SourceMetadata: meta})
	}
	i.cache.Add(key, results)
	return cloneResults(results), nil
}

func cloneResults(in []Result) []Result {
	out := make([]Result, len(in))
	copy(out, in)
	return out
}

// Count returns the number of indexed documents.
func (i *Index) Count() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return 0, ErrClosed
	}
	return i.index.DocCount()
}

// CacheStats returns query cache hits and misses.
func (i *Index) CacheStats() (hits, misses int64) {
	return i.hits.Load(), i.misses.Load()
}

// Close releases the index. Safe to call more than once.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	i.cache.Purge()
	return i.index.Close()
}
