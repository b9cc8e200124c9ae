package retrieval

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"docpipe/internal/apperr"
	"docpipe/internal/auth"
	"docpipe/internal/middleware"
	"docpipe/internal/text"
	"docpipe/internal/vector"
)

const (
	defaultTopK = 10
	maxTopK     = 50
	// Matches for other principals' files are dropped after the query, so
	// the index is asked for more than the caller wants.
	overfetch = 4
)

type SearchResult struct {
	Content    string  `json:"content"`
	Score      float32 `json:"score"`
	FileID     string  `json:"fileId"`
	FileName   string  `json:"fileName,omitempty"`
	ChunkIndex int     `json:"chunkIndex"`
	VectorID   string  `json:"vectorId"`
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Searcher interface {
	Query(ctx context.Context, ownerID string, values []float32, topK int, includeMetadata bool) ([]vector.Match, error)
}

type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]int, error)
}

// FileScope reports which files a principal can currently search.
type FileScope interface {
	ActiveFileIDs(ctx context.Context, principalID string) ([]string, error)
}

type Service struct {
	embedder Embedder
	index    Searcher
	reranker Reranker
	scope    FileScope
	logger   *QueryLogger
	topK     int
}

// NewService builds a search service. r and l may be nil.
func NewService(e Embedder, idx Searcher, r Reranker, scope FileScope, l *QueryLogger, topK int) *Service {
	if topK <= 0 {
		topK = defaultTopK
	}
	return &Service{embedder: e, index: idx, reranker: r, scope: scope, logger: l, topK: min(topK, maxTopK)}
}

func (s *Service) Search(ctx context.Context, p auth.Principal, query string, topK int) ([]SearchResult, error) {
	start := time.Now()
	if !p.Valid() {
		return nil, apperr.ErrAuthentication
	}
	query = strings.TrimSpace(query)
	cleaned := text.Normalize(query)
	if cleaned == "" {
		return nil, apperr.Validation("query is required")
	}
	if topK <= 0 {
		topK = s.topK
	}
	topK = min(topK, maxTopK)

	allowed, err := s.scope.ActiveFileIDs(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if len(allowed) == 0 {
		s.log(ctx, p, query, topK, 0, start)
		return []SearchResult{}, nil
	}
	files := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		files[id] = true
	}

	values, err := s.embedder.Embed(ctx, cleaned)
	if err != nil {
		return nil, err
	}

	matches, err := s.index.Query(ctx, p.ID, values, topK*overfetch, true)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, topK)
	for _, m := range matches {
		if !files[m.Metadata.FileID] {
			continue
		}
		results = append(results, SearchResult{
			Content:    m.Metadata.Text,
			Score:      m.Score,
			FileID:     m.Metadata.FileID,
			FileName:   m.Metadata.FileName,
			ChunkIndex: m.Metadata.ChunkIndex,
			VectorID:   m.ID,
		})
	}

	if s.reranker != nil && len(results) > 1 {
		results, err = s.rerank(ctx, query, results)
		if err != nil {
			return nil, err
		}
	}

	if len(results) > topK {
		results = results[:topK]
	}
	s.log(ctx, p, query, topK, len(results), start)
	return results, nil
}

func (s *Service) rerank(ctx context.Context, query string, results []SearchResult) ([]SearchResult, error) {
	docs := make([]string, len(results))
	for i, r := range results {
		docs[i] = r.Content
	}
	order, err := s.reranker.Rerank(ctx, query, docs)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(order))
	reranked := make([]SearchResult, 0, len(results))
	for _, idx := range order {
		if idx < 0 || idx >= len(results) || seen[idx] {
			continue
		}
		seen[idx] = true
		reranked = append(reranked, results[idx])
	}
	// Hits the reranker left out keep their vector order at the tail.
	for i, r := range results {
		if !seen[i] {
			reranked = append(reranked, r)
		}
	}
	return reranked, nil
}

func (s *Service) log(ctx context.Context, p auth.Principal, query string, topK, n int, start time.Time) {
	elapsed := time.Since(start)
	slog.DebugContext(ctx, "search completed", "results", n, "duration", elapsed)
	s.logger.Log(QueryLogEntry{
		CorrelationID: middleware.GetCorrelationID(ctx),
		PrincipalID:   p.ID,
		Query:         query,
		TopK:          topK,
		Results:       n,
		LatencyMs:     elapsed.Milliseconds(),
	})
}
