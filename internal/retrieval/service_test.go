package retrieval_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"docpipe/internal/apperr"
	"docpipe/internal/auth"
	"docpipe/internal/middleware"
	"docpipe/internal/retrieval"
	"docpipe/internal/vector"
)

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type MockSearcher struct{ mock.Mock }

func (m *MockSearcher) Query(ctx context.Context, ownerID string, values []float32, topK int, includeMetadata bool) ([]vector.Match, error) {
	args := m.Called(ctx, ownerID, values, topK, includeMetadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]vector.Match), args.Error(1)
}

type MockReranker struct{ mock.Mock }

func (m *MockReranker) Rerank(ctx context.Context, query string, docs []string) ([]int, error) {
	args := m.Called(ctx, query, docs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int), args.Error(1)
}

type MockScope struct{ mock.Mock }

func (m *MockScope) ActiveFileIDs(ctx context.Context, principalID string) ([]string, error) {
	args := m.Called(ctx, principalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

var principal = auth.Principal{ID: "user-1"}

func match(fileID string, idx int, text string, score float32) vector.Match {
	return vector.Match{
		ID:       vector.ID(fileID, idx),
		Score:    score,
		Metadata: vector.Metadata{Text: text, FileID: fileID, FileName: fileID + ".pdf", ChunkIndex: idx},
	}
}

func TestService_Search(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		topK        int
		nilReranker bool
		setup       func(*MockEmbedder, *MockSearcher, *MockReranker, *MockScope)
		wantErr     error
		check       func(*testing.T, []retrieval.SearchResult)
	}{
		{
			name:        "Drops matches outside the principal's files",
			query:       "  alpha  ",
			nilReranker: true,
			setup: func(e *MockEmbedder, s *MockSearcher, r *MockReranker, sc *MockScope) {
				sc.On("ActiveFileIDs", mock.Anything, "user-1").Return([]string{"file-1"}, nil)
				e.On("Embed", mock.Anything, "alpha").Return([]float32{0.1}, nil)
				s.On("Query", mock.Anything, "user-1", []float32{0.1}, 40, true).Return([]vector.Match{
					match("file-1", 0, "A", 0.9),
					match("someone-else", 0, "X", 0.8),
					match("file-1", 1, "B", 0.7),
				}, nil)
			},
			check: func(t *testing.T, res []retrieval.SearchResult) {
				require.Len(t, res, 2)
				assert.Equal(t, "file-1-0", res[0].VectorID)
				assert.Equal(t, "B", res[1].Content)
				assert.Equal(t, 1, res[1].ChunkIndex)
				assert.Equal(t, "file-1.pdf", res[1].FileName)
			},
		},
		{
			name:  "Reranker reorders and keeps omitted hits last",
			query: "alpha",
			setup: func(e *MockEmbedder, s *MockSearcher, r *MockReranker, sc *MockScope) {
				sc.On("ActiveFileIDs", mock.Anything, "user-1").Return([]string{"file-1"}, nil)
				e.On("Embed", mock.Anything, "alpha").Return([]float32{0.1}, nil)
				s.On("Query", mock.Anything, "user-1", []float32{0.1}, 40, true).Return([]vector.Match{
					match("file-1", 0, "A", 0.9),
					match("file-1", 1, "B", 0.8),
					match("file-1", 2, "C", 0.7),
				}, nil)
				r.On("Rerank", mock.Anything, "alpha", []string{"A", "B", "C"}).Return([]int{2, 0, 2, 9}, nil)
			},
			check: func(t *testing.T, res []retrieval.SearchResult) {
				require.Len(t, res, 3)
				assert.Equal(t, "C", res[0].Content)
				assert.Equal(t, "A", res[1].Content)
				assert.Equal(t, "B", res[2].Content)
			},
		},
		{
			name:        "Truncates to topK",
			query:       "alpha",
			topK:        1,
			nilReranker: true,
			setup: func(e *MockEmbedder, s *MockSearcher, r *MockReranker, sc *MockScope) {
				sc.On("ActiveFileIDs", mock.Anything, "user-1").Return([]string{"file-1"}, nil)
				e.On("Embed", mock.Anything, "alpha").Return([]float32{0.1}, nil)
				s.On("Query", mock.Anything, "user-1", []float32{0.1}, 4, true).Return([]vector.Match{
					match("file-1", 0, "A", 0.9),
					match("file-1", 1, "B", 0.8),
				}, nil)
			},
			check: func(t *testing.T, res []retrieval.SearchResult) {
				require.Len(t, res, 1)
				assert.Equal(t, "A", res[0].Content)
			},
		},
		{
			name:  "No searchable files skips the index",
			query: "alpha",
			setup: func(e *MockEmbedder, s *MockSearcher, r *MockReranker, sc *MockScope) {
				sc.On("ActiveFileIDs", mock.Anything, "user-1").Return(nil, nil)
			},
			check: func(t *testing.T, res []retrieval.SearchResult) {
				assert.NotNil(t, res)
				assert.Empty(t, res)
			},
		},
		{
			name:    "Query that normalizes to nothing",
			query:   "☃ ☃",
			setup:   func(e *MockEmbedder, s *MockSearcher, r *MockReranker, sc *MockScope) {},
			wantErr: apperr.ErrValidation,
		},
		{
			name:  "Embedder error",
			query: "alpha",
			setup: func(e *MockEmbedder, s *MockSearcher, r *MockReranker, sc *MockScope) {
				sc.On("ActiveFileIDs", mock.Anything, "user-1").Return([]string{"file-1"}, nil)
				e.On("Embed", mock.Anything, "alpha").Return(nil, apperr.Provider("gemini", apperr.ErrRateLimited, errors.New("429")))
			},
			wantErr: apperr.ErrRateLimited,
		},
		{
			name:  "Index error",
			query: "alpha",
			setup: func(e *MockEmbedder, s *MockSearcher, r *MockReranker, sc *MockScope) {
				sc.On("ActiveFileIDs", mock.Anything, "user-1").Return([]string{"file-1"}, nil)
				e.On("Embed", mock.Anything, "alpha").Return([]float32{0.1}, nil)
				s.On("Query", mock.Anything, "user-1", []float32{0.1}, 40, true).Return(nil, apperr.Provider("pinecone", apperr.ErrTransient, errors.New("unavailable")))
			},
			wantErr: apperr.ErrTransient,
		},
		{
			name:  "Reranker error",
			query: "alpha",
			setup: func(e *MockEmbedder, s *MockSearcher, r *MockReranker, sc *MockScope) {
				sc.On("ActiveFileIDs", mock.Anything, "user-1").Return([]string{"file-1"}, nil)
				e.On("Embed", mock.Anything, "alpha").Return([]float32{0.1}, nil)
				s.On("Query", mock.Anything, "user-1", []float32{0.1}, 40, true).Return([]vector.Match{
					match("file-1", 0, "A", 0.9),
					match("file-1", 1, "B", 0.8),
				}, nil)
				r.On("Rerank", mock.Anything, "alpha", []string{"A", "B"}).Return(nil, apperr.Provider("jina", apperr.ErrTimeout, errors.New("504")))
			},
			wantErr: apperr.ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := new(MockEmbedder)
			s := new(MockSearcher)
			r := new(MockReranker)
			sc := new(MockScope)
			tt.setup(e, s, r, sc)

			var reranker retrieval.Reranker = r
			if tt.nilReranker {
				reranker = nil
			}
			svc := retrieval.NewService(e, s, reranker, sc, nil, 10)

			res, err := svc.Search(context.Background(), principal, tt.query, tt.topK)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, res)
			}
			e.AssertExpectations(t)
			s.AssertExpectations(t)
			sc.AssertExpectations(t)
		})
	}
}

func TestService_Search_RequiresPrincipal(t *testing.T) {
	svc := retrieval.NewService(new(MockEmbedder), new(MockSearcher), nil, new(MockScope), nil, 0)

	_, err := svc.Search(context.Background(), auth.Principal{}, "alpha", 0)

	assert.ErrorIs(t, err, apperr.ErrAuthentication)
}

func TestService_Search_LogsQuery(t *testing.T) {
	var buf bytes.Buffer
	e := new(MockEmbedder)
	s := new(MockSearcher)
	sc := new(MockScope)
	sc.On("ActiveFileIDs", mock.Anything, "user-1").Return([]string{"file-1"}, nil)
	e.On("Embed", mock.Anything, "alpha").Return([]float32{0.1}, nil)
	s.On("Query", mock.Anything, "user-1", []float32{0.1}, 40, true).Return([]vector.Match{match("file-1", 0, "A", 0.9)}, nil)

	svc := retrieval.NewService(e, s, nil, sc, retrieval.NewQueryLogger(&buf), 10)
	ctx := middleware.WithCorrelationID(context.Background(), "corr-9")

	_, err := svc.Search(ctx, principal, "alpha", 0)
	require.NoError(t, err)

	var entry retrieval.QueryLogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "alpha", entry.Query)
	assert.Equal(t, 1, entry.Results)
	assert.Equal(t, 10, entry.TopK)
	assert.Equal(t, "user-1", entry.PrincipalID)
	assert.Equal(t, "corr-9", entry.CorrelationID)
}

func TestHandler_Search(t *testing.T) {
	e := new(MockEmbedder)
	s := new(MockSearcher)
	sc := new(MockScope)
	sc.On("ActiveFileIDs", mock.Anything, "user-1").Return([]string{"file-1"}, nil)
	e.On("Embed", mock.Anything, "alpha").Return([]float32{0.1}, nil)
	s.On("Query", mock.Anything, "user-1", []float32{0.1}, 8, true).Return([]vector.Match{match("file-1", 0, "A", 0.9)}, nil)
	h := retrieval.NewHandler(retrieval.NewService(e, s, nil, sc, nil, 10))

	tests := []struct {
		name      string
		body      string
		principal bool
		status    int
		code      string
	}{
		{"success", `{"query":"alpha","topK":2}`, true, http.StatusOK, ""},
		{"unauthenticated", `{"query":"alpha"}`, false, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"bad body", `{`, true, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"empty query", `{"query":" "}`, true, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(tt.body))
			ctx := middleware.WithCorrelationID(req.Context(), "corr-1")
			if tt.principal {
				ctx = auth.WithPrincipal(ctx, principal)
			}
			w := httptest.NewRecorder()

			h.Search(w, req.WithContext(ctx))

			assert.Equal(t, tt.status, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			if tt.code == "" {
				assert.Equal(t, true, body["success"])
				assert.Equal(t, float64(1), body["count"])
				return
			}
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.code, body["code"])
			assert.Equal(t, "corr-1", body["correlationId"])
		})
	}
}
