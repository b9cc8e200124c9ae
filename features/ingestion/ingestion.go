// Package ingestion turns provider files into vectors and keeps the
// per-principal ingestion records that describe them.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"docpipe/internal/apperr"
	"docpipe/internal/auth"
	"docpipe/internal/metrics"
	"docpipe/internal/provider"
	"docpipe/internal/text"
	"docpipe/internal/vector"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusIngested   = "ingested"
	StatusFailed     = "failed"
	StatusDeleted    = "deleted"
)

const (
	defaultEmbedConcurrency = 8
	defaultStaleAfter       = 30 * time.Minute
)

// Stats is the metadata blob written when an ingestion finalizes.
type Stats struct {
	PageCount     int     `json:"pageCount"`
	RawChunkCount int     `json:"rawChunkCount"`
	Truncated     bool    `json:"truncated"`
	SkippedEmpty  int     `json:"skippedEmpty"`
	ChunkSizeMin  int     `json:"chunkSizeMin"`
	ChunkSizeMax  int     `json:"chunkSizeMax"`
	ChunkSizeAvg  float64 `json:"chunkSizeAvg"`
	MagnitudeMin  float64 `json:"embeddingMagnitudeMin"`
	MagnitudeMax  float64 `json:"embeddingMagnitudeMax"`
	MagnitudeMean float64 `json:"embeddingMagnitudeMean"`
	ProcessingMs  int64   `json:"processingMs"`
	VectorsPerKB  float64 `json:"vectorsPerKB"`
}

type Record struct {
	ID                 string     `json:"id"`
	OwnerPrincipalID   string     `json:"ownerPrincipalId"`
	OwnerEmail         string     `json:"ownerEmail"`
	FileID             string     `json:"fileId"`
	FileName           string     `json:"fileName"`
	FileType           string     `json:"fileType"`
	FileSizeBytes      int64      `json:"fileSizeBytes"`
	Status             string     `json:"status"`
	VectorCount        int        `json:"vectorCount"`
	ChunkCount         int        `json:"chunkCount"`
	IngestionTimestamp *time.Time `json:"ingestionTimestamp,omitempty"`
	ErrorMessage       string     `json:"errorMessage,omitempty"`
	Metadata           Stats      `json:"metadata"`
	IsActive           bool       `json:"isActive"`
	DeletedAt          *time.Time `json:"deletedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Summary aggregates a principal's active records.
type Summary struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
	Vectors  int64          `json:"vectors"`
	Chunks   int64          `json:"chunks"`
}

type Repository interface {
	// Lookups return an error wrapping apperr.ErrNotFound when no row matches.
	FindActive(ctx context.Context, principalID, fileID string) (*Record, error)
	FindLatest(ctx context.Context, principalID, fileID string) (*Record, error)
	Get(ctx context.Context, principalID, id string) (*Record, error)
	List(ctx context.Context, principalID, status string, limit int) ([]Record, error)
	InactiveFileIDs(ctx context.Context, principalID string) ([]string, error)
	Summarize(ctx context.Context, principalID string) (*Summary, error)

	// State transitions
	Create(ctx context.Context, rec *Record) error
	MarkPending(ctx context.Context, id string) error
	MarkProcessing(ctx context.Context, id, fileName, fileType string, size int64) error
	MarkIngested(ctx context.Context, rec *Record) error
	MarkFailed(ctx context.Context, id, message string) error

	// Deletion
	SoftDelete(ctx context.Context, rec *Record) error
	InsertDeleted(ctx context.Context, rec *Record) error
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorIndex interface {
	Upsert(ctx context.Context, vectors []vector.Vector) error
	DeleteByFilter(ctx context.Context, ownerID, fileID string) error
}

type FileProvider interface {
	Get(ctx context.Context, p auth.Principal, fileID string) (*provider.SourceFile, error)
	Stat(ctx context.Context, p auth.Principal, fileID string) (*provider.File, error)
	List(ctx context.Context, p auth.Principal, folder string) ([]provider.File, error)
}

// Uploader is implemented by providers that can store uploaded bytes.
type Uploader interface {
	Put(ctx context.Context, p auth.Principal, fileID, name, mimeType string, data []byte) (*provider.File, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Options struct {
	ChunkSize        int
	ChunkOverlap     int
	ChunkCeiling     int
	EmbedConcurrency int
	// StaleAfter is how long a processing record blocks a new attempt.
	StaleAfter     time.Duration
	MaxUploadBytes int64
	Metrics        *metrics.Metrics
	Publisher      EventPublisher
	// Sealer encrypts provider tokens in queued messages.
	Sealer *auth.Sealer
}

type Service struct {
	repo     Repository
	files    FileProvider
	uploader Uploader
	embedder Embedder
	index    VectorIndex
	chunker  *text.Chunker
	opts     Options
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewService(repo Repository, files FileProvider, embedder Embedder, index VectorIndex, opts Options) *Service {
	if opts.EmbedConcurrency <= 0 {
		opts.EmbedConcurrency = defaultEmbedConcurrency
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.ChunkCeiling <= 0 {
		opts.ChunkCeiling = text.DefaultChunkCeiling
	}
	if opts.ChunkOverlap == 0 && opts.ChunkSize == 0 {
		opts.ChunkOverlap = text.DefaultChunkOverlap
	}
	s := &Service{
		repo:     repo,
		files:    files,
		embedder: embedder,
		index:    index,
		chunker:  text.NewChunker(opts.ChunkSize, opts.ChunkOverlap, opts.ChunkCeiling),
		opts:     opts,
		metrics:  opts.Metrics,
		now:      time.Now,
	}
	if u, ok := files.(Uploader); ok {
		s.uploader = u
	}
	return s
}

// Result is the outcome of an ingestion request. Existing is set when the
// file was already ingested and nothing was re-embedded.
type Result struct {
	Record   *Record `json:"record"`
	Existing bool    `json:"existing"`
}

func requirePrincipal(p auth.Principal) error {
	if !p.Valid() {
		return fmt.Errorf("%w: missing principal", apperr.ErrAuthentication)
	}
	return nil
}

func validFileID(fileID string) error {
	if strings.TrimSpace(fileID) == "" {
		return apperr.Validation("file id is required")
	}
	return nil
}

// Ingest fetches fileID from the provider and indexes it.
func (s *Service) Ingest(ctx context.Context, p auth.Principal, fileID string) (*Result, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if err := validFileID(fileID); err != nil {
		return nil, err
	}

	rec, existing, err := s.begin(ctx, p, fileID)
	if err != nil {
		return nil, err
	}
	if existing {
		slog.InfoContext(ctx, "file already ingested", "file_id", fileID, "record_id", rec.ID)
		return &Result{Record: rec, Existing: true}, nil
	}

	return s.run(ctx, rec, func(ctx context.Context) (*provider.SourceFile, error) {
		return s.files.Get(ctx, p, fileID)
	})
}

// begin applies the idempotency guard and returns the record the pipeline
// should drive. The bool reports an already ingested file.
func (s *Service) begin(ctx context.Context, p auth.Principal, fileID string) (*Record, bool, error) {
	rec, err := s.repo.FindActive(ctx, p.ID, fileID)
	switch {
	case err == nil:
		switch rec.Status {
		case StatusIngested:
			return rec, true, nil
		case StatusProcessing:
			if s.now().Sub(rec.UpdatedAt) < s.opts.StaleAfter {
				return nil, false, fmt.Errorf("%w: file %s is already being ingested", apperr.ErrConflict, fileID)
			}
			slog.WarnContext(ctx, "taking over stale ingestion", "record_id", rec.ID, "updated_at", rec.UpdatedAt)
		}
		if err := s.repo.MarkPending(ctx, rec.ID); err != nil {
			return nil, false, fmt.Errorf("reset record %s: %w", rec.ID, err)
		}
		rec.OwnerPrincipalID = p.ID
		rec.Status = StatusPending
		rec.ErrorMessage = ""
		return rec, false, nil
	case errors.Is(err, apperr.ErrNotFound):
	default:
		return nil, false, fmt.Errorf("find record: %w", err)
	}

	rec = &Record{
		OwnerPrincipalID: p.ID,
		OwnerEmail:       p.Email,
		FileID:           fileID,
		Status:           StatusPending,
		IsActive:         true,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, false, fmt.Errorf("create record: %w", err)
	}
	return rec, false, nil
}

// fail records err on rec. It runs detached from ctx so a cancelled request
// still leaves a failed record behind.
func (s *Service) fail(ctx context.Context, rec *Record, cause error) {
	msg := failureMessage(cause)
	rec.Status = StatusFailed
	rec.ErrorMessage = msg

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.repo.MarkFailed(writeCtx, rec.ID, msg); err != nil {
		slog.ErrorContext(ctx, "failed to record ingestion failure", "error", err, "record_id", rec.ID, "cause", cause)
	}
}

func failureMessage(err error) string {
	var pe *apperr.ProviderError
	if errors.As(err, &pe) {
		return pe.Public()
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "ingestion failed"
}

// Retry re-runs a failed ingestion.
func (s *Service) Retry(ctx context.Context, p auth.Principal, recordID string) (*Result, error) {
	rec, err := s.GetRecord(ctx, p, recordID)
	if err != nil {
		return nil, err
	}
	if !rec.IsActive {
		return nil, fmt.Errorf("%w: file %s", apperr.ErrAlreadyDeleted, rec.FileID)
	}
	if rec.Status != StatusFailed {
		return nil, fmt.Errorf("%w: only failed ingestions can be retried, record is %s", apperr.ErrConflict, rec.Status)
	}
	if isUploadID(rec.FileID) && s.uploader == nil {
		return nil, apperr.Validation("uploaded file %s was not stored, upload it again", rec.FileName)
	}
	return s.Ingest(ctx, p, rec.FileID)
}

func (s *Service) GetRecord(ctx context.Context, p auth.Principal, id string) (*Record, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.Validation("invalid record id %q", id)
	}
	return s.repo.Get(ctx, p.ID, id)
}

const maxListLimit = 500

func (s *Service) ListRecords(ctx context.Context, p auth.Principal, status string, limit int) ([]Record, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	switch status {
	case "", StatusPending, StatusProcessing, StatusIngested, StatusFailed:
	default:
		return nil, apperr.Validation("unknown status %q", status)
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	records, err := s.repo.List(ctx, p.ID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

func (s *Service) Summarize(ctx context.Context, p auth.Principal) (*Summary, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return s.repo.Summarize(ctx, p.ID)
}
