package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"docpipe/internal/apperr"
	"docpipe/internal/auth"
	"docpipe/internal/config"
	"docpipe/internal/extract"
	"docpipe/internal/middleware"
	"docpipe/internal/provider"
	"docpipe/internal/text"
	"docpipe/internal/vector"
	"docpipe/internal/worker"
)

type fetchFunc func(ctx context.Context) (*provider.SourceFile, error)

// run drives rec from pending to ingested. Any error, or a panic, leaves the
// record failed.
func (s *Service) run(ctx context.Context, rec *Record, fetch fetchFunc) (res *Result, err error) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingestion panicked: %v", r)
			res = nil
		}
		if err != nil {
			s.fail(ctx, rec, err)
			s.metrics.IngestionFinished(StatusFailed, time.Since(start))
			slog.WarnContext(ctx, "ingestion failed", "error", err, "file_id", rec.FileID, "record_id", rec.ID)
			return
		}
		s.metrics.IngestionFinished(StatusIngested, time.Since(start))
	}()

	src, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch file %s: %w", rec.FileID, err)
	}
	rec.FileName = src.Name
	rec.FileType = src.MimeType
	rec.FileSizeBytes = int64(len(src.Data))
	if err := s.repo.MarkProcessing(ctx, rec.ID, rec.FileName, rec.FileType, rec.FileSizeBytes); err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	rec.Status = StatusProcessing

	docs, err := extract.Extract(ctx, src.Name, src.MimeType, src.Data)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", src.Name, err)
	}
	for i := range docs {
		docs[i].Text = text.NormalizeLayout(docs[i].Text)
	}

	split := s.chunker.Split(rec.FileID, docs)
	s.metrics.Chunked(len(split.Chunks), split.Truncated)
	if split.Truncated {
		slog.WarnContext(ctx, "chunk ceiling reached, dropping trailing chunks",
			"file_id", rec.FileID, "total", split.Total, "kept", len(split.Chunks))
	}

	vectors, err := s.embed(ctx, rec, split.Chunks)
	if err != nil {
		return nil, err
	}

	if len(vectors) > 0 {
		if err := s.index.Upsert(ctx, vectors); err != nil {
			return nil, fmt.Errorf("upsert vectors: %w", err)
		}
		s.metrics.Upserted(len(vectors))
	}

	stats := buildStats(vectors, split, len(docs))
	stats.ProcessingMs = s.now().Sub(start).Milliseconds()
	if rec.FileSizeBytes > 0 {
		stats.VectorsPerKB = float64(len(vectors)) / (float64(rec.FileSizeBytes) / 1024)
	}

	ts := s.now().UTC()
	rec.Status = StatusIngested
	rec.VectorCount = len(vectors)
	rec.ChunkCount = len(split.Chunks)
	rec.IngestionTimestamp = &ts
	rec.Metadata = stats
	rec.ErrorMessage = ""
	if err := s.repo.MarkIngested(ctx, rec); err != nil {
		if errors.Is(err, apperr.ErrConflict) && len(vectors) > 0 {
			s.discardOrphans(ctx, rec)
		}
		return nil, fmt.Errorf("finalize record: %w", err)
	}

	slog.InfoContext(ctx, "file ingested",
		"file_id", rec.FileID, "record_id", rec.ID, "chunks", rec.ChunkCount, "vectors", rec.VectorCount)
	return &Result{Record: rec}, nil
}

// discardOrphans removes the vectors just written for a record that was
// deleted while it was processing. Vectors are kept when the file has an
// active record again, since that record owns the same ids.
func (s *Service) discardOrphans(ctx context.Context, rec *Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	current, err := s.repo.FindActive(ctx, rec.OwnerPrincipalID, rec.FileID)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "file has an active record, keeping vectors", "file_id", rec.FileID, "record_id", current.ID)
		return
	case err != nil && !errors.Is(err, apperr.ErrNotFound):
		slog.WarnContext(ctx, "could not check for a newer record, leaving vectors", "error", err, "file_id", rec.FileID)
		return
	}
	if err := s.index.DeleteByFilter(ctx, rec.OwnerPrincipalID, rec.FileID); err != nil {
		slog.WarnContext(ctx, "failed to discard vectors of deleted file", "error", err, "file_id", rec.FileID)
		return
	}
	slog.InfoContext(ctx, "discarded vectors of file deleted during ingestion", "file_id", rec.FileID, "record_id", rec.ID)
}

// embed embeds every non-empty chunk concurrently. Vectors come back in chunk
// order; the first error fails the whole batch.
func (s *Service) embed(ctx context.Context, rec *Record, chunks []text.Chunk) ([]vector.Vector, error) {
	cleaned := make([]string, len(chunks))
	results := make([][]float32, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.EmbedConcurrency)
	for i, c := range chunks {
		cleaned[i] = text.NormalizeASCII(text.Normalize(c.Text))
		if cleaned[i] == "" {
			continue
		}
		g.Go(func() error {
			start := time.Now()
			values, err := s.embedder.Embed(gctx, cleaned[i])
			s.metrics.ObserveEmbed(time.Since(start))
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", c.Index, err)
			}
			results[i] = values
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vectors := make([]vector.Vector, 0, len(chunks))
	for i, c := range chunks {
		if cleaned[i] == "" {
			continue
		}
		vectors = append(vectors, vector.Vector{
			ID:     vector.ID(rec.FileID, c.Index),
			Values: results[i],
			Metadata: vector.Metadata{
				Text:       cleaned[i],
				FileName:   rec.FileName,
				FileID:     rec.FileID,
				ChunkIndex: c.Index,
				OwnerID:    rec.OwnerPrincipalID,
			},
		})
	}
	if skipped := len(chunks) - len(vectors); skipped > 0 {
		slog.DebugContext(ctx, "skipped empty chunks", "file_id", rec.FileID, "count", skipped)
	}
	return vectors, nil
}

func buildStats(vectors []vector.Vector, split text.SplitResult, pages int) Stats {
	st := Stats{
		PageCount:     pages,
		RawChunkCount: split.Total,
		Truncated:     split.Truncated,
		SkippedEmpty:  len(split.Chunks) - len(vectors),
	}
	if len(vectors) == 0 {
		return st
	}

	st.ChunkSizeMin = math.MaxInt
	st.MagnitudeMin = math.MaxFloat64
	var sizeSum int
	var magSum float64
	for _, v := range vectors {
		size := len(v.Metadata.Text)
		sizeSum += size
		st.ChunkSizeMin = min(st.ChunkSizeMin, size)
		st.ChunkSizeMax = max(st.ChunkSizeMax, size)

		mag := magnitude(v.Values)
		magSum += mag
		st.MagnitudeMin = math.Min(st.MagnitudeMin, mag)
		st.MagnitudeMax = math.Max(st.MagnitudeMax, mag)
	}
	n := float64(len(vectors))
	st.ChunkSizeAvg = float64(sizeSum) / n
	st.MagnitudeMean = magSum / n
	return st
}

func magnitude(values []float32) float64 {
	var sum float64
	for _, x := range values {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Enqueue creates or resets the record for fileID and hands the ingestion to
// the worker. An already ingested file is returned as is.
func (s *Service) Enqueue(ctx context.Context, p auth.Principal, fileID string) (*Result, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if err := validFileID(fileID); err != nil {
		return nil, err
	}
	if s.opts.Publisher == nil {
		return nil, apperr.Validation("async ingestion is not enabled")
	}

	rec, existing, err := s.begin(ctx, p, fileID)
	if err != nil {
		return nil, err
	}
	if existing {
		return &Result{Record: rec, Existing: true}, nil
	}

	sealed, err := s.opts.Sealer.Seal(p.Credentials.AccessToken)
	if err != nil {
		s.fail(ctx, rec, err)
		return nil, fmt.Errorf("seal provider token: %w", err)
	}
	payload := worker.IngestFilePayload{
		PrincipalID:   p.ID,
		Email:         p.Email,
		SealedToken:   sealed,
		FileID:        fileID,
		CorrelationID: middleware.GetCorrelationID(ctx),
	}
	if !p.Credentials.Expiry.IsZero() {
		payload.TokenExpiry = p.Credentials.Expiry.Unix()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.fail(ctx, rec, err)
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if err := s.opts.Publisher.Publish(config.TopicIngestFile, body); err != nil {
		err = fmt.Errorf("%w: publish ingestion: %v", apperr.ErrTransient, err)
		s.fail(ctx, rec, err)
		return nil, err
	}

	slog.InfoContext(ctx, "ingestion queued", "file_id", fileID, "record_id", rec.ID)
	return &Result{Record: rec}, nil
}
