package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"docpipe/internal/apperr"
	"docpipe/internal/auth"
	"docpipe/internal/provider"
)

// WarningVectorCleanup is reported when vectors of a deleted file could not
// be removed from the index.
const WarningVectorCleanup = "vector_cleanup_failed"

type DeleteWarning struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type DeleteResult struct {
	FileID   string          `json:"fileId"`
	FileName string          `json:"fileName"`
	Warnings []DeleteWarning `json:"warnings,omitempty"`
}

// Delete soft-deletes the principal's record for fileID and then removes the
// file's vectors. The record change is transactional; the vector cleanup is
// best effort and reported as a warning.
func (s *Service) Delete(ctx context.Context, p auth.Principal, fileID string) (*DeleteResult, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if err := validFileID(fileID); err != nil {
		return nil, err
	}

	rec, err := s.repo.FindLatest(ctx, p.ID, fileID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		rec, err = s.reconcileMissing(ctx, p, fileID)
		if err != nil {
			s.metrics.DeleteFinished("error")
			return nil, err
		}
	case err != nil:
		s.metrics.DeleteFinished("error")
		return nil, fmt.Errorf("find record: %w", err)
	case !rec.IsActive:
		s.metrics.DeleteFinished("already_deleted")
		return nil, fmt.Errorf("%w: file %s", apperr.ErrAlreadyDeleted, fileID)
	default:
		if err := s.repo.SoftDelete(ctx, rec); err != nil {
			s.metrics.DeleteFinished("error")
			return nil, fmt.Errorf("soft delete file %s: %w", fileID, err)
		}
	}

	res := &DeleteResult{FileID: fileID, FileName: rec.FileName}
	if err := s.index.DeleteByFilter(ctx, p.ID, fileID); err != nil {
		warning := DeleteWarning{Kind: WarningVectorCleanup, Message: failureMessage(err)}
		res.Warnings = append(res.Warnings, warning)
		s.metrics.DeleteWarning(warning.Kind)
		slog.WarnContext(ctx, "vector cleanup failed after delete",
			"error", errors.Join(apperr.ErrPartialSideEffect, err), "file_id", fileID, "kind", warning.Kind)
	}

	s.metrics.DeleteFinished("deleted")
	slog.InfoContext(ctx, "file deleted", "file_id", fileID, "record_id", rec.ID, "warnings", len(res.Warnings))
	return res, nil
}

// reconcileMissing handles a delete for a file that was never ingested. If the
// provider still has the file an inactive record is written so the file is
// hidden from listings from now on.
func (s *Service) reconcileMissing(ctx context.Context, p auth.Principal, fileID string) (*Record, error) {
	f, err := s.files.Stat(ctx, p, fileID)
	if err != nil {
		return nil, fmt.Errorf("file %s: %w", fileID, err)
	}

	rec := &Record{
		OwnerPrincipalID: p.ID,
		OwnerEmail:       p.Email,
		FileID:           fileID,
		FileName:         f.Name,
		FileType:         f.MimeType,
		FileSizeBytes:    f.Size,
		Status:           StatusDeleted,
		IsActive:         false,
	}
	if err := s.repo.InsertDeleted(ctx, rec); err != nil {
		return nil, fmt.Errorf("record deletion of %s: %w", fileID, err)
	}
	slog.InfoContext(ctx, "recorded deletion of never ingested file", "file_id", fileID)
	return rec, nil
}

// ListFiles lists provider files without the ones the principal deleted. If
// the deleted set cannot be read the listing is returned unfiltered.
func (s *Service) ListFiles(ctx context.Context, p auth.Principal, folder string) ([]provider.File, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	files, err := s.files.List(ctx, p, folder)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	inactive, err := s.repo.InactiveFileIDs(ctx, p.ID)
	if err != nil {
		s.metrics.ListFailOpen()
		slog.WarnContext(ctx, "could not load deleted files, returning unfiltered listing", "error", err)
		if files == nil {
			files = []provider.File{}
		}
		return files, nil
	}

	hidden := make(map[string]struct{}, len(inactive))
	for _, id := range inactive {
		hidden[id] = struct{}{}
	}
	out := make([]provider.File, 0, len(files))
	for _, f := range files {
		if _, ok := hidden[f.ID]; ok {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}
