package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"docpipe/internal/apperr"
	"docpipe/internal/auth"
	"docpipe/internal/extract"
	"docpipe/internal/provider"
)

const uploadIDPrefix = "upload-"

var allowedUploadExts = map[string]string{
	".pdf":  extract.MimePDF,
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".json": "application/json",
	".html": "text/html",
	".htm":  "text/html",
	".xml":  "application/xml",
}

type Upload struct {
	FileName string
	MimeType string
	Data     []byte
}

// BatchItem is the per-file outcome of IngestMany. Exactly one of Result and
// Err is set.
type BatchItem struct {
	FileName string
	Result   *Result
	Err      error
}

// uploadID derives the file id of an uploaded file from its owner and bytes,
// so re-uploading the same content hits the idempotency guard.
func uploadID(p auth.Principal, data []byte) string {
	h := sha256.New()
	h.Write([]byte(p.ID))
	h.Write([]byte{0})
	h.Write(data)
	return uploadIDPrefix + hex.EncodeToString(h.Sum(nil))[:32]
}

func isUploadID(fileID string) bool {
	return strings.HasPrefix(fileID, uploadIDPrefix)
}

func (s *Service) MaxUploadBytes() int64 {
	return s.opts.MaxUploadBytes
}

func (s *Service) validateUpload(up Upload) (Upload, error) {
	up.FileName = filepath.Base(strings.TrimSpace(up.FileName))
	if up.FileName == "" || up.FileName == "." || up.FileName == "/" {
		return up, apperr.Validation("file name is required")
	}
	if len(up.Data) == 0 {
		return up, apperr.Validation("file %s is empty", up.FileName)
	}
	if s.opts.MaxUploadBytes > 0 && int64(len(up.Data)) > s.opts.MaxUploadBytes {
		return up, apperr.Validation("file %s exceeds the %d byte upload limit", up.FileName, s.opts.MaxUploadBytes)
	}

	ext := strings.ToLower(filepath.Ext(up.FileName))
	fallback, ok := allowedUploadExts[ext]
	if !ok {
		return up, apperr.Validation("unsupported file type %q", ext)
	}
	if mt, _, err := mime.ParseMediaType(up.MimeType); err == nil && mt != "application/octet-stream" {
		up.MimeType = mt
	} else if extract.IsPDF(up.FileName, "", up.Data) {
		up.MimeType = extract.MimePDF
	} else {
		up.MimeType = fallback
	}
	return up, nil
}

// IngestUpload ingests a file uploaded by the caller. When the provider can
// store files the bytes are kept there under the upload's file id.
func (s *Service) IngestUpload(ctx context.Context, p auth.Principal, up Upload) (*Result, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	up, err := s.validateUpload(up)
	if err != nil {
		return nil, err
	}

	fileID := uploadID(p, up.Data)
	rec, existing, err := s.begin(ctx, p, fileID)
	if err != nil {
		return nil, err
	}
	if existing {
		return &Result{Record: rec, Existing: true}, nil
	}

	return s.run(ctx, rec, func(ctx context.Context) (*provider.SourceFile, error) {
		if s.uploader == nil {
			return &provider.SourceFile{
				File: provider.File{
					ID:        fileID,
					Name:      up.FileName,
					MimeType:  up.MimeType,
					Size:      int64(len(up.Data)),
					CreatedAt: s.now().UTC(),
				},
				Data: up.Data,
			}, nil
		}
		f, err := s.uploader.Put(ctx, p, fileID, up.FileName, up.MimeType, up.Data)
		if err != nil {
			return nil, fmt.Errorf("store upload: %w", err)
		}
		return &provider.SourceFile{File: *f, Data: up.Data}, nil
	})
}

// IngestMany runs one pipeline per upload concurrently. A failing file does
// not affect the others; items come back in input order.
func (s *Service) IngestMany(ctx context.Context, p auth.Principal, uploads []Upload) []BatchItem {
	items := make([]BatchItem, len(uploads))
	var g errgroup.Group
	for i, up := range uploads {
		g.Go(func() error {
			res, err := s.IngestUpload(ctx, p, up)
			items[i] = BatchItem{FileName: up.FileName, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return items
}
