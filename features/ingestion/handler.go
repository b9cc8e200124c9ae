package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"docpipe/internal/apperr"
	"docpipe/internal/auth"
	"docpipe/internal/middleware"
)

const defaultMaxUploadFiles = 10

type Handler struct {
	service  *Service
	maxFiles int
}

func NewHandler(service *Service, maxFiles int) *Handler {
	if maxFiles <= 0 {
		maxFiles = defaultMaxUploadFiles
	}
	return &Handler{service: service, maxFiles: maxFiles}
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(r.Context(), w, "UNAUTHORIZED", "authentication required", http.StatusUnauthorized)
		return auth.Principal{}, false
	}
	return p, true
}

func recordPayload(rec *Record, existing bool) map[string]interface{} {
	return map[string]interface{}{
		"ingestionId":  rec.ID,
		"fileId":       rec.FileID,
		"fileName":     rec.FileName,
		"status":       rec.Status,
		"vectorCount":  rec.VectorCount,
		"chunkCount":   rec.ChunkCount,
		"existing":     existing,
		"errorMessage": rec.ErrorMessage,
	}
}

// Ingest handles POST /files/{fileId}/ingest. With ?async=true the ingestion
// is queued and 202 is returned.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	fileID := r.PathValue("fileId")

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		res, err := h.service.Enqueue(r.Context(), p, fileID)
		if err != nil {
			h.writeServiceError(r.Context(), w, err)
			return
		}
		if res.Existing {
			h.writeJSON(r.Context(), w, http.StatusOK, recordPayload(res.Record, true))
			return
		}
		h.writeJSON(r.Context(), w, http.StatusAccepted, map[string]interface{}{
			"ingestionId": res.Record.ID,
			"fileId":      fileID,
			"status":      "queued",
		})
		return
	}

	res, err := h.service.Ingest(r.Context(), p, fileID)
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, recordPayload(res.Record, res.Existing))
}

// Upload handles POST /files/upload with one or more "file" parts.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	maxBytes := h.service.MaxUploadBytes()
	if maxBytes > 0 {
		// Room for every file plus multipart framing (enforced at reader level)
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes*int64(h.maxFiles)+1<<20)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", "upload too large", http.StatusBadRequest)
			return
		}
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "invalid multipart body", http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.WarnContext(r.Context(), "failed to remove multipart temp files", "error", err)
		}
	}()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "at least one file is required", http.StatusBadRequest)
		return
	}
	if len(headers) > h.maxFiles {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "too many files in one upload", http.StatusBadRequest)
		return
	}

	uploads := make([]Upload, 0, len(headers))
	for _, fh := range headers {
		if maxBytes > 0 && fh.Size > maxBytes {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", "file "+fh.Filename+" is too large", http.StatusBadRequest)
			return
		}
		f, err := fh.Open()
		if err != nil {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", "unable to read "+fh.Filename, http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", "unable to read "+fh.Filename, http.StatusBadRequest)
			return
		}
		uploads = append(uploads, Upload{FileName: fh.Filename, MimeType: fh.Header.Get("Content-Type"), Data: data})
	}

	items := h.service.IngestMany(r.Context(), p, uploads)
	results := make([]map[string]interface{}, 0, len(items))
	succeeded := 0
	for _, item := range items {
		if item.Err != nil {
			results = append(results, map[string]interface{}{
				"fileName": item.FileName,
				"success":  false,
				"error":    apperr.Public(item.Err),
				"code":     apperr.Code(item.Err),
			})
			continue
		}
		succeeded++
		entry := recordPayload(item.Result.Record, item.Result.Existing)
		entry["fileName"] = item.FileName
		entry["success"] = true
		results = append(results, entry)
	}

	h.writeJSON(r.Context(), w, http.StatusOK, map[string]interface{}{
		"results":   results,
		"succeeded": succeeded,
		"failed":    len(items) - succeeded,
	})
}

// Delete handles DELETE /files/{fileId}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	res, err := h.service.Delete(r.Context(), p, r.PathValue("fileId"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	payload := map[string]interface{}{
		"fileId":   res.FileID,
		"fileName": res.FileName,
	}
	if len(res.Warnings) > 0 {
		payload["warnings"] = res.Warnings
	}
	h.writeJSON(r.Context(), w, http.StatusOK, payload)
}

// ListFiles handles GET /files?folder=.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	files, err := h.service.ListFiles(r.Context(), p, r.URL.Query().Get("folder"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]interface{}{
		"files": files,
		"count": len(files),
	})
}

// ListRecords handles GET /ingestions and its ?status= and ?limit= filters.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	h.listRecords(w, r, r.URL.Query().Get("status"))
}

// ListFailed handles GET /ingestions/failed.
func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	h.listRecords(w, r, StatusFailed)
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request, status string) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}
	records, err := h.service.ListRecords(r.Context(), p, status, limit)
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]interface{}{
		"ingestions": records,
		"count":      len(records),
	})
}

// GetRecord handles GET /ingestions/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	rec, err := h.service.GetRecord(r.Context(), p, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]interface{}{"ingestion": rec})
}

// Retry handles POST /ingestions/{id}/retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	res, err := h.service.Retry(r.Context(), p, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, recordPayload(res.Record, res.Existing))
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload map[string]interface{}) {
	payload["success"] = true
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "operation failed", "error", err)
	}
	h.writeError(ctx, w, apperr.Code(err), apperr.Public(err), status)
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"success":       false,
		"error":         message,
		"code":          code,
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
