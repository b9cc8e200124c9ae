// Package stats serves per-principal ingestion counters.
package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"docpipe/features/ingestion"
	"docpipe/internal/auth"
	"docpipe/internal/middleware"
)

type RecordRepo interface {
	Summarize(ctx context.Context, principalID string) (*ingestion.Summary, error)
	InactiveFileIDs(ctx context.Context, principalID string) ([]string, error)
}

type Handler struct {
	repo RecordRepo
}

func NewHandler(repo RecordRepo) *Handler {
	return &Handler{repo: repo}
}

type StatsResponse struct {
	Files        int            `json:"files"`
	ByStatus     map[string]int `json:"byStatus"`
	Vectors      int64          `json:"vectors"`
	Chunks       int64          `json:"chunks"`
	Failed       int            `json:"failed"`
	DeletedFiles int            `json:"deletedFiles"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := auth.FromContext(ctx)
	if !ok {
		h.writeError(ctx, w, "UNAUTHORIZED", "authentication required", http.StatusUnauthorized)
		return
	}

	slog.InfoContext(ctx, "getting stats")

	sum, err := h.repo.Summarize(ctx, p.ID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to summarize ingestions", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to summarize ingestions", http.StatusInternalServerError)
		return
	}

	deleted, err := h.repo.InactiveFileIDs(ctx, p.ID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count deleted files", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count deleted files", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		Files:        sum.Total,
		ByStatus:     sum.ByStatus,
		Vectors:      sum.Vectors,
		Chunks:       sum.Chunks,
		Failed:       sum.ByStatus[ingestion.StatusFailed],
		DeletedFiles: len(deleted),
	}
	if resp.ByStatus == nil {
		resp.ByStatus = map[string]int{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "stats": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
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
