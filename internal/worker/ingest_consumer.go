package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"

	"docpipe/internal/apperr"
	"docpipe/internal/auth"
	"docpipe/internal/middleware"
)

const defaultIngestTimeout = 10 * time.Minute

type IngestConsumer struct {
	ingester Ingester
	sealer   *auth.Sealer
	timeout  time.Duration
}

func NewIngestConsumer(i Ingester, sealer *auth.Sealer, timeout time.Duration) *IngestConsumer {
	if timeout <= 0 {
		timeout = defaultIngestTimeout
	}
	return &IngestConsumer{ingester: i, sealer: sealer, timeout: timeout}
}

func (h *IngestConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload IngestFilePayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		// Poison Pill: Invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	ctx := context.Background()
	if payload.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, payload.CorrelationID)
	}

	token, err := h.sealer.Open(payload.SealedToken)
	if err != nil {
		slog.ErrorContext(ctx, "poison pill: provider token cannot be opened", "error", err, "file_id", payload.FileID)
		return nil
	}

	p := auth.Principal{
		ID:    payload.PrincipalID,
		Email: payload.Email,
		Credentials: auth.Credentials{
			AccessToken: token,
		},
	}
	if payload.TokenExpiry > 0 {
		p.Credentials.Expiry = time.Unix(payload.TokenExpiry, 0)
	}
	if !p.Valid() || payload.FileID == "" {
		slog.ErrorContext(ctx, "poison pill: incomplete ingest payload", "file_id", payload.FileID)
		return nil
	}
	ctx = auth.WithPrincipal(ctx, p)

	ingestCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := h.ingester.Ingest(ingestCtx, p, payload.FileID); err != nil {
		if apperr.IsTerminal(err) || errors.Is(err, apperr.ErrConflict) {
			// The record already carries the failure; a requeue would fail the same way.
			slog.WarnContext(ctx, "queued ingestion failed", "error", err, "file_id", payload.FileID)
			return nil
		}
		slog.ErrorContext(ctx, "queued ingestion failed, requeueing", "error", err, "file_id", payload.FileID, "attempts", m.Attempts)
		return err // Retry
	}

	slog.InfoContext(ctx, "queued ingestion finished", "file_id", payload.FileID)
	return nil
}
