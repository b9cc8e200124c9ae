package worker

import (
	"context"

	"docpipe/internal/auth"
)

type Ingester interface {
	Ingest(ctx context.Context, p auth.Principal, fileID string) error
}

// IngestFunc adapts a function to the Ingester interface.
type IngestFunc func(ctx context.Context, p auth.Principal, fileID string) error

func (f IngestFunc) Ingest(ctx context.Context, p auth.Principal, fileID string) error {
	return f(ctx, p, fileID)
}
