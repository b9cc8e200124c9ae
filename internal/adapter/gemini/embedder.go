package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"docpipe/internal/apperr"
)

const (
	providerName = "gemini"
	DefaultModel = "gemini-embedding-001"
)

// EmbeddingModel is satisfied by *genai.EmbeddingModel.
type EmbeddingModel interface {
	EmbedContent(ctx context.Context, parts ...genai.Part) (*genai.EmbedContentResponse, error)
}

type Embedder struct {
	client *genai.Client
	model  EmbeddingModel
	name   string
}

func NewEmbedder(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*Embedder, error) {
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, append(opts, option.WithAPIKey(apiKey))...)
	if err != nil {
		return nil, err
	}
	return &Embedder{client: client, model: client.EmbeddingModel(model), name: model}, nil
}

// NewEmbedderWithModel wraps an existing model, mostly for tests.
func NewEmbedderWithModel(model EmbeddingModel, name string) *Embedder {
	return &Embedder{model: model, name: name}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.Validation("cannot embed empty text")
	}

	slog.DebugContext(ctx, "embedding content", "model", e.name, "length", len(text))
	res, err := e.model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		slog.ErrorContext(ctx, "embedding failed", "model", e.name, "error", err)
		return nil, classify(err)
	}
	if res == nil || res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, apperr.Provider(providerName, apperr.ErrTransient, fmt.Errorf("empty embedding received"))
	}
	return res.Embedding.Values, nil
}

func (e *Embedder) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

func classify(err error) error {
	code := 0
	var gerr *googleapi.Error
	var aerr *apierror.APIError
	switch {
	case errors.As(err, &gerr):
		code = gerr.Code
	case errors.As(err, &aerr) && aerr.HTTPCode() > 0:
		code = aerr.HTTPCode()
	}

	switch {
	case code == http.StatusTooManyRequests:
		return apperr.Provider(providerName, apperr.ErrRateLimited, err)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperr.Provider(providerName, apperr.ErrAuthentication, err)
	case code == http.StatusBadRequest:
		return apperr.Provider(providerName, apperr.ErrValidation, err)
	case code == http.StatusGatewayTimeout:
		return apperr.Provider(providerName, apperr.ErrTimeout, err)
	case code != 0:
		return apperr.Provider(providerName, apperr.ErrTransient, err)
	}

	switch status.Code(err) {
	case codes.ResourceExhausted:
		return apperr.Provider(providerName, apperr.ErrRateLimited, err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return apperr.Provider(providerName, apperr.ErrAuthentication, err)
	case codes.InvalidArgument:
		return apperr.Provider(providerName, apperr.ErrValidation, err)
	case codes.DeadlineExceeded:
		return apperr.Provider(providerName, apperr.ErrTimeout, err)
	}
	if apperr.IsTimeout(err) {
		return apperr.Provider(providerName, apperr.ErrTimeout, err)
	}
	return apperr.Provider(providerName, apperr.ErrTransient, err)
}
