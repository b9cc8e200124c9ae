package apperr_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"docpipe/internal/apperr"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", apperr.Validation("file too large"), http.StatusBadRequest},
		{"auth", apperr.Provider("drive", apperr.ErrAuthentication, errors.New("token expired")), http.StatusUnauthorized},
		{"not found", apperr.NotFound("ingestion record"), http.StatusNotFound},
		{"already deleted", fmt.Errorf("delete: %w", apperr.ErrAlreadyDeleted), http.StatusConflict},
		{"conflict", apperr.ErrConflict, http.StatusConflict},
		{"rate limited", apperr.Provider("gemini", apperr.ErrRateLimited, errors.New("quota")), http.StatusTooManyRequests},
		{"timeout", fmt.Errorf("embed: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"transient", apperr.Provider("pinecone", apperr.ErrTransient, errors.New("503")), http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperr.HTTPStatus(tt.err))
		})
	}
}

func TestProviderError_Unwrap(t *testing.T) {
	cause := errors.New("googleapi: Error 404: File not found: abc")
	err := apperr.Provider("drive", apperr.ErrNotFound, cause)

	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, apperr.ErrTransient)
}

func TestRateLimitedIsTransient(t *testing.T) {
	err := apperr.Provider("gemini", apperr.ErrRateLimited, nil)
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, "RATE_LIMITED", apperr.Code(err))
}

func TestPublic(t *testing.T) {
	t.Run("provider body hidden", func(t *testing.T) {
		err := apperr.Provider("drive", apperr.ErrNotFound, errors.New("raw upstream body {secret}"))
		assert.Equal(t, "drive: not found", apperr.Public(err))
	})

	t.Run("own messages shown", func(t *testing.T) {
		assert.Equal(t, "validation failure: unsupported file type", apperr.Public(apperr.Validation("unsupported file type")))
	})

	t.Run("unexpected errors generic", func(t *testing.T) {
		assert.Equal(t, "internal error", apperr.Public(errors.New("pq: connection refused")))
	})
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, apperr.IsTerminal(apperr.Validation("x")))
	assert.True(t, apperr.IsTerminal(apperr.ErrAlreadyDeleted))
	assert.False(t, apperr.IsTerminal(apperr.ErrRateLimited))
	assert.False(t, apperr.IsTerminal(errors.New("boom")))
}
