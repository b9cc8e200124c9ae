package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	ErrAuthentication = errors.New("authentication failure")
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failure")
	ErrConflict       = errors.New("conflict")
	ErrAlreadyDeleted = errors.New("already deleted")

	// ErrTransient covers provider failures the caller may retry by re-invoking.
	ErrTransient   = errors.New("transient provider failure")
	ErrRateLimited = fmt.Errorf("%w: rate limited", ErrTransient)
	ErrTimeout     = fmt.Errorf("%w: timed out", ErrTransient)

	// ErrPartialSideEffect marks a secondary step that failed after the primary change committed.
	ErrPartialSideEffect = errors.New("partial side effect failure")
)

// ProviderError tags an external collaborator failure with a taxonomy kind.
// Public() omits the provider's own error body.
type ProviderError struct {
	Provider string
	Kind     error
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *ProviderError) Public() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Kind)
}

func Provider(provider string, kind, err error) error {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

// IsTimeout reports deadline and network timeouts from any transport.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsTerminal reports errors that re-running the same request will not fix.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrAlreadyDeleted)
}

func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyDeleted), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func Code(err error) string {
	switch HTTPStatus(err) {
	case http.StatusOK:
		return ""
	case http.StatusBadRequest:
		return "VALIDATION_ERROR"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		if errors.Is(err, ErrAlreadyDeleted) {
			return "ALREADY_DELETED"
		}
		return "CONFLICT"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusGatewayTimeout:
		return "TIMEOUT"
	default:
		return "INTERNAL_ERROR"
	}
}

// Public returns a message safe to show to API callers.
func Public(err error) string {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Public()
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound), errors.Is(err, ErrAuthentication),
		errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyDeleted), errors.Is(err, ErrTransient):
		return err.Error()
	case IsTimeout(err):
		return "upstream request timed out"
	}
	return "internal error"
}
