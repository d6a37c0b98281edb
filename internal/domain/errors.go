package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind is the error taxonomy shared by the dispatcher and its callers.
type ErrorKind string

const (
	ErrorKindRateLimited           ErrorKind = "rate_limited"
	ErrorKindProviderTimeout       ErrorKind = "provider_timeout"
	ErrorKindProviderTransient     ErrorKind = "provider_transient_error"
	ErrorKindProviderRateLimited   ErrorKind = "provider_rate_limited"
	ErrorKindProviderFatal         ErrorKind = "provider_fatal_error"
	ErrorKindEmptyProviderResponse ErrorKind = "empty_provider_response"
	ErrorKindAllProvidersExhausted ErrorKind = "all_providers_exhausted"
	ErrorKindInvalidImagePayload   ErrorKind = "invalid_image_payload"
)

var (
	// ErrInvalidImagePayload rejects an image before dispatch.
	ErrInvalidImagePayload = errors.New("invalid image payload")

	// ErrProviderNotFound is returned for unknown provider names.
	ErrProviderNotFound = errors.New("provider not found")
)

// ProviderError is returned by provider adapters so the dispatcher can
// classify failures without inspecting messages.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

// NewProviderError wraps err with a classification.
func NewProviderError(kind ErrorKind, provider string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// RateLimitedError is returned when a user is denied admission.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// KindFromStatus maps an upstream HTTP status code to an error kind.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
		return ErrorKindProviderRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return ErrorKindProviderTimeout
	case status >= http.StatusInternalServerError:
		return ErrorKindProviderTransient
	case status >= http.StatusBadRequest:
		return ErrorKindProviderFatal
	default:
		return ErrorKindProviderTransient
	}
}

// ClassifyError returns the kind of a provider invocation error.
func ClassifyError(err error) ErrorKind {
	var providerErr *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &providerErr):
		return providerErr.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindProviderTimeout
	default:
		return ErrorKindProviderTransient
	}
}

// OutcomeFor maps an error kind to an attempt outcome.
func OutcomeFor(kind ErrorKind) Outcome {
	switch kind {
	case ErrorKindProviderTimeout:
		return OutcomeTimeout
	case ErrorKindProviderRateLimited:
		return OutcomeRateLimited
	case ErrorKindProviderFatal:
		return OutcomeFatalError
	case ErrorKindEmptyProviderResponse:
		return OutcomeEmptyResponse
	default:
		return OutcomeTransientError
	}
}
