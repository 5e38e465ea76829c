package ports

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Standard application-level errors.
// Adapters wrap infrastructure errors with these, either directly or through the typed errors below.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Provider Errors
	ErrProviderUnavailable  = errors.New("provider API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the provider")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("provider authentication failed (check credentials)")
	ErrAPIFailure           = errors.New("provider API returned an error")
	ErrCircuitOpen          = errors.New("circuit breaker is open")
	ErrProvidersExhausted   = errors.New("all providers exhausted")
	ErrUnknownProvider      = errors.New("unknown provider")

	// Reconstruction Errors
	ErrReconstructionAnomaly = errors.New("fill sequence could not be matched cleanly")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
)

// AuthError reports bad or expired credentials. Not retryable without re-authentication.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Provider, ErrAuthenticationFailed)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, ErrAuthenticationFailed, e.Err)
}

func (e *AuthError) Unwrap() []error { return []error{ErrAuthenticationFailed, e.Err} }

// RateLimitError reports a rejected call. Local is true when our own limiter
// rejected it; RetryAfter is the server's or the limiter's hint.
type RateLimitError struct {
	Provider   string
	Scope      string
	RetryAfter time.Duration
	Local      bool
	Err        error
}

func (e *RateLimitError) Error() string {
	origin := "server"
	if e.Local {
		origin = "local"
	}
	msg := fmt.Sprintf("%s: %v (%s, scope=%s, retry after %v)", e.Provider, ErrRateLimited, origin, e.Scope, e.RetryAfter)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() []error { return []error{ErrRateLimited, e.Err} }

// ApiError is a vendor 4xx/5xx response or vendor error code.
type ApiError struct {
	Provider   string
	Operation  string
	StatusCode int
	Code       int64 // Vendor error code when the API has one
	Message    string
	Retryable  bool
	Err        error
}

func (e *ApiError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s: %v", e.Provider, e.Operation, ErrAPIFailure)
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (http %d)", e.StatusCode)
	}
	if e.Code != 0 {
		fmt.Fprintf(&sb, " (code %d)", e.Code)
	}
	if e.Message != "" {
		sb.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

// Unwrap also matches ErrProviderUnavailable for 5xx responses.
func (e *ApiError) Unwrap() []error {
	if e.StatusCode >= http.StatusInternalServerError {
		return []error{ErrAPIFailure, ErrProviderUnavailable, e.Err}
	}
	return []error{ErrAPIFailure, e.Err}
}

// CircuitOpenError is a local rejection; no network call was attempted.
type CircuitOpenError struct {
	Provider string
	RetryAt  time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: %v (retry at %s)", e.Provider, ErrCircuitOpen, e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() []error { return []error{ErrCircuitOpen, ErrProviderUnavailable} }

// TimeoutError is raised when a wrapped call exceeds its enforced timeout.
type TimeoutError struct {
	Provider string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %v after %v", e.Provider, ErrTimeout, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// AnomalyKind classifies a reconstruction anomaly.
type AnomalyKind string

const (
	AnomalyInvalidFill   AnomalyKind = "invalid_fill"
	AnomalyDuplicateFill AnomalyKind = "duplicate_fill"
	AnomalyOverClose     AnomalyKind = "over_close"
	AnomalyForeignFill   AnomalyKind = "foreign_fill"
	AnomalyMergeConflict AnomalyKind = "merge_conflict"
)

// ReconstructionAnomaly reports a fill that could not be matched cleanly.
// It is always surfaced to the caller, never silently dropped.
type ReconstructionAnomaly struct {
	Kind      AnomalyKind `json:"kind"`
	AccountID string      `json:"account_id,omitempty"`
	Symbol    string      `json:"symbol"`
	FillID    string      `json:"fill_id,omitempty"`
	Detail    string      `json:"detail"`
}

func (e *ReconstructionAnomaly) Error() string {
	return fmt.Sprintf("%v: %s %s/%s fill=%s: %s", ErrReconstructionAnomaly, e.Kind, e.AccountID, e.Symbol, e.FillID, e.Detail)
}

func (e *ReconstructionAnomaly) Unwrap() error { return ErrReconstructionAnomaly }

// ProviderFailure is one provider's final error inside a fallback chain.
type ProviderFailure struct {
	Provider string
	Err      error
}

// ProvidersExhaustedError aggregates the failures of every attempted provider.
type ProvidersExhaustedError struct {
	Failures []ProviderFailure
}

func (e *ProvidersExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Provider, f.Err))
	}
	return fmt.Sprintf("%v [%s]", ErrProvidersExhausted, strings.Join(parts, "; "))
}

func (e *ProvidersExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, ErrProvidersExhausted)
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Providers lists the attempted providers in order.
func (e *ProvidersExhaustedError) Providers() []string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Provider)
	}
	return names
}

// IsRetryable reports whether a failed call may succeed if attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var authErr *AuthError
	var circuitErr *CircuitOpenError
	var anomaly *ReconstructionAnomaly
	var apiErr *ApiError
	var rateErr *RateLimitError
	var timeoutErr *TimeoutError
	switch {
	case errors.As(err, &authErr), errors.As(err, &circuitErr), errors.As(err, &anomaly):
		return false
	case errors.As(err, &rateErr), errors.As(err, &timeoutErr):
		return true
	case errors.As(err, &apiErr):
		return apiErr.Retryable
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrConfigurationError), errors.Is(err, ErrUnknownProvider):
		return false
	}
	// Unclassified transport errors are assumed transient.
	return true
}

// IsCallerError reports whether the provider answered correctly and the failure
// is on our side (credentials or request). Such errors do not count against a circuit.
func IsCallerError(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return !apiErr.Retryable
	}
	return errors.Is(err, ErrInvalidRequest)
}

// RetryableStatus classifies an HTTP status: 5xx and 429 are retryable.
func RetryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// ErrorFromHTTPStatus converts a non-2xx response into the provider error taxonomy.
func ErrorFromHTTPStatus(provider, operation string, status int, body string, retryAfter time.Duration) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Provider: provider, Err: fmt.Errorf("%s: http %d: %s", operation, status, body)}
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Provider: provider, Scope: operation, RetryAfter: retryAfter, Err: fmt.Errorf("http %d: %s", status, body)}
	default:
		return &ApiError{
			Provider:   provider,
			Operation:  operation,
			StatusCode: status,
			Message:    body,
			Retryable:  RetryableStatus(status),
		}
	}
}
