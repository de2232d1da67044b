package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sony/gobreaker"
)

// Sentinel errors surfaced by the broker shell. Callers match with errors.Is.
var (
	// ErrCircuitOpen is returned while the circuit breaker is open.
	ErrCircuitOpen = errors.New("broker circuit open")
	// ErrAuthFailed indicates the API rejected our credentials.
	ErrAuthFailed = errors.New("broker authentication failed")
	// ErrOrderRejected indicates the broker refused an order permanently.
	ErrOrderRejected = errors.New("order rejected by broker")
	// ErrInsufficientMargin indicates the margin check failed at the broker.
	ErrInsufficientMargin = errors.New("insufficient margin")
	// ErrTokenNotFound indicates no instrument token resolves for a symbol.
	// Recorded in the negative cache so repeated lookups short-circuit.
	ErrTokenNotFound = errors.New("instrument token not found")
)

// APIError represents an API error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// IsTransient classifies an error as retryable. Transient failures count
// toward the circuit breaker; everything else fails fast.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	// Never retry cancellation, breaker rejections or permanent failures.
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrOrderRejected) ||
		errors.Is(err, ErrInsufficientMargin) ||
		errors.Is(err, ErrTokenNotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// 5xx and 429 are retryable; other 4xx are permanent.
		return apiErr.Status >= 500 || apiErr.Status == 429
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"too many requests",
		"network",
		"dns",
		"tcp",
		"eof",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsPermanentAPIError reports a 4xx response that should not be retried.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}
