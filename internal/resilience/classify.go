// Package resilience wraps model calls with the failure policy: error
// classification, bounded retries with jittered backoff, per-provider
// circuit breakers, credential rotation on quota errors, and fallback
// across providers. Budget exhaustion is fatal and is never retried.
package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/nextlevelbuilder/gocrew/internal/providers"
	"github.com/nextlevelbuilder/gocrew/internal/usage"
)

// Class is the retry disposition of a failure.
type Class int

const (
	// ClassRetry: transient, retry the same provider with backoff.
	ClassRetry Class = iota
	// ClassNoRetry: permanent for this provider, try the next one.
	ClassNoRetry
	// ClassFatal: abort the whole call chain.
	ClassFatal
)

// Classify buckets an error from a provider call.
func Classify(err error) Class {
	if err == nil {
		return ClassNoRetry
	}
	if errors.Is(err, usage.ErrBudgetExceeded) || errors.Is(err, context.Canceled) {
		return ClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetry
	}

	var httpErr *providers.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusUnauthorized,
			httpErr.Status == http.StatusForbidden,
			httpErr.Status == http.StatusNotFound:
			return ClassNoRetry
		case httpErr.Status == http.StatusTooManyRequests,
			httpErr.Status == http.StatusRequestTimeout,
			httpErr.Status >= 500:
			return ClassRetry
		default:
			// Other 4xx are request-shape problems, retrying won't help.
			return ClassNoRetry
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetry
	}

	// Unknown failure: assume transient.
	return ClassRetry
}

// IsQuota reports whether the error is a quota rejection that credential
// rotation might clear.
func IsQuota(err error) bool {
	var httpErr *providers.HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusTooManyRequests
}
