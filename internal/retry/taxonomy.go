// Package retry implements the backoff, error-taxonomy, and circuit-breaker
// primitives used by the order executor's submission loop (the scaling
// engine also uses Classify). The event ingress reconnect loop computes its
// own backoff and does not use this package.
package retry

import (
	"errors"
	"strings"
)

// Kind classifies an upstream failure so callers know whether it is worth
// retrying, and the circuit breaker knows whether it counts as a failure.
type Kind int

const (
	Unknown Kind = iota
	RateLimited
	TransientUpstream
	InsufficientFunds
	InvalidSymbol
	AuthFailure
)

func (k Kind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case TransientUpstream:
		return "transient_upstream"
	case InsufficientFunds:
		return "insufficient_funds"
	case InvalidSymbol:
		return "invalid_symbol"
	case AuthFailure:
		return "auth_failure"
	default:
		return "unknown"
	}
}

// Retryable reports whether an error of this kind should be retried by the
// retry policy.
func (k Kind) Retryable() bool {
	return k == RateLimited || k == TransientUpstream
}

// ClassifiedError wraps an upstream error with its taxonomy kind. errors.Is
// and errors.As see through to the wrapped cause.
type ClassifiedError struct {
	Kind  Kind
	Cause error
}

func (e *ClassifiedError) Error() string {
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// Classify maps an upstream error to a taxonomy kind via substring
// inspection of the error message. This is brittle but unavoidable given
// brokerage SDKs that don't expose structured error codes; every string
// check behind the retry policy lives here so there is exactly one place to
// fix when a new upstream message shape shows up. (The ingress listener
// classifies stream errors separately, in isAuthError/isRateLimitError.)
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var existing *ClassifiedError
	if errors.As(err, &existing) {
		return existing
	}

	msg := strings.ToLower(err.Error())
	kind := classifyMessage(msg)
	return &ClassifiedError{Kind: kind, Cause: err}
}

func classifyMessage(msg string) Kind {
	switch {
	case containsAny(msg, "insufficient", "buying power"):
		return InsufficientFunds
	case containsAny(msg, "rate limit", "429", "too many requests"):
		return RateLimited
	case containsAny(msg, "not found", "invalid", "halt"):
		return InvalidSymbol
	case containsAny(msg, "401", "403", "unauthorized", "failed to authenticate"):
		return AuthFailure
	case containsAny(msg, "500", "502", "503", "timeout"):
		return TransientUpstream
	default:
		return Unknown
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
