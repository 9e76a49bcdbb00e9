package kurir

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for each failure family. Every typed error below matches
// exactly one of them through errors.Is.
var (
	// ErrInvalidIdentifier is returned when a raw identifier cannot be canonicalized.
	ErrInvalidIdentifier = errors.New("kurir: invalid identifier")

	// ErrPolicyDenied is returned when the policy trie rejects an identifier.
	ErrPolicyDenied = errors.New("kurir: policy denied")

	// ErrThrottleTimeout is returned when no throttle capacity became available before the deadline.
	ErrThrottleTimeout = errors.New("kurir: throttle timeout")

	// ErrFetch is returned for a single failed fetch that is not retried further.
	ErrFetch = errors.New("kurir: fetch failed")

	// ErrFetchExhausted is returned when every allowed attempt failed.
	ErrFetchExhausted = errors.New("kurir: fetch attempts exhausted")

	// ErrCircuitOpen is returned when the circuit breaker of a bucket is open.
	ErrCircuitOpen = errors.New("kurir: circuit open")

	// ErrVerification is returned when a sealed payload fails authentication.
	ErrVerification = errors.New("kurir: verification failed")

	// ErrDecode is returned when encoded bytes cannot be decoded.
	ErrDecode = errors.New("kurir: decode failed")

	// ErrTokenReleased is reported when a throttle token is released twice.
	ErrTokenReleased = errors.New("kurir: throttle token already released")

	// ErrRetryBudgetExceeded is returned when the shared retry budget is spent.
	ErrRetryBudgetExceeded = errors.New("kurir: retry budget exceeded")

	// ErrInvalidPolicy is returned when a route entry or policy file is malformed.
	ErrInvalidPolicy = errors.New("kurir: invalid policy")

	// ErrInvalidConfig is returned when pipeline or file configuration is invalid.
	ErrInvalidConfig = errors.New("kurir: invalid configuration")

	// ErrClosed is returned by operations on a closed pipeline or cache.
	ErrClosed = errors.New("kurir: closed")
)

// InvalidIdentifierError reports a raw identifier that cannot be canonicalized.
type InvalidIdentifierError struct {
	Raw    string
	Reason string
	Cause  error
}

func (e *InvalidIdentifierError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("kurir: invalid identifier %q: %s (%v)", e.Raw, e.Reason, e.Cause)
	}
	return fmt.Sprintf("kurir: invalid identifier %q: %s", e.Raw, e.Reason)
}

func (e *InvalidIdentifierError) Unwrap() error { return e.Cause }

func (e *InvalidIdentifierError) Is(target error) bool { return target == ErrInvalidIdentifier }

// PolicyDeniedError reports an identifier rejected by the policy trie.
type PolicyDeniedError struct {
	Identifier Identifier
	// Prefix is the matched prefix; empty when the default decision applied.
	Prefix string
	Method string
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "<default>"
	}
	msg := fmt.Sprintf("kurir: policy denied %s %s (prefix %s)", e.Method, e.Identifier, prefix)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *PolicyDeniedError) Is(target error) bool { return target == ErrPolicyDenied }

// ThrottleTimeoutError reports that a bucket had no capacity before the deadline.
type ThrottleTimeoutError struct {
	Bucket string
	Waited time.Duration
	Cause  error
}

func (e *ThrottleTimeoutError) Error() string {
	return fmt.Sprintf("kurir: throttle timeout on bucket %q after %v: %v", e.Bucket, e.Waited, e.Cause)
}

func (e *ThrottleTimeoutError) Unwrap() error { return e.Cause }

func (e *ThrottleTimeoutError) Is(target error) bool { return target == ErrThrottleTimeout }

// FetchErrorKind classifies a failed attempt.
type FetchErrorKind string

const (
	KindNetwork      FetchErrorKind = "network"
	KindTimeout      FetchErrorKind = "timeout"
	KindServer       FetchErrorKind = "server"
	KindRateLimited  FetchErrorKind = "rate_limited"
	KindClient       FetchErrorKind = "client"
	KindUnauthorized FetchErrorKind = "unauthorized"
	KindNotFound     FetchErrorKind = "not_found"
	KindMalformed    FetchErrorKind = "malformed"
	KindCanceled     FetchErrorKind = "canceled"
)

// FetchError is the outcome of one failed attempt.
type FetchError struct {
	Kind      FetchErrorKind
	Status    int
	Retriable bool
	// RetryAfter carries a server supplied Retry-After hint, zero when absent.
	RetryAfter time.Duration
	Identifier Identifier
	Cause      error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("kurir: fetch %s failed: %s", e.Identifier, e.Kind)
	if e.Status > 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Cause }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// FetchExhaustedError reports that all attempts failed. Last is the final attempt's error.
type FetchExhaustedError struct {
	Identifier Identifier
	Attempts   int
	Last       error
	// Cause is set when the loop stopped early, e.g. the deadline would pass before the next attempt.
	Cause error
}

func (e *FetchExhaustedError) Error() string {
	msg := fmt.Sprintf("kurir: fetch %s exhausted after %d attempt(s)", e.Identifier, e.Attempts)
	if e.Last != nil {
		msg += fmt.Sprintf(": %v", e.Last)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (%v)", e.Cause)
	}
	return msg
}

func (e *FetchExhaustedError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Last != nil {
		errs = append(errs, e.Last)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func (e *FetchExhaustedError) Is(target error) bool { return target == ErrFetchExhausted }

// CircuitOpenError reports a request short-circuited by an open breaker.
type CircuitOpenError struct {
	Bucket  string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("kurir: circuit open for bucket %q until %s", e.Bucket, e.RetryAt.Format(time.RFC3339Nano))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// VerificationError reports a sealed payload that failed to open.
type VerificationError struct {
	KeyID  string
	Reason string
	Cause  error
}

func (e *VerificationError) Error() string {
	msg := "kurir: verification failed: " + e.Reason
	if e.KeyID != "" {
		msg += fmt.Sprintf(" (key %q)", e.KeyID)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *VerificationError) Unwrap() error { return e.Cause }

func (e *VerificationError) Is(target error) bool { return target == ErrVerification }

// DecodeError reports malformed encoded input and the byte offset where decoding diverged.
type DecodeError struct {
	Offset int64
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("kurir: decode error at offset %d: %s (%v)", e.Offset, e.Reason, e.Cause)
	}
	return fmt.Sprintf("kurir: decode error at offset %d: %s", e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// IsTransient reports whether err is worth retrying later: network failures,
// timeouts, 5xx and 429 responses, exhausted retries, open circuits and
// throttle timeouts. Policy denials, invalid identifiers, verification and
// decode failures and non-retriable fetch errors are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidIdentifier),
		errors.Is(err, ErrPolicyDenied),
		errors.Is(err, ErrInvalidPolicy),
		errors.Is(err, ErrVerification),
		errors.Is(err, ErrDecode):
		return false
	case errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrThrottleTimeout),
		errors.Is(err, ErrFetchExhausted),
		errors.Is(err, ErrRetryBudgetExceeded):
		return true
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		// a timeout ends the attempt loop but may well succeed later
		return fetchErr.Retriable || fetchErr.Kind == KindTimeout
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent is the complement of IsTransient for non-nil errors.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err)
}

// ErrorKind returns a short label for metrics and logs.
func ErrorKind(err error) string {
	var fetchErr *FetchError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidIdentifier):
		return "invalid_identifier"
	case errors.Is(err, ErrPolicyDenied):
		return "policy_denied"
	case errors.Is(err, ErrThrottleTimeout):
		return "throttle_timeout"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrFetchExhausted):
		return "fetch_exhausted"
	case errors.Is(err, ErrVerification):
		return "verification"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrRetryBudgetExceeded):
		return "retry_budget"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.As(err, &fetchErr):
		return "fetch_" + string(fetchErr.Kind)
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}

// kindForStatus maps a non-success HTTP status to a fetch error kind and
// whether it may be retried.
func kindForStatus(status int) (FetchErrorKind, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited, true
	case status == http.StatusUnauthorized:
		return KindUnauthorized, false
	case status == http.StatusNotFound:
		return KindNotFound, false
	case status >= 500:
		return KindServer, true
	default:
		return KindClient, false
	}
}
