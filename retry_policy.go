package kurir

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ambiyansyah-risyal/kurir/internal/backoff"
)

// RetryPolicy controls the fetcher's attempt loop.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	Strategy       backoff.Strategy
	// IsIdempotent reports whether a method may be retried.
	IsIdempotent func(method string) bool
}

// DefaultRetryPolicy retries idempotent requests up to three attempts in total
// with exponential backoff and jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
		Strategy:       backoff.ExponentialJitter{},
		IsIdempotent:   DefaultIsIdempotent,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.Strategy == nil {
		p.Strategy = d.Strategy
	}
	if p.IsIdempotent == nil {
		p.IsIdempotent = d.IsIdempotent
	}
	return p
}

// schedule starts the attempt state machine for one request.
func (p RetryPolicy) schedule(method string, deadline time.Time, now func() time.Time) *backoff.Schedule {
	attempts := p.MaxAttempts
	if !p.IsIdempotent(method) {
		attempts = 1
	}
	return backoff.NewSchedule(attempts, p.Strategy, backoff.Params{
		Initial:    p.InitialBackoff,
		Max:        p.MaxBackoff,
		Multiplier: p.Multiplier,
		Jitter:     p.Jitter,
	}, backoff.WithDeadline(deadline), backoff.WithClock(now))
}

// DefaultIsIdempotent returns true for idempotent HTTP methods.
func DefaultIsIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// classifyStatus turns a non-success response into a *FetchError, nil for 2xx and 3xx.
func classifyStatus(id Identifier, resp *http.Response, now time.Time) *FetchError {
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}

	kind, retriable := kindForStatus(resp.StatusCode)
	fe := &FetchError{
		Kind:       kind,
		Status:     resp.StatusCode,
		Retriable:  retriable,
		Identifier: id,
		Cause:      errors.New(http.StatusText(resp.StatusCode)),
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		fe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	}
	return fe
}

// classifyTransportError turns a transport or body read failure into a *FetchError.
// Failures caused by the caller's own context are not retriable.
func classifyTransportError(ctx context.Context, id Identifier, err error) *FetchError {
	fe := &FetchError{Identifier: id, Cause: err}

	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		fe.Kind = KindCanceled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			fe.Kind = KindTimeout
		}
	case errors.Is(err, errBodyTooLarge), errors.Is(err, io.ErrUnexpectedEOF):
		fe.Kind = KindMalformed
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		fe.Kind, fe.Retriable = KindTimeout, true
	default:
		fe.Kind, fe.Retriable = KindNetwork, true
	}
	return fe
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format, capped at one hour.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return min(time.Duration(seconds)*time.Second, time.Hour)
	}

	if t, err := http.ParseTime(value); err == nil {
		if delay := t.Sub(now); delay > 0 {
			return min(delay, time.Hour)
		}
	}
	return 0
}

// RetryBudget bounds the rate of retries across every request sharing it,
// so a struggling upstream is not hit by a retry storm.
type RetryBudget struct {
	limiter *rate.Limiter
}

// NewRetryBudget allows maxRetries retries per window, refilled continuously.
func NewRetryBudget(maxRetries int, per time.Duration) *RetryBudget {
	if maxRetries <= 0 || per <= 0 {
		return &RetryBudget{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &RetryBudget{limiter: rate.NewLimiter(rate.Every(per/time.Duration(maxRetries)), maxRetries)}
}

// Allow spends one retry from the budget.
func (rb *RetryBudget) Allow() bool {
	if rb == nil {
		return true
	}
	return rb.limiter.Allow()
}

// Available reports the retries that can be spent right now.
func (rb *RetryBudget) Available() float64 {
	if rb == nil {
		return 0
	}
	return rb.limiter.Tokens()
}
