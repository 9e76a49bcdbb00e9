package kurir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ambiyansyah-risyal/kurir/internal/backoff"
)

const (
	tracerName = "github.com/ambiyansyah-risyal/kurir"

	// RequestIDHeader carries the submission's correlation id to the origin.
	RequestIDHeader = "X-Request-ID"
)

var errBodyTooLarge = errors.New("response body exceeds limit")

// FetcherConfig configures a Fetcher. Zero values select defaults.
type FetcherConfig struct {
	// Transport performs the network call. Defaults to an http.Client whose
	// transport is instrumented with OpenTelemetry.
	Transport  Transport
	Middleware []Middleware
	Retry      RetryPolicy
	Breaker    CircuitBreakerConfig
	// BreakerOverrides sets per-bucket breaker configuration.
	BreakerOverrides map[string]CircuitBreakerConfig
	// Budget bounds retries across all requests; nil means unbounded.
	Budget *RetryBudget
	// MaxBodyBytes limits response payloads. Larger bodies are malformed.
	MaxBodyBytes int64
	// DefaultTTL applies to responses without freshness headers.
	DefaultTTL time.Duration
	// BaseURL resolves resource-path identifiers such as "/repositories/".
	BaseURL string

	Logger  Logger
	Metrics *MetricsCollector
	Tracer  trace.Tracer
}

// Fetcher performs one logical fetch: an attempt loop with backoff, a
// per-bucket circuit breaker and response classification.
type Fetcher struct {
	transport  Transport
	middleware []Middleware
	policy     RetryPolicy
	breakers   *CircuitBreakers
	budget     *RetryBudget
	maxBody    int64
	defaultTTL time.Duration
	baseURL    *url.URL

	now     func() time.Time
	logger  Logger
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewFetcher builds a Fetcher from config.
func NewFetcher(config FetcherConfig) (*Fetcher, error) {
	f := &Fetcher{
		transport:  config.Transport,
		middleware: config.Middleware,
		policy:     config.Retry.withDefaults(),
		budget:     config.Budget,
		maxBody:    config.MaxBodyBytes,
		defaultTTL: config.DefaultTTL,
		now:        time.Now,
		logger:     config.Logger,
		metrics:    config.Metrics,
		tracer:     config.Tracer,
	}

	if f.transport == nil {
		f.transport = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if f.maxBody <= 0 {
		f.maxBody = 32 << 20
	}
	if f.defaultTTL <= 0 {
		f.defaultTTL = 5 * time.Minute
	}
	if f.logger == nil {
		f.logger = NewNopLogger()
	}
	if f.tracer == nil {
		f.tracer = otel.Tracer(tracerName)
	}
	if config.BaseURL != "" {
		u, err := url.Parse(config.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("kurir: invalid base URL %q", config.BaseURL)
		}
		f.baseURL = u
	}

	f.breakers = NewCircuitBreakers(config.Breaker, config.BreakerOverrides)
	f.breakers.metrics = f.metrics
	f.breakers.logger = f.logger
	return f, nil
}

// Breakers exposes the per-bucket circuit breakers.
func (f *Fetcher) Breakers() *CircuitBreakers { return f.breakers }

// Target resolves the URL an identifier is fetched from.
func (f *Fetcher) Target(id Identifier) (*url.URL, error) {
	raw := string(id)
	if strings.HasPrefix(raw, "/") {
		if f.baseURL == nil {
			return nil, &InvalidIdentifierError{Raw: raw, Reason: "resource path without a base URL"}
		}
		raw = strings.TrimRight(f.baseURL.String(), "/") + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &InvalidIdentifierError{Raw: raw, Reason: "unparsable target", Cause: err}
	}
	return u, nil
}

// Fetch runs the attempt loop for req. The token, when non-nil, is released
// exactly once before Fetch returns.
func (f *Fetcher) Fetch(ctx context.Context, req *FetchRequest, token *ThrottleToken) (*FetchResult, error) {
	defer f.release(token)

	target, err := f.Target(req.identifier)
	if err != nil {
		return nil, err
	}

	bucket := req.bucket
	if bucket == "" && token != nil {
		bucket = token.Bucket()
	}
	if bucket == "" {
		bucket = DefaultBucket(target)
	}

	if !req.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.deadline)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	ctx, span := f.tracer.Start(ctx, "kurir.fetch", trace.WithAttributes(
		attribute.String("kurir.identifier", string(req.identifier)),
		attribute.String("kurir.bucket", bucket),
		attribute.String("http.request.method", req.method),
	))
	defer span.End()

	result, err := f.run(ctx, req, target, bucket, deadline)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorKind(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int("kurir.attempts", result.Attempts))
	return result, nil
}

func (f *Fetcher) run(ctx context.Context, req *FetchRequest, target *url.URL, bucket string, deadline time.Time) (*FetchResult, error) {
	sched := f.policy.schedule(req.method, deadline, f.now)
	breaker := f.breakers.Get(bucket)

	var last *FetchError
	for {
		attempt := sched.Begin()

		if err := breaker.Allow(); err != nil {
			if last == nil {
				return nil, err
			}
			return nil, f.exhausted(req, attempt-1, last, err)
		}

		result, fe := f.attempt(ctx, req, target, bucket, attempt)
		if fe == nil {
			breaker.RecordSuccess()
			result.Attempts = attempt
			return result, nil
		}
		f.recordVerdict(breaker, fe)
		last = fe

		if ctx.Err() != nil {
			if attempt == 1 {
				return nil, fe
			}
			return nil, f.exhausted(req, attempt, fe, ctx.Err())
		}
		if !fe.Retriable {
			return nil, fe
		}

		delay, stop := sched.Next(fe.RetryAfter)
		switch stop {
		case backoff.MaxAttempts:
			if attempt == 1 {
				return nil, fe
			}
			return nil, f.exhausted(req, attempt, fe, nil)
		case backoff.Deadline:
			return nil, f.exhausted(req, attempt, fe, context.DeadlineExceeded)
		}

		if !f.budget.Allow() {
			f.metrics.RecordRetryBudgetExceeded(bucket)
			f.logger.Warn("Retry budget exceeded", "requestID", req.requestID, "bucket", bucket)
			return nil, f.exhausted(req, attempt, fe, ErrRetryBudgetExceeded)
		}

		f.metrics.RecordRetry(bucket, attempt+1)
		f.logger.Info("Scheduling retry", "requestID", req.requestID, "attempt", attempt+1,
			"backoff", delay, "bucket", bucket, "error", fe.Error())

		if err := sleepContext(ctx, delay); err != nil {
			return nil, f.exhausted(req, attempt, fe, err)
		}
	}
}

// recordVerdict reports an attempt failure to the breaker. Client errors
// mean the upstream is healthy; caller cancellations carry no verdict.
func (f *Fetcher) recordVerdict(breaker *CircuitBreaker, fe *FetchError) {
	switch {
	case fe.Kind == KindCanceled || (fe.Kind == KindTimeout && !fe.Retriable):
		breaker.RecordIgnored()
	case fe.Retriable, fe.Kind == KindMalformed:
		breaker.RecordFailure()
	default:
		breaker.RecordSuccess()
	}
}

func (f *Fetcher) exhausted(req *FetchRequest, attempts int, last *FetchError, cause error) error {
	return &FetchExhaustedError{Identifier: req.identifier, Attempts: attempts, Last: last, Cause: cause}
}

func (f *Fetcher) attempt(ctx context.Context, req *FetchRequest, target *url.URL, bucket string, n int) (*FetchResult, *FetchError) {
	ctx, span := f.tracer.Start(ctx, "kurir.fetch.attempt", trace.WithAttributes(attribute.Int("kurir.attempt", n)))
	defer span.End()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.method, target.String(), body)
	if err != nil {
		return nil, &FetchError{Kind: KindClient, Identifier: req.identifier, Cause: err}
	}
	for k, v := range req.header {
		hreq.Header[k] = append([]string(nil), v...)
	}
	if req.requestID != "" {
		hreq.Header.Set(RequestIDHeader, req.requestID)
	}

	start := f.now()
	result, fe := f.roundTrip(ctx, req, hreq)
	status := 0
	if result != nil {
		status = result.Status
	} else if fe != nil {
		status = fe.Status
	}

	var attemptErr error
	if fe != nil {
		attemptErr = fe
		span.RecordError(fe)
		span.SetStatus(codes.Error, string(fe.Kind))
		f.logger.Debug("Fetch attempt failed", "requestID", req.requestID, "attempt", n,
			"bucket", bucket, "kind", string(fe.Kind), "status", status)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	f.metrics.RecordAttempt(bucket, status, attemptErr, f.now().Sub(start))
	return result, fe
}

func (f *Fetcher) roundTrip(ctx context.Context, req *FetchRequest, hreq *http.Request) (*FetchResult, *FetchError) {
	resp, err := f.do(hreq)
	if err != nil {
		return nil, classifyTransportError(ctx, req.identifier, err)
	}
	defer resp.Body.Close()

	payload, err := readLimited(resp.Body, f.maxBody)
	if err != nil {
		fe := classifyTransportError(ctx, req.identifier, err)
		fe.Status = resp.StatusCode
		return nil, fe
	}

	received := f.now()
	if fe := classifyStatus(req.identifier, resp, received); fe != nil {
		return nil, fe
	}

	fallback := f.defaultTTL
	if req.ttl > 0 {
		fallback = req.ttl
	}
	ttl := responseTTL(resp.Header, received, fallback)
	if req.ttl > 0 && ttl > 0 {
		ttl = req.ttl
	}

	return &FetchResult{
		Identifier: req.identifier,
		Status:     resp.StatusCode,
		Header:     resp.Header.Clone(),
		Payload:    payload,
		FetchedAt:  received,
		TTL:        ttl,
	}, nil
}

// do runs the middleware chain in registration order around the transport.
func (f *Fetcher) do(req *http.Request) (*http.Response, error) {
	if len(f.middleware) == 0 {
		return f.transport.Do(req)
	}

	var current Transport = f.transport
	for i := len(f.middleware) - 1; i >= 0; i-- {
		mw := f.middleware[i]
		next := current
		current = TransportFunc(func(r *http.Request) (*http.Response, error) {
			return mw(r, next)
		})
	}
	return current.Do(req)
}

func (f *Fetcher) release(token *ThrottleToken) {
	if token == nil {
		return
	}
	if err := token.Release(); err != nil {
		f.logger.Error("Throttle token release failed", "bucket", token.Bucket(), "error", err)
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > limit {
		return nil, errBodyTooLarge
	}
	return payload, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
