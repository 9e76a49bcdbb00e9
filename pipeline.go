package kurir

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Pipeline canonicalizes, routes, caches, throttles and fetches submitted
// identifiers. It is safe for concurrent use.
//
//	p, err := kurir.NewPipeline(kurir.WithPolicyTrie(trie))
//	if err != nil { ... }
//	defer p.Close()
//	res, err := p.Submit(ctx, "https://example.com/repositories/")
type Pipeline struct {
	policy   *PolicyTrie
	cache    *Cache
	governor *Governor
	fetcher  *Fetcher
	inflight singleflight.Group

	fetcherConfig  FetcherConfig
	cacheConfig    CacheConfig
	governorConfig GovernorConfig
	defaultTimeout time.Duration
	requestID      func() string

	logger  Logger
	metrics *MetricsCollector
	tracer  trace.Tracer

	stopJanitor context.CancelFunc
	closed      atomic.Bool
}

// NewPipeline builds a pipeline from options. Without WithPolicyTrie every
// identifier is allowed.
func NewPipeline(options ...Option) (*Pipeline, error) {
	p := &Pipeline{
		fetcherConfig:  FetcherConfig{Retry: DefaultRetryPolicy()},
		cacheConfig:    DefaultCacheConfig(),
		defaultTimeout: 30 * time.Second,
		requestID:      uuid.NewString,
	}

	for _, option := range options {
		option(p)
	}

	if err := p.ValidateConfiguration(); err != nil {
		return nil, err
	}

	if p.logger == nil {
		p.logger = NewNopLogger()
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	if p.policy == nil {
		p.policy = NewPolicyTrie(WithDefaultDecision(Decision{Action: ActionAllow}))
	}

	p.fetcherConfig.Logger = p.logger
	p.fetcherConfig.Metrics = p.metrics
	p.fetcherConfig.Tracer = p.tracer
	fetcher, err := NewFetcher(p.fetcherConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	p.fetcher = fetcher

	p.cacheConfig.Logger = p.logger
	p.cacheConfig.Metrics = p.metrics
	p.cache = NewCache(p.cacheConfig)

	p.governor = NewGovernor(p.governorConfig)
	p.governor.logger = p.logger
	p.governor.metrics = p.metrics

	ctx, cancel := context.WithCancel(context.Background())
	p.stopJanitor = cancel
	p.governor.StartJanitor(ctx)
	every(ctx, p.governor.config.CleanupEvery, func() {
		p.fetcher.Breakers().Cleanup(p.governor.config.IdleTTL)
	})

	return p, nil
}

type submitOptions struct {
	method       string
	header       http.Header
	body         []byte
	timeout      time.Duration
	deadline     time.Time
	forceRefresh bool
	requestID    string
}

// SubmitOption tunes a single submission.
type SubmitOption func(*submitOptions)

// WithForceRefresh bypasses cached entries for this submission.
func WithForceRefresh() SubmitOption {
	return func(o *submitOptions) { o.forceRefresh = true }
}

// WithTimeout bounds this submission, replacing the pipeline default.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}

// WithDeadline sets an absolute deadline for this submission.
func WithDeadline(t time.Time) SubmitOption {
	return func(o *submitOptions) { o.deadline = t }
}

// WithMethod sets the HTTP method. Defaults to GET; an empty method keeps the default.
func WithMethod(method string) SubmitOption {
	return func(o *submitOptions) {
		if method != "" {
			o.method = strings.ToUpper(method)
		}
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) SubmitOption {
	return func(o *submitOptions) {
		if o.header == nil {
			o.header = http.Header{}
		}
		o.header.Add(key, value)
	}
}

// WithBody sets the request body.
func WithBody(body []byte) SubmitOption {
	return func(o *submitOptions) { o.body = body }
}

// WithRequestID sets the correlation id instead of generating one.
func WithRequestID(id string) SubmitOption {
	return func(o *submitOptions) { o.requestID = id }
}

// Submit fetches the resource named by raw. GET results are served from and
// stored in the cache; concurrent identical submissions share one fetch.
func (p *Pipeline) Submit(ctx context.Context, raw string, opts ...SubmitOption) (*FetchResult, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	o := submitOptions{method: http.MethodGet}
	for _, opt := range opts {
		opt(&o)
	}
	if o.requestID == "" {
		o.requestID = p.requestID()
	}

	ctx, span := p.tracer.Start(ctx, "kurir.submit", trace.WithAttributes(
		attribute.String("kurir.raw", raw),
		attribute.String("kurir.request_id", o.requestID),
		attribute.String("http.request.method", o.method),
	))
	defer span.End()

	res, err := p.submit(ctx, raw, o)
	p.metrics.RecordSubmission(err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorKind(err))
		p.logger.Debug("Submission failed", "requestID", o.requestID, "raw", raw, "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", res.Status))
	return res, nil
}

func (p *Pipeline) submit(ctx context.Context, raw string, o submitOptions) (*FetchResult, error) {
	id, err := Canonicalize(raw)
	if err != nil {
		return nil, err
	}

	resolution := p.policy.Resolve(id)
	p.metrics.RecordPolicyDecision(resolution)
	decision := resolution.Decision
	if !decision.Permits(o.method) {
		reason := decision.Reason
		if reason == "" && decision.Action != ActionDeny {
			reason = fmt.Sprintf("operation %s not permitted", OperationForMethod(o.method))
		}
		return nil, &PolicyDeniedError{Identifier: id, Prefix: resolution.Prefix, Method: o.method, Reason: reason}
	}

	target, err := resolution.Rewrite(id)
	if err != nil {
		return nil, err
	}
	if target != id {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("kurir.rewritten", string(target)))
	}

	deadline := o.deadline
	switch {
	case !deadline.IsZero():
	case o.timeout > 0:
		deadline = time.Now().Add(o.timeout)
	case p.defaultTimeout > 0:
		deadline = time.Now().Add(p.defaultTimeout)
	}
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	header := decision.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	for k, v := range o.header {
		header[k] = v
	}

	req := NewFetchRequest(target, o.method, header, o.body, deadline)
	req.bucket = decision.Bucket
	req.ttl = decision.TTL
	req.requestID = o.requestID

	switch {
	case o.method == http.MethodGet:
		var getOpts []GetOption
		if o.forceRefresh {
			getOpts = append(getOpts, ForceRefresh())
		}
		return p.cache.GetOrFetch(ctx, target, func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
			return p.fetch(ctx, req, stale)
		}, getOpts...)
	case coalescable(o.method):
		return p.coalesce(ctx, req)
	default:
		return p.fetch(ctx, req, nil)
	}
}

// coalesce lets identical concurrent requests share one network call
// without caching the result.
func (p *Pipeline) coalesce(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	shared, cancel := detach(ctx)
	ch := p.inflight.DoChan(RequestKey(req), func() (any, error) {
		defer cancel()
		return p.fetch(shared, req, nil)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*FetchResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch acquires a throttle token for req's bucket and runs the fetcher. A
// stale result turns the request into a conditional one.
func (p *Pipeline) fetch(ctx context.Context, req *FetchRequest, stale *FetchResult) (*FetchResult, error) {
	if stale != nil {
		conditional := *req
		conditional.header = req.header.Clone()
		addConditionalHeaders(conditional.header, stale)
		req = &conditional
	}

	if req.bucket == "" {
		target, err := p.fetcher.Target(req.identifier)
		if err != nil {
			return nil, err
		}
		withBucket := *req
		withBucket.bucket = DefaultBucket(target)
		req = &withBucket
	}

	token, err := p.governor.Acquire(ctx, req.bucket)
	if err != nil {
		return nil, err
	}
	return p.fetcher.Fetch(ctx, req, token)
}

// Invalidate drops the cached result for raw.
func (p *Pipeline) Invalidate(ctx context.Context, raw string) error {
	id, err := Canonicalize(raw)
	if err != nil {
		return err
	}
	target, err := p.policy.Resolve(id).Rewrite(id)
	if err != nil {
		return err
	}
	return p.cache.Invalidate(ctx, target)
}

// Policy returns the policy trie consulted by Submit.
func (p *Pipeline) Policy() *PolicyTrie { return p.policy }

// Cache returns the result cache.
func (p *Pipeline) Cache() *Cache { return p.cache }

// Governor returns the throttle governor.
func (p *Pipeline) Governor() *Governor { return p.governor }

// Fetcher returns the fetcher.
func (p *Pipeline) Fetcher() *Fetcher { return p.fetcher }

// Metrics returns the metrics collector, nil when metrics are disabled.
func (p *Pipeline) Metrics() *MetricsCollector { return p.metrics }

// Close stops background work and closes the cache. Submissions after
// Close fail with ErrClosed.
func (p *Pipeline) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.stopJanitor()
	return p.cache.Close()
}
