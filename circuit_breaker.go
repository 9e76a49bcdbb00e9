package kurir

import (
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// CoolDown is how long an open circuit rejects calls before half-opening.
	CoolDown time.Duration
	// HalfOpenProbes is the number of calls admitted concurrently while half-open.
	HalfOpenProbes int
	// SuccessThreshold is the number of probe successes needed to close again.
	SuccessThreshold int
}

// DefaultCircuitBreakerConfig returns the defaults used for new buckets.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
		HalfOpenProbes:   1,
		SuccessThreshold: 1,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	d := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.CoolDown <= 0 {
		c.CoolDown = d.CoolDown
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = d.HalfOpenProbes
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	return c
}

// CircuitBreaker guards one bucket. Calls report back through exactly one of
// RecordSuccess, RecordFailure or RecordIgnored after a successful Allow.
type CircuitBreaker struct {
	mu       sync.Mutex
	name     string
	config   CircuitBreakerConfig
	now      func() time.Time
	onChange func(name string, from, to CircuitState)

	state     CircuitState
	failures  int
	successes int
	probes    int
	openUntil time.Time

	// admitted calls still awaiting a verdict, and when the breaker was last asked
	pending  int
	lastUsed time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Allow admits a call or returns a *CircuitOpenError.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.lastUsed = now
	switch cb.state {
	case StateOpen:
		if now.Before(cb.openUntil) {
			return &CircuitOpenError{Bucket: cb.name, RetryAt: cb.openUntil}
		}
		cb.transitionLocked(StateHalfOpen, now)
		cb.probes++
	case StateHalfOpen:
		if cb.probes >= cb.config.HalfOpenProbes {
			return &CircuitOpenError{Bucket: cb.name, RetryAt: now.Add(cb.config.CoolDown)}
		}
		cb.probes++
	}
	cb.pending++
	return nil
}

// RecordSuccess records a success in the circuit breaker
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.settleLocked()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.releaseProbeLocked()
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionLocked(StateClosed, cb.now())
		}
	}
}

// RecordFailure records a failure in the circuit breaker
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.settleLocked()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen, cb.now())
		}
	case StateHalfOpen:
		cb.transitionLocked(StateOpen, cb.now())
	}
}

// RecordIgnored frees an admitted call that ended without a verdict, for
// example because the caller gave up.
func (cb *CircuitBreaker) RecordIgnored() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.settleLocked()

	if cb.state == StateHalfOpen {
		cb.releaseProbeLocked()
	}
}

// State returns the current state without advancing it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed, cb.now())
	cb.failures = 0
}

func (cb *CircuitBreaker) settleLocked() {
	if cb.pending > 0 {
		cb.pending--
	}
	cb.lastUsed = cb.now()
}

// idle reports whether the breaker is closed with no calls pending and has
// not been used since cutoff.
func (cb *CircuitBreaker) idle(cutoff time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == StateClosed && cb.pending == 0 && cb.lastUsed.Before(cutoff)
}

func (cb *CircuitBreaker) releaseProbeLocked() {
	if cb.probes > 0 {
		cb.probes--
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState, now time.Time) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
	if to == StateOpen {
		cb.openUntil = now.Add(cb.config.CoolDown)
	} else {
		cb.openUntil = time.Time{}
	}

	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// CircuitBreakers holds one breaker per bucket, created on first use.
type CircuitBreakers struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	config    CircuitBreakerConfig
	overrides map[string]CircuitBreakerConfig
	now       func() time.Time
	metrics   *MetricsCollector
	logger    Logger
}

// NewCircuitBreakers creates a registry whose breakers use config unless a
// per-bucket override exists.
func NewCircuitBreakers(config CircuitBreakerConfig, overrides map[string]CircuitBreakerConfig) *CircuitBreakers {
	return &CircuitBreakers{
		breakers:  make(map[string]*CircuitBreaker),
		config:    config.withDefaults(),
		overrides: overrides,
		now:       time.Now,
		logger:    NewNopLogger(),
	}
}

// Get returns the breaker for bucket, creating it when absent.
func (r *CircuitBreakers) Get(bucket string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[bucket]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[bucket]; ok {
		return cb
	}

	config := r.config
	if o, ok := r.overrides[bucket]; ok {
		config = o.withDefaults()
	}
	cb = NewCircuitBreaker(bucket, config)
	cb.now = r.now
	cb.lastUsed = r.now()
	cb.onChange = r.stateChanged
	r.breakers[bucket] = cb
	r.metrics.RecordCircuitBreakerState(bucket, StateClosed)
	return cb
}

// Cleanup forgets closed breakers unused for longer than idleTTL with no
// calls pending. A later Get starts the bucket afresh. It returns the number
// of evicted breakers.
func (r *CircuitBreakers) Cleanup(idleTTL time.Duration) int {
	cutoff := r.now().Add(-idleTTL)

	r.mu.Lock()
	var evicted []string
	for name, cb := range r.breakers {
		if cb.idle(cutoff) {
			delete(r.breakers, name)
			evicted = append(evicted, name)
		}
	}
	r.mu.Unlock()

	for _, name := range evicted {
		r.metrics.ForgetCircuitBreaker(name)
	}
	if len(evicted) > 0 {
		r.logger.Debug("Evicted idle circuit breakers", "count", len(evicted))
	}
	return len(evicted)
}

// States reports the state of every known breaker.
func (r *CircuitBreakers) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]CircuitState, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State()
	}
	return out
}

func (r *CircuitBreakers) stateChanged(name string, from, to CircuitState) {
	r.metrics.RecordCircuitBreakerState(name, to)
	if to == StateOpen {
		r.logger.Warn("Circuit breaker opened", "bucket", name, "from", from.String())
	} else {
		r.logger.Info("Circuit breaker state changed", "bucket", name, "from", from.String(), "to", to.String())
	}
}
