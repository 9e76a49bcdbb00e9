package backoff

import "time"

// StopReason says why a Schedule refused another attempt.
type StopReason int

const (
	Continue StopReason = iota
	// MaxAttempts means the attempt limit was reached.
	MaxAttempts
	// Deadline means waiting for the next attempt would cross the deadline.
	Deadline
)

func (r StopReason) String() string {
	switch r {
	case Continue:
		return "continue"
	case MaxAttempts:
		return "max_attempts"
	case Deadline:
		return "deadline"
	default:
		return "unknown"
	}
}

// Schedule is the state of one retry loop: how many attempts ran, how many
// are allowed and when the caller's deadline falls. It is not safe for
// concurrent use; each fetch owns its own Schedule.
type Schedule struct {
	maxAttempts int
	params      Params
	strategy    Strategy
	deadline    time.Time
	now         func() time.Time

	attempts int
}

// Option configures a Schedule.
type Option func(*Schedule)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Schedule) { s.now = now }
}

// WithDeadline bounds the schedule. A zero time means no deadline.
func WithDeadline(d time.Time) Option {
	return func(s *Schedule) { s.deadline = d }
}

// NewSchedule returns a schedule allowing maxAttempts attempts in total
// (the first try plus retries). Values below one are treated as one.
func NewSchedule(maxAttempts int, strategy Strategy, p Params, opts ...Option) *Schedule {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if strategy == nil {
		strategy = ExponentialJitter{}
	}
	s := &Schedule{
		maxAttempts: maxAttempts,
		params:      p,
		strategy:    strategy,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin records the start of an attempt and returns its 1-based number.
func (s *Schedule) Begin() int {
	s.attempts++
	return s.attempts
}

// Attempts is the number of attempts started so far.
func (s *Schedule) Attempts() int { return s.attempts }

// Remaining is the number of attempts still allowed.
func (s *Schedule) Remaining() int { return s.maxAttempts - s.attempts }

// Next decides whether another attempt may follow the one that just failed
// and how long to wait first. A positive hint, typically a server's
// Retry-After, replaces the computed delay. The delay is never allowed to
// overshoot the deadline: when it would, Next stops with Deadline.
func (s *Schedule) Next(hint time.Duration) (time.Duration, StopReason) {
	if s.attempts >= s.maxAttempts {
		return 0, MaxAttempts
	}

	delay := hint
	if delay <= 0 {
		delay = s.strategy.Delay(s.attempts-1, s.params)
	}
	if delay < 0 {
		delay = 0
	}

	if !s.deadline.IsZero() && !s.now().Add(delay).Before(s.deadline) {
		return 0, Deadline
	}
	return delay, Continue
}
