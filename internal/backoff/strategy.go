// Package backoff computes retry delays for the fetcher's attempt loop.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Params are the knobs shared by every strategy.
type Params struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of the computed delay added at random, clamped to [0, 1].
	Jitter float64
}

// Strategy turns a zero-based retry index into a delay.
type Strategy interface {
	Delay(retry int, p Params) time.Duration
}

// StrategyFunc adapts a plain function to Strategy.
type StrategyFunc func(retry int, p Params) time.Duration

// Delay implements Strategy.
func (f StrategyFunc) Delay(retry int, p Params) time.Duration { return f(retry, p) }

// ExponentialJitter grows the delay by Multiplier per retry and adds up to
// Jitter*delay of uniform noise. The result never exceeds Max.
type ExponentialJitter struct{}

func (ExponentialJitter) Delay(retry int, p Params) time.Duration {
	if retry < 0 {
		retry = 0
	}
	if retry > 30 {
		retry = 30
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.Initial) * math.Pow(mult, float64(retry))
	if d > float64(p.Max) || d < 0 || math.IsInf(d, 0) {
		d = float64(p.Max)
	}

	if j := clamp01(p.Jitter); j > 0 {
		d += d * j * rand.Float64()
	}
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}

// DecorrelatedJitter picks a delay uniformly between Initial and
// min(Max, Initial*3^retry), which spreads synchronized clients apart.
type DecorrelatedJitter struct{}

func (DecorrelatedJitter) Delay(retry int, p Params) time.Duration {
	if retry <= 0 {
		return min(p.Initial, p.Max)
	}
	if retry > 10 {
		retry = 10
	}

	base := float64(p.Initial)
	upper := base * math.Pow(3, float64(retry))
	if upper > float64(p.Max) {
		upper = float64(p.Max)
	}
	if upper < base {
		return time.Duration(upper)
	}
	return time.Duration(base + rand.Float64()*(upper-base))
}

// Constant always waits Initial.
type Constant struct{}

func (Constant) Delay(_ int, p Params) time.Duration { return min(p.Initial, p.Max) }

// ByName resolves a configured strategy name. Unknown names fall back to ExponentialJitter.
func ByName(name string) Strategy {
	switch name {
	case "decorrelated", "decorrelated_jitter":
		return DecorrelatedJitter{}
	case "constant":
		return Constant{}
	default:
		return ExponentialJitter{}
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
