package router

import (
	"sync"
	"time"
)

// Pressure is the quota pressure on a provider.
type Pressure int

const (
	PressureLow Pressure = iota
	PressureMedium
	PressureCritical
)

// String returns a human-readable representation of the pressure.
func (p Pressure) String() string {
	switch p {
	case PressureLow:
		return "low"
	case PressureMedium:
		return "medium"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Limits are the per-window budgets of a provider. A zero limit is
// unbounded.
type Limits struct {
	Requests int
	Tokens   int64
}

type usageSample struct {
	at     time.Time
	tokens int64
}

// UsageEstimator tracks requests and tokens per provider over a sliding
// window and turns them into a Pressure.
type UsageEstimator struct {
	mu       sync.Mutex
	window   time.Duration
	medium   float64
	critical float64
	limits   map[string]Limits
	samples  map[string][]usageSample
	now      func() time.Time
}

// NewUsageEstimator creates an estimator. Ratios at or above medium and
// critical map to the matching pressure.
func NewUsageEstimator(window time.Duration, medium, critical float64) *UsageEstimator {
	if window <= 0 {
		window = time.Hour
	}
	if medium <= 0 {
		medium = 0.6
	}
	if critical <= 0 {
		critical = 0.9
	}
	return &UsageEstimator{
		window:   window,
		medium:   medium,
		critical: critical,
		limits:   make(map[string]Limits),
		samples:  make(map[string][]usageSample),
		now:      time.Now,
	}
}

// SetLimits sets the budget for a provider.
func (e *UsageEstimator) SetLimits(provider string, l Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits[provider] = l
}

// Record adds one request of the given token cost.
func (e *UsageEstimator) Record(provider string, tokens int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples[provider] = append(e.prune(provider), usageSample{at: e.now(), tokens: tokens})
}

// Usage returns requests and tokens inside the window.
func (e *UsageEstimator) Usage(provider string) (int, int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.prune(provider)
	var tokens int64
	for _, u := range s {
		tokens += u.tokens
	}
	return len(s), tokens
}

// Ratio is the fraction of the tighter budget that would be used after one
// more request costing cost tokens.
func (e *UsageEstimator) Ratio(provider string, cost int64) float64 {
	reqs, tokens := e.Usage(provider)
	e.mu.Lock()
	l := e.limits[provider]
	e.mu.Unlock()

	var ratio float64
	if l.Requests > 0 {
		ratio = float64(reqs+1) / float64(l.Requests)
	}
	if l.Tokens > 0 {
		if r := float64(tokens+cost) / float64(l.Tokens); r > ratio {
			ratio = r
		}
	}
	return ratio
}

// Pressure estimates provider pressure for a request costing cost tokens.
func (e *UsageEstimator) Pressure(provider string, cost int64) Pressure {
	r := e.Ratio(provider, cost)
	switch {
	case r >= e.critical:
		return PressureCritical
	case r >= e.medium:
		return PressureMedium
	default:
		return PressureLow
	}
}

// prune drops samples older than the window. Caller holds mu.
func (e *UsageEstimator) prune(provider string) []usageSample {
	cutoff := e.now().Add(-e.window)
	s := e.samples[provider]
	i := 0
	for i < len(s) && !s[i].at.After(cutoff) {
		i++
	}
	s = s[i:]
	e.samples[provider] = s
	return s
}
