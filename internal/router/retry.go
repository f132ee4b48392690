package router

import "time"

// RetryState is a state of the account acquisition policy.
type RetryState int

const (
	// StateTrying means an account is being tried or looked for.
	StateTrying RetryState = iota
	// StateCooldown means every candidate is cooling down and the caller
	// waits until Until.
	StateCooldown
	// StateExhausted is terminal: no candidate can be used.
	StateExhausted
)

// String returns a human-readable representation of the state.
func (s RetryState) String() string {
	switch s {
	case StateTrying:
		return "trying"
	case StateCooldown:
		return "cooldown"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// RetryEventKind identifies an input to the retry policy.
type RetryEventKind int

const (
	// EventAcquired reports that an account was handed out.
	EventAcquired RetryEventKind = iota
	// EventUsageLimit reports that the current account hit a quota.
	EventUsageLimit
	// EventNoEligible reports that no candidate account is free right now.
	EventNoEligible
	// EventCooldownElapsed reports that the wait finished.
	EventCooldownElapsed
	// EventCanceled reports that the caller gave up.
	EventCanceled
)

// RetryEvent carries the data for one transition.
type RetryEvent struct {
	Kind RetryEventKind
	// Account is the account acquired or limited.
	Account string
	// EarliestRetry is when the first candidate leaves cooldown. Set with
	// EventNoEligible.
	EarliestRetry time.Time
	// Now is the current time.
	Now time.Time
}

// RetryPolicy is the explicit finite state of one acquisition. The zero
// value is Trying with no account.
type RetryPolicy struct {
	State RetryState
	// Account is the account being tried.
	Account string
	// Until is the end of the wait while in Cooldown.
	Until time.Time
	// Deadline bounds the total time spent waiting in Cooldown.
	Deadline time.Time
	// Limits counts usage-limit events seen so far.
	Limits int
	// MaxLimits caps usage-limit events before exhaustion. Zero means no cap.
	MaxLimits int
	// Reason is the last reason for entering Exhausted.
	Reason string
}

// Next is the single transition function of the retry policy.
func (p RetryPolicy) Next(ev RetryEvent) RetryPolicy {
	if p.State == StateExhausted {
		return p
	}
	switch ev.Kind {
	case EventAcquired:
		p.State = StateTrying
		p.Account = ev.Account
		p.Until = time.Time{}
	case EventUsageLimit:
		p.Limits++
		p.Account = ""
		if p.MaxLimits > 0 && p.Limits >= p.MaxLimits {
			p.State = StateExhausted
			p.Reason = "usage limit retries exhausted"
			return p
		}
		p.State = StateTrying
	case EventNoEligible:
		p.Account = ""
		if ev.EarliestRetry.IsZero() {
			p.State = StateExhausted
			p.Reason = "no accounts configured"
			return p
		}
		if !p.Deadline.IsZero() && ev.EarliestRetry.After(p.Deadline) {
			p.State = StateExhausted
			p.Reason = "cooldown exceeds maximum wait"
			return p
		}
		p.State = StateCooldown
		p.Until = ev.EarliestRetry
	case EventCooldownElapsed:
		if p.State == StateCooldown {
			p.State = StateTrying
			p.Until = time.Time{}
		}
	case EventCanceled:
		p.State = StateExhausted
		p.Reason = "canceled"
	}
	return p
}
