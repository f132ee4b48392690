package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors shared by the store, router and policy engine.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrQuotaExhausted    = errors.New("quota exhausted")
)

// TransitionError reports an illegal status change.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ExhaustedError is returned when every account of every candidate provider
// is cooling down.
type ExhaustedError struct {
	// Providers lists the providers that were tried.
	Providers []string
	// EarliestRetry is when the first account leaves cooldown.
	EarliestRetry time.Time
	// LastReason is the most recent cooldown reason observed.
	LastReason string
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("all accounts in cooldown for providers [%s]", strings.Join(e.Providers, ", "))
	if !e.EarliestRetry.IsZero() {
		msg += fmt.Sprintf(" (earliest retry %s)", e.EarliestRetry.Format(time.RFC3339))
	}
	if e.LastReason != "" {
		msg += ": " + e.LastReason
	}
	return msg
}

func (e *ExhaustedError) Unwrap() error { return ErrQuotaExhausted }
