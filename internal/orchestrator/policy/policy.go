// Package policy defines the tunable parameters of the orchestration loop.
// Keeping them in one place lets config files and tests override them.
package policy

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Config contains all configurable loop policy parameters.
type Config struct {
	Loop     LoopPolicy
	Dispatch DispatchPolicy
	Recovery RecoveryPolicy
	Events   EventPolicy
}

// LoopPolicy controls run loop pacing.
type LoopPolicy struct {
	// PollInterval is the longest the loop sleeps without a store change.
	PollInterval time.Duration
	// HeartbeatInterval is how often the session heartbeat is refreshed.
	HeartbeatInterval time.Duration
	// StuckSweep is a cron spec for the stuck-task sweep, e.g. "@every 5m".
	StuckSweep string
	// ExitWhenIdle ends Run once nothing is runnable or in flight.
	ExitWhenIdle bool
}

// DispatchPolicy controls task execution.
type DispatchPolicy struct {
	// MaxFailures is the number of failed attempts before a task is blocked.
	MaxFailures int
	// ExecutionTimeout bounds a single Execute call.
	ExecutionTimeout time.Duration
}

// RecoveryPolicy controls startup recovery.
type RecoveryPolicy struct {
	// StaleAfter is the heartbeat age at which another session is dead.
	StaleAfter time.Duration
}

// EventPolicy controls the event emitter.
type EventPolicy struct {
	// BufferSize is the event channel capacity.
	BufferSize int
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Loop: LoopPolicy{
			PollInterval:      2 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			StuckSweep:        "@every 5m",
			ExitWhenIdle:      true,
		},
		Dispatch: DispatchPolicy{
			MaxFailures:      3,
			ExecutionTimeout: 30 * time.Minute,
		},
		Recovery: RecoveryPolicy{
			StaleAfter: 2 * time.Minute,
		},
		Events: EventPolicy{
			BufferSize: 100,
		},
	}
}

// Validate clamps out-of-range values to their defaults. Only a malformed
// sweep schedule is an error.
func (c *Config) Validate() error {
	def := Default()
	if c.Loop.PollInterval < 10*time.Millisecond {
		c.Loop.PollInterval = def.Loop.PollInterval
	}
	if c.Loop.HeartbeatInterval < time.Second {
		c.Loop.HeartbeatInterval = def.Loop.HeartbeatInterval
	}
	if c.Loop.StuckSweep == "" {
		c.Loop.StuckSweep = def.Loop.StuckSweep
	}
	if _, err := cron.ParseStandard(c.Loop.StuckSweep); err != nil {
		return fmt.Errorf("loop.stuck_sweep %q: %w", c.Loop.StuckSweep, err)
	}
	if c.Dispatch.MaxFailures < 1 {
		c.Dispatch.MaxFailures = def.Dispatch.MaxFailures
	}
	if c.Dispatch.ExecutionTimeout <= 0 {
		c.Dispatch.ExecutionTimeout = def.Dispatch.ExecutionTimeout
	}
	if c.Recovery.StaleAfter <= 0 {
		c.Recovery.StaleAfter = def.Recovery.StaleAfter
	}
	if c.Events.BufferSize < 1 {
		c.Events.BufferSize = def.Events.BufferSize
	}
	return nil
}
