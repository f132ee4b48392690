package orchestrator

import (
	"time"

	"github.com/ShayCichocki/autopilot/internal/critics"
	"github.com/ShayCichocki/autopilot/internal/decompose"
	"github.com/ShayCichocki/autopilot/internal/orchestrator/policy"
	"github.com/ShayCichocki/autopilot/internal/router"
	"github.com/ShayCichocki/autopilot/internal/scheduler"
	"github.com/ShayCichocki/autopilot/internal/state"
	"github.com/ShayCichocki/autopilot/internal/telemetry"
)

// RequiredConfig contains the collaborators an Orchestrator cannot run
// without. All fields are required and have no defaults.
type RequiredConfig struct {
	// Store is the task store.
	Store *state.DB
	// Executor runs dispatched tasks.
	Executor Executor
	// Router selects providers and hands out account leases.
	Router *router.Router
	// Agents is the worker pool. It must hold at least one agent.
	Agents *router.AgentPool
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	scheduler  *scheduler.Scheduler
	decomposer *decompose.Decomposer
	critics    *critics.Engine
	policy     *policy.Config
	telemetry  *telemetry.Telemetry
	signals    Signals
	logger     *DebugLogger
	emitter    *EventEmitter
	sessionID  string
	now        func() time.Time
}

// WithScheduler sets the scheduler. The default uses scheduler.DefaultConfig.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(o *orchestratorOptions) { o.scheduler = s }
}

// WithDecomposer sets the decomposer. The default uses the heuristic strategy.
func WithDecomposer(d *decompose.Decomposer) Option {
	return func(o *orchestratorOptions) { o.decomposer = d }
}

// WithCritics sets the critic policy engine. The default requires no critics.
func WithCritics(e *critics.Engine) Option {
	return func(o *orchestratorOptions) { o.critics = e }
}

// WithPolicy sets the loop policy.
func WithPolicy(p *policy.Config) Option {
	return func(o *orchestratorOptions) { o.policy = p }
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *orchestratorOptions) { o.telemetry = t }
}

// WithSignals sets the external stop/pause source.
func WithSignals(s Signals) Option {
	return func(o *orchestratorOptions) { o.signals = s }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithEventEmitter sets the emitter events are published on.
func WithEventEmitter(e *EventEmitter) Option {
	return func(o *orchestratorOptions) { o.emitter = e }
}

// WithSessionID fixes the session id (mainly for testing).
func WithSessionID(id string) Option {
	return func(o *orchestratorOptions) { o.sessionID = id }
}

// WithClock sets the time source (mainly for testing).
func WithClock(now func() time.Time) Option {
	return func(o *orchestratorOptions) { o.now = now }
}
