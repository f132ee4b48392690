package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys shared by spans and metrics.
var (
	AttrTaskID    = attribute.Key("autopilot.task.id")
	AttrAgentID   = attribute.Key("autopilot.agent.id")
	AttrSessionID = attribute.Key("autopilot.session.id")
	AttrProvider  = attribute.Key("autopilot.provider")
	AttrAccount   = attribute.Key("autopilot.account")
	AttrModel     = attribute.Key("autopilot.model")
	AttrQueue     = attribute.Key("autopilot.queue")
	AttrStatus    = attribute.Key("autopilot.status")
	AttrOutcome   = attribute.Key("autopilot.outcome")
	AttrReason    = attribute.Key("autopilot.selection_reason")
)

// Metrics holds the orchestrator's instruments.
type Metrics struct {
	Transitions      metric.Int64Counter
	Dispatches       metric.Int64Counter
	DispatchDuration metric.Float64Histogram
	Tokens           metric.Int64Counter
	Cooldowns        metric.Int64Counter
	Decompositions   metric.Int64Counter
	Subtasks         metric.Int64Counter
	InFlight         metric.Int64UpDownCounter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.Transitions, err = meter.Int64Counter("autopilot.task.transitions",
		metric.WithDescription("Task status transitions written by the loop"),
	); err != nil {
		return nil, err
	}
	if m.Dispatches, err = meter.Int64Counter("autopilot.dispatch.count",
		metric.WithDescription("Task dispatches by outcome"),
	); err != nil {
		return nil, err
	}
	if m.DispatchDuration, err = meter.Float64Histogram("autopilot.dispatch.duration",
		metric.WithDescription("Dispatch duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.Tokens, err = meter.Int64Counter("autopilot.provider.tokens",
		metric.WithDescription("Tokens consumed per provider"),
	); err != nil {
		return nil, err
	}
	if m.Cooldowns, err = meter.Int64Counter("autopilot.account.cooldowns",
		metric.WithDescription("Accounts placed in cooldown after a usage limit"),
	); err != nil {
		return nil, err
	}
	if m.Decompositions, err = meter.Int64Counter("autopilot.decompose.count",
		metric.WithDescription("Decomposition attempts by outcome"),
	); err != nil {
		return nil, err
	}
	if m.Subtasks, err = meter.Int64Counter("autopilot.decompose.subtasks",
		metric.WithDescription("Subtasks created by decomposition"),
	); err != nil {
		return nil, err
	}
	if m.InFlight, err = meter.Int64UpDownCounter("autopilot.dispatch.inflight",
		metric.WithDescription("Dispatches currently executing"),
	); err != nil {
		return nil, err
	}
	return m, nil
}
