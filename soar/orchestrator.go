package soar

import (
	"context"
	"time"

	"go.uber.org/zap"

	"warden/config"
	"warden/core"
)

// Dependencies are the collaborators used by the built-in action handlers
type Dependencies struct {
	Sink     core.PersistenceSink
	Blocks   *BlockList
	Signals  *RateLimitSignals
	Throttle *AlertThrottle
	Notifier Notifier
	Clock    core.Clock
}

// Orchestrator decides which actions an event gets and executes them
type Orchestrator struct {
	*Executor
	table  []config.ActionRule
	blocks *BlockList
	logger *zap.SugaredLogger
}

// NewOrchestrator registers the built-in handler for every action of the vocabulary
func NewOrchestrator(cfg config.ActionsConfig, deps Dependencies, logger *zap.SugaredLogger) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Sink == nil {
		deps.Sink = discardSink{}
	}
	if deps.Blocks == nil {
		deps.Blocks = NewBlockList()
	}
	if deps.Signals == nil {
		deps.Signals = NewRateLimitSignals(nil, logger)
	}
	if deps.Throttle == nil {
		deps.Throttle = NewAlertThrottle(5*time.Minute, 0)
	}
	scope := cfg.Block.Scope
	if scope == "" {
		scope = BlockScopeBoth
	}
	table := cfg.Table
	if table == nil {
		table = config.DefaultActionTable().Rules
	}

	o := &Orchestrator{
		Executor: NewExecutor(logger),
		table:    table,
		blocks:   deps.Blocks,
		logger:   logger,
	}
	o.RegisterAction(&logAction{logger: logger})
	o.RegisterAction(&blockAction{blocks: deps.Blocks, sink: deps.Sink, ttl: cfg.Block.TTL, scope: scope, now: deps.Clock, logger: logger})
	o.RegisterAction(&alertAction{throttle: deps.Throttle, sink: deps.Sink, notifier: deps.Notifier, now: deps.Clock, logger: logger})
	o.RegisterAction(&rateLimitAction{signals: deps.Signals, rps: cfg.RateLimit.RequestsPerSecond, burst: cfg.RateLimit.Burst, ttl: cfg.RateLimit.TTL})
	o.RegisterAction(&auditAction{sink: deps.Sink, now: deps.Clock})
	o.RegisterAction(&quarantineAction{sink: deps.Sink, now: deps.Clock, logger: logger})
	o.RegisterAction(&notifyAction{notifier: deps.Notifier})
	return o
}

// Blocks returns the block list shared with the enricher and IsBlocked queries
func (o *Orchestrator) Blocks() *BlockList {
	return o.blocks
}

// DetermineActions computes the action set for an event: log, then the
// action table entries whose predicates hold, then the severity-driven actions.
func (o *Orchestrator) DetermineActions(eventType string, threats []core.Threat, severity core.Severity, observations map[string]float64) *core.ActionSet {
	set := core.NewActionSet(core.ActionLog)

	for _, rule := range o.table {
		if !rule.MatchesEventType(eventType) {
			continue
		}
		if !Holds(rule.When, threats, severity, observations) {
			continue
		}
		for _, a := range rule.Actions {
			set.Add(core.Action(a))
		}
	}

	for _, t := range threats {
		switch t.Severity {
		case core.SeverityCritical:
			set.Add(core.ActionAlert)
			set.Add(core.ActionBlock)
			set.Add(core.ActionAudit)
		case core.SeverityHigh:
			set.Add(core.ActionAlert)
			set.Add(core.ActionAudit)
		}
	}
	if severity == core.SeverityCritical {
		set.Add(core.ActionAlert)
		set.Add(core.ActionBlock)
		set.Add(core.ActionAudit)
	}
	return set
}

// Respond determines and executes the actions for one analysed event
func (o *Orchestrator) Respond(ctx context.Context, req Request, observations map[string]float64) ([]core.Action, []error) {
	set := o.DetermineActions(req.Event.Type, req.Threats, req.Severity, observations)
	return o.ExecuteAll(ctx, set, req)
}

// Holds evaluates a typed predicate against the detector output
func Holds(p config.Predicate, threats []core.Threat, severity core.Severity, observations map[string]float64) bool {
	switch p.Kind {
	case config.PredicateAlways:
		return true
	case config.PredicateThreatType:
		for _, t := range threats {
			if string(t.Type) == p.Value {
				return true
			}
		}
		return false
	case config.PredicateSeverityAtLeast:
		return severity.AtLeast(core.Severity(p.Value))
	case config.PredicateBlockedEntity:
		return observations[config.FieldBlockedEntity] > 0
	case config.PredicateThresholdExceeded:
		v, ok := fieldValue(p.Field, threats, observations)
		return ok && compare(v, p.Op, p.Threshold)
	default:
		return false
	}
}

// fieldValue resolves a threshold field: threat_count, then observations,
// then the largest numeric value of that name in any threat's details.
func fieldValue(field string, threats []core.Threat, observations map[string]float64) (float64, bool) {
	if field == config.FieldThreatCount {
		return float64(len(threats)), true
	}
	if v, ok := observations[field]; ok {
		return v, true
	}
	var (
		best  float64
		found bool
	)
	for _, t := range threats {
		raw, ok := t.Details[field]
		if !ok {
			continue
		}
		if v, ok := core.ToFloat(raw); ok && (!found || v > best) {
			best, found = v, true
		}
	}
	return best, found
}

func compare(v float64, op string, threshold float64) bool {
	switch op {
	case config.OpGreater:
		return v > threshold
	case config.OpGreaterEqual:
		return v >= threshold
	case config.OpLess:
		return v < threshold
	case config.OpLessEqual:
		return v <= threshold
	case config.OpEqual:
		return v == threshold
	default:
		return false
	}
}

// discardSink backs the handlers when no persistence is configured
type discardSink struct{}

func (discardSink) AppendSecurityEvent(context.Context, core.SecurityEventRecord) error { return nil }
func (discardSink) AppendAlert(context.Context, core.Alert) error { return nil }
func (discardSink) UpsertBlockedEntity(context.Context, core.BlockedEntity) error { return nil }
func (discardSink) AppendAuditEntry(context.Context, core.AuditEntry) error { return nil }
func (discardSink) AppendMetric(context.Context, core.MetricRecord) error { return nil }
func (discardSink) AppendQuarantine(context.Context, core.QuarantineRecord) error { return nil }
