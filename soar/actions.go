package soar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
)

// Block scopes
const (
	BlockScopeIP   = "ip"
	BlockScopeUser = "user"
	BlockScopeBoth = "both"
)

// User-facing notification text. It must never reveal rules, thresholds or detection details.
const (
	userNoticeSubject = "Security notice for your account"
	userNoticeMessage = "We noticed unusual activity on your account. If this was you, no action is needed. " +
		"Otherwise, please change your password and contact support."
)

var errNoSubjectUser = errors.New("event has no subject user")

// logAction writes the structured security log line for the event
type logAction struct {
	logger *zap.SugaredLogger
}

func (a *logAction) Action() core.Action { return core.ActionLog }

func (a *logAction) Execute(_ context.Context, req Request) error {
	e := req.Event
	a.logger.Infow("Security event processed",
		"event_id", e.ID,
		"event_type", e.Type,
		"user_id", e.SubjectUserID,
		"ip_address", e.IPAddress,
		"severity", req.Severity,
		"threats", core.ThreatTypes(req.Threats),
		"degraded", e.Degraded)
	return nil
}

// blockAction adds the event's IP and/or user to the block list
type blockAction struct {
	blocks *BlockList
	sink   core.PersistenceSink
	ttl    time.Duration
	scope  string
	now    core.Clock
	logger *zap.SugaredLogger
}

func (a *blockAction) Action() core.Action { return core.ActionBlock }

func (a *blockAction) Execute(ctx context.Context, req Request) error {
	e := req.Event
	var targets []core.BlockedEntity
	base := core.BlockedEntity{BlockedAt: a.now().UTC(), Reason: reason(req.Threats)}
	if !e.RequiresPermanentBlock {
		ttl := a.ttl
		base.Duration = &ttl
	}
	if e.IPAddress != "" && (a.scope == BlockScopeIP || a.scope == BlockScopeBoth) {
		t := base
		t.Type, t.Identifier = core.EntityIP, e.IPAddress
		targets = append(targets, t)
	}
	if e.SubjectUserID != "" && (a.scope == BlockScopeUser || a.scope == BlockScopeBoth) {
		t := base
		t.Type, t.Identifier = core.EntityUser, e.SubjectUserID
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		a.logger.Debugw("Block requested but event has no blockable identity", "event_id", e.ID, "scope", a.scope)
		return nil
	}

	var errs []error
	for _, t := range targets {
		stored := a.blocks.Block(t)
		a.logger.Warnw("Entity blocked",
			"event_id", e.ID,
			"entity_type", stored.Type,
			"identifier", stored.Identifier,
			"permanent", stored.Permanent(),
			"reason", stored.Reason)
		if err := a.sink.UpsertBlockedEntity(ctx, stored); err != nil {
			errs = append(errs, fmt.Errorf("%w: blocked entity %s: %w", core.ErrPersistenceWrite, stored.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// alertAction builds, throttles, persists and dispatches an alert
type alertAction struct {
	throttle *AlertThrottle
	sink     core.PersistenceSink
	notifier Notifier
	now      core.Clock
	logger   *zap.SugaredLogger
}

func (a *alertAction) Action() core.Action { return core.ActionAlert }

func (a *alertAction) Execute(ctx context.Context, req Request) error {
	top, ok := core.HighestThreat(req.Threats)
	if !ok {
		a.logger.Debugw("Alert requested for event without threats", "event_id", req.Event.ID)
		return nil
	}
	now := a.now().UTC()
	if !a.throttle.Allow(top.Type, req.Severity, now) {
		a.logger.Debugw("Alert throttled", "event_id", req.Event.ID, "rule", top.Type, "severity", req.Severity)
		return nil
	}

	e := req.Event
	alert := core.Alert{
		ID:              uuid.NewString(),
		Rule:            top.Type,
		Severity:        req.Severity,
		EventID:         e.ID,
		EventType:       e.Type,
		UserID:          e.SubjectUserID,
		IPAddress:       e.IPAddress,
		Threats:         req.Threats,
		Recommendations: Recommendations(req.Threats),
		Timestamp:       now,
	}

	var errs []error
	if err := a.sink.AppendAlert(ctx, alert); err != nil {
		errs = append(errs, fmt.Errorf("%w: alert %s: %w", core.ErrPersistenceWrite, alert.ID, err))
	}
	channels := 0
	if a.notifier != nil {
		channels = a.notifier.DispatchAlert(ctx, alert)
	}
	metrics.AlertsDispatched.WithLabelValues(string(alert.Severity)).Inc()
	a.logger.Infow("Alert raised",
		"alert_id", alert.ID,
		"event_id", e.ID,
		"rule", alert.Rule,
		"severity", alert.Severity,
		"channels", channels)
	return errors.Join(errs...)
}

// rateLimitAction registers a stricter limiter for the event's source
type rateLimitAction struct {
	signals *RateLimitSignals
	rps     float64
	burst   int
	ttl     time.Duration
}

func (a *rateLimitAction) Action() core.Action { return core.ActionRateLimit }

func (a *rateLimitAction) Execute(ctx context.Context, req Request) error {
	key := core.RateKey(req.Event.SecurityEvent)
	if key.IsZero() {
		return nil
	}
	sig := RateLimitSignal{
		Identity:          key.Identity,
		RequestsPerSecond: a.rps,
		Burst:             a.burst,
	}
	if top, ok := core.HighestThreat(req.Threats); ok {
		sig.Reason = top.Type
	}
	return a.signals.Restrict(ctx, sig, a.ttl)
}

// quarantineAction holds the operation for review
type quarantineAction struct {
	sink   core.PersistenceSink
	now    core.Clock
	logger *zap.SugaredLogger
}

func (a *quarantineAction) Action() core.Action { return core.ActionQuarantine }

func (a *quarantineAction) Execute(ctx context.Context, req Request) error {
	e := req.Event
	rec := core.QuarantineRecord{
		ID:        uuid.NewString(),
		EventID:   e.ID,
		EventType: e.Type,
		UserID:    e.SubjectUserID,
		Reason:    reason(req.Threats),
		Severity:  req.Severity,
		Status:    core.QuarantinePending,
		HeldAt:    a.now().UTC(),
	}
	if err := a.sink.AppendQuarantine(ctx, rec); err != nil {
		return fmt.Errorf("%w: quarantine %s: %w", core.ErrPersistenceWrite, rec.ID, err)
	}
	a.logger.Infow("Operation quarantined", "event_id", e.ID, "quarantine_id", rec.ID, "reason", rec.Reason)
	return nil
}

// notifyAction sends the generic notice to the affected user
type notifyAction struct {
	notifier Notifier
}

func (a *notifyAction) Action() core.Action { return core.ActionNotify }

func (a *notifyAction) Execute(ctx context.Context, req Request) error {
	user := req.Event.SubjectUserID
	if user == "" || a.notifier == nil {
		return nil
	}
	return a.notifier.NotifyUser(ctx, user, userNoticeSubject, userNoticeMessage)
}

// reason summarises threats for block and quarantine records
func reason(threats []core.Threat) string {
	if len(threats) == 0 {
		return "policy"
	}
	names := make([]string, 0, len(threats))
	for _, t := range core.ThreatTypes(threats) {
		names = append(names, string(t))
	}
	return strings.Join(names, ",")
}
