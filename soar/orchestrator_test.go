package soar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"warden/config"
	"warden/core"
)

type orchestratorFixture struct {
	o        *Orchestrator
	sink     *recordingSink
	notifier *fakeNotifier
	clock    *manualClock
}

func newOrchestrator(t *testing.T, mutate func(*config.ActionsConfig)) *orchestratorFixture {
	t.Helper()
	cfg := config.Default().Actions
	if mutate != nil {
		mutate(&cfg)
	}
	f := &orchestratorFixture{
		sink:     &recordingSink{},
		notifier: &fakeNotifier{},
		clock:    &manualClock{now: t0},
	}
	logger := zaptest.NewLogger(t).Sugar()
	f.o = NewOrchestrator(cfg, Dependencies{
		Sink:     f.sink,
		Blocks:   NewBlockList().WithClock(f.clock.Now),
		Signals:  NewRateLimitSignals(nil, logger).WithClock(f.clock.Now),
		Throttle: NewAlertThrottle(5*time.Minute, 100),
		Notifier: f.notifier,
		Clock:    f.clock.Now,
	}, logger)
	return f
}

func threat(tt core.ThreatType, sev core.Severity, details map[string]any) core.Threat {
	return core.Threat{Type: tt, Severity: sev, Details: details}
}

func TestDetermineActions_LogAlwaysFirst(t *testing.T) {
	f := newOrchestrator(t, nil)
	for _, typ := range []string{"auth.login", "data.export", "misc.event", core.EventTypeFailedLogin} {
		set := f.o.DetermineActions(typ, nil, core.SeverityInfo, nil)
		require.NotZero(t, set.Len())
		assert.Equal(t, core.ActionLog, set.List()[0], typ)
	}
}

func TestDetermineActions_CriticalThreat(t *testing.T) {
	f := newOrchestrator(t, nil)
	threats := []core.Threat{threat(core.ThreatMaliciousPayload, core.SeverityCritical, nil)}

	set := f.o.DetermineActions("api.request", threats, core.SeverityCritical, nil)
	assert.Equal(t, []core.Action{core.ActionLog, core.ActionAlert, core.ActionBlock, core.ActionAudit}, set.List())
}

func TestDetermineActions_FailedLoginTable(t *testing.T) {
	f := newOrchestrator(t, nil)

	set := f.o.DetermineActions(core.EventTypeFailedLogin, nil, core.SeverityInfo, map[string]float64{"attempts": 3})
	assert.Equal(t, []core.Action{core.ActionLog, core.ActionRateLimit}, set.List())

	threats := []core.Threat{threat(core.ThreatMultipleFailedLogins, core.SeverityHigh, map[string]any{"attempts": 5})}
	set = f.o.DetermineActions(core.EventTypeFailedLogin, threats, core.SeverityHigh, map[string]float64{"attempts": 5})
	assert.Equal(t, []core.Action{core.ActionLog, core.ActionRateLimit, core.ActionAlert, core.ActionAudit}, set.List())
}

func TestDetermineActions_DataAndLoginRules(t *testing.T) {
	f := newOrchestrator(t, nil)

	set := f.o.DetermineActions(core.EventTypeDataExport, nil, core.SeverityInfo, map[string]float64{"records": 20000})
	assert.Equal(t, []core.Action{core.ActionLog, core.ActionAudit, core.ActionQuarantine}, set.List())

	set = f.o.DetermineActions(core.EventTypeDataAccess, nil, core.SeverityInfo, map[string]float64{"records": 10})
	assert.Equal(t, []core.Action{core.ActionLog, core.ActionAudit}, set.List())

	threats := []core.Threat{threat(core.ThreatSuspiciousLocation, core.SeverityMedium, nil)}
	set = f.o.DetermineActions(core.EventTypeLogin, threats, core.SeverityMedium, nil)
	assert.Equal(t, []core.Action{core.ActionLog, core.ActionNotify}, set.List())

	threats = []core.Threat{threat(core.ThreatRateLimitViolation, core.SeverityHigh, nil)}
	set = f.o.DetermineActions("api.request", threats, core.SeverityHigh, nil)
	assert.Equal(t, []core.Action{core.ActionLog, core.ActionRateLimit, core.ActionAlert, core.ActionAudit}, set.List())
}

func TestDetermineActions_BlockedSubject(t *testing.T) {
	f := newOrchestrator(t, nil)

	blocked := map[string]float64{config.FieldBlockedEntity: 1}
	set := f.o.DetermineActions("api.request", nil, core.SeverityInfo, blocked)
	assert.Equal(t, []core.Action{core.ActionLog, core.ActionAudit, core.ActionQuarantine}, set.List())

	set = f.o.DetermineActions("api.request", nil, core.SeverityInfo, map[string]float64{config.FieldBlockedEntity: 0})
	assert.Equal(t, []core.Action{core.ActionLog}, set.List())
}

func TestHolds(t *testing.T) {
	threats := []core.Threat{
		threat(core.ThreatRateLimitViolation, core.SeverityHigh, map[string]any{"requests": 150, "limit": 100}),
		threat(core.ThreatBulkDataAccess, core.SeverityMedium, map[string]any{"records": "5000"}),
	}
	obs := map[string]float64{"attempts": 4}

	tests := []struct {
		name string
		p    config.Predicate
		want bool
	}{
		{"always", config.Predicate{Kind: config.PredicateAlways}, true},
		{"threat type present", config.Predicate{Kind: config.PredicateThreatType, Value: "bulk_data_access"}, true},
		{"threat type absent", config.Predicate{Kind: config.PredicateThreatType, Value: "brute_force_attack"}, false},
		{"severity reached", config.Predicate{Kind: config.PredicateSeverityAtLeast, Value: "high"}, true},
		{"severity not reached", config.Predicate{Kind: config.PredicateSeverityAtLeast, Value: "critical"}, false},
		{"threat count", config.Predicate{Kind: config.PredicateThresholdExceeded, Field: "threat_count", Op: "eq", Threshold: 2}, true},
		{"observation", config.Predicate{Kind: config.PredicateThresholdExceeded, Field: "attempts", Op: "lt", Threshold: 5}, true},
		{"threat detail", config.Predicate{Kind: config.PredicateThresholdExceeded, Field: "requests", Op: "gt", Threshold: 100}, true},
		{"string detail", config.Predicate{Kind: config.PredicateThresholdExceeded, Field: "records", Op: "gte", Threshold: 5000}, true},
		{"missing field", config.Predicate{Kind: config.PredicateThresholdExceeded, Field: "bytes", Op: "gt", Threshold: 0}, false},
		{"subject not blocked", config.Predicate{Kind: config.PredicateBlockedEntity}, false},
		{"unknown kind", config.Predicate{Kind: "expression"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Holds(tt.p, threats, core.SeverityHigh, obs))
		})
	}
}

func TestRespond_CriticalPayloadBlocksAndAlerts(t *testing.T) {
	f := newOrchestrator(t, nil)
	e := enriched("api.request", "u-1", "192.0.2.1", nil)
	threats := []core.Threat{threat(core.ThreatMaliciousPayload, core.SeverityCritical, nil)}

	taken, errs := f.o.Respond(context.Background(), Request{Event: e, Threats: threats, Severity: core.SeverityCritical}, nil)
	require.Empty(t, errs)
	assert.Equal(t, []core.Action{core.ActionLog, core.ActionAlert, core.ActionBlock, core.ActionAudit}, taken)

	assert.True(t, f.o.Blocks().IsBlocked(core.EntityIP, "192.0.2.1"))
	assert.True(t, f.o.Blocks().IsBlocked(core.EntityUser, "u-1"))
	require.Len(t, f.sink.blocked, 2)
	require.NotNil(t, f.sink.blocked[0].Duration)
	assert.Equal(t, time.Hour, *f.sink.blocked[0].Duration)

	require.Len(t, f.sink.alerts, 1)
	alert := f.sink.alerts[0]
	assert.Equal(t, core.ThreatMaliciousPayload, alert.Rule)
	assert.Equal(t, e.ID, alert.EventID)
	assert.Contains(t, alert.Recommendations, "Add WAF rules for the matched signatures")
	assert.Len(t, f.notifier.alerts, 1)

	require.Len(t, f.sink.audits, 1)
	assert.Equal(t, []core.ThreatType{core.ThreatMaliciousPayload}, f.sink.audits[0].Threats)
}

func TestRespond_PermanentBlock(t *testing.T) {
	f := newOrchestrator(t, func(cfg *config.ActionsConfig) { cfg.Block.Scope = BlockScopeIP })
	e := core.Bare(core.NewSecurityEvent(core.RawEvent{
		Type:           "api.request",
		UserID:         "u-2",
		IPAddress:      "192.0.2.2",
		PermanentBlock: true,
	}, t0))
	threats := []core.Threat{threat(core.ThreatMaliciousPayload, core.SeverityCritical, nil)}

	_, errs := f.o.Respond(context.Background(), Request{Event: e, Threats: threats, Severity: core.SeverityCritical}, nil)
	require.Empty(t, errs)

	f.clock.Advance(365 * 24 * time.Hour)
	assert.True(t, f.o.Blocks().IsBlocked(core.EntityIP, "192.0.2.2"))
	assert.False(t, f.o.Blocks().IsBlocked(core.EntityUser, "u-2"), "scope ip leaves the user alone")
}

func TestRespond_FailedActionIsIsolated(t *testing.T) {
	f := newOrchestrator(t, nil)
	f.sink.failBlocks = errors.New("disk full")
	e := enriched("api.request", "", "192.0.2.3", nil)
	threats := []core.Threat{threat(core.ThreatMaliciousPayload, core.SeverityCritical, nil)}

	taken, errs := f.o.Respond(context.Background(), Request{Event: e, Threats: threats, Severity: core.SeverityCritical}, nil)

	assert.Equal(t, []core.Action{core.ActionLog, core.ActionAlert, core.ActionAudit}, taken)
	require.Len(t, errs, 1)
	var actionErr *core.ActionError
	require.ErrorAs(t, errs[0], &actionErr)
	assert.Equal(t, core.ActionBlock, actionErr.Action)
	assert.ErrorIs(t, errs[0], core.ErrActionExecution)
	assert.ErrorIs(t, errs[0], core.ErrPersistenceWrite)

	// The in-memory block still applies
	assert.True(t, f.o.Blocks().IsBlocked(core.EntityIP, "192.0.2.3"))
}

func TestExecute_PanicBecomesActionError(t *testing.T) {
	f := newOrchestrator(t, nil)
	f.o.RegisterAction(HandlerFunc{Name: core.ActionQuarantine, Fn: func(context.Context, Request) error {
		panic("boom")
	}})
	set := core.NewActionSet(core.ActionQuarantine)

	taken, errs := f.o.ExecuteAll(context.Background(), set, Request{Event: enriched("data.export", "u", "", nil)})
	assert.Equal(t, []core.Action{core.ActionLog}, taken)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], core.ErrActionExecution)
}

func TestRespond_AlertThrottle(t *testing.T) {
	f := newOrchestrator(t, nil)
	threats := []core.Threat{threat(core.ThreatBruteForce, core.SeverityCritical, nil)}

	for i := 0; i < 3; i++ {
		e := enriched(core.EventTypeFailedLogin, "u-3", "192.0.2.4", nil)
		_, errs := f.o.Respond(context.Background(), Request{Event: e, Threats: threats, Severity: core.SeverityCritical}, nil)
		require.Empty(t, errs)
	}
	assert.Len(t, f.sink.alerts, 1, "same rule and severity within the window")

	e := enriched(core.EventTypeFailedLogin, "u-3", "192.0.2.4", nil)
	other := []core.Threat{threat(core.ThreatBruteForce, core.SeverityHigh, nil)}
	_, errs := f.o.Respond(context.Background(), Request{Event: e, Threats: other, Severity: core.SeverityHigh}, nil)
	require.Empty(t, errs)
	assert.Len(t, f.sink.alerts, 2, "a different severity is a different key")
}

func TestRespond_NotifyUsesGenericText(t *testing.T) {
	f := newOrchestrator(t, nil)
	e := enriched(core.EventTypeLogin, "u-4", "192.0.2.5", nil)
	threats := []core.Threat{threat(core.ThreatSuspiciousLocation, core.SeverityMedium, map[string]any{"country": "BR"})}

	taken, errs := f.o.Respond(context.Background(), Request{Event: e, Threats: threats, Severity: core.SeverityMedium}, nil)
	require.Empty(t, errs)
	assert.Contains(t, taken, core.ActionNotify)
	require.Equal(t, []string{"u-4"}, f.notifier.users)
	assert.NotContains(t, f.notifier.msgs[0], "BR")
	assert.NotContains(t, f.notifier.msgs[0], "suspicious")
}

func TestRespond_QuarantineAndRateLimit(t *testing.T) {
	f := newOrchestrator(t, nil)
	e := enriched(core.EventTypeDataExport, "u-5", "192.0.2.6", map[string]any{"recordsAccessed": 50000})
	threats := []core.Threat{
		threat(core.ThreatBulkDataAccess, core.SeverityMedium, map[string]any{"records": 50000.0}),
		threat(core.ThreatRateLimitViolation, core.SeverityHigh, map[string]any{"requests": 120}),
	}

	taken, errs := f.o.Respond(context.Background(), Request{Event: e, Threats: threats, Severity: core.SeverityHigh},
		map[string]float64{"records": 50000})
	require.Empty(t, errs)
	assert.Subset(t, taken, []core.Action{core.ActionQuarantine, core.ActionRateLimit, core.ActionAudit})

	require.Len(t, f.sink.quarantines, 1)
	assert.Equal(t, core.QuarantinePending, f.sink.quarantines[0].Status)
	assert.Equal(t, "bulk_data_access,rate_limit_violation", f.sink.quarantines[0].Reason)
}
