package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"warden/config"
	"warden/core"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func gateConfig() config.EscalationConfig {
	return config.EscalationConfig{
		Enabled:        true,
		MinSeverity:    "medium",
		Timeout:        100 * time.Millisecond,
		DedupWindow:    time.Minute,
		DedupCacheSize: 16,
		MaxFieldLength: 256,
		CircuitBreaker: core.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute, MaxHalfOpenRequests: 1},
	}
}

type recordingService struct {
	mu      sync.Mutex
	bundles []core.EvidenceBundle
	result  core.EscalationResult
	err     error
}

func (s *recordingService) Evaluate(_ context.Context, b core.EvidenceBundle) (core.EscalationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles = append(s.bundles, b)
	return s.result, s.err
}

func (s *recordingService) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bundles)
}

func newGate(t *testing.T, svc core.EscalationService) *Gate {
	t.Helper()
	g, err := NewGate(gateConfig(), svc, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return g
}

func exportEvent(payload map[string]any) *core.EnrichedEvent {
	e := core.NewSecurityEvent(core.RawEvent{
		Type:      core.EventTypeDataExport,
		UserID:    "u-42",
		IPAddress: "198.51.100.7",
		Payload:   payload,
	}, t0)
	return core.Bare(e)
}

var bulk = []core.Threat{{
	Type:     core.ThreatBulkDataAccess,
	Severity: core.SeverityMedium,
	Details:  map[string]any{"records": 5000.0, "threshold": 1000.0},
}}

func TestCheckEscalation_BelowThreshold(t *testing.T) {
	svc := &recordingService{}
	g := newGate(t, svc)
	e := exportEvent(nil)

	res := g.CheckEscalation(context.Background(), e, nil, core.SeverityCritical)
	assert.Equal(t, core.EscalationResult{Reason: ReasonBelowThreshold}, res)

	low := []core.Threat{{Type: core.ThreatAfterHoursAccess, Severity: core.SeverityLow}}
	res = g.CheckEscalation(context.Background(), e, low, core.SeverityLow)
	assert.False(t, res.Escalated)
	assert.Equal(t, ReasonBelowThreshold, res.Reason)

	assert.Zero(t, svc.calls())
}

func TestCheckEscalation_Escalates(t *testing.T) {
	svc := &recordingService{result: core.EscalationResult{Escalated: true, IncidentID: "inc-1"}}
	g := newGate(t, svc)
	e := exportEvent(map[string]any{"recordsAccessed": 5000})

	res := g.CheckEscalation(context.Background(), e, bulk, core.SeverityMedium)
	assert.True(t, res.Escalated)
	assert.Equal(t, "inc-1", res.IncidentID)

	require.Equal(t, 1, svc.calls())
	b := svc.bundles[0]
	assert.Equal(t, e.ID, b.EventID)
	assert.Equal(t, "rate:198.51.100.7", b.CorrelationKey)
	assert.Equal(t, "5000", b.Payload["recordsAccessed"])
	assert.Empty(t, b.RecentIncidentID)
}

func TestCheckEscalation_RecentIncidentHint(t *testing.T) {
	svc := &recordingService{result: core.EscalationResult{Escalated: true, IncidentID: "inc-7"}}
	g := newGate(t, svc)

	g.CheckEscalation(context.Background(), exportEvent(nil), bulk, core.SeverityMedium)
	g.CheckEscalation(context.Background(), exportEvent(nil), bulk, core.SeverityMedium)

	require.Equal(t, 2, svc.calls())
	assert.Empty(t, svc.bundles[0].RecentIncidentID)
	assert.Equal(t, "inc-7", svc.bundles[1].RecentIncidentID)
}

func TestCheckEscalation_Declined(t *testing.T) {
	svc := &recordingService{result: core.EscalationResult{Escalated: false, Reason: "duplicate"}}
	g := newGate(t, svc)

	res := g.CheckEscalation(context.Background(), exportEvent(nil), bulk, core.SeverityHigh)
	assert.Equal(t, core.EscalationResult{Reason: "duplicate"}, res)
}

func TestCheckEscalation_ServiceFailure(t *testing.T) {
	svc := &recordingService{err: errors.New("no responders available for request")}
	g := newGate(t, svc)

	res := g.CheckEscalation(context.Background(), exportEvent(nil), bulk, core.SeverityHigh)
	assert.Equal(t, core.EscalationResult{Reason: ReasonUnavailable}, res)
}

func TestCheckEscalation_Timeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	slow := ServiceFunc(func(context.Context, core.EvidenceBundle) (core.EscalationResult, error) {
		<-block // ignores ctx on purpose
		return core.EscalationResult{Escalated: true}, nil
	})
	g := newGate(t, slow)

	start := time.Now()
	res := g.CheckEscalation(context.Background(), exportEvent(nil), bulk, core.SeverityHigh)
	assert.Equal(t, ReasonUnavailable, res.Reason)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheckEscalation_CircuitOpens(t *testing.T) {
	svc := &recordingService{err: errors.New("boom")}
	g := newGate(t, svc)

	for i := 0; i < 4; i++ {
		res := g.CheckEscalation(context.Background(), exportEvent(nil), bulk, core.SeverityHigh)
		assert.Equal(t, ReasonUnavailable, res.Reason)
	}
	assert.Equal(t, 2, svc.calls(), "open circuit skips the service")
}

func TestBuildEvidence_Redaction(t *testing.T) {
	e := exportEvent(map[string]any{
		"url":      "https://app.example.com/api/export?token=s3cr3t&page=2#frag",
		"method":   "POST",
		"body":     `{"password":"hunter2"}`,
		"headers":  map[string]any{"Authorization": "Bearer abc.def"},
		"query":    "id=1' OR '1'='1",
		"resource": "reports/" + strings.Repeat("x", 400) + " Bearer abcdef123",
		"password": "hunter2",
	})
	threats := []core.Threat{{
		Type:     core.ThreatMaliciousPayload,
		Severity: core.SeverityCritical,
		Details: map[string]any{
			"categories": []string{"sql_injection"},
			"patterns":   []any{map[string]any{"field": "query"}},
			"count":      2,
			"note":       "token=abcdef",
			"token":      "abcdef",
		},
	}}

	b := BuildEvidence(e, threats, core.SeverityCritical, 256)

	assert.Equal(t, "/api/export", b.Payload["url"])
	assert.Equal(t, "POST", b.Payload["method"])
	for _, k := range []string{"body", "headers", "query", "password"} {
		assert.NotContains(t, b.Payload, k)
	}
	assert.LessOrEqual(t, len(b.Payload["resource"]), 256+len("...[truncated]"))

	require.Len(t, b.Threats, 1)
	details := b.Threats[0].Details
	assert.Equal(t, map[string]any{"count": 2, "note": "token=REDACTED"}, details)

	raw, err := json.Marshal(b)
	require.NoError(t, err)
	for _, secret := range []string{"hunter2", "s3cr3t", "abc.def", "OR '1'='1"} {
		assert.NotContains(t, string(raw), secret)
	}
}

func TestBuildEvidence_AuthCorrelationKey(t *testing.T) {
	e := core.Bare(core.NewSecurityEvent(core.RawEvent{
		Type:      core.EventTypeFailedLogin,
		IPAddress: "203.0.113.5",
		Payload:   map[string]any{"username": "alice"},
	}, t0))
	b := BuildEvidence(e, bulk, core.SeverityHigh, 256)
	assert.Equal(t, "auth:alice", b.CorrelationKey)
	assert.Nil(t, b.Payload)
}

func TestNewGate_InvalidSeverity(t *testing.T) {
	cfg := gateConfig()
	cfg.MinSeverity = "severe"
	_, err := NewGate(cfg, nil, zaptest.NewLogger(t).Sugar())
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestNoopService(t *testing.T) {
	g := newGate(t, nil)
	res := g.CheckEscalation(context.Background(), exportEvent(nil), bulk, core.SeverityCritical)
	assert.False(t, res.Escalated)
	assert.Equal(t, "escalation disabled", res.Reason)
}

type fakeRequester struct {
	subject string
	data    []byte
	reply   []byte
	err     error
}

func (r *fakeRequester) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	r.subject, r.data = subj, data
	if r.err != nil {
		return nil, r.err
	}
	return &nats.Msg{Subject: "_INBOX.x", Data: r.reply}, nil
}

func TestNATSService(t *testing.T) {
	req := &fakeRequester{reply: []byte(`{"escalated":true,"incident_id":"inc-9"}`)}
	svc := NewNATSService(req, "warden.incidents.evaluate")

	bundle := BuildEvidence(exportEvent(nil), bulk, core.SeverityHigh, 256)
	res, err := svc.Evaluate(context.Background(), bundle)
	require.NoError(t, err)
	assert.Equal(t, core.EscalationResult{Escalated: true, IncidentID: "inc-9"}, res)
	assert.Equal(t, "warden.incidents.evaluate", req.subject)

	var sent core.EvidenceBundle
	require.NoError(t, json.Unmarshal(req.data, &sent))
	assert.Equal(t, bundle.EventID, sent.EventID)

	req.err = nats.ErrNoResponders
	_, err = svc.Evaluate(context.Background(), bundle)
	assert.ErrorIs(t, err, core.ErrEscalationUnavailable)
	assert.ErrorIs(t, err, nats.ErrNoResponders)

	req.err, req.reply = nil, []byte("not json")
	_, err = svc.Evaluate(context.Background(), bundle)
	assert.ErrorIs(t, err, core.ErrEscalationUnavailable)
}
