package soar

import (
	"context"
	"sync"
	"time"

	"warden/core"
)

type recordingSink struct {
	mu          sync.Mutex
	alerts      []core.Alert
	blocked     []core.BlockedEntity
	audits      []core.AuditEntry
	quarantines []core.QuarantineRecord
	failBlocks  error
}

func (s *recordingSink) AppendSecurityEvent(context.Context, core.SecurityEventRecord) error {
	return nil
}

func (s *recordingSink) AppendAlert(_ context.Context, a core.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) UpsertBlockedEntity(_ context.Context, b core.BlockedEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBlocks != nil {
		return s.failBlocks
	}
	s.blocked = append(s.blocked, b)
	return nil
}

func (s *recordingSink) AppendAuditEntry(_ context.Context, e core.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, e)
	return nil
}

func (s *recordingSink) AppendMetric(context.Context, core.MetricRecord) error {
	return nil
}

func (s *recordingSink) AppendQuarantine(_ context.Context, q core.QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantines = append(s.quarantines, q)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []core.Alert
	users  []string
	msgs   []string
}

func (n *fakeNotifier) DispatchAlert(_ context.Context, a core.Alert) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return 1
}

func (n *fakeNotifier) NotifyUser(_ context.Context, userID, _, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
	n.msgs = append(n.msgs, message)
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	signals []RateLimitSignal
	err     error
}

func (p *fakePublisher) PublishRateLimit(_ context.Context, sig RateLimitSignal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return p.err
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func enriched(typ, user, ip string, payload map[string]any) *core.EnrichedEvent {
	return core.Bare(core.NewSecurityEvent(core.RawEvent{
		Type:      typ,
		UserID:    user,
		IPAddress: ip,
		Payload:   payload,
	}, t0))
}
