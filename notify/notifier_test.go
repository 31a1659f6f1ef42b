package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"warden/config"
	"warden/core"
)

func testAlert(sev core.Severity) core.Alert {
	return core.Alert{
		ID:        "alert-1",
		Rule:      core.ThreatBruteForce,
		Severity:  sev,
		EventID:   "evt-1",
		EventType: core.EventTypeFailedLogin,
		UserID:    "u-1",
		IPAddress: "203.0.113.9",
		Timestamp: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func notifyConfig(channels ...config.ChannelConfig) config.NotifyConfig {
	return config.NotifyConfig{
		Timeout:   time.Second,
		QueueSize: 16,
		CircuitBreaker: core.CircuitBreakerConfig{
			MaxFailures:         2,
			Timeout:             time.Minute,
			MaxHalfOpenRequests: 1,
		},
		Channels: channels,
	}
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestDispatchAlert_SeverityFilter(t *testing.T) {
	ops := NewMockTransport()
	pager := NewMockTransport()
	inApp := NewMockTransport()

	d, err := NewDispatcher(notifyConfig(
		config.ChannelConfig{Name: "ops", Type: ChannelWebhook, Enabled: true, MinSeverity: "medium"},
		config.ChannelConfig{Name: "pager", Type: ChannelWebhook, Enabled: true, MinSeverity: "critical"},
		config.ChannelConfig{Name: "users", Type: ChannelInApp, Enabled: true},
		config.ChannelConfig{Name: "off", Type: ChannelLog, Enabled: false},
	), map[string]core.NotificationTransport{
		"ops":   ops,
		"pager": pager,
		"users": inApp,
		"off":   NewMockTransport(),
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.Equal(t, []string{"ops", "pager", "users"}, d.Channels())

	assert.Equal(t, 1, d.DispatchAlert(context.Background(), testAlert(core.SeverityHigh)))
	assert.Equal(t, 2, d.DispatchAlert(context.Background(), testAlert(core.SeverityCritical)))
	drain(t, d)

	require.Len(t, ops.Sent(), 2)
	require.Len(t, pager.Sent(), 1)
	assert.Empty(t, inApp.Sent(), "alerts never go to in-app channels")

	n := pager.Sent()[0]
	assert.Equal(t, core.NotificationAlert, n.Kind)
	assert.Equal(t, "pager", n.Channel)
	require.NotNil(t, n.Alert)
	assert.Equal(t, core.SeverityCritical, n.Alert.Severity)
}

func TestNotifyUser_InAppOnly(t *testing.T) {
	ops := NewMockTransport()
	inApp := NewMockTransport()
	d, err := NewDispatcher(notifyConfig(
		config.ChannelConfig{Name: "ops", Type: ChannelSlack, Enabled: true},
		config.ChannelConfig{Name: "users", Type: ChannelInApp, Enabled: true},
	), map[string]core.NotificationTransport{"ops": ops, "users": inApp}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	require.NoError(t, d.NotifyUser(context.Background(), "u-1", "Account activity", "We noticed unusual activity."))
	drain(t, d)

	assert.Empty(t, ops.Sent())
	require.Len(t, inApp.Sent(), 1)
	n := inApp.Sent()[0]
	assert.Equal(t, core.NotificationUser, n.Kind)
	assert.Equal(t, "u-1", n.UserID)
	assert.Nil(t, n.Alert)
}

func TestNotifyUser_NoInAppChannel(t *testing.T) {
	ops := NewMockTransport()
	d, err := NewDispatcher(notifyConfig(
		config.ChannelConfig{Name: "ops", Type: ChannelLog, Enabled: true},
	), map[string]core.NotificationTransport{"ops": ops}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	assert.NoError(t, d.NotifyUser(context.Background(), "u-1", "s", "m"))
	drain(t, d)
	assert.Zero(t, ops.Calls())
}

func TestDispatcher_CircuitBreakerOpens(t *testing.T) {
	broken := NewMockTransport()
	broken.SetError(errors.New("connection refused"))
	d, err := NewDispatcher(notifyConfig(
		config.ChannelConfig{Name: "ops", Type: ChannelWebhook, Enabled: true},
	), map[string]core.NotificationTransport{"ops": broken}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, d.DispatchAlert(context.Background(), testAlert(core.SeverityHigh)))
	}
	drain(t, d)

	assert.Equal(t, 2, broken.Calls(), "calls stop once the breaker opens")
	assert.Equal(t, core.CircuitBreakerStateOpen, d.getOrCreateCircuitBreaker("ops").State())
}

type panickyTransport struct {
	calls atomic.Int32
}

func (p *panickyTransport) Send(context.Context, core.Notification) error {
	if p.calls.Add(1) == 1 {
		panic("transport bug")
	}
	return nil
}

func TestDispatcher_TransportPanicKeepsWorker(t *testing.T) {
	tr := &panickyTransport{}
	d, err := NewDispatcher(notifyConfig(
		config.ChannelConfig{Name: "ops", Type: ChannelWebhook, Enabled: true},
	), map[string]core.NotificationTransport{"ops": tr}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, d.DispatchAlert(context.Background(), testAlert(core.SeverityHigh)))
	}
	drain(t, d)

	assert.Equal(t, int32(3), tr.calls.Load(), "deliveries after the panic still reach the transport")
	assert.Equal(t, core.CircuitBreakerStateClosed, d.getOrCreateCircuitBreaker("ops").State())
}

func TestDispatcher_SendTimeout(t *testing.T) {
	slow := NewMockTransport()
	slow.SetDelay(time.Second)
	cfg := notifyConfig(config.ChannelConfig{Name: "ops", Type: ChannelWebhook, Enabled: true})
	cfg.Timeout = 20 * time.Millisecond

	d, err := NewDispatcher(cfg, map[string]core.NotificationTransport{"ops": slow}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	start := time.Now()
	d.DispatchAlert(context.Background(), testAlert(core.SeverityHigh))
	drain(t, d)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Empty(t, slow.Sent())
	assert.Equal(t, uint32(1), d.getOrCreateCircuitBreaker("ops").Failures())
}

func TestDispatcher_QueueFullDrops(t *testing.T) {
	slow := NewMockTransport()
	slow.SetDelay(200 * time.Millisecond)
	cfg := notifyConfig(config.ChannelConfig{Name: "ops", Type: ChannelWebhook, Enabled: true})
	cfg.QueueSize = 1

	d, err := NewDispatcher(cfg, map[string]core.NotificationTransport{"ops": slow}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	accepted := 0
	for i := 0; i < 5; i++ {
		accepted += d.DispatchAlert(context.Background(), testAlert(core.SeverityHigh))
	}
	drain(t, d)

	assert.GreaterOrEqual(t, accepted, 1)
	assert.LessOrEqual(t, accepted, 2, "one in flight plus one queued")
	assert.Len(t, slow.Sent(), accepted)
}

func TestDispatcher_ClosedRejects(t *testing.T) {
	ops := NewMockTransport()
	d, err := NewDispatcher(notifyConfig(
		config.ChannelConfig{Name: "ops", Type: ChannelWebhook, Enabled: true},
	), map[string]core.NotificationTransport{"ops": ops}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	drain(t, d)
	drain(t, d)
	assert.Zero(t, d.DispatchAlert(context.Background(), testAlert(core.SeverityCritical)))
}

func TestDispatcher_SkipsChannelWithoutTransport(t *testing.T) {
	d, err := NewDispatcher(notifyConfig(
		config.ChannelConfig{Name: "ops", Type: ChannelWebhook, Enabled: true},
	), nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.Empty(t, d.Channels())
	drain(t, d)
}

func TestDispatcher_InvalidMinSeverity(t *testing.T) {
	_, err := NewDispatcher(notifyConfig(
		config.ChannelConfig{Name: "ops", Type: ChannelWebhook, Enabled: true, MinSeverity: "urgent"},
	), map[string]core.NotificationTransport{"ops": NewMockTransport()}, zaptest.NewLogger(t).Sugar())
	assert.ErrorIs(t, err, core.ErrConfiguration)
}
