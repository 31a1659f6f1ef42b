package detect

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"warden/config"
	"warden/core"
)

// noon keeps events out of the after-hours window
var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestDetector(t *testing.T, mutate func(*config.DetectionConfig)) (*Detector, *testClock) {
	t.Helper()
	cfg := config.Default().Detection
	if mutate != nil {
		mutate(&cfg)
	}
	logger := zaptest.NewLogger(t).Sugar()
	patterns, err := NewPatternRuleSet(cfg.RegexTimeout, nil, logger)
	require.NoError(t, err)

	clock := &testClock{now: noon}
	cache := NewCorrelationCache(cfg.CorrelationShards, cfg.CorrelationRetention).WithClock(clock.Now)
	return NewDetector(cfg, patterns, cache, logger), clock
}

func event(typ string, at time.Time, mutate func(*core.RawEvent)) *core.EnrichedEvent {
	raw := core.RawEvent{Type: typ, Timestamp: &at}
	if mutate != nil {
		mutate(&raw)
	}
	return core.Bare(core.NewSecurityEvent(raw, at))
}

func threatTypes(threats []core.Threat) []core.ThreatType {
	return core.ThreatTypes(threats)
}

func failedLogin(user, ip string, at time.Time) *core.EnrichedEvent {
	return event(core.EventTypeFailedLogin, at, func(r *core.RawEvent) {
		r.UserID = user
		r.IPAddress = ip
		r.UserAgent = "Mozilla/5.0"
	})
}

func TestDetector_FailedLoginEscalation(t *testing.T) {
	d, clock := newTestDetector(t, nil)

	for i := 1; i <= 10; i++ {
		clock.now = noon.Add(time.Duration(i) * 10 * time.Second)
		threats := d.Detect(failedLogin("u-100", "203.0.113.7", clock.now))

		switch {
		case i < 5:
			assert.Empty(t, threats, "attempt %d", i)
		case i < 10:
			require.Len(t, threats, 1, "attempt %d", i)
			assert.Equal(t, core.ThreatMultipleFailedLogins, threats[0].Type)
			assert.Equal(t, core.SeverityHigh, threats[0].Severity)
			assert.Equal(t, i, threats[0].Details["attempts"])
		default:
			require.Len(t, threats, 1)
			assert.Equal(t, core.ThreatBruteForce, threats[0].Type)
			assert.Equal(t, core.SeverityCritical, threats[0].Severity)
		}
	}
}

func TestDetector_FailedLoginsOutsideWindowExpire(t *testing.T) {
	d, clock := newTestDetector(t, nil)

	for i := 0; i < 4; i++ {
		clock.now = noon.Add(time.Duration(i) * time.Second)
		d.Detect(failedLogin("u-1", "198.51.100.1", clock.now))
	}

	clock.now = noon.Add(11 * time.Minute)
	assert.Empty(t, d.Detect(failedLogin("u-1", "198.51.100.1", clock.now)))
}

func TestDetector_FailedLoginKeyFallsBackToUsername(t *testing.T) {
	d, clock := newTestDetector(t, nil)

	var threats []core.Threat
	for i := 0; i < 5; i++ {
		clock.now = noon.Add(time.Duration(i) * time.Second)
		e := event(core.EventTypeFailedLogin, clock.now, func(r *core.RawEvent) {
			r.IPAddress = fmt.Sprintf("198.51.100.%d", i+1)
			r.Payload = map[string]any{core.PayloadUsername: "alice"}
		})
		threats = d.Detect(e)
	}
	require.Len(t, threats, 1)
	assert.Equal(t, "alice", threats[0].Details["identity"])
}

func TestDetector_SuccessfulLoginReportsAttemptsButNoThreat(t *testing.T) {
	d, clock := newTestDetector(t, nil)

	for i := 0; i < 6; i++ {
		clock.now = noon.Add(time.Duration(i) * time.Second)
		d.Detect(failedLogin("u-2", "198.51.100.2", clock.now))
	}

	clock.now = noon.Add(time.Minute)
	a := d.Analyze(event(core.EventTypeLogin, clock.now, func(r *core.RawEvent) {
		r.UserID = "u-2"
		r.IPAddress = "198.51.100.2"
	}))
	assert.NotContains(t, threatTypes(a.Threats), core.ThreatMultipleFailedLogins)
	assert.Equal(t, float64(6), a.Observations[ObservationAttempts])
}

func TestDetector_CredentialStuffing(t *testing.T) {
	d, clock := newTestDetector(t, func(cfg *config.DetectionConfig) {
		cfg.Rules.BruteForce = false
	})

	var threats []core.Threat
	for i := 0; i < 22; i++ {
		clock.now = noon.Add(time.Duration(i) * time.Second)
		e := event(core.EventTypeFailedLogin, clock.now, func(r *core.RawEvent) {
			r.UserID = "victim"
			r.IPAddress = fmt.Sprintf("192.0.2.%d", i%8+1)
			r.UserAgent = fmt.Sprintf("agent-%d", i%5)
		})
		threats = d.Detect(e)
	}

	require.Contains(t, threatTypes(threats), core.ThreatCredentialStuffing)
	for _, th := range threats {
		if th.Type == core.ThreatCredentialStuffing {
			assert.Equal(t, core.SeverityCritical, th.Severity)
			assert.Len(t, th.Details["indicators"], 3)
		}
	}
}

func TestDetector_CredentialStuffingNeedsTwoIndicators(t *testing.T) {
	d, clock := newTestDetector(t, func(cfg *config.DetectionConfig) {
		cfg.Rules.BruteForce = false
	})

	// Many user agents from one address, few requests: one indicator only
	var threats []core.Threat
	for i := 0; i < 6; i++ {
		clock.now = noon.Add(time.Duration(i) * time.Second)
		e := event(core.EventTypeFailedLogin, clock.now, func(r *core.RawEvent) {
			r.UserID = "victim"
			r.IPAddress = "192.0.2.1"
			r.UserAgent = fmt.Sprintf("agent-%d", i)
		})
		threats = d.Detect(e)
	}
	assert.NotContains(t, threatTypes(threats), core.ThreatCredentialStuffing)
}

func loginHistory(countries ...string) []core.LoginRecord {
	out := make([]core.LoginRecord, 0, len(countries))
	for i, c := range countries {
		out = append(out, core.LoginRecord{
			Timestamp: noon.Add(-time.Duration(i+1) * 24 * time.Hour),
			IPAddress: fmt.Sprintf("203.0.113.%d", i+1),
			Country:   c,
		})
	}
	return out
}

func TestDetector_SuspiciousLocation(t *testing.T) {
	tests := []struct {
		name    string
		country string
		history []core.LoginRecord
		want    bool
	}{
		{"new country with diverse history", "BR", loginHistory("US", "DE", "FR"), true},
		{"known country", "DE", loginHistory("US", "DE", "FR"), false},
		{"too few distinct countries", "BR", loginHistory("US", "US", "DE"), false},
		{"too little history", "BR", loginHistory("US"), false},
		{"no history", "BR", nil, false},
		{"unknown current country", "", loginHistory("US", "DE", "FR"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDetector(t, nil)
			e := event(core.EventTypeLogin, noon, func(r *core.RawEvent) {
				r.UserID = "u-3"
				r.IPAddress = "192.0.2.200"
			})
			e.IPInfo = core.IPInfo{Status: core.IPStatusKnown, Country: tt.country}
			e.LoginHistory = tt.history

			threats := d.Detect(e)
			if tt.want {
				require.Equal(t, []core.ThreatType{core.ThreatSuspiciousLocation}, threatTypes(threats))
				assert.Equal(t, core.SeverityMedium, threats[0].Severity)
			} else {
				assert.NotContains(t, threatTypes(threats), core.ThreatSuspiciousLocation)
			}
		})
	}
}

func TestDetector_LocationFallsBackToLoginWindow(t *testing.T) {
	d, clock := newTestDetector(t, nil)
	login := func(country string) *core.EnrichedEvent {
		e := event(core.EventTypeLogin, clock.now, func(r *core.RawEvent) {
			r.UserID = "u-7"
			r.IPAddress = "192.0.2.70"
		})
		e.IPInfo = core.IPInfo{Status: core.IPStatusKnown, Country: country}
		return e
	}

	for i, c := range []string{"US", "DE", "FR"} {
		clock.now = noon.Add(time.Duration(i) * time.Minute)
		assert.Empty(t, d.Detect(login(c)), "login from %s", c)
	}

	clock.now = noon.Add(5 * time.Minute)
	threats := d.Detect(login("BR"))
	require.Equal(t, []core.ThreatType{core.ThreatSuspiciousLocation}, threatTypes(threats))
	assert.Equal(t, []string{"FR", "DE", "US"}, threats[0].Details["known_countries"], "newest first")

	// A history from the store, even an empty one, is used as is
	clock.now = noon.Add(6 * time.Minute)
	e := login("JP")
	e.LoginHistory = []core.LoginRecord{}
	assert.Empty(t, d.Detect(e))
}

func TestDetector_BlockedSubjectObservation(t *testing.T) {
	d, _ := newTestDetector(t, nil)
	e := event(core.EventTypeDataAccess, noon, func(r *core.RawEvent) {
		r.UserID = "u-8"
		r.IPAddress = "192.0.2.80"
	})
	assert.Equal(t, float64(0), d.Analyze(e).Observations[ObservationBlocked])

	e.UserBlocked = true
	a := d.Analyze(e)
	assert.Equal(t, float64(1), a.Observations[ObservationBlocked])
	assert.Empty(t, a.Threats, "a block changes the response, not the verdict")
}

func TestDetector_MaliciousPayload(t *testing.T) {
	d, _ := newTestDetector(t, nil)
	e := event(core.EventTypeDataAccess, noon, func(r *core.RawEvent) {
		r.IPAddress = "192.0.2.9"
		r.Payload = map[string]any{core.PayloadQuery: "' OR 1=1 --"}
	})

	threats := d.Detect(e)
	require.Len(t, threats, 1)
	assert.Equal(t, core.ThreatMaliciousPayload, threats[0].Type)
	assert.Equal(t, core.SeverityCritical, threats[0].Severity)
	assert.Equal(t, []string{string(CategorySQLInjection)}, threats[0].Details["categories"])
}

func TestDetector_RateLimit(t *testing.T) {
	d, clock := newTestDetector(t, nil)

	var a Analysis
	for i := 1; i <= 101; i++ {
		clock.now = noon.Add(time.Duration(i) * 100 * time.Millisecond)
		a = d.Analyze(event("api.request", clock.now, func(r *core.RawEvent) {
			r.IPAddress = "192.0.2.50"
		}))
		if i == 100 {
			assert.Empty(t, a.Threats, "the limit itself is allowed")
		}
	}
	require.Len(t, a.Threats, 1)
	assert.Equal(t, core.ThreatRateLimitViolation, a.Threats[0].Type)
	assert.Equal(t, 101, a.Threats[0].Details["requests"])
	assert.Equal(t, float64(101), a.Observations[ObservationRequests])
}

func TestDetector_AfterHours(t *testing.T) {
	tests := []struct {
		hour int
		user string
		want bool
	}{
		{23, "u-4", true},
		{2, "u-4", true},
		{5, "u-4", true},
		{6, "u-4", false},
		{12, "u-4", false},
		{22, "u-4", true},
		{23, "", true},
		{12, "", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%02d:00 user=%q", tt.hour, tt.user), func(t *testing.T) {
			d, clock := newTestDetector(t, nil)
			at := time.Date(2026, 3, 10, tt.hour, 0, 0, 0, time.UTC)
			clock.now = at
			threats := d.Detect(event(core.EventTypeDataAccess, at, func(r *core.RawEvent) {
				r.UserID = tt.user
				r.IPAddress = "192.0.2.10"
			}))
			if tt.want {
				assert.Equal(t, []core.ThreatType{core.ThreatAfterHoursAccess}, threatTypes(threats))
				assert.Equal(t, core.SeverityLow, threats[0].Severity)
			} else {
				assert.Empty(t, threats)
			}
		})
	}
}

func TestDetector_AfterHoursDisabledWhenStartEqualsEnd(t *testing.T) {
	d, clock := newTestDetector(t, func(cfg *config.DetectionConfig) {
		cfg.AfterHours.StartHour = 3
		cfg.AfterHours.EndHour = 3
	})
	at := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	clock.now = at
	assert.Empty(t, d.Detect(event(core.EventTypeDataAccess, at, func(r *core.RawEvent) {
		r.UserID = "u-5"
	})))
}

func TestDetector_BulkAccess(t *testing.T) {
	d, _ := newTestDetector(t, nil)

	for _, tc := range []struct {
		records any
		want    bool
	}{
		{1000, false},
		{1001, true},
		{"50000", true},
		{"lots", false},
	} {
		a := d.Analyze(event(core.EventTypeDataExport, noon, func(r *core.RawEvent) {
			r.IPAddress = "192.0.2.11"
			r.Payload = map[string]any{core.PayloadRecordsAccessed: tc.records}
		}))
		if tc.want {
			assert.Equal(t, []core.ThreatType{core.ThreatBulkDataAccess}, threatTypes(a.Threats), "records=%v", tc.records)
		} else {
			assert.Empty(t, a.Threats, "records=%v", tc.records)
		}
	}
}

func TestDetector_PrivilegeEscalation(t *testing.T) {
	tests := []struct {
		name     string
		typ      string
		old, new string
		want     bool
	}{
		{"user to admin", core.EventTypeRoleChange, "user", "admin", true},
		{"case insensitive", core.EventTypeRoleChange, "Guest", "SuperAdmin", true},
		{"downgrade", core.EventTypeRoleChange, "admin", "user", false},
		{"same role", core.EventTypeRoleChange, "editor", "editor", false},
		{"unknown role", core.EventTypeRoleChange, "user", "root", false},
		{"payload on other event type", "iam.update", "user", "moderator", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDetector(t, nil)
			threats := d.Detect(event(tt.typ, noon, func(r *core.RawEvent) {
				r.UserID = "u-6"
				r.Payload = map[string]any{core.PayloadOldRole: tt.old, core.PayloadNewRole: tt.new}
			}))
			if tt.want {
				require.Equal(t, []core.ThreatType{core.ThreatPrivilegeEscalation}, threatTypes(threats))
				assert.Equal(t, core.SeverityCritical, threats[0].Severity)
			} else {
				assert.Empty(t, threats)
			}
		})
	}
}

func TestDetector_RuleToggles(t *testing.T) {
	d, _ := newTestDetector(t, func(cfg *config.DetectionConfig) {
		cfg.Rules.MaliciousPayload = false
		cfg.Rules.PrivilegeEscalation = false
	})
	threats := d.Detect(event(core.EventTypeRoleChange, noon, func(r *core.RawEvent) {
		r.UserID = "u-7"
		r.Payload = map[string]any{
			core.PayloadOldRole: "user",
			core.PayloadNewRole: "admin",
			core.PayloadQuery:   "1 UNION SELECT password FROM users",
		}
	}))
	assert.Empty(t, threats)
}

func TestDetector_RaisingThresholdNeverAddsThreats(t *testing.T) {
	run := func(mutate func(*config.DetectionConfig)) int {
		d, clock := newTestDetector(t, mutate)
		total := 0
		for i := 0; i < 30; i++ {
			clock.now = noon.Add(time.Duration(i) * time.Second)
			total += len(d.Detect(failedLogin("u-8", "192.0.2.12", clock.now)))
		}
		return total
	}

	base := run(nil)
	raised := run(func(cfg *config.DetectionConfig) {
		cfg.FailedLoginThreshold = 8
		cfg.BruteForceThreshold = 20
	})
	assert.Greater(t, base, 0)
	assert.LessOrEqual(t, raised, base)
}

func TestDetector_NilEvent(t *testing.T) {
	d, _ := newTestDetector(t, nil)
	assert.Empty(t, d.Detect(nil))
}

func TestEvaluate(t *testing.T) {
	assert.Equal(t, core.SeverityInfo, Evaluate(nil))
	assert.Equal(t, core.SeverityLow, Evaluate([]core.Threat{{Severity: core.SeverityLow}}))
	assert.Equal(t, core.SeverityCritical, Evaluate([]core.Threat{
		{Severity: core.SeverityMedium},
		{Severity: core.SeverityCritical},
		{Severity: core.SeverityHigh},
	}))

	// Adding a threat never lowers the result
	threats := []core.Threat{{Severity: core.SeverityHigh}}
	before := Evaluate(threats)
	after := Evaluate(append(threats, core.Threat{Severity: core.SeverityLow}))
	assert.True(t, after.AtLeast(before))
}
