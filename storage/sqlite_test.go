package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"warden/core"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// setupTestSQLite opens a throwaway in-memory database
func setupTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(MemoryPath, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSQLite_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "warden.db")

	s, err := NewSQLite(dbPath, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, dbPath, s.Path)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
	assert.NoError(t, s.HealthCheck(context.Background()))
	assert.NoError(t, s.Close())
}

func TestNewSQLite_RejectsTraversal(t *testing.T) {
	_, err := NewSQLite("../../etc/warden.db", zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestNewSQLite_MemoryInstancesAreIsolated(t *testing.T) {
	a := setupTestSQLite(t)
	b := setupTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, a.PutUser(ctx, core.UserSnapshot{ID: "u-1", Role: "admin", CreatedAt: t0}))
	_, err := b.GetUser(ctx, "u-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSQLite_ReadPoolIsQueryOnly(t *testing.T) {
	s := setupTestSQLite(t)
	_, err := s.ReadDB.Exec(`INSERT INTO users (id, role, created_at) VALUES ('x', 'user', 0)`)
	assert.Error(t, err)
}

func TestSQLite_SecurityEventRoundTrip(t *testing.T) {
	s := setupTestSQLite(t)
	ctx := context.Background()

	rec := core.SecurityEventRecord{
		EventID:   "evt-1",
		Type:      core.EventTypeFailedLogin,
		Timestamp: t0,
		UserID:    "u-1",
		IPAddress: "203.0.113.9",
		Payload:   map[string]any{"username": "alice"},
		Severity:  core.SeverityHigh,
		Threats:   []core.Threat{{Type: core.ThreatBruteForce, Severity: core.SeverityHigh}},
		Actions:   []core.Action{core.ActionLog, core.ActionBlock},
		Degraded:  []string{"geography"},
	}
	require.NoError(t, s.AppendSecurityEvent(ctx, rec))

	got, err := s.GetSecurityEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, rec, *got)

	_, err = s.GetSecurityEvent(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSQLite_AlertsAndAudit(t *testing.T) {
	s := setupTestSQLite(t)
	ctx := context.Background()

	alert := core.Alert{
		ID:              "alert-1",
		Rule:            core.ThreatBruteForce,
		Severity:        core.SeverityHigh,
		EventID:         "evt-1",
		EventType:       core.EventTypeFailedLogin,
		IPAddress:       "203.0.113.9",
		Threats:         []core.Threat{{Type: core.ThreatBruteForce, Severity: core.SeverityHigh}},
		Recommendations: []string{"Block the source address"},
		Timestamp:       t0,
	}
	require.NoError(t, s.AppendAlert(ctx, alert))
	alerts, err := s.AlertsForEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, []core.Alert{alert}, alerts)

	entry := core.AuditEntry{
		ID:        "audit-1",
		EventID:   "evt-1",
		EventType: core.EventTypeFailedLogin,
		Action:    core.ActionBlock,
		Severity:  core.SeverityHigh,
		Threats:   []core.ThreatType{core.ThreatBruteForce},
		Timestamp: t0,
	}
	require.NoError(t, s.AppendAuditEntry(ctx, entry))
	entries, err := s.AuditEntries(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, []core.AuditEntry{entry}, entries)
}

func TestSQLite_BlockedEntities(t *testing.T) {
	s := setupTestSQLite(t)
	ctx := context.Background()
	hour := time.Hour
	minute := time.Minute

	require.NoError(t, s.UpsertBlockedEntity(ctx, core.BlockedEntity{Type: core.EntityIP, Identifier: "203.0.113.9", BlockedAt: t0, Duration: &hour, Reason: "brute_force_attack"}))
	require.NoError(t, s.UpsertBlockedEntity(ctx, core.BlockedEntity{Type: core.EntityUser, Identifier: "u-1", BlockedAt: t0, Reason: "privilege_escalation"}))
	require.NoError(t, s.UpsertBlockedEntity(ctx, core.BlockedEntity{Type: core.EntityIP, Identifier: "198.51.100.1", BlockedAt: t0, Duration: &minute}))

	active, err := s.LoadBlockedEntities(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, active, 2, "expired block is skipped")

	byKey := map[string]core.BlockedEntity{}
	for _, b := range active {
		byKey[b.Key()] = b
	}
	assert.True(t, byKey["user:u-1"].Permanent())
	require.NotNil(t, byKey["ip:203.0.113.9"].Duration)
	assert.Equal(t, time.Hour, *byKey["ip:203.0.113.9"].Duration)

	// upsert replaces the existing row
	require.NoError(t, s.UpsertBlockedEntity(ctx, core.BlockedEntity{Type: core.EntityIP, Identifier: "203.0.113.9", BlockedAt: t0.Add(time.Hour), Duration: &hour}))
	active, err = s.LoadBlockedEntities(ctx, t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestSQLite_MetricsAndQuarantine(t *testing.T) {
	s := setupTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.AppendMetric(ctx, core.MetricRecord{Name: "threats_detected", Value: 2, Labels: map[string]string{"type": "brute_force_attack"}, Timestamp: t0}))
	require.NoError(t, s.AppendMetric(ctx, core.MetricRecord{Name: "threats_detected", Value: 1, Timestamp: t0}))
	n, err := s.CountMetrics(ctx, "threats_detected")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec := core.QuarantineRecord{
		ID:        "q-1",
		EventID:   "evt-9",
		EventType: core.EventTypeRoleChange,
		UserID:    "u-1",
		Reason:    "privilege_escalation",
		Severity:  core.SeverityCritical,
		Status:    core.QuarantinePending,
		HeldAt:    t0,
	}
	require.NoError(t, s.AppendQuarantine(ctx, rec))
	pending, err := s.PendingQuarantine(ctx)
	require.NoError(t, err)
	assert.Equal(t, []core.QuarantineRecord{rec}, pending)
}

func TestSQLite_IdentityStore(t *testing.T) {
	s := setupTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.PutUser(ctx, core.UserSnapshot{ID: "u-1", Role: "editor", CreatedAt: t0.Add(-48 * time.Hour)}))
	u, err := s.GetUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "editor", u.Role)
	assert.Equal(t, t0.Add(-48*time.Hour), u.CreatedAt)
	assert.True(t, u.LastLoginAt.IsZero())

	_, err = s.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, s.PutSession(ctx, core.SessionContext{ID: "s-1", UserID: "u-1", CreatedAt: t0, LastActivityAt: t0.Add(time.Minute)}))
	sc, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", sc.UserID)

	_, err = s.GetSession(ctx, "s-2")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSQLite_IPReputation(t *testing.T) {
	s := setupTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.PutIPReputation(ctx, "203.0.113.9", true, "NL"))

	known, err := s.IsKnownIP(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, known)
	country, err := s.GetGeography(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "NL", country)

	known, err = s.IsKnownIP(ctx, "192.0.2.1")
	require.NoError(t, err)
	assert.False(t, known)
	_, err = s.GetGeography(ctx, "192.0.2.1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSQLite_RecentLogins(t *testing.T) {
	s := setupTestSQLite(t)
	ctx := context.Background()

	for i, country := range []string{"US", "DE", "BR", "JP"} {
		require.NoError(t, s.RecordLogin(ctx, "u-1", core.LoginRecord{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			IPAddress: "192.0.2.1",
			Country:   country,
		}))
	}
	require.NoError(t, s.RecordLogin(ctx, "u-2", core.LoginRecord{Timestamp: t0, Country: "FR"}))

	logins, err := s.RecentLogins(ctx, "u-1", 3)
	require.NoError(t, err)
	require.Len(t, logins, 3)
	assert.Equal(t, "JP", logins[0].Country, "newest first")
	assert.Equal(t, "DE", logins[2].Country)

	logins, err = s.RecentLogins(ctx, "nobody", 3)
	require.NoError(t, err)
	assert.Empty(t, logins)
}

func TestSQLite_WithTransactionRollsBack(t *testing.T) {
	s := setupTestSQLite(t)
	ctx := context.Background()

	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users (id, role, created_at) VALUES ('u-9', 'user', 0)`); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = s.GetUser(ctx, "u-9")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
