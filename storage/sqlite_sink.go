package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"warden/core"
)

var _ core.PersistenceSink = (*SQLite)(nil)

// toJSON serialises optional columns; nil and empty values are stored as NULL
func toJSON(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	switch string(data) {
	case "null", "{}", "[]":
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func fromJSON(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// AppendSecurityEvent stores the processed event. Re-ingesting an event id replaces the row.
func (s *SQLite) AppendSecurityEvent(ctx context.Context, rec core.SecurityEventRecord) error {
	payload, err := toJSON(rec.Payload)
	if err != nil {
		return writeError("security_event", err)
	}
	threats, err := toJSON(rec.Threats)
	if err != nil {
		return writeError("security_event", err)
	}
	actions, err := toJSON(rec.Actions)
	if err != nil {
		return writeError("security_event", err)
	}
	degraded, err := toJSON(rec.Degraded)
	if err != nil {
		return writeError("security_event", err)
	}

	_, err = s.WriteDB.ExecContext(ctx, `
		INSERT OR REPLACE INTO security_events (
			event_id, type, timestamp, user_id, ip_address, session_id,
			user_agent, severity, payload, threats, actions, degraded
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EventID, rec.Type, unixNano(rec.Timestamp), rec.UserID, rec.IPAddress, rec.SessionID,
		rec.UserAgent, string(rec.Severity), payload, threats, actions, degraded)
	if err != nil {
		return writeError("security_event", err)
	}
	return nil
}

// GetSecurityEvent loads a stored event record
func (s *SQLite) GetSecurityEvent(ctx context.Context, eventID string) (*core.SecurityEventRecord, error) {
	var (
		rec      core.SecurityEventRecord
		ts       int64
		severity string
	)
	var payload, threats, actions, degraded sql.NullString
	err := s.ReadDB.QueryRowContext(ctx, `
		SELECT event_id, type, timestamp, user_id, ip_address, session_id,
			user_agent, severity, payload, threats, actions, degraded
		FROM security_events WHERE event_id = ?`, eventID).Scan(
		&rec.EventID, &rec.Type, &ts, &rec.UserID, &rec.IPAddress, &rec.SessionID,
		&rec.UserAgent, &severity, &payload, &threats, &actions, &degraded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("security event %s: %w", eventID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query security event: %w", err)
	}
	rec.Timestamp = fromUnixNano(ts)
	rec.Severity = core.Severity(severity)
	for col, dst := range map[*sql.NullString]any{
		&payload:  &rec.Payload,
		&threats:  &rec.Threats,
		&actions:  &rec.Actions,
		&degraded: &rec.Degraded,
	} {
		if err := fromJSON(*col, dst); err != nil {
			return nil, fmt.Errorf("failed to decode security event %s: %w", eventID, err)
		}
	}
	return &rec, nil
}

// AppendAlert stores an alert
func (s *SQLite) AppendAlert(ctx context.Context, alert core.Alert) error {
	threats, err := toJSON(alert.Threats)
	if err != nil {
		return writeError("alert", err)
	}
	recs, err := toJSON(alert.Recommendations)
	if err != nil {
		return writeError("alert", err)
	}
	_, err = s.WriteDB.ExecContext(ctx, `
		INSERT OR REPLACE INTO alerts (
			id, rule, severity, event_id, event_type, user_id, ip_address,
			threats, recommendations, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, string(alert.Rule), string(alert.Severity), alert.EventID, alert.EventType,
		alert.UserID, alert.IPAddress, threats, recs, unixNano(alert.Timestamp))
	if err != nil {
		return writeError("alert", err)
	}
	return nil
}

// AlertsForEvent returns the alerts raised for an event
func (s *SQLite) AlertsForEvent(ctx context.Context, eventID string) ([]core.Alert, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT id, rule, severity, event_id, event_type, user_id, ip_address,
			threats, recommendations, timestamp
		FROM alerts WHERE event_id = ? ORDER BY timestamp`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []core.Alert
	for rows.Next() {
		var (
			a              core.Alert
			rule, severity string
			threats, recs  sql.NullString
			ts             int64
		)
		if err := rows.Scan(&a.ID, &rule, &severity, &a.EventID, &a.EventType, &a.UserID,
			&a.IPAddress, &threats, &recs, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Rule = core.ThreatType(rule)
		a.Severity = core.Severity(severity)
		a.Timestamp = fromUnixNano(ts)
		if err := fromJSON(threats, &a.Threats); err != nil {
			return nil, fmt.Errorf("failed to decode alert %s: %w", a.ID, err)
		}
		if err := fromJSON(recs, &a.Recommendations); err != nil {
			return nil, fmt.Errorf("failed to decode alert %s: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertBlockedEntity creates or replaces the block for (type, identifier)
func (s *SQLite) UpsertBlockedEntity(ctx context.Context, entity core.BlockedEntity) error {
	var duration sql.NullInt64
	if entity.Duration != nil {
		duration = sql.NullInt64{Int64: int64(*entity.Duration), Valid: true}
	}
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT INTO blocked_entities (entity_type, identifier, blocked_at, duration_ns, reason)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, identifier) DO UPDATE SET
			blocked_at = excluded.blocked_at,
			duration_ns = excluded.duration_ns,
			reason = excluded.reason`,
		string(entity.Type), entity.Identifier, unixNano(entity.BlockedAt), duration, entity.Reason)
	if err != nil {
		return writeError("blocked_entity", err)
	}
	return nil
}

// LoadBlockedEntities returns every block still active at now
func (s *SQLite) LoadBlockedEntities(ctx context.Context, now time.Time) ([]core.BlockedEntity, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT entity_type, identifier, blocked_at, duration_ns, reason FROM blocked_entities`)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocked entities: %w", err)
	}
	defer rows.Close()

	var out []core.BlockedEntity
	for rows.Next() {
		var (
			entityType string
			blockedAt  int64
			duration   sql.NullInt64
			reason     sql.NullString
			b          core.BlockedEntity
		)
		if err := rows.Scan(&entityType, &b.Identifier, &blockedAt, &duration, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan blocked entity: %w", err)
		}
		t, err := core.ParseEntityType(entityType)
		if err != nil {
			s.logger.Warnw("Skipping blocked entity with unknown type",
				"type", entityType,
				"identifier", b.Identifier)
			continue
		}
		b.Type = t
		b.BlockedAt = fromUnixNano(blockedAt)
		b.Reason = reason.String
		if duration.Valid {
			d := time.Duration(duration.Int64)
			b.Duration = &d
		}
		if b.Active(now) {
			out = append(out, b)
		}
	}
	return out, rows.Err()
}

// AppendAuditEntry stores an audit entry
func (s *SQLite) AppendAuditEntry(ctx context.Context, entry core.AuditEntry) error {
	threats, err := toJSON(entry.Threats)
	if err != nil {
		return writeError("audit_entry", err)
	}
	_, err = s.WriteDB.ExecContext(ctx, `
		INSERT OR REPLACE INTO audit_entries (
			id, event_id, event_type, action, user_id, ip_address, user_agent,
			severity, threats, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EventID, entry.EventType, string(entry.Action), entry.UserID,
		entry.IPAddress, entry.UserAgent, string(entry.Severity), threats, unixNano(entry.Timestamp))
	if err != nil {
		return writeError("audit_entry", err)
	}
	return nil
}

// AuditEntries returns the audit trail for an event, oldest first
func (s *SQLite) AuditEntries(ctx context.Context, eventID string) ([]core.AuditEntry, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT id, event_id, event_type, action, user_id, ip_address, user_agent,
			severity, threats, timestamp
		FROM audit_entries WHERE event_id = ? ORDER BY timestamp`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var out []core.AuditEntry
	for rows.Next() {
		var (
			e                core.AuditEntry
			action, severity string
			threats          sql.NullString
			ts               int64
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &action, &e.UserID,
			&e.IPAddress, &e.UserAgent, &severity, &threats, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = core.Action(action)
		e.Severity = core.Severity(severity)
		e.Timestamp = fromUnixNano(ts)
		if err := fromJSON(threats, &e.Threats); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendMetric stores a metric sample
func (s *SQLite) AppendMetric(ctx context.Context, m core.MetricRecord) error {
	labels, err := toJSON(m.Labels)
	if err != nil {
		return writeError("metric", err)
	}
	_, err = s.WriteDB.ExecContext(ctx,
		`INSERT INTO metrics (name, value, labels, timestamp) VALUES (?, ?, ?, ?)`,
		m.Name, m.Value, labels, unixNano(m.Timestamp))
	if err != nil {
		return writeError("metric", err)
	}
	return nil
}

// CountMetrics returns how many samples of name are stored
func (s *SQLite) CountMetrics(ctx context.Context, name string) (int, error) {
	var n int
	err := s.ReadDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count metrics: %w", err)
	}
	return n, nil
}

// AppendQuarantine stores a quarantine record
func (s *SQLite) AppendQuarantine(ctx context.Context, rec core.QuarantineRecord) error {
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT OR REPLACE INTO quarantine (
			id, event_id, event_type, user_id, reason, severity, status, held_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EventID, rec.EventType, rec.UserID, rec.Reason,
		string(rec.Severity), string(rec.Status), unixNano(rec.HeldAt))
	if err != nil {
		return writeError("quarantine", err)
	}
	return nil
}

// PendingQuarantine lists held operations awaiting review
func (s *SQLite) PendingQuarantine(ctx context.Context) ([]core.QuarantineRecord, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT id, event_id, event_type, user_id, reason, severity, status, held_at
		FROM quarantine WHERE status = ? ORDER BY held_at`, string(core.QuarantinePending))
	if err != nil {
		return nil, fmt.Errorf("failed to query quarantine: %w", err)
	}
	defer rows.Close()

	var out []core.QuarantineRecord
	for rows.Next() {
		var (
			r                core.QuarantineRecord
			severity, status string
			heldAt           int64
		)
		if err := rows.Scan(&r.ID, &r.EventID, &r.EventType, &r.UserID, &r.Reason,
			&severity, &status, &heldAt); err != nil {
			return nil, fmt.Errorf("failed to scan quarantine record: %w", err)
		}
		r.Severity = core.Severity(severity)
		r.Status = core.QuarantineStatus(status)
		r.HeldAt = fromUnixNano(heldAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
