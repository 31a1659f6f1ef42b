package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"warden/core"
)

var (
	_ core.IdentityStore     = (*SQLite)(nil)
	_ core.IPReputationStore = (*SQLite)(nil)
	_ core.LoginHistory      = (*SQLite)(nil)
)

// GetUser implements core.IdentityStore
func (s *SQLite) GetUser(ctx context.Context, userID string) (*core.UserSnapshot, error) {
	var (
		u                    core.UserSnapshot
		createdAt, lastLogin sql.NullInt64
	)
	err := s.ReadDB.QueryRowContext(ctx,
		`SELECT id, role, created_at, last_login_at FROM users WHERE id = ?`, userID).
		Scan(&u.ID, &u.Role, &createdAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	u.CreatedAt = fromUnixNano(createdAt.Int64)
	u.LastLoginAt = fromUnixNano(lastLogin.Int64)
	return &u, nil
}

// PutUser inserts or replaces a user snapshot
func (s *SQLite) PutUser(ctx context.Context, u core.UserSnapshot) error {
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT INTO users (id, role, created_at, last_login_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			created_at = excluded.created_at,
			last_login_at = excluded.last_login_at`,
		u.ID, u.Role, unixNano(u.CreatedAt), unixNano(u.LastLoginAt))
	if err != nil {
		return fmt.Errorf("failed to store user %s: %w", u.ID, err)
	}
	return nil
}

// GetSession implements core.IdentityStore
func (s *SQLite) GetSession(ctx context.Context, sessionID string) (*core.SessionContext, error) {
	var (
		sc                  core.SessionContext
		createdAt, activity int64
	)
	err := s.ReadDB.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, last_activity_at FROM sessions WHERE id = ?`, sessionID).
		Scan(&sc.ID, &sc.UserID, &createdAt, &activity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	sc.CreatedAt = fromUnixNano(createdAt)
	sc.LastActivityAt = fromUnixNano(activity)
	return &sc, nil
}

// PutSession inserts or replaces a session
func (s *SQLite) PutSession(ctx context.Context, sc core.SessionContext) error {
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (id, user_id, created_at, last_activity_at)
		VALUES (?, ?, ?, ?)`,
		sc.ID, sc.UserID, unixNano(sc.CreatedAt), unixNano(sc.LastActivityAt))
	if err != nil {
		return fmt.Errorf("failed to store session %s: %w", sc.ID, err)
	}
	return nil
}

// IsKnownIP implements core.IPReputationStore. Unlisted addresses are unknown.
func (s *SQLite) IsKnownIP(ctx context.Context, ip string) (bool, error) {
	var known bool
	err := s.ReadDB.QueryRowContext(ctx, `SELECT known FROM ip_reputation WHERE ip = ?`, ip).Scan(&known)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query ip reputation: %w", err)
	}
	return known, nil
}

// GetGeography implements core.IPReputationStore
func (s *SQLite) GetGeography(ctx context.Context, ip string) (string, error) {
	var country sql.NullString
	err := s.ReadDB.QueryRowContext(ctx, `SELECT country FROM ip_reputation WHERE ip = ?`, ip).Scan(&country)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && country.String == "") {
		return "", fmt.Errorf("geography for %s: %w", ip, core.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query geography: %w", err)
	}
	return country.String, nil
}

// PutIPReputation records whether ip is known and where it is located
func (s *SQLite) PutIPReputation(ctx context.Context, ip string, known bool, country string) error {
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT OR REPLACE INTO ip_reputation (ip, known, country) VALUES (?, ?, ?)`,
		ip, known, country)
	if err != nil {
		return fmt.Errorf("failed to store ip reputation for %s: %w", ip, err)
	}
	return nil
}

// RecentLogins implements core.LoginHistory, newest first
func (s *SQLite) RecentLogins(ctx context.Context, userID string, limit int) ([]core.LoginRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT timestamp, ip_address, country FROM login_history
		WHERE user_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query login history: %w", err)
	}
	defer rows.Close()

	var out []core.LoginRecord
	for rows.Next() {
		var (
			r           core.LoginRecord
			ts          int64
			ip, country sql.NullString
		)
		if err := rows.Scan(&ts, &ip, &country); err != nil {
			return nil, fmt.Errorf("failed to scan login record: %w", err)
		}
		r.Timestamp = fromUnixNano(ts)
		r.IPAddress = ip.String
		r.Country = country.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordLogin appends a successful login to userID's history
func (s *SQLite) RecordLogin(ctx context.Context, userID string, r core.LoginRecord) error {
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT INTO login_history (user_id, ip_address, country, timestamp) VALUES (?, ?, ?, ?)`,
		userID, r.IPAddress, r.Country, unixNano(r.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to record login for %s: %w", userID, err)
	}
	return nil
}
