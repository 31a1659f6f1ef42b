package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"warden/core"
)

// SystemMetadataKey names a row in system_metadata
type SystemMetadataKey string

const (
	// SystemKeyFirstStartedAt is the RFC 3339 time the engine first opened this database
	SystemKeyFirstStartedAt SystemMetadataKey = "first_started_at"
	// SystemKeyLastStartedAt is refreshed on every start
	SystemKeyLastStartedAt SystemMetadataKey = "last_started_at"
	// SystemKeyVersion is the build that last opened the database
	SystemKeyVersion SystemMetadataKey = "version"
)

// GetSystemMetadata returns the value for key, wrapping core.ErrNotFound when unset
func (s *SQLite) GetSystemMetadata(ctx context.Context, key SystemMetadataKey) (string, error) {
	var value string
	err := s.ReadDB.QueryRowContext(ctx,
		"SELECT value FROM system_metadata WHERE key = ?", string(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("system metadata %s: %w", key, core.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get system metadata: %w", err)
	}
	return value, nil
}

// SetSystemMetadata upserts key
func (s *SQLite) SetSystemMetadata(ctx context.Context, key SystemMetadataKey, value string) error {
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT INTO system_metadata (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, string(key), value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to set system metadata: %w", err)
	}
	return nil
}

// IsFirstRun reports whether RecordStart has never run against this database
func (s *SQLite) IsFirstRun(ctx context.Context) (bool, error) {
	_, err := s.GetSystemMetadata(ctx, SystemKeyFirstStartedAt)
	if errors.Is(err, core.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// RecordStart stamps the start time and version. first is true when this is
// the first start recorded in the database.
func (s *SQLite) RecordStart(ctx context.Context, now time.Time, version string) (first bool, err error) {
	first, err = s.IsFirstRun(ctx)
	if err != nil {
		return false, err
	}
	stamp := now.UTC().Format(time.RFC3339)
	if first {
		if err := s.SetSystemMetadata(ctx, SystemKeyFirstStartedAt, stamp); err != nil {
			return false, err
		}
	}
	if err := s.SetSystemMetadata(ctx, SystemKeyLastStartedAt, stamp); err != nil {
		return first, err
	}
	if version != "" {
		if err := s.SetSystemMetadata(ctx, SystemKeyVersion, version); err != nil {
			return first, err
		}
	}
	return first, nil
}
