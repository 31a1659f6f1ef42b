package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"warden/util"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// SQLite holds the database connections for the durable store.
// Writes go through a single connection; reads use a separate query_only pool
// so WAL readers never queue behind the writer.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	logger  *zap.SugaredLogger
}

// Pragmas applied to every pooled connection through the DSN
var connPragmas = []string{
	"busy_timeout(5000)",
	"foreign_keys(1)",
}

// dsn builds a modernc DSN. In-memory databases get a unique shared-cache name
// so both pools see the same tables without leaking into other instances.
func dsn(dbPath string) string {
	q := url.Values{}
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}
	if dbPath == MemoryPath {
		q.Set("mode", "memory")
		q.Set("cache", "shared")
		return "file:warden-" + uuid.NewString() + "?" + q.Encode()
	}
	return "file:" + dbPath + "?" + q.Encode()
}

// configureSQLiteConnection checks the connection-level settings took effect
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string, poolType string) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled on %s pool (got %d)", poolType, fkEnabled)
	}

	// journal_mode is a property of the file, so only the writer sets it.
	// In-memory databases always report "memory".
	if poolType == "write" && dbPath != MemoryPath {
		var journalMode string
		if err := db.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			return fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		if journalMode != "wal" {
			return fmt.Errorf("WAL mode not enabled (got %s)", journalMode)
		}
	}

	logger.Debugw("SQLite pool configured", "pool", poolType, "path", dbPath)
	return nil
}

// NewSQLite opens (creating if needed) the database at dbPath and ensures the schema.
// Pass MemoryPath for a throwaway database.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if dbPath != MemoryPath {
		clean, err := util.CleanPath(dbPath, true)
		if err != nil {
			return nil, fmt.Errorf("invalid database path: %w", err)
		}
		dbPath = clean
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	writeDSN := dsn(dbPath)
	writeDB, err := sql.Open("sqlite", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	// An in-memory database disappears with its last connection
	writeDB.SetConnMaxLifetime(0)
	if err := configureSQLiteConnection(writeDB, logger, dbPath, "write"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	readDB, err := sql.Open("sqlite", writeDSN+"&_pragma="+url.QueryEscape("query_only(1)"))
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxIdleTime(10 * time.Minute)
	if err := configureSQLiteConnection(readDB, logger, dbPath, "read"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		logger:  logger,
	}
	if err := s.createTables(); err != nil {
		_ = s.Close()
		return nil, err
	}

	logger.Infow("SQLite store ready", "path", dbPath)
	return s, nil
}

// WithTransaction runs fn in a write transaction, rolling back on error or panic
func (s *SQLite) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS security_events (
		event_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		user_id TEXT,
		ip_address TEXT,
		session_id TEXT,
		user_agent TEXT,
		severity TEXT,
		payload TEXT,
		threats TEXT,
		actions TEXT,
		degraded TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_security_events_timestamp ON security_events(timestamp);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		rule TEXT NOT NULL,
		severity TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT,
		user_id TEXT,
		ip_address TEXT,
		threats TEXT,
		recommendations TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_event ON alerts(event_id);

	CREATE TABLE IF NOT EXISTS blocked_entities (
		entity_type TEXT NOT NULL,
		identifier TEXT NOT NULL,
		blocked_at INTEGER NOT NULL,
		duration_ns INTEGER,
		reason TEXT,
		PRIMARY KEY (entity_type, identifier)
	);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		event_type TEXT,
		action TEXT NOT NULL,
		user_id TEXT,
		ip_address TEXT,
		user_agent TEXT,
		severity TEXT,
		threats TEXT,
		timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		value REAL NOT NULL,
		labels TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_name ON metrics(name, timestamp);

	CREATE TABLE IF NOT EXISTS quarantine (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		event_type TEXT,
		user_id TEXT,
		reason TEXT,
		severity TEXT,
		status TEXT NOT NULL,
		held_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_login_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ip_reputation (
		ip TEXT PRIMARY KEY,
		known INTEGER NOT NULL DEFAULT 0,
		country TEXT
	);

	CREATE TABLE IF NOT EXISTS login_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		ip_address TEXT,
		country TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_login_history_user ON login_history(user_id, timestamp DESC);

	CREATE TABLE IF NOT EXISTS system_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Close closes both pools
func (s *SQLite) Close() error {
	var writeErr, readErr error
	if s.ReadDB != nil {
		readErr = s.ReadDB.Close()
	}
	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}
	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}

// HealthCheck verifies the database is reachable
func (s *SQLite) HealthCheck(ctx context.Context) error {
	return s.WriteDB.PingContext(ctx)
}
