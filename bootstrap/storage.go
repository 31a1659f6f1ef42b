package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"warden/config"
	"warden/core"
	"warden/storage"
)

// StorageComponents holds the persistence chain. Sink is what the engine writes to:
// AsyncSink → (ClickHouseSink →) SQLite.
type StorageComponents struct {
	SQLite     *storage.SQLite
	ClickHouse driver.Conn
	Analytics  *storage.ClickHouseSink
	Async      *storage.AsyncSink
	Sink       core.PersistenceSink
}

// InitSQLite opens the primary store
func InitSQLite(path string, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	sqlite, err := storage.NewSQLite(path, sugar)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: SQLite Initialization Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", ClassifySQLiteError(err, path))
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	sugar.Infow("SQLite initialized", "path", path)
	return sqlite, nil
}

// InitClickHouse connects to the analytics store, retrying with backoff.
// The caller decides whether a failure is fatal.
func InitClickHouse(ctx context.Context, cfg storage.ClickHouseConfig, sugar *zap.SugaredLogger) (driver.Conn, error) {
	const maxRetries = 3
	retryDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			sugar.Infow("Retrying ClickHouse connection",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", retryDelays[attempt-1])
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelays[attempt-1]):
			}
		}

		conn, err := storage.OpenClickHouse(ctx, cfg, sugar)
		if err == nil {
			sugar.Info("Connected to ClickHouse successfully")
			return conn, nil
		}
		lastErr = err
		sugar.Warnw("ClickHouse connection attempt failed",
			"attempt", attempt+1,
			"error", err)
	}

	addr := ""
	if len(cfg.Addr) > 0 {
		addr = cfg.Addr[0]
	}
	sugar.Errorw("ClickHouse unavailable", "detail", ClassifyConnectionError(lastErr, addr))
	return nil, fmt.Errorf("failed to connect to ClickHouse after %d attempts: %w", maxRetries+1, lastErr)
}

// InitStorage builds the persistence chain from configuration. An unreachable
// ClickHouse disables analytics instead of failing startup.
func InitStorage(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	sqlite, err := InitSQLite(cfg.Storage.SQLitePath, sugar)
	if err != nil {
		return nil, err
	}
	sc := &StorageComponents{SQLite: sqlite}
	var next core.PersistenceSink = sqlite

	if cfg.Storage.ClickHouse.Enabled {
		chCfg := storage.ClickHouseConfig{
			Addr:          cfg.Storage.ClickHouse.Addr,
			Database:      cfg.Storage.ClickHouse.Database,
			Username:      cfg.Storage.ClickHouse.Username,
			Password:      cfg.Storage.ClickHouse.Password,
			TLS:           cfg.Storage.ClickHouse.TLS,
			BatchSize:     cfg.Storage.ClickHouse.BatchSize,
			FlushInterval: cfg.Storage.ClickHouse.FlushInterval,
		}
		conn, err := InitClickHouse(ctx, chCfg, sugar)
		if err != nil {
			sugar.Warnw("Continuing without ClickHouse analytics", "error", err)
		} else {
			sc.ClickHouse = conn
			sc.Analytics = storage.NewClickHouseSink(sqlite, storage.NewConnInserter(conn, chCfg.Database), chCfg, sugar)
			next = sc.Analytics
		}
	}

	sc.Async = storage.NewAsyncSink(next, storage.AsyncConfig{
		QueueSize:    cfg.Storage.Async.QueueSize,
		Workers:      cfg.Storage.Async.Workers,
		MaxRetries:   cfg.Storage.Async.MaxRetries,
		RetryBackoff: cfg.Storage.Async.RetryBackoff,
	}, sugar)
	sc.Sink = sc.Async
	return sc, nil
}

// Close drains the chain front to back so queued records reach SQLite before it closes
func (sc *StorageComponents) Close(ctx context.Context, sugar *zap.SugaredLogger) {
	if sc.Async != nil {
		if err := sc.Async.Close(ctx); err != nil {
			sugar.Errorw("Persistence queue did not drain", "error", err)
		}
	}
	if sc.Analytics != nil {
		if err := sc.Analytics.Close(ctx); err != nil {
			sugar.Errorw("ClickHouse sink did not flush", "error", err)
		}
	}
	if sc.ClickHouse != nil {
		if err := sc.ClickHouse.Close(); err != nil {
			sugar.Errorw("Failed to close ClickHouse connection", "error", err)
		}
	}
	if sc.SQLite != nil {
		if err := sc.SQLite.Close(); err != nil {
			sugar.Errorw("Failed to close SQLite", "error", err)
		}
	}
}
