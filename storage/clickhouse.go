package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
	"warden/util/goroutine"
)

var validDatabaseNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 5 * time.Second
	finalFlushTimeout    = 30 * time.Second
)

const (
	tableSecurityEvents = "security_events"
	tableMetrics        = "metrics"
)

// ClickHouseConfig describes the analytics connection and batching
type ClickHouseConfig struct {
	Addr          []string
	Database      string
	Username      string
	Password      string
	TLS           bool
	BatchSize     int
	FlushInterval time.Duration
}

// OpenClickHouse connects, creates the database if missing and ensures the tables
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig, logger *zap.SugaredLogger) (driver.Conn, error) {
	if err := validateDatabaseName(cfg.Database); err != nil {
		return nil, fmt.Errorf("invalid database name: %w", err)
	}

	options := &clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:     4,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
			return d.DialContext(ctx, "tcp", addr)
		},
	}
	if cfg.TLS {
		options.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if err := createClickHouseTables(pingCtx, conn, cfg.Database); err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Infow("Connected to ClickHouse", "addr", cfg.Addr, "database", cfg.Database)
	return conn, nil
}

func validateDatabaseName(database string) error {
	if database == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if len(database) > 64 {
		return fmt.Errorf("database name too long (max 64 characters)")
	}
	if !validDatabaseNameRegex.MatchString(database) {
		return fmt.Errorf("database name may only contain letters, digits and underscore")
	}
	return nil
}

func createClickHouseTables(ctx context.Context, conn driver.Conn, database string) error {
	statements := []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", database),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s`.%s (\n"+
			"	event_id String,\n"+
			"	type LowCardinality(String),\n"+
			"	timestamp DateTime64(3),\n"+
			"	user_id String,\n"+
			"	ip_address String,\n"+
			"	severity LowCardinality(String),\n"+
			"	threats Array(String),\n"+
			"	actions Array(String),\n"+
			"	degraded Array(String)\n"+
			") ENGINE = MergeTree ORDER BY (timestamp, event_id)", database, tableSecurityEvents),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s`.%s (\n"+
			"	name LowCardinality(String),\n"+
			"	value Float64,\n"+
			"	labels Map(String, String),\n"+
			"	timestamp DateTime64(3)\n"+
			") ENGINE = MergeTree ORDER BY (name, timestamp)", database, tableMetrics),
	}
	for _, stmt := range statements {
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to prepare ClickHouse schema: %w", err)
		}
	}
	return nil
}

// Inserter writes a batch of rows to one table
type Inserter interface {
	Insert(ctx context.Context, table string, rows [][]any) error
}

type connInserter struct {
	conn     driver.Conn
	database string
}

// NewConnInserter adapts a ClickHouse connection to Inserter using the batch API
func NewConnInserter(conn driver.Conn, database string) Inserter {
	return &connInserter{conn: conn, database: database}
}

func (c *connInserter) Insert(ctx context.Context, table string, rows [][]any) error {
	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO `%s`.%s", c.database, table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

type analyticsRow struct {
	table  string
	values []any
}

// ClickHouseSink copies security events and metric samples into ClickHouse in
// batches. Every record is still written to the primary sink first.
type ClickHouseSink struct {
	primary       core.PersistenceSink
	inserter      Inserter
	batchSize     int
	flushInterval time.Duration
	rows          chan analyticsRow
	logger        *zap.SugaredLogger

	wg        sync.WaitGroup
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

var _ core.PersistenceSink = (*ClickHouseSink)(nil)

// NewClickHouseSink starts the batch worker
func NewClickHouseSink(primary core.PersistenceSink, inserter Inserter, cfg ClickHouseConfig, logger *zap.SugaredLogger) *ClickHouseSink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	s := &ClickHouseSink{
		primary:       primary,
		inserter:      inserter,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		rows:          make(chan analyticsRow, cfg.BatchSize*2),
		logger:        logger,
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

func (s *ClickHouseSink) enqueue(row analyticsRow) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.rows <- row:
	default:
		metrics.PersistenceFailures.WithLabelValues("clickhouse_"+row.table, "queue_full").Inc()
	}
}

func (s *ClickHouseSink) worker() {
	defer s.wg.Done()
	defer goroutine.Recover("storage.clickhouse-worker", s.logger)

	batches := make(map[string][][]any)
	pending := 0
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		for table, rows := range batches {
			if len(rows) == 0 {
				continue
			}
			start := time.Now()
			if err := s.inserter.Insert(ctx, table, rows); err != nil {
				metrics.PersistenceFailures.WithLabelValues("clickhouse_"+table, "write_error").Add(float64(len(rows)))
				s.logger.Errorw("Failed to insert ClickHouse batch",
					"table", table,
					"rows", len(rows),
					"error", err)
			} else {
				s.logger.Debugw("Inserted ClickHouse batch",
					"table", table,
					"rows", len(rows),
					"duration", time.Since(start))
			}
			batches[table] = rows[:0:0]
		}
		pending = 0
	}

	for {
		select {
		case row, ok := <-s.rows:
			if !ok {
				ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
				flush(ctx)
				cancel()
				return
			}
			batches[row.table] = append(batches[row.table], row.values)
			pending++
			if pending >= s.batchSize {
				ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
				flush(ctx)
				cancel()
				ticker.Reset(s.flushInterval)
			}
		case <-ticker.C:
			if pending > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
				flush(ctx)
				cancel()
			}
		}
	}
}

func threatNames(threats []core.Threat) []string {
	out := make([]string, 0, len(threats))
	for _, t := range threats {
		out = append(out, string(t.Type))
	}
	return out
}

func actionNames(actions []core.Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, string(a))
	}
	return out
}

// AppendSecurityEvent writes rec to the primary sink and queues it for ClickHouse
func (s *ClickHouseSink) AppendSecurityEvent(ctx context.Context, rec core.SecurityEventRecord) error {
	if err := s.primary.AppendSecurityEvent(ctx, rec); err != nil {
		return err
	}
	degraded := rec.Degraded
	if degraded == nil {
		degraded = []string{}
	}
	s.enqueue(analyticsRow{table: tableSecurityEvents, values: []any{
		rec.EventID, rec.Type, rec.Timestamp, rec.UserID, rec.IPAddress, string(rec.Severity),
		threatNames(rec.Threats), actionNames(rec.Actions), degraded,
	}})
	return nil
}

// AppendMetric writes m to the primary sink and queues it for ClickHouse
func (s *ClickHouseSink) AppendMetric(ctx context.Context, m core.MetricRecord) error {
	if err := s.primary.AppendMetric(ctx, m); err != nil {
		return err
	}
	labels := m.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	s.enqueue(analyticsRow{table: tableMetrics, values: []any{m.Name, m.Value, labels, m.Timestamp}})
	return nil
}

// AppendAlert delegates to the primary sink
func (s *ClickHouseSink) AppendAlert(ctx context.Context, alert core.Alert) error {
	return s.primary.AppendAlert(ctx, alert)
}

// UpsertBlockedEntity delegates to the primary sink
func (s *ClickHouseSink) UpsertBlockedEntity(ctx context.Context, entity core.BlockedEntity) error {
	return s.primary.UpsertBlockedEntity(ctx, entity)
}

// AppendAuditEntry delegates to the primary sink
func (s *ClickHouseSink) AppendAuditEntry(ctx context.Context, entry core.AuditEntry) error {
	return s.primary.AppendAuditEntry(ctx, entry)
}

// AppendQuarantine delegates to the primary sink
func (s *ClickHouseSink) AppendQuarantine(ctx context.Context, rec core.QuarantineRecord) error {
	return s.primary.AppendQuarantine(ctx, rec)
}

// Close flushes buffered rows. It does not close the primary sink.
func (s *ClickHouseSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		close(s.rows)
		s.closeMu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
