package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"warden/core"
)

type insertCall struct {
	table string
	rows  [][]any
}

type fakeInserter struct {
	mu    sync.Mutex
	calls []insertCall
	err   error
}

func (f *fakeInserter) Insert(_ context.Context, table string, rows [][]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, insertCall{table: table, rows: rows})
	return f.err
}

func (f *fakeInserter) rowsFor(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.table == table {
			n += len(c.rows)
		}
	}
	return n
}

func closeClickHouse(t *testing.T, s *ClickHouseSink) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
}

func TestClickHouseSink_FlushesOnBatchSize(t *testing.T) {
	primary := setupTestSQLite(t)
	ins := &fakeInserter{}
	s := NewClickHouseSink(primary, ins, ClickHouseConfig{BatchSize: 3, FlushInterval: time.Hour}, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		require.NoError(t, s.AppendSecurityEvent(ctx, core.SecurityEventRecord{
			EventID:   id,
			Type:      core.EventTypeFailedLogin,
			Timestamp: t0,
			Severity:  core.SeverityHigh,
			Threats:   []core.Threat{{Type: core.ThreatBruteForce, Severity: core.SeverityHigh}},
			Actions:   []core.Action{core.ActionLog},
		}))
	}

	assert.Eventually(t, func() bool { return ins.rowsFor(tableSecurityEvents) == 3 }, time.Second, 5*time.Millisecond)

	ins.mu.Lock()
	row := ins.calls[0].rows[0]
	ins.mu.Unlock()
	assert.Equal(t, "evt-1", row[0])
	assert.Equal(t, []string{"brute_force_attack"}, row[6])
	assert.Equal(t, []string{"log"}, row[7])
	assert.Equal(t, []string{}, row[8])

	// the primary store still has every record
	_, err := primary.GetSecurityEvent(ctx, "evt-2")
	assert.NoError(t, err)
	closeClickHouse(t, s)
}

func TestClickHouseSink_FlushesOnInterval(t *testing.T) {
	ins := &fakeInserter{}
	s := NewClickHouseSink(setupTestSQLite(t), ins, ClickHouseConfig{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, zaptest.NewLogger(t).Sugar())

	require.NoError(t, s.AppendMetric(context.Background(), core.MetricRecord{Name: "events_ingested", Value: 1, Timestamp: t0}))
	assert.Eventually(t, func() bool { return ins.rowsFor(tableMetrics) == 1 }, time.Second, 5*time.Millisecond)
	closeClickHouse(t, s)
}

func TestClickHouseSink_CloseFlushesRemainder(t *testing.T) {
	ins := &fakeInserter{}
	s := NewClickHouseSink(setupTestSQLite(t), ins, ClickHouseConfig{BatchSize: 100, FlushInterval: time.Hour}, zaptest.NewLogger(t).Sugar())

	require.NoError(t, s.AppendMetric(context.Background(), core.MetricRecord{Name: "a", Timestamp: t0}))
	require.NoError(t, s.AppendMetric(context.Background(), core.MetricRecord{Name: "b", Timestamp: t0}))
	closeClickHouse(t, s)

	assert.Equal(t, 2, ins.rowsFor(tableMetrics))
}

func TestClickHouseSink_DelegatesOtherRecords(t *testing.T) {
	primary := setupTestSQLite(t)
	ins := &fakeInserter{}
	s := NewClickHouseSink(primary, ins, ClickHouseConfig{BatchSize: 10, FlushInterval: time.Hour}, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	require.NoError(t, s.AppendAuditEntry(ctx, core.AuditEntry{ID: "a-1", EventID: "evt-1", Action: core.ActionAudit, Timestamp: t0}))
	require.NoError(t, s.UpsertBlockedEntity(ctx, core.BlockedEntity{Type: core.EntityUser, Identifier: "u-1", BlockedAt: t0}))
	closeClickHouse(t, s)

	entries, err := primary.AuditEntries(ctx, "evt-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	blocks, err := primary.LoadBlockedEntities(ctx, t0)
	require.NoError(t, err)
	assert.Len(t, blocks, 1)
	assert.Empty(t, ins.calls)
}

func TestClickHouseSink_InsertFailureDoesNotAffectPrimary(t *testing.T) {
	primary := setupTestSQLite(t)
	ins := &fakeInserter{err: errors.New("connection reset by peer")}
	s := NewClickHouseSink(primary, ins, ClickHouseConfig{BatchSize: 1, FlushInterval: time.Hour}, zaptest.NewLogger(t).Sugar())

	require.NoError(t, s.AppendMetric(context.Background(), core.MetricRecord{Name: "m", Timestamp: t0}))
	closeClickHouse(t, s)

	n, err := primary.CountMetrics(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestValidateDatabaseName(t *testing.T) {
	assert.NoError(t, validateDatabaseName("warden_analytics"))
	assert.Error(t, validateDatabaseName(""))
	assert.Error(t, validateDatabaseName("warden; DROP TABLE x"))
	assert.Error(t, validateDatabaseName(string(make([]byte, 65))))
}
