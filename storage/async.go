package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
	"warden/util"
	"warden/util/goroutine"
)

const (
	defaultAsyncQueueSize = 4096
	defaultAsyncWorkers   = 2
	defaultRetryBackoff   = 200 * time.Millisecond
	maxRetryBackoff       = 5 * time.Second
	asyncWriteTimeout     = 5 * time.Second
)

// AsyncConfig sizes an AsyncSink
type AsyncConfig struct {
	QueueSize    int
	Workers      int
	MaxRetries   int
	RetryBackoff time.Duration
}

// pendingWrite is one queued record
type pendingWrite struct {
	record string
	write  func(ctx context.Context) error
}

// AsyncSink queues writes for a PersistenceSink and applies them on a worker pool.
// Appends never block: a full queue drops the record and counts the drop.
type AsyncSink struct {
	next       core.PersistenceSink
	queue      chan pendingWrite
	maxRetries int
	backoff    time.Duration
	logger     *zap.SugaredLogger

	wg        sync.WaitGroup
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

var _ core.PersistenceSink = (*AsyncSink)(nil)

// NewAsyncSink starts cfg.Workers writers in front of next
func NewAsyncSink(next core.PersistenceSink, cfg AsyncConfig, logger *zap.SugaredLogger) *AsyncSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultAsyncQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultAsyncWorkers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}

	s := &AsyncSink{
		next:       next,
		queue:      make(chan pendingWrite, cfg.QueueSize),
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		logger:     logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	logger.Infow("Async persistence started",
		"workers", cfg.Workers,
		"queue_size", cfg.QueueSize,
		"max_retries", cfg.MaxRetries)
	return s
}

func (s *AsyncSink) enqueue(record string, write func(ctx context.Context) error) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		metrics.PersistenceFailures.WithLabelValues(record, "closed").Inc()
		return writeError(record, ErrClosed)
	}

	select {
	case s.queue <- pendingWrite{record: record, write: write}:
		metrics.PersistenceQueueDepth.Set(float64(len(s.queue)))
		return nil
	default:
		metrics.PersistenceFailures.WithLabelValues(record, "queue_full").Inc()
		s.logger.Warnw("Persistence queue full, dropping record", "record", record)
		return writeError(record, ErrQueueFull)
	}
}

func (s *AsyncSink) worker(id int) {
	defer s.wg.Done()
	defer goroutine.Recover("storage.async-worker", s.logger)

	for w := range s.queue {
		metrics.PersistenceQueueDepth.Set(float64(len(s.queue)))
		s.apply(id, w)
	}
}

// apply runs one write with bounded retries. Close still drains in-flight retries.
func (s *AsyncSink) apply(workerID int, w pendingWrite) {
	backoff := s.backoff
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), asyncWriteTimeout)
		err = w.write(ctx)
		cancel()
		if err == nil {
			return
		}
		s.logger.Debugw("Persistence write failed",
			"record", w.record,
			"attempt", attempt+1,
			"worker_id", workerID,
			"error", util.SanitizeError(err))
	}

	metrics.PersistenceFailures.WithLabelValues(w.record, "write_error").Inc()
	s.logger.Errorw("Dropping record after retries",
		"record", w.record,
		"attempts", s.maxRetries+1,
		"error", util.SanitizeError(err))
}

// AppendSecurityEvent queues rec
func (s *AsyncSink) AppendSecurityEvent(_ context.Context, rec core.SecurityEventRecord) error {
	return s.enqueue("security_event", func(ctx context.Context) error {
		return s.next.AppendSecurityEvent(ctx, rec)
	})
}

// AppendAlert queues alert
func (s *AsyncSink) AppendAlert(_ context.Context, alert core.Alert) error {
	return s.enqueue("alert", func(ctx context.Context) error {
		return s.next.AppendAlert(ctx, alert)
	})
}

// UpsertBlockedEntity queues entity
func (s *AsyncSink) UpsertBlockedEntity(_ context.Context, entity core.BlockedEntity) error {
	return s.enqueue("blocked_entity", func(ctx context.Context) error {
		return s.next.UpsertBlockedEntity(ctx, entity)
	})
}

// AppendAuditEntry queues entry
func (s *AsyncSink) AppendAuditEntry(_ context.Context, entry core.AuditEntry) error {
	return s.enqueue("audit_entry", func(ctx context.Context) error {
		return s.next.AppendAuditEntry(ctx, entry)
	})
}

// AppendMetric queues m
func (s *AsyncSink) AppendMetric(_ context.Context, m core.MetricRecord) error {
	return s.enqueue("metric", func(ctx context.Context) error {
		return s.next.AppendMetric(ctx, m)
	})
}

// AppendQuarantine queues rec
func (s *AsyncSink) AppendQuarantine(_ context.Context, rec core.QuarantineRecord) error {
	return s.enqueue("quarantine", func(ctx context.Context) error {
		return s.next.AppendQuarantine(ctx, rec)
	})
}

// Pending returns the number of queued records
func (s *AsyncSink) Pending() int {
	return len(s.queue)
}

// Close stops accepting records and waits for the queue to drain or ctx to end
func (s *AsyncSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		close(s.queue)
		s.closeMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		metrics.PersistenceQueueDepth.Set(0)
		return nil
	case <-ctx.Done():
		s.logger.Warnw("Persistence queue not drained before shutdown", "pending", len(s.queue))
		return ctx.Err()
	}
}
