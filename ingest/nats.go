package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
	"warden/util"
	"warden/util/goroutine"
)

const (
	defaultSubscriberWorkers = 16
	defaultProcessTimeout    = 10 * time.Second
)

// Conn is the part of *nats.Conn used by the subscriber
type Conn interface {
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	PublishMsg(m *nats.Msg) error
}

// SubscriberConfig controls the NATS event subscriber
type SubscriberConfig struct {
	Subject        string
	QueueGroup     string
	Workers        int
	ProcessTimeout time.Duration
}

// errorReply is sent back when an event is rejected
type errorReply struct {
	Error string `json:"error"`
}

// Subscriber feeds events published on a NATS subject into the engine.
// Messages are processed concurrently, bounded by Workers.
type Subscriber struct {
	nc      Conn
	engine  Ingester
	cfg     SubscriberConfig
	logger  *zap.SugaredLogger
	sub     *nats.Subscription
	slots   chan struct{}
	wg      sync.WaitGroup
	stopped bool
	mu      sync.Mutex
}

// NewSubscriber creates a subscriber; call Start to begin consuming
func NewSubscriber(nc Conn, engine Ingester, cfg SubscriberConfig, logger *zap.SugaredLogger) *Subscriber {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultSubscriberWorkers
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = defaultProcessTimeout
	}
	return &Subscriber{
		nc:     nc,
		engine: engine,
		cfg:    cfg,
		logger: logger,
		slots:  make(chan struct{}, cfg.Workers),
	}
}

// Start subscribes to the events subject
func (s *Subscriber) Start() error {
	sub, err := s.nc.QueueSubscribe(s.cfg.Subject, s.cfg.QueueGroup, s.dispatch)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.logger.Infow("NATS event subscriber started",
		"subject", s.cfg.Subject,
		"queue_group", s.cfg.QueueGroup,
		"workers", s.cfg.Workers)
	return nil
}

// dispatch is the NATS callback. It waits for a free slot so a burst
// applies backpressure to the subscription instead of spawning unbounded work.
func (s *Subscriber) dispatch(msg *nats.Msg) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.slots <- struct{}{}
	go func() {
		defer s.wg.Done()
		defer func() { <-s.slots }()
		defer goroutine.Recover("ingest.nats-subscriber", s.logger)
		s.handle(msg)
	}()
}

func (s *Subscriber) handle(msg *nats.Msg) {
	contentType := ""
	if msg.Header != nil {
		contentType = msg.Header.Get("Content-Type")
	}

	raw, err := DecodeRawEvent(contentType, msg.Data)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("decode").Inc()
		s.logger.Warnw("Rejected NATS event",
			"subject", msg.Subject,
			"error", util.SanitizeError(err))
		s.reply(msg, contentType, errorReply{Error: core.ErrInvalidEvent.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProcessTimeout)
	defer cancel()
	res, err := s.engine.Ingest(ctx, raw)
	if err != nil {
		s.logger.Warnw("Rejected NATS event",
			"subject", msg.Subject,
			"error", util.SanitizeError(err))
		reason := "internal error"
		if errors.Is(err, core.ErrInvalidEvent) {
			reason = util.SanitizeError(err)
		}
		s.reply(msg, contentType, errorReply{Error: reason})
		return
	}
	s.reply(msg, contentType, res)
}

func (s *Subscriber) reply(msg *nats.Msg, contentType string, v any) {
	if msg.Reply == "" {
		return
	}
	data, ct, err := EncodeReply(contentType, v)
	if err != nil {
		s.logger.Errorw("Failed to encode NATS reply", "error", err)
		return
	}
	out := nats.NewMsg(msg.Reply)
	out.Data = data
	out.Header.Set("Content-Type", ct)
	if err := s.nc.PublishMsg(out); err != nil {
		s.logger.Warnw("Failed to publish NATS reply",
			"reply", msg.Reply,
			"error", err)
	}
}

// Stop drains the subscription and waits for in-flight events or ctx
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	sub := s.sub
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.logger.Warnw("Failed to unsubscribe", "error", err)
		}
	}

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
