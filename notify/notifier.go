package notify

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"warden/config"
	"warden/core"
	"warden/metrics"
	"warden/util/goroutine"
)

// ErrQueueFull is returned when no channel could accept a notification
var ErrQueueFull = errors.New("notification queue full")

// DefaultTimeout bounds a single delivery when notify.timeout is unset
const DefaultTimeout = 5 * time.Second

type channel struct {
	cfg         config.ChannelConfig
	minSeverity core.Severity
	transport   core.NotificationTransport
	queue       chan core.Notification
}

// Dispatcher fans notifications out to the configured channels. Each channel
// has its own bounded queue, worker and circuit breaker, so a slow or broken
// channel never delays the pipeline or the other channels.
type Dispatcher struct {
	timeout   time.Duration
	cbConfig  core.CircuitBreakerConfig
	channels  []*channel
	logger    *zap.SugaredLogger
	wg        sync.WaitGroup
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once

	circuitBreakers map[string]*core.CircuitBreaker
	cbMu            sync.RWMutex
}

// NewDispatcher starts a worker per enabled channel that has a transport.
// Enabled channels without a transport are skipped with a warning.
func NewDispatcher(cfg config.NotifyConfig, transports map[string]core.NotificationTransport, logger *zap.SugaredLogger) (*Dispatcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.CircuitBreaker.Validate() != nil {
		cfg.CircuitBreaker = core.DefaultCircuitBreakerConfig()
	}

	d := &Dispatcher{
		timeout:         cfg.Timeout,
		cbConfig:        cfg.CircuitBreaker,
		logger:          logger,
		circuitBreakers: make(map[string]*core.CircuitBreaker),
	}
	for _, chCfg := range cfg.Channels {
		if !chCfg.Enabled {
			continue
		}
		t, ok := transports[chCfg.Name]
		if !ok {
			logger.Warnw("Notification channel has no transport, skipping", "channel", chCfg.Name, "type", chCfg.Type)
			continue
		}
		minSeverity := core.SeverityInfo
		if chCfg.MinSeverity != "" {
			s, err := core.ParseSeverity(chCfg.MinSeverity)
			if err != nil {
				return nil, core.ConfigError("notify.channels."+chCfg.Name+".min_severity", "%v", err)
			}
			minSeverity = s
		}
		ch := &channel{
			cfg:         chCfg,
			minSeverity: minSeverity,
			transport:   t,
			queue:       make(chan core.Notification, cfg.QueueSize),
		}
		d.channels = append(d.channels, ch)
	}

	for _, ch := range d.channels {
		d.wg.Add(1)
		go d.worker(ch)
	}
	logger.Infow("Notification dispatcher started", "channels", len(d.channels))
	return d, nil
}

// getOrCreateCircuitBreaker returns the breaker for a channel, creating it on first use
func (d *Dispatcher) getOrCreateCircuitBreaker(name string) *core.CircuitBreaker {
	d.cbMu.RLock()
	cb, ok := d.circuitBreakers[name]
	d.cbMu.RUnlock()
	if ok {
		return cb
	}

	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	if cb, ok := d.circuitBreakers[name]; ok {
		return cb
	}
	cb, err := core.NewCircuitBreaker("notify."+name, d.cbConfig)
	if err != nil {
		// cbConfig was validated in NewDispatcher
		panic(fmt.Sprintf("notify: circuit breaker for %s: %v", name, err))
	}
	d.circuitBreakers[name] = cb
	return cb
}

// DispatchAlert queues alert on every alert channel whose minimum severity it
// meets and returns how many channels accepted it. It never blocks.
func (d *Dispatcher) DispatchAlert(_ context.Context, alert core.Alert) int {
	accepted := 0
	for _, ch := range d.channels {
		if ch.cfg.Type == ChannelInApp || !alert.Severity.AtLeast(ch.minSeverity) {
			continue
		}
		a := alert
		n := core.Notification{
			Channel: ch.cfg.Name,
			Kind:    core.NotificationAlert,
			Alert:   &a,
			Subject: fmt.Sprintf("%s detected", alert.Rule),
			Message: fmt.Sprintf("Warden raised a %s severity alert for event %s.", alert.Severity, alert.EventID),
		}
		if d.enqueue(ch, n) {
			accepted++
		}
	}
	return accepted
}

// NotifyUser queues a notice for userID on the in-app channels. Without any
// in-app channel the notice is only logged.
func (d *Dispatcher) NotifyUser(_ context.Context, userID, subject, message string) error {
	targets := 0
	accepted := 0
	for _, ch := range d.channels {
		if ch.cfg.Type != ChannelInApp {
			continue
		}
		targets++
		n := core.Notification{
			Channel: ch.cfg.Name,
			Kind:    core.NotificationUser,
			UserID:  userID,
			Subject: subject,
			Message: message,
		}
		if d.enqueue(ch, n) {
			accepted++
		}
	}
	if targets == 0 {
		d.logger.Infow("No in-app channel configured, user notice logged only",
			"user_id", userID,
			"subject", subject)
		return nil
	}
	if accepted == 0 {
		return fmt.Errorf("notify user %s: %w", userID, ErrQueueFull)
	}
	return nil
}

func (d *Dispatcher) enqueue(ch *channel, n core.Notification) bool {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case ch.queue <- n:
		return true
	default:
		metrics.NotificationsFailed.WithLabelValues(ch.cfg.Name, "queue_full").Inc()
		d.logger.Warnw("Notification queue full, dropping",
			"channel", ch.cfg.Name,
			"kind", n.Kind)
		return false
	}
}

func (d *Dispatcher) worker(ch *channel) {
	defer d.wg.Done()
	defer goroutine.Recover("notify."+ch.cfg.Name, d.logger)
	for n := range ch.queue {
		d.deliver(ch, n)
	}
}

func (d *Dispatcher) deliver(ch *channel, n core.Notification) {
	cb := d.getOrCreateCircuitBreaker(ch.cfg.Name)
	if err := cb.Allow(); err != nil {
		metrics.NotificationsFailed.WithLabelValues(ch.cfg.Name, "circuit_open").Inc()
		d.logger.Debugw("Notification skipped, circuit open",
			"channel", ch.cfg.Name,
			"error", err)
		return
	}

	if err := d.send(ch, n); err != nil {
		oldState, newState := cb.RecordFailure()
		metrics.NotificationsFailed.WithLabelValues(ch.cfg.Name, "send_error").Inc()
		d.logger.Warnw("Notification delivery failed",
			"channel", ch.cfg.Name,
			"type", ch.cfg.Type,
			"kind", n.Kind,
			"error", err)
		if oldState != newState {
			d.logger.Warnw("Notification circuit breaker state changed",
				"channel", ch.cfg.Name,
				"from", oldState,
				"to", newState)
		}
		return
	}
	if oldState, newState := cb.RecordSuccess(); oldState != newState {
		d.logger.Infow("Notification circuit breaker state changed",
			"channel", ch.cfg.Name,
			"from", oldState,
			"to", newState)
	}
}

// send runs one transport call under the send timeout. A panicking transport
// is a failed delivery; the channel worker keeps serving its queue.
func (d *Dispatcher) send(ch *channel, n core.Notification) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("Notification transport panicked",
				"channel", ch.cfg.Name,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return ch.transport.Send(ctx, n)
}

// Channels returns the names of the active channels
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.cfg.Name)
	}
	return names
}

// Close stops accepting notifications and waits for the queues to drain or ctx to end
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.closeMu.Lock()
		d.closed = true
		for _, ch := range d.channels {
			close(ch.queue)
		}
		d.closeMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification dispatcher drain: %w", ctx.Err())
	}
}
