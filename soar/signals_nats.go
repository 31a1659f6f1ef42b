package soar

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// MsgPublisher is the part of *nats.Conn used to publish signals
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSignalPublisher announces rate-limit signals on a subject so gateways
// and other enforcers can apply them
type NATSSignalPublisher struct {
	nc      MsgPublisher
	subject string
}

// NewNATSSignalPublisher creates a publisher bound to subject
func NewNATSSignalPublisher(nc MsgPublisher, subject string) *NATSSignalPublisher {
	return &NATSSignalPublisher{nc: nc, subject: subject}
}

// PublishRateLimit implements SignalPublisher
func (p *NATSSignalPublisher) PublishRateLimit(ctx context.Context, sig RateLimitSignal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal rate limit signal: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", p.subject, err)
	}
	return nil
}
