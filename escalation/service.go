package escalation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"warden/core"
)

// Requester is the part of *nats.Conn used for request-reply
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSService asks an incident service over NATS request-reply. The bundle
// is sent as JSON and the reply is decoded as core.EscalationResult.
type NATSService struct {
	nc      Requester
	subject string
}

// NewNATSService creates a service bound to subject
func NewNATSService(nc Requester, subject string) *NATSService {
	return &NATSService{nc: nc, subject: subject}
}

// Evaluate implements core.EscalationService
func (s *NATSService) Evaluate(ctx context.Context, bundle core.EvidenceBundle) (core.EscalationResult, error) {
	data, err := json.Marshal(bundle)
	if err != nil {
		return core.EscalationResult{}, fmt.Errorf("marshal evidence bundle: %w", err)
	}
	msg, err := s.nc.RequestWithContext(ctx, s.subject, data)
	if err != nil {
		return core.EscalationResult{}, fmt.Errorf("%w: %w", core.ErrEscalationUnavailable, err)
	}
	var res core.EscalationResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return core.EscalationResult{}, fmt.Errorf("%w: decode reply: %w", core.ErrEscalationUnavailable, err)
	}
	return res, nil
}

// NoopService never escalates. It stands in when escalation is disabled.
type NoopService struct{}

// Evaluate implements core.EscalationService
func (NoopService) Evaluate(context.Context, core.EvidenceBundle) (core.EscalationResult, error) {
	return core.EscalationResult{Escalated: false, Reason: "escalation disabled"}, nil
}

// ServiceFunc adapts a function to core.EscalationService
type ServiceFunc func(ctx context.Context, bundle core.EvidenceBundle) (core.EscalationResult, error)

// Evaluate implements core.EscalationService
func (f ServiceFunc) Evaluate(ctx context.Context, bundle core.EvidenceBundle) (core.EscalationResult, error) {
	return f(ctx, bundle)
}
