package soar

import (
	"context"

	"warden/core"
)

// Request is the input shared by every action handler for one event
type Request struct {
	Event    *core.EnrichedEvent
	Threats  []core.Threat
	Severity core.Severity
}

// Handler executes one action of the response vocabulary
type Handler interface {
	// Action returns the vocabulary entry the handler implements
	Action() core.Action

	// Execute performs the action. It must not block on slow I/O; persistence
	// and notification are expected to be queued.
	Execute(ctx context.Context, req Request) error
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc struct {
	Name core.Action
	Fn   func(ctx context.Context, req Request) error
}

func (h HandlerFunc) Action() core.Action { return h.Name }

func (h HandlerFunc) Execute(ctx context.Context, req Request) error { return h.Fn(ctx, req) }

// Notifier hands alerts and user messages to the notification channels
type Notifier interface {
	// DispatchAlert queues an alert for every enabled channel whose minimum
	// severity the alert reaches. It returns how many channels accepted it.
	DispatchAlert(ctx context.Context, alert core.Alert) int

	// NotifyUser queues an in-app message for the subject user
	NotifyUser(ctx context.Context, userID, subject, message string) error
}

// SignalPublisher forwards rate-limit signals to upstream enforcers
type SignalPublisher interface {
	PublishRateLimit(ctx context.Context, sig RateLimitSignal) error
}
