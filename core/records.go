package core

import "time"

// SecurityEventRecord is the persisted form of a processed event
type SecurityEventRecord struct {
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Severity  Severity       `json:"severity"`
	Threats   []Threat       `json:"threats,omitempty"`
	Actions   []Action       `json:"actions"`
	Degraded  []string       `json:"degraded,omitempty"`
}

// AuditEntry records a security-relevant event for compliance review
type AuditEntry struct {
	ID        string       `json:"id"`
	EventID   string       `json:"event_id"`
	EventType string       `json:"event_type"`
	Action    Action       `json:"action"`
	UserID    string       `json:"user_id,omitempty"`
	IPAddress string       `json:"ip_address,omitempty"`
	UserAgent string       `json:"user_agent,omitempty"`
	Severity  Severity     `json:"severity"`
	Threats   []ThreatType `json:"threats,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// MetricRecord is a single sample written to the metrics sink
type MetricRecord struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// QuarantineStatus tracks a held operation
type QuarantineStatus string

const (
	QuarantinePending  QuarantineStatus = "pending"
	QuarantineReleased QuarantineStatus = "released"
	QuarantineRejected QuarantineStatus = "rejected"
)

// QuarantineRecord marks an operation held for review
type QuarantineRecord struct {
	ID        string           `json:"id"`
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	UserID    string           `json:"user_id,omitempty"`
	Reason    string           `json:"reason"`
	Severity  Severity         `json:"severity"`
	Status    QuarantineStatus `json:"status"`
	HeldAt    time.Time        `json:"held_at"`
}
