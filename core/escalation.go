package core

import "time"

// ThreatSummary is the escalation-safe view of a Threat
type ThreatSummary struct {
	Type     ThreatType     `json:"type"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

// EvidenceBundle is what leaves the process when escalation is requested.
// It never carries request bodies, headers, query strings or credentials.
type EvidenceBundle struct {
	EventID          string            `json:"event_id"`
	EventType        string            `json:"event_type"`
	Timestamp        time.Time         `json:"timestamp"`
	Severity         Severity          `json:"severity"`
	CorrelationKey   string            `json:"correlation_key"`
	UserID           string            `json:"user_id,omitempty"`
	IPAddress        string            `json:"ip_address,omitempty"`
	Threats          []ThreatSummary   `json:"threats"`
	Payload          map[string]string `json:"payload,omitempty"`
	RecentIncidentID string            `json:"recent_incident_id,omitempty"`
}

// EscalationResult is the gate's verdict for one event
type EscalationResult struct {
	Escalated  bool   `json:"escalated"`
	IncidentID string `json:"incident_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ProcessResult is returned by the engine for every ingested event
type ProcessResult struct {
	EventID      string            `json:"eventId"`
	ThreatsCount int               `json:"threatsCount"`
	Severity     Severity          `json:"severity"`
	ActionsTaken []Action          `json:"actionsTaken"`
	Escalation   *EscalationResult `json:"escalation,omitempty"`
}
