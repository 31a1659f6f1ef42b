package core

import "time"

// Alert is an incident candidate handed to notification channels
type Alert struct {
	ID              string     `json:"id"`
	Rule            ThreatType `json:"rule"`
	Severity        Severity   `json:"severity"`
	EventID         string     `json:"event_id"`
	EventType       string     `json:"event_type"`
	UserID          string     `json:"user_id,omitempty"`
	IPAddress       string     `json:"ip_address,omitempty"`
	Threats         []Threat   `json:"threats"`
	Recommendations []string   `json:"recommendations,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// NotificationKind separates operator alerts from messages to the affected user
type NotificationKind string

const (
	NotificationAlert NotificationKind = "alert"
	NotificationUser  NotificationKind = "user"
)

// Notification is the payload given to a NotificationTransport
type Notification struct {
	Channel string           `json:"channel"`
	Kind    NotificationKind `json:"kind"`
	Alert   *Alert           `json:"alert,omitempty"`
	UserID  string           `json:"user_id,omitempty"`
	Subject string           `json:"subject"`
	Message string           `json:"message"`
}
