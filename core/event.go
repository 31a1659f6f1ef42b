package core

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known event types. Any dotted type is accepted; these are the ones the
// detection rules and the default action table know about.
const (
	EventTypeLogin        = "auth.login"
	EventTypeFailedLogin  = "auth.failed_login"
	EventTypeLogout       = "auth.logout"
	EventTypeRoleChange   = "user.role_change"
	EventTypeDataExport   = "data.export"
	EventTypeDataAccess   = "data.access"
	EventTypeConfigChange = "system.config_change"

	authEventPrefix = "auth."
)

// Payload keys read by the pipeline
const (
	PayloadUsername        = "username"
	PayloadRecordsAccessed = "recordsAccessed"
	PayloadOldRole         = "oldRole"
	PayloadNewRole         = "newRole"
	PayloadQuery           = "query"
	PayloadBody            = "body"
	PayloadHeaders         = "headers"
	PayloadURL             = "url"
	PayloadMethod          = "method"
	PayloadResource        = "resource"
)

// RawEvent is what callers submit to the engine.
type RawEvent struct {
	Type           string         `json:"type" msgpack:"type" validate:"required,max=128,contains=."`
	Timestamp      *time.Time     `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	UserID         string         `json:"user_id,omitempty" msgpack:"user_id,omitempty" validate:"max=256"`
	IPAddress      string         `json:"ip_address,omitempty" msgpack:"ip_address,omitempty" validate:"omitempty,ip"`
	SessionID      string         `json:"session_id,omitempty" msgpack:"session_id,omitempty" validate:"max=256"`
	UserAgent      string         `json:"user_agent,omitempty" msgpack:"user_agent,omitempty" validate:"max=1024"`
	PermanentBlock bool           `json:"permanent_block,omitempty" msgpack:"permanent_block,omitempty"`
	Payload        map[string]any `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// SecurityEvent is a normalized activity event. It is not modified once it
// has been handed to the detector.
type SecurityEvent struct {
	ID                     string         `json:"id"`
	Type                   string         `json:"type"`
	Timestamp              time.Time      `json:"timestamp"`
	SubjectUserID          string         `json:"user_id,omitempty"`
	IPAddress              string         `json:"ip_address,omitempty"`
	SessionID              string         `json:"session_id,omitempty"`
	UserAgent              string         `json:"user_agent,omitempty"`
	Payload                map[string]any `json:"payload,omitempty"`
	RequiresPermanentBlock bool           `json:"permanent_block,omitempty"`
}

// NewSecurityEvent normalizes a raw event. A missing timestamp defaults to now.
func NewSecurityEvent(raw RawEvent, now time.Time) *SecurityEvent {
	ts := now
	if raw.Timestamp != nil && !raw.Timestamp.IsZero() {
		ts = *raw.Timestamp
	}
	payload := raw.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return &SecurityEvent{
		ID:                     uuid.NewString(),
		Type:                   raw.Type,
		Timestamp:              ts.UTC(),
		SubjectUserID:          strings.TrimSpace(raw.UserID),
		IPAddress:              strings.TrimSpace(raw.IPAddress),
		SessionID:              raw.SessionID,
		UserAgent:              raw.UserAgent,
		Payload:                payload,
		RequiresPermanentBlock: raw.PermanentBlock,
	}
}

// IsAuth reports whether the event belongs to the auth.* family
func (e *SecurityEvent) IsAuth() bool {
	return strings.HasPrefix(e.Type, authEventPrefix)
}

// PayloadString returns a payload value as a string, or "" if absent or not scalar
func (e *SecurityEvent) PayloadString(key string) string {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// PayloadNumber reads a numeric payload value. Numeric strings are accepted.
func (e *SecurityEvent) PayloadNumber(key string) (float64, bool) {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return 0, false
	}
	return ToFloat(v)
}

// ToFloat converts the numeric shapes produced by JSON and msgpack decoding
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// UserSnapshot is the identity store's view of the event subject
type UserSnapshot struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	LastLoginAt time.Time `json:"last_login_at,omitempty"`
}

// AccountAge returns how long the account has existed at the given instant
func (u *UserSnapshot) AccountAge(at time.Time) time.Duration {
	if u == nil || u.CreatedAt.IsZero() {
		return 0
	}
	return at.Sub(u.CreatedAt)
}

// IPStatus tells whether reputation data could be fetched
type IPStatus string

const (
	IPStatusKnown   IPStatus = "known"
	IPStatusUnknown IPStatus = "unknown"
)

// IPInfo is the reputation view of the source address
type IPInfo struct {
	Status  IPStatus `json:"status"`
	Known   bool     `json:"known"`
	Blocked bool     `json:"blocked"`
	Country string   `json:"country,omitempty"`
}

// SessionContext describes the session the event was emitted from
type SessionContext struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// History summarises prior events seen on the event's primary correlation key
type History struct {
	Key      string    `json:"key"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// LoginRecord is one prior successful login of a user
type LoginRecord struct {
	Timestamp time.Time `json:"timestamp"`
	IPAddress string    `json:"ip_address"`
	Country   string    `json:"country"`
}

// EnrichedEvent is a SecurityEvent plus read-only context gathered by the enricher.
// Degraded lists the lookups that fell back to placeholders.
type EnrichedEvent struct {
	*SecurityEvent
	User         *UserSnapshot   `json:"user,omitempty"`
	IPInfo       IPInfo          `json:"ip_info"`
	Session      *SessionContext `json:"session,omitempty"`
	History      History         `json:"history"`
	LoginHistory []LoginRecord   `json:"login_history,omitempty"`
	UserBlocked  bool            `json:"user_blocked"`
	Degraded     []string        `json:"degraded,omitempty"`
}

// SubjectBlocked reports whether the source address or the acting user was
// already on the block list when the event arrived
func (e *EnrichedEvent) SubjectBlocked() bool {
	return e.IPInfo.Blocked || e.UserBlocked
}

// Bare wraps an event without any context, as if every lookup had degraded
func Bare(e *SecurityEvent) *EnrichedEvent {
	return &EnrichedEvent{
		SecurityEvent: e,
		IPInfo:        IPInfo{Status: IPStatusUnknown},
	}
}
