package core

import (
	"context"
	"time"
)

// IdentityStore resolves users and sessions. Missing records yield ErrNotFound.
type IdentityStore interface {
	GetUser(ctx context.Context, userID string) (*UserSnapshot, error)
	GetSession(ctx context.Context, sessionID string) (*SessionContext, error)
}

// IPReputationStore answers reputation questions about source addresses
type IPReputationStore interface {
	IsKnownIP(ctx context.Context, ip string) (bool, error)
	GetGeography(ctx context.Context, ip string) (string, error)
}

// LoginHistory returns a user's most recent successful logins, newest first
type LoginHistory interface {
	RecentLogins(ctx context.Context, userID string, limit int) ([]LoginRecord, error)
}

// LoginRecorder appends a successful login to a user's history
type LoginRecorder interface {
	RecordLogin(ctx context.Context, userID string, r LoginRecord) error
}

// PersistenceSink is the append-mostly store for pipeline output
type PersistenceSink interface {
	AppendSecurityEvent(ctx context.Context, rec SecurityEventRecord) error
	AppendAlert(ctx context.Context, alert Alert) error
	UpsertBlockedEntity(ctx context.Context, entity BlockedEntity) error
	AppendAuditEntry(ctx context.Context, entry AuditEntry) error
	AppendMetric(ctx context.Context, m MetricRecord) error
	AppendQuarantine(ctx context.Context, rec QuarantineRecord) error
}

// NotificationTransport delivers a notification on one channel
type NotificationTransport interface {
	Send(ctx context.Context, n Notification) error
}

// EscalationService decides whether evidence warrants an incident
type EscalationService interface {
	Evaluate(ctx context.Context, bundle EvidenceBundle) (EscalationResult, error)
}

// Clock abstracts time for components with windows and expiries
type Clock func() time.Time
