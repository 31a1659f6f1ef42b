package soar

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"warden/core"
)

// auditAction appends a compliance record for the event. Only identifiers and
// verdicts are recorded; the payload never reaches the audit trail.
type auditAction struct {
	sink core.PersistenceSink
	now  core.Clock
}

func (a *auditAction) Action() core.Action { return core.ActionAudit }

func (a *auditAction) Execute(ctx context.Context, req Request) error {
	entry := NewAuditEntry(req, a.now())
	if err := a.sink.AppendAuditEntry(ctx, entry); err != nil {
		return fmt.Errorf("%w: audit entry for event %s: %w", core.ErrPersistenceWrite, entry.EventID, err)
	}
	return nil
}

// NewAuditEntry builds the audit record for a request
func NewAuditEntry(req Request, at time.Time) core.AuditEntry {
	e := req.Event
	return core.AuditEntry{
		ID:        uuid.NewString(),
		EventID:   e.ID,
		EventType: e.Type,
		Action:    core.ActionAudit,
		UserID:    e.SubjectUserID,
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
		Severity:  req.Severity,
		Threats:   core.ThreatTypes(req.Threats),
		Timestamp: at.UTC(),
	}
}
