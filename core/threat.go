package core

import (
	"fmt"
	"strings"
)

// Severity is totally ordered: info < low < medium < high < critical
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the position of the severity in the total order. Unknown values rank below info.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at or above other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Valid reports whether s is one of the five known levels
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// ParseSeverity parses a case-insensitive severity name
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// ThreatType names a detection outcome
type ThreatType string

const (
	ThreatMultipleFailedLogins ThreatType = "multiple_failed_logins"
	ThreatBruteForce           ThreatType = "brute_force_attack"
	ThreatCredentialStuffing   ThreatType = "credential_stuffing"
	ThreatSuspiciousLocation   ThreatType = "suspicious_location"
	ThreatMaliciousPayload     ThreatType = "malicious_payload"
	ThreatRateLimitViolation   ThreatType = "rate_limit_violation"
	ThreatAfterHoursAccess     ThreatType = "after_hours_access"
	ThreatBulkDataAccess       ThreatType = "bulk_data_access"
	ThreatPrivilegeEscalation  ThreatType = "privilege_escalation"
)

// Threat is one detection verdict. Details carries rule-specific evidence
// such as attempt counts or matched signatures.
type Threat struct {
	Type     ThreatType     `json:"type"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

// HighestThreat returns the first threat with the highest severity, or false for an empty slice
func HighestThreat(threats []Threat) (Threat, bool) {
	if len(threats) == 0 {
		return Threat{}, false
	}
	best := threats[0]
	for _, t := range threats[1:] {
		if t.Severity.Rank() > best.Severity.Rank() {
			best = t
		}
	}
	return best, true
}

// ThreatTypes lists the types in order
func ThreatTypes(threats []Threat) []ThreatType {
	out := make([]ThreatType, 0, len(threats))
	for _, t := range threats {
		out = append(out, t.Type)
	}
	return out
}

var knownThreatTypes = map[ThreatType]struct{}{
	ThreatMultipleFailedLogins: {},
	ThreatBruteForce:           {},
	ThreatCredentialStuffing:   {},
	ThreatSuspiciousLocation:   {},
	ThreatMaliciousPayload:     {},
	ThreatRateLimitViolation:   {},
	ThreatAfterHoursAccess:     {},
	ThreatBulkDataAccess:       {},
	ThreatPrivilegeEscalation:  {},
}

// ParseThreatType validates a threat type name
func ParseThreatType(s string) (ThreatType, error) {
	t := ThreatType(s)
	if _, ok := knownThreatTypes[t]; !ok {
		return "", fmt.Errorf("unknown threat type %q", s)
	}
	return t, nil
}
