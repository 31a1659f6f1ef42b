package detect

import "warden/core"

// Evaluate returns the overall severity of an event: the highest threat
// severity, or info when nothing was detected.
func Evaluate(threats []core.Threat) core.Severity {
	sev := core.SeverityInfo
	for _, t := range threats {
		if t.Severity.Rank() > sev.Rank() {
			sev = t.Severity
		}
	}
	return sev
}
