package soar

import "warden/core"

var recommendations = map[core.ThreatType][]string{
	core.ThreatMultipleFailedLogins: {
		"Review recent authentication attempts for the account",
		"Consider requiring CAPTCHA after repeated failures",
	},
	core.ThreatBruteForce: {
		"Lock the targeted account temporarily",
		"Require CAPTCHA on the login form",
		"Enforce multi-factor authentication",
	},
	core.ThreatCredentialStuffing: {
		"Force a password reset for affected accounts",
		"Check submitted credentials against breached password lists",
		"Enforce multi-factor authentication",
	},
	core.ThreatSuspiciousLocation: {
		"Verify the login with the account owner",
		"Require step-up authentication for new locations",
	},
	core.ThreatMaliciousPayload: {
		"Add WAF rules for the matched signatures",
		"Use parameterised queries and output encoding",
		"Review the targeted endpoint for input validation",
	},
	core.ThreatRateLimitViolation: {
		"Tighten rate limits for the source",
		"Investigate the source for automated abuse",
	},
	core.ThreatAfterHoursAccess: {
		"Confirm the activity with the user or their manager",
	},
	core.ThreatBulkDataAccess: {
		"Review the export for data exfiltration",
		"Apply data loss prevention controls to bulk exports",
	},
	core.ThreatPrivilegeEscalation: {
		"Verify the role change was authorised",
		"Revert the role if the change was not approved",
		"Audit recent actions performed with the new role",
	},
}

// Recommendations returns deduplicated remediation hints for the threats, in threat order
func Recommendations(threats []core.Threat) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range threats {
		for _, r := range recommendations[t.Type] {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}
