package detect

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"warden/config"
	"warden/core"
)

// Observation names exposed to the action table's threshold predicates
const (
	ObservationAttempts = "attempts"
	ObservationRequests = "requests"
	ObservationRecords  = "records"
	// ObservationBlocked is 1 when the source or user was already blocked
	ObservationBlocked = config.FieldBlockedEntity
)

// Analysis is the full detector output for one event. Observations carry the
// raw counts the rules looked at, whether or not a threshold was crossed.
type Analysis struct {
	Threats      []core.Threat
	Observations map[string]float64
}

// Detector combines the pattern rule set, the correlation cache and the
// anomaly checks. Each sub-rule can be disabled independently.
type Detector struct {
	cfg      config.DetectionConfig
	patterns *PatternRuleSet
	cache    *CorrelationCache
	logger   *zap.SugaredLogger

	loc             *time.Location
	roleRank        map[string]int
	roleChangeTypes map[string]struct{}
}

// NewDetector wires a detector. cfg must already be validated.
func NewDetector(cfg config.DetectionConfig, patterns *PatternRuleSet, cache *CorrelationCache, logger *zap.SugaredLogger) *Detector {
	d := &Detector{
		cfg:             cfg,
		patterns:        patterns,
		cache:           cache,
		logger:          logger,
		loc:             cfg.AfterHoursLocation(),
		roleRank:        make(map[string]int, len(cfg.PrivilegeOrder)),
		roleChangeTypes: make(map[string]struct{}, len(cfg.RoleChangeEventTypes)),
	}
	for i, role := range cfg.PrivilegeOrder {
		d.roleRank[strings.ToLower(role)] = i
	}
	for _, t := range cfg.RoleChangeEventTypes {
		d.roleChangeTypes[t] = struct{}{}
	}
	return d
}

// Cache exposes the correlation cache, shared with the enricher
func (d *Detector) Cache() *CorrelationCache {
	return d.cache
}

// Detect returns the threats found for e
func (d *Detector) Detect(e *core.EnrichedEvent) []core.Threat {
	return d.Analyze(e).Threats
}

// Analyze records e's markers in the correlation cache and then evaluates every
// enabled rule. The current event is counted by the window rules.
func (d *Detector) Analyze(e *core.EnrichedEvent) Analysis {
	a := Analysis{Observations: make(map[string]float64)}
	if e == nil || e.SecurityEvent == nil {
		return a
	}
	d.record(e)
	if e.SubjectBlocked() {
		a.Observations[ObservationBlocked] = 1
	} else {
		a.Observations[ObservationBlocked] = 0
	}

	rules := []struct {
		enabled bool
		eval    func(*core.EnrichedEvent, *Analysis)
	}{
		{d.cfg.Rules.BruteForce, d.checkFailedLogins},
		{d.cfg.Rules.CredentialStuffing, d.checkCredentialStuffing},
		{d.cfg.Rules.SuspiciousLocation, d.checkLocation},
		{d.cfg.Rules.MaliciousPayload, d.checkPayload},
		{d.cfg.Rules.RateLimit, d.checkRateLimit},
		{d.cfg.Rules.AfterHours, d.checkAfterHours},
		{d.cfg.Rules.BulkAccess, d.checkBulkAccess},
		{d.cfg.Rules.PrivilegeEscalation, d.checkPrivilegeEscalation},
	}
	for _, r := range rules {
		if r.enabled {
			r.eval(e, &a)
		}
	}
	return a
}

func (d *Detector) record(e *core.EnrichedEvent) {
	marker := core.MarkerFor(e)
	if e.IsAuth() {
		d.cache.Record(core.AuthKey(e.SecurityEvent), marker)
	}
	if e.Type == core.EventTypeLogin && e.SubjectUserID != "" {
		d.cache.Record(core.LoginKey(e.SecurityEvent), marker)
	}
	d.cache.Record(core.RateKey(e.SecurityEvent), marker)
}

// recentLogins rebuilds a login history, newest first, from the login window
// of the correlation cache. The current event is left out.
func (d *Detector) recentLogins(e *core.EnrichedEvent) []core.LoginRecord {
	if e.SubjectUserID == "" {
		return nil
	}
	markers := d.cache.Recent(core.LoginKey(e.SecurityEvent), d.cache.Retention())
	out := make([]core.LoginRecord, 0, len(markers))
	for i := len(markers) - 1; i >= 0; i-- {
		m := markers[i]
		if m.EventID == e.ID {
			continue
		}
		out = append(out, core.LoginRecord{Timestamp: m.Timestamp, IPAddress: m.IPAddress, Country: m.Country})
	}
	return out
}

func (a *Analysis) add(t core.ThreatType, sev core.Severity, details map[string]any) {
	a.Threats = append(a.Threats, core.Threat{Type: t, Severity: sev, Details: details})
}

func isFailedLogin(m core.Marker) bool {
	return m.Type == core.EventTypeFailedLogin
}

// checkFailedLogins reports brute force at the higher threshold and multiple
// failed logins at the lower one, never both.
func (d *Detector) checkFailedLogins(e *core.EnrichedEvent, a *Analysis) {
	if !e.IsAuth() {
		return
	}
	key := core.AuthKey(e.SecurityEvent)
	attempts := d.cache.Count(key, d.cfg.AuthWindow, isFailedLogin)
	a.Observations[ObservationAttempts] = float64(attempts)

	if e.Type != core.EventTypeFailedLogin {
		return
	}
	details := map[string]any{
		"attempts":       attempts,
		"window_seconds": int(d.cfg.AuthWindow.Seconds()),
		"identity":       key.Identity,
	}
	switch {
	case attempts >= d.cfg.BruteForceThreshold:
		a.add(core.ThreatBruteForce, core.SeverityCritical, details)
	case attempts >= d.cfg.FailedLoginThreshold:
		a.add(core.ThreatMultipleFailedLogins, core.SeverityHigh, details)
	}
}

func (d *Detector) checkCredentialStuffing(e *core.EnrichedEvent, a *Analysis) {
	if !e.IsAuth() {
		return
	}
	markers := d.cache.Recent(core.AuthKey(e.SecurityEvent), d.cfg.AuthWindow)
	agents := make(map[string]struct{})
	ips := make(map[string]struct{})
	for _, m := range markers {
		if m.UserAgent != "" {
			agents[m.UserAgent] = struct{}{}
		}
		if m.IPAddress != "" {
			ips[m.IPAddress] = struct{}{}
		}
	}

	cs := d.cfg.CredentialStuffing
	var indicators []string
	if len(markers) > cs.MaxRequests {
		indicators = append(indicators, "request_volume")
	}
	if len(agents) > cs.MaxUserAgents {
		indicators = append(indicators, "user_agent_diversity")
	}
	if len(ips) > cs.MaxIPs {
		indicators = append(indicators, "ip_diversity")
	}
	if len(indicators) < cs.MinIndicators {
		return
	}
	a.add(core.ThreatCredentialStuffing, core.SeverityCritical, map[string]any{
		"requests":    len(markers),
		"user_agents": len(agents),
		"ips":         len(ips),
		"indicators":  indicators,
	})
}

// checkLocation compares the login country with the user's recent login
// countries. Accounts with too little history get no verdict. Without a
// history from the store, logins seen by this process are used instead.
func (d *Detector) checkLocation(e *core.EnrichedEvent, a *Analysis) {
	if e.Type != core.EventTypeLogin {
		return
	}
	current := e.IPInfo.Country
	if current == "" {
		return
	}

	history := e.LoginHistory
	if history == nil {
		history = d.recentLogins(e)
	}
	if len(history) > d.cfg.Location.HistorySize {
		history = history[:d.cfg.Location.HistorySize]
	}
	seen := make(map[string]struct{})
	var known []string
	evaluated := 0
	for _, l := range history {
		if l.Country == "" {
			continue
		}
		evaluated++
		if _, ok := seen[l.Country]; !ok {
			seen[l.Country] = struct{}{}
			known = append(known, l.Country)
		}
	}
	if evaluated < d.cfg.Location.MinHistory {
		return
	}
	if _, ok := seen[current]; ok {
		return
	}
	if len(seen) < d.cfg.Location.MinDistinctCountries {
		return
	}
	a.add(core.ThreatSuspiciousLocation, core.SeverityMedium, map[string]any{
		"country":         current,
		"known_countries": known,
	})
}

func (d *Detector) checkPayload(e *core.EnrichedEvent, a *Analysis) {
	matches := d.patterns.MatchPatterns(e)
	if len(matches) == 0 {
		return
	}
	var categories []string
	seen := make(map[PatternCategory]struct{})
	for _, m := range matches {
		if _, ok := seen[m.Category]; !ok {
			seen[m.Category] = struct{}{}
			categories = append(categories, string(m.Category))
		}
	}
	a.add(core.ThreatMaliciousPayload, core.SeverityCritical, map[string]any{
		"patterns":   matches,
		"categories": categories,
	})
}

func (d *Detector) checkRateLimit(e *core.EnrichedEvent, a *Analysis) {
	requests := d.cache.Count(core.RateKey(e.SecurityEvent), d.cfg.RateLimit.Window, nil)
	a.Observations[ObservationRequests] = float64(requests)
	if requests <= d.cfg.RateLimit.Limit {
		return
	}
	a.add(core.ThreatRateLimitViolation, core.SeverityHigh, map[string]any{
		"requests": requests,
		"limit":    d.cfg.RateLimit.Limit,
	})
}

// checkAfterHours flags any event inside the night window, anonymous or not.
// The window may wrap midnight; equal start and end hours disable it.
func (d *Detector) checkAfterHours(e *core.EnrichedEvent, a *Analysis) {
	start, end := d.cfg.AfterHours.StartHour, d.cfg.AfterHours.EndHour
	hour := e.Timestamp.In(d.loc).Hour()

	var inside bool
	switch {
	case start == end:
		return
	case start < end:
		inside = hour >= start && hour < end
	default:
		inside = hour >= start || hour < end
	}
	if !inside {
		return
	}
	a.add(core.ThreatAfterHoursAccess, core.SeverityLow, map[string]any{
		"hour":     hour,
		"timezone": d.loc.String(),
	})
}

func (d *Detector) checkBulkAccess(e *core.EnrichedEvent, a *Analysis) {
	records, ok := e.PayloadNumber(core.PayloadRecordsAccessed)
	if !ok {
		return
	}
	a.Observations[ObservationRecords] = records
	if records <= d.cfg.BulkAccessThreshold {
		return
	}
	a.add(core.ThreatBulkDataAccess, core.SeverityMedium, map[string]any{
		"records":   records,
		"threshold": d.cfg.BulkAccessThreshold,
	})
}

// checkPrivilegeEscalation compares old and new role ranks. Unknown roles give no verdict.
func (d *Detector) checkPrivilegeEscalation(e *core.EnrichedEvent, a *Analysis) {
	oldRole := strings.ToLower(e.PayloadString(core.PayloadOldRole))
	newRole := strings.ToLower(e.PayloadString(core.PayloadNewRole))
	if _, ok := d.roleChangeTypes[e.Type]; !ok && (oldRole == "" || newRole == "") {
		return
	}
	oldRank, okOld := d.roleRank[oldRole]
	newRank, okNew := d.roleRank[newRole]
	if !okOld || !okNew || newRank <= oldRank {
		return
	}
	a.add(core.ThreatPrivilegeEscalation, core.SeverityCritical, map[string]any{
		"old_role": oldRole,
		"new_role": newRole,
		"levels":   newRank - oldRank,
	})
}
