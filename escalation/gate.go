// Package escalation decides which detections are handed to the incident
// service and builds the redacted evidence bundle that leaves the process.
package escalation

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"warden/config"
	"warden/core"
	"warden/metrics"
	"warden/util"
	"warden/util/goroutine"
)

// Reasons reported in EscalationResult when nothing was escalated
const (
	ReasonBelowThreshold = "below escalation threshold"
	ReasonUnavailable    = "escalation service unavailable"
)

const (
	defaultTimeout        = 2 * time.Second
	defaultMaxFieldLength = 256
	defaultHintWindow     = 30 * time.Minute
	defaultHintCacheSize  = 4096
)

// payloadWhitelist are the only payload keys copied into an evidence bundle
var payloadWhitelist = []string{
	core.PayloadURL,
	core.PayloadMethod,
	core.PayloadRecordsAccessed,
	core.PayloadOldRole,
	core.PayloadNewRole,
	core.PayloadResource,
}

// Gate submits qualifying detections to the escalation service
type Gate struct {
	service        core.EscalationService
	minSeverity    core.Severity
	timeout        time.Duration
	maxFieldLength int
	breaker        *core.CircuitBreaker
	hints          *expirable.LRU[string, string]
	logger         *zap.SugaredLogger
}

// NewGate creates a gate in front of service
func NewGate(cfg config.EscalationConfig, service core.EscalationService, logger *zap.SugaredLogger) (*Gate, error) {
	minSeverity := core.SeverityMedium
	if cfg.MinSeverity != "" {
		s, err := core.ParseSeverity(cfg.MinSeverity)
		if err != nil {
			return nil, core.ConfigError("escalation.min_severity", "%v", err)
		}
		minSeverity = s
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxFieldLength <= 0 {
		cfg.MaxFieldLength = defaultMaxFieldLength
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultHintWindow
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = defaultHintCacheSize
	}
	if cfg.CircuitBreaker.Validate() != nil {
		cfg.CircuitBreaker = core.DefaultCircuitBreakerConfig()
	}
	breaker, err := core.NewCircuitBreaker("escalation", cfg.CircuitBreaker)
	if err != nil {
		return nil, err
	}
	if service == nil {
		service = NoopService{}
	}

	return &Gate{
		service:        service,
		minSeverity:    minSeverity,
		timeout:        cfg.Timeout,
		maxFieldLength: cfg.MaxFieldLength,
		breaker:        breaker,
		hints:          expirable.NewLRU[string, string](cfg.DedupCacheSize, nil, cfg.DedupWindow),
		logger:         logger,
	}, nil
}

// CheckEscalation submits the event's evidence when it carries threats at or
// above the minimum severity. It never returns an error: an unreachable or
// failing service yields Escalated=false with ReasonUnavailable.
func (g *Gate) CheckEscalation(ctx context.Context, e *core.EnrichedEvent, threats []core.Threat, severity core.Severity) core.EscalationResult {
	if e == nil || e.SecurityEvent == nil || len(threats) == 0 || !severity.AtLeast(g.minSeverity) {
		metrics.Escalations.WithLabelValues("below_threshold").Inc()
		return core.EscalationResult{Reason: ReasonBelowThreshold}
	}

	bundle := BuildEvidence(e, threats, severity, g.maxFieldLength)
	if id, ok := g.hints.Get(bundle.CorrelationKey); ok {
		bundle.RecentIncidentID = id
	}

	if err := g.breaker.Allow(); err != nil {
		metrics.Escalations.WithLabelValues("unavailable").Inc()
		g.logger.Warnw("Escalation skipped, circuit open",
			"event_id", e.ID,
			"error", err)
		return core.EscalationResult{Reason: ReasonUnavailable}
	}

	res, err := g.evaluate(ctx, bundle)
	if err != nil {
		g.breaker.RecordFailure()
		metrics.Escalations.WithLabelValues("unavailable").Inc()
		g.logger.Warnw("Escalation service unavailable",
			"event_id", e.ID,
			"severity", severity,
			"error", util.SanitizeError(err))
		return core.EscalationResult{Reason: ReasonUnavailable}
	}
	g.breaker.RecordSuccess()

	if !res.Escalated {
		metrics.Escalations.WithLabelValues("declined").Inc()
		return res
	}
	if res.IncidentID != "" {
		g.hints.Add(bundle.CorrelationKey, res.IncidentID)
	}
	metrics.Escalations.WithLabelValues("escalated").Inc()
	g.logger.Infow("Incident escalated",
		"event_id", e.ID,
		"incident_id", res.IncidentID,
		"severity", severity,
		"correlation_key", bundle.CorrelationKey)
	return res
}

type evaluation struct {
	res core.EscalationResult
	err error
}

// evaluate bounds the service call by the gate timeout even when the service ignores ctx
func (g *Gate) evaluate(ctx context.Context, bundle core.EvidenceBundle) (core.EscalationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan evaluation, 1)
	go func() {
		defer goroutine.Recover("escalation.evaluate", g.logger)
		res, err := g.service.Evaluate(ctx, bundle)
		done <- evaluation{res, err}
	}()
	select {
	case ev := <-done:
		return ev.res, ev.err
	case <-ctx.Done():
		return core.EscalationResult{}, ctx.Err()
	}
}

// BuildEvidence assembles the redacted bundle for e. Only whitelisted payload
// keys are copied; every string value is sanitised and truncated to maxLen.
func BuildEvidence(e *core.EnrichedEvent, threats []core.Threat, severity core.Severity, maxLen int) core.EvidenceBundle {
	clean := func(s string) string {
		return util.Truncate(util.SanitizeString(s), maxLen)
	}

	bundle := core.EvidenceBundle{
		EventID:        e.ID,
		EventType:      e.Type,
		Timestamp:      e.Timestamp,
		Severity:       severity,
		CorrelationKey: core.PrimaryKey(e.SecurityEvent).String(),
		UserID:         clean(e.SubjectUserID),
		IPAddress:      e.IPAddress,
		Threats:        make([]core.ThreatSummary, 0, len(threats)),
	}

	for _, t := range threats {
		summary := core.ThreatSummary{Type: t.Type, Severity: t.Severity}
		for k, v := range t.Details {
			if util.IsSensitiveKey(k) {
				continue
			}
			if s, ok := v.(string); ok {
				v = clean(s)
			} else if !isNumber(v) {
				continue
			}
			if summary.Details == nil {
				summary.Details = make(map[string]any)
			}
			summary.Details[k] = v
		}
		bundle.Threats = append(bundle.Threats, summary)
	}

	for _, key := range payloadWhitelist {
		v := e.PayloadString(key)
		if v == "" {
			continue
		}
		if key == core.PayloadURL {
			if v = urlPath(v); v == "" {
				continue
			}
		}
		if bundle.Payload == nil {
			bundle.Payload = make(map[string]string)
		}
		bundle.Payload[key] = clean(v)
	}
	return bundle
}

// urlPath drops scheme, host, query string and fragment
func urlPath(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.Path
	}
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}
