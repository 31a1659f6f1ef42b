package ingest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"warden/config"
	"warden/core"
	"warden/detect"
	"warden/escalation"
	"warden/metrics"
	"warden/soar"
	"warden/threat"
	"warden/util"
)

const tracerName = "warden/ingest"

// Span names, one per pipeline step
const (
	spanIngest   = "warden.ingest"
	spanEnrich   = "warden.enrich"
	spanDetect   = "warden.detect"
	spanRespond  = "warden.respond"
	spanEscalate = "warden.escalate"
)

// Ingester is the engine's event entry point
type Ingester interface {
	Ingest(ctx context.Context, raw core.RawEvent) (core.ProcessResult, error)
}

// Dependencies are the external collaborators of the engine. Every field is
// optional: missing lookups are skipped, a nil Sink discards records and a nil
// Escalation service never escalates.
type Dependencies struct {
	Identity   core.IdentityStore
	Reputation core.IPReputationStore
	Logins     core.LoginHistory
	Recorder   core.LoginRecorder
	Sink       core.PersistenceSink
	Notifier   soar.Notifier
	Escalation core.EscalationService
	Signals    soar.SignalPublisher
	Clock      core.Clock
	Tracer     trace.Tracer
}

// Engine runs the detection pipeline for one event per Ingest call. It is safe
// for concurrent use; the correlation cache and block list are the only
// state shared between calls.
type Engine struct {
	enricher     *threat.Enricher
	detector     *detect.Detector
	orchestrator *soar.Orchestrator
	signals      *soar.RateLimitSignals
	gate         *escalation.Gate
	sink         core.PersistenceSink
	recorder     core.LoginRecorder
	validate     *validator.Validate
	maxSkew      time.Duration
	tracer       trace.Tracer
	now          core.Clock
	logger       *zap.SugaredLogger
}

var _ Ingester = (*Engine)(nil)

// NewEngine builds the full pipeline from cfg. cfg must already be validated.
func NewEngine(cfg *config.Config, deps Dependencies, logger *zap.SugaredLogger) (*Engine, error) {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if !cfg.Escalation.Enabled || deps.Escalation == nil {
		deps.Escalation = escalation.NoopService{}
	}

	var extra []config.SignatureDef
	if cfg.Detection.SignatureFile != "" {
		pack, err := config.LoadSignaturePack(cfg.Detection.SignatureFile)
		if err != nil {
			return nil, err
		}
		extra = pack.Signatures
	}
	patterns, err := detect.NewPatternRuleSet(cfg.Detection.RegexTimeout, extra, logger)
	if err != nil {
		return nil, err
	}
	cache := detect.NewCorrelationCache(cfg.Detection.CorrelationShards, cfg.Detection.CorrelationRetention).WithClock(deps.Clock)
	detector := detect.NewDetector(cfg.Detection, patterns, cache, logger)

	blocks := soar.NewBlockList().WithClock(deps.Clock)
	signals := soar.NewRateLimitSignals(deps.Signals, logger).WithClock(deps.Clock)
	orchestrator := soar.NewOrchestrator(cfg.Actions, soar.Dependencies{
		Sink:     deps.Sink,
		Blocks:   blocks,
		Signals:  signals,
		Throttle: soar.NewAlertThrottle(cfg.Alerts.ThrottleWindow, cfg.Alerts.ThrottleCacheSize),
		Notifier: deps.Notifier,
		Clock:    deps.Clock,
	}, logger)

	enricher := threat.NewEnricher(threat.Config{
		LookupTimeout:     cfg.Enrichment.LookupTimeout,
		CacheTTL:          cfg.Enrichment.CacheTTL,
		CacheSize:         cfg.Enrichment.CacheSize,
		LoginHistoryLimit: cfg.Enrichment.LoginHistoryLimit,
		AuthWindow:        cfg.Detection.AuthWindow,
		RateWindow:        cfg.Detection.RateLimit.Window,
	}, deps.Identity, deps.Reputation, deps.Logins, blocks, cache, logger)

	gate, err := escalation.NewGate(cfg.Escalation, deps.Escalation, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		enricher:     enricher,
		detector:     detector,
		orchestrator: orchestrator,
		signals:      signals,
		gate:         gate,
		sink:         deps.Sink,
		recorder:     deps.Recorder,
		validate:     newValidator(),
		maxSkew:      cfg.Detection.MaxClockSkew,
		tracer:       deps.Tracer,
		now:          deps.Clock,
		logger:       logger,
	}, nil
}

// newValidator reports struct fields by their json names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Ingest runs raw through enrichment, detection, severity evaluation, the
// response actions and the escalation gate. The only error is
// core.ErrInvalidEvent; every other failure degrades and is logged.
func (e *Engine) Ingest(ctx context.Context, raw core.RawEvent) (core.ProcessResult, error) {
	now := e.now()
	if err := e.validateRaw(raw, now); err != nil {
		return core.ProcessResult{}, err
	}

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, spanIngest)
	defer span.End()

	event := core.NewSecurityEvent(raw, now)
	span.SetAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.Type),
	)
	metrics.EventsIngested.WithLabelValues(event.Type).Inc()

	enriched := e.enrich(ctx, event)
	analysis := e.analyze(ctx, enriched)
	severity := detect.Evaluate(analysis.Threats)
	taken := e.respond(ctx, enriched, analysis, severity)
	verdict := e.escalate(ctx, enriched, analysis.Threats, severity)

	elapsed := time.Since(start)
	metrics.PipelineDuration.Observe(elapsed.Seconds())
	e.persist(ctx, enriched, analysis.Threats, severity, taken, elapsed)
	e.recordLogin(ctx, enriched)

	span.SetAttributes(
		attribute.Int("threats.count", len(analysis.Threats)),
		attribute.String("severity", string(severity)),
		attribute.Bool("escalated", verdict.Escalated),
	)
	if len(analysis.Threats) > 0 {
		e.logger.Infow("Threats detected",
			"event_id", event.ID,
			"event_type", event.Type,
			"threats", core.ThreatTypes(analysis.Threats),
			"severity", severity,
			"actions", taken,
			"escalated", verdict.Escalated)
	}

	return core.ProcessResult{
		EventID:      event.ID,
		ThreatsCount: len(analysis.Threats),
		Severity:     severity,
		ActionsTaken: taken,
		Escalation:   &verdict,
	}, nil
}

// validateRaw checks the struct tags and refuses timestamps further ahead of
// now than the configured skew. Future-dated markers would otherwise count in
// every correlation window until real time caught up with them.
func (e *Engine) validateRaw(raw core.RawEvent, now time.Time) error {
	err := e.validate.Struct(raw)
	if err == nil {
		if raw.Timestamp != nil && e.maxSkew > 0 && raw.Timestamp.After(now.Add(e.maxSkew)) {
			metrics.EventsRejected.WithLabelValues("clock_skew").Inc()
			return fmt.Errorf("%w: timestamp %s is more than %s ahead of ingestion time",
				core.ErrInvalidEvent, raw.Timestamp.UTC().Format(time.RFC3339), e.maxSkew)
		}
		return nil
	}
	metrics.EventsRejected.WithLabelValues("validation").Inc()

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", core.ErrInvalidEvent, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", core.ErrInvalidEvent, strings.Join(fields, ", "))
}

func (e *Engine) enrich(ctx context.Context, event *core.SecurityEvent) *core.EnrichedEvent {
	ctx, span := e.tracer.Start(ctx, spanEnrich)
	defer span.End()

	enriched := e.enricher.Enrich(ctx, event)
	if len(enriched.Degraded) > 0 {
		span.SetAttributes(attribute.StringSlice("degraded", enriched.Degraded))
	}
	return enriched
}

func (e *Engine) analyze(ctx context.Context, enriched *core.EnrichedEvent) detect.Analysis {
	_, span := e.tracer.Start(ctx, spanDetect)
	defer span.End()

	analysis := e.detector.Analyze(enriched)
	for _, t := range analysis.Threats {
		metrics.ThreatsDetected.WithLabelValues(string(t.Type), string(t.Severity)).Inc()
	}
	span.SetAttributes(attribute.Int("threats.count", len(analysis.Threats)))
	return analysis
}

func (e *Engine) respond(ctx context.Context, enriched *core.EnrichedEvent, analysis detect.Analysis, severity core.Severity) []core.Action {
	ctx, span := e.tracer.Start(ctx, spanRespond)
	defer span.End()

	taken, errs := e.orchestrator.Respond(ctx, soar.Request{
		Event:    enriched,
		Threats:  analysis.Threats,
		Severity: severity,
	}, analysis.Observations)
	if len(errs) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d actions failed", len(errs)))
	}
	span.SetAttributes(attribute.Int("actions.count", len(taken)))
	return taken
}

func (e *Engine) escalate(ctx context.Context, enriched *core.EnrichedEvent, threats []core.Threat, severity core.Severity) core.EscalationResult {
	ctx, span := e.tracer.Start(ctx, spanEscalate)
	defer span.End()

	res := e.gate.CheckEscalation(ctx, enriched, threats, severity)
	span.SetAttributes(attribute.Bool("escalated", res.Escalated))
	if res.IncidentID != "" {
		span.SetAttributes(attribute.String("incident.id", res.IncidentID))
	}
	return res
}

// recordLogin appends a successful login to the subject's history after the
// pipeline has run, so the login is never compared against itself.
func (e *Engine) recordLogin(ctx context.Context, enriched *core.EnrichedEvent) {
	event := enriched.SecurityEvent
	if e.recorder == nil || event.Type != core.EventTypeLogin || event.SubjectUserID == "" {
		return
	}
	err := e.recorder.RecordLogin(ctx, event.SubjectUserID, core.LoginRecord{
		Timestamp: event.Timestamp,
		IPAddress: event.IPAddress,
		Country:   enriched.IPInfo.Country,
	})
	if err != nil {
		e.logger.Warnw("Failed to record login",
			"event_id", event.ID,
			"user_id", event.SubjectUserID,
			"error", util.SanitizeError(err))
	}
}

// persist hands copies of the event and its outcome to the sink, with
// sensitive payload fields redacted. Errors are
// logged and never reach the caller.
func (e *Engine) persist(ctx context.Context, enriched *core.EnrichedEvent, threats []core.Threat, severity core.Severity, taken []core.Action, elapsed time.Duration) {
	if e.sink == nil {
		return
	}
	event := enriched.SecurityEvent
	rec := core.SecurityEventRecord{
		EventID:   event.ID,
		Type:      event.Type,
		Timestamp: event.Timestamp,
		UserID:    event.SubjectUserID,
		IPAddress: event.IPAddress,
		SessionID: event.SessionID,
		UserAgent: event.UserAgent,
		Payload:   util.SanitizeMap(event.Payload),
		Severity:  severity,
		Threats:   append([]core.Threat(nil), threats...),
		Actions:   append([]core.Action(nil), taken...),
		Degraded:  append([]string(nil), enriched.Degraded...),
	}
	if err := e.sink.AppendSecurityEvent(ctx, rec); err != nil {
		e.logger.Warnw("Failed to persist security event",
			"event_id", event.ID,
			"error", util.SanitizeError(err))
	}

	at := e.now()
	samples := []core.MetricRecord{{
		Name:      "pipeline_duration_seconds",
		Value:     elapsed.Seconds(),
		Labels:    map[string]string{"type": event.Type},
		Timestamp: at,
	}}
	for _, t := range threats {
		samples = append(samples, core.MetricRecord{
			Name:      "threats_detected",
			Value:     1,
			Labels:    map[string]string{"type": string(t.Type), "severity": string(t.Severity)},
			Timestamp: at,
		})
	}
	for _, m := range samples {
		if err := e.sink.AppendMetric(ctx, m); err != nil {
			e.logger.Debugw("Failed to persist metric sample",
				"name", m.Name,
				"error", util.SanitizeError(err))
		}
	}
}

// IsBlocked reports whether the entity is currently blocked
func (e *Engine) IsBlocked(kind core.EntityType, identifier string) bool {
	return e.orchestrator.Blocks().IsBlocked(kind, identifier)
}

// AllowRequest consumes one token from identity's rate-limit signal, if any
func (e *Engine) AllowRequest(identity string) bool {
	return e.signals.Allow(identity)
}

// RestoreBlocks loads persisted blocks into the in-memory block list and
// returns how many are still active
func (e *Engine) RestoreBlocks(entities []core.BlockedEntity) int {
	return e.orchestrator.Blocks().Load(entities)
}

// RunMaintenance runs a maintenance pass every interval until ctx is done
func (e *Engine) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.maintain()
		}
	}
}

type maintenanceStats struct {
	keysRemoved  int
	activeBlocks int
	restrictions int
}

// maintain compacts the correlation cache and sweeps expired blocks and
// rate-limit restrictions
func (e *Engine) maintain() maintenanceStats {
	st := maintenanceStats{
		keysRemoved:  e.detector.Cache().Compact(),
		activeBlocks: e.orchestrator.Blocks().Sweep(),
		restrictions: e.signals.Sweep(),
	}
	e.logger.Debugw("Maintenance pass",
		"keys_removed", st.keysRemoved,
		"active_blocks", st.activeBlocks,
		"rate_limit_restrictions", st.restrictions)
	return st
}
