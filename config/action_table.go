package config

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"warden/core"
)

// PredicateKind selects how an action rule condition is evaluated
type PredicateKind string

const (
	PredicateAlways            PredicateKind = "always"
	PredicateThreatType        PredicateKind = "threat_type"
	PredicateSeverityAtLeast   PredicateKind = "severity_at_least"
	PredicateThresholdExceeded PredicateKind = "threshold_exceeded"
	PredicateBlockedEntity     PredicateKind = "blocked_entity"
)

// Comparison operators accepted by threshold_exceeded
const (
	OpGreater      = "gt"
	OpGreaterEqual = "gte"
	OpLess         = "lt"
	OpLessEqual    = "lte"
	OpEqual        = "eq"
)

// FieldThreatCount compares against the number of threats on the event.
// Other field names are looked up in the detector's observations
// (attempts, requests, records) and then in the threat details.
const FieldThreatCount = "threat_count"

// FieldBlockedEntity is 1 in the observations when the event's source address
// or user was already blocked, 0 otherwise. blocked_entity predicates read it.
const FieldBlockedEntity = "blocked_entity"

// Predicate is a typed condition. Value holds the threat type or severity;
// Threshold is used by threshold_exceeded only.
type Predicate struct {
	Kind      PredicateKind `yaml:"kind" mapstructure:"kind"`
	Value     string        `yaml:"value,omitempty" mapstructure:"value"`
	Field     string        `yaml:"field,omitempty" mapstructure:"field"`
	Op        string        `yaml:"op,omitempty" mapstructure:"op"`
	Threshold float64       `yaml:"threshold,omitempty" mapstructure:"threshold"`
}

// ActionRule adds Actions for events of EventType when When holds.
// EventType is exact, a prefix ending in "*", or "*" for every event.
type ActionRule struct {
	EventType string    `yaml:"event_type" mapstructure:"event_type"`
	Actions   []string  `yaml:"actions" mapstructure:"actions"`
	When      Predicate `yaml:"when" mapstructure:"when"`
}

// ActionTable is the static per-event-type action table
type ActionTable struct {
	Rules []ActionRule `yaml:"rules"`
}

// DefaultActionTable is used when no table is configured
func DefaultActionTable() ActionTable {
	return ActionTable{Rules: []ActionRule{
		{
			EventType: core.EventTypeFailedLogin,
			Actions:   []string{string(core.ActionRateLimit)},
			When:      Predicate{Kind: PredicateThresholdExceeded, Field: "attempts", Op: OpGreaterEqual, Threshold: 3},
		},
		{
			EventType: core.EventTypeFailedLogin,
			Actions:   []string{string(core.ActionAlert)},
			When:      Predicate{Kind: PredicateThresholdExceeded, Field: "attempts", Op: OpGreaterEqual, Threshold: 5},
		},
		{
			EventType: core.EventTypeLogin,
			Actions:   []string{string(core.ActionNotify)},
			When:      Predicate{Kind: PredicateThreatType, Value: string(core.ThreatSuspiciousLocation)},
		},
		{
			EventType: "data.*",
			Actions:   []string{string(core.ActionAudit)},
			When:      Predicate{Kind: PredicateAlways},
		},
		{
			EventType: "data.*",
			Actions:   []string{string(core.ActionQuarantine)},
			When:      Predicate{Kind: PredicateThresholdExceeded, Field: "records", Op: OpGreater, Threshold: 10000},
		},
		{
			EventType: core.EventTypeConfigChange,
			Actions:   []string{string(core.ActionAudit)},
			When:      Predicate{Kind: PredicateAlways},
		},
		{
			EventType: core.EventTypeRoleChange,
			Actions:   []string{string(core.ActionAudit)},
			When:      Predicate{Kind: PredicateAlways},
		},
		{
			EventType: "*",
			Actions:   []string{string(core.ActionRateLimit)},
			When:      Predicate{Kind: PredicateThreatType, Value: string(core.ThreatRateLimitViolation)},
		},
		{
			EventType: "*",
			Actions:   []string{string(core.ActionAudit), string(core.ActionQuarantine)},
			When:      Predicate{Kind: PredicateBlockedEntity},
		},
	}}
}

// LoadActionTable reads a YAML action table
func LoadActionTable(path string) (ActionTable, error) {
	data, err := readConfigFile("action table", path)
	if err != nil {
		return ActionTable{}, err
	}
	var table ActionTable
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&table); err != nil {
		return ActionTable{}, fmt.Errorf("%w: parse action table %s: %v", core.ErrConfiguration, path, err)
	}
	return table, table.Validate()
}

// Validate rejects unknown actions, kinds, operators, severities and threat types
func (t ActionTable) Validate() error {
	for i, r := range t.Rules {
		setting := fmt.Sprintf("actions.table[%d]", i)
		if r.EventType == "" {
			return core.ConfigError(setting+".event_type", "required")
		}
		if strings.Contains(strings.TrimSuffix(r.EventType, "*"), "*") {
			return core.ConfigError(setting+".event_type", "wildcard only allowed as suffix: %q", r.EventType)
		}
		if len(r.Actions) == 0 {
			return core.ConfigError(setting+".actions", "at least one action required")
		}
		for _, a := range r.Actions {
			if _, err := core.ParseAction(a); err != nil {
				return core.ConfigError(setting+".actions", "%v", err)
			}
		}
		if err := r.When.validate(); err != nil {
			return core.ConfigError(setting+".when", "%v", err)
		}
	}
	return nil
}

func (p Predicate) validate() error {
	switch p.Kind {
	case PredicateAlways, PredicateBlockedEntity:
		return nil
	case PredicateThreatType:
		_, err := core.ParseThreatType(p.Value)
		return err
	case PredicateSeverityAtLeast:
		_, err := core.ParseSeverity(p.Value)
		return err
	case PredicateThresholdExceeded:
		if p.Field == "" {
			return fmt.Errorf("threshold_exceeded needs a field")
		}
		switch p.Op {
		case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual:
			return nil
		default:
			return fmt.Errorf("unknown operator %q", p.Op)
		}
	default:
		return fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
}

// MatchesEventType reports whether the rule applies to eventType
func (r ActionRule) MatchesEventType(eventType string) bool {
	if r.EventType == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(r.EventType, "*"); ok {
		return strings.HasPrefix(eventType, prefix)
	}
	return r.EventType == eventType
}
