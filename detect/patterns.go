package detect

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"

	"warden/config"
	"warden/core"
	"warden/metrics"
)

// DefaultRegexTimeout bounds a single signature match
const DefaultRegexTimeout = 100 * time.Millisecond

// PatternCategory groups signatures by attack class
type PatternCategory string

const (
	CategorySQLInjection  PatternCategory = "sql_injection"
	CategoryXSS           PatternCategory = "xss"
	CategoryPathTraversal PatternCategory = "path_traversal"
)

// ScannedFields are the payload fields inspected for malicious content, in match order
var ScannedFields = []string{core.PayloadQuery, core.PayloadBody, core.PayloadHeaders, core.PayloadURL}

// PatternMatch records which signature fired on which field
type PatternMatch struct {
	Category  PatternCategory `json:"category"`
	Field     string          `json:"field"`
	Signature string          `json:"signature"`
}

type signature struct {
	name string
	re   *regexp2.Regexp
	// heuristic replaces re for checks a regex cannot express cleanly
	heuristic func(string) bool
}

type builtinSignature struct {
	category PatternCategory
	name     string
	pattern  string
}

// Built-in signatures, in evaluation order within each category
var builtinSignatures = []builtinSignature{
	{CategorySQLInjection, "union-select", `(?i)\bunion\b(\s+all)?\s+select\b`},
	{CategorySQLInjection, "tautology", `(?i)['"]\s*(or|and)\s+('?\d+'?\s*=\s*'?\d+'?|'[^']*'\s*=\s*'[^']*'?|true\b|false\b)`},
	{CategorySQLInjection, "comment-terminator", `(?i)['"]\s*(--|#|/\*)`},
	{CategorySQLInjection, "stacked-query", `(?i);\s*(drop|delete|insert|update|exec|execute|shutdown|truncate)\b`},
	{CategorySQLInjection, "ddl-keyword", `(?i)\b(drop|alter|truncate)\s+(table|database|schema)\b`},
	{CategorySQLInjection, "insert-into", `(?i)\binsert\s+into\b.+\bvalues\b`},
	{CategorySQLInjection, "stored-procedure", `(?i)\b(xp_cmdshell|sp_executesql|exec\s+master\.)`},
	{CategorySQLInjection, "time-based", `(?i)\b(sleep\s*\(\s*\d+\s*\)|benchmark\s*\(|waitfor\s+delay|pg_sleep\s*\()`},

	{CategoryXSS, "script-tag", `(?i)<\s*/?\s*script\b`},
	{CategoryXSS, "script-uri", `(?i)\b(javascript|vbscript|livescript)\s*:`},
	{CategoryXSS, "event-handler", `(?i)(<[^>]*\bon[a-z]+\s*=|\bon(load|error|click|mouseover|focus|blur|submit|toggle)\s*=)`},
	{CategoryXSS, "embedded-object", `(?i)<\s*(iframe|object|embed|svg|applet|meta)\b`},
	{CategoryXSS, "dom-sink", `(?i)(document\.(cookie|write|location)|\beval\s*\(|\bsrcdoc\s*=)`},

	{CategoryPathTraversal, "dot-dot-slash", `(\.\./|\.\.\\)`},
	{CategoryPathTraversal, "encoded-traversal", `(?i)(%2e%2e(%2f|%5c|/|\\)|\.\.(%2f|%5c)|%252e%252e|\.%2e/|%2e\./|%c0%ae)`},
	{CategoryPathTraversal, "system-path", `(?i)(/etc/(passwd|shadow|hosts|group)\b|c:\\windows\\|/proc/self/|\bboot\.ini\b|/var/log/)`},
}

var (
	sqlKeyword  = regexp2.MustCompile(`(?i)\b(select|union|insert|update|delete|drop|exec|from|where)\b`, regexp2.None)
	sqlOperator = regexp2.MustCompile(`(=|--|;|/\*)`, regexp2.None)
)

// quoteImbalance flags an odd number of single quotes next to SQL syntax,
// the shape left behind when input breaks out of a string literal.
func quoteImbalance(s string) bool {
	if strings.Count(s, "'")%2 == 0 {
		return false
	}
	kw, err := sqlKeyword.MatchString(s)
	if err != nil || !kw {
		return false
	}
	op, err := sqlOperator.MatchString(s)
	return err == nil && op
}

// PatternRuleSet holds compiled signatures. It is immutable after construction
// and safe for concurrent use.
type PatternRuleSet struct {
	categories []PatternCategory
	signatures map[PatternCategory][]signature
	timeout    time.Duration
	logger     *zap.SugaredLogger
}

// NewPatternRuleSet compiles the built-in signatures plus any extra ones.
// A signature that does not compile is a configuration error.
func NewPatternRuleSet(timeout time.Duration, extra []config.SignatureDef, logger *zap.SugaredLogger) (*PatternRuleSet, error) {
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	p := &PatternRuleSet{
		signatures: make(map[PatternCategory][]signature),
		timeout:    timeout,
		logger:     logger,
	}

	for _, b := range builtinSignatures {
		if err := p.add(b.category, b.name, b.pattern); err != nil {
			return nil, err
		}
		if b.category == CategorySQLInjection && b.name == "comment-terminator" {
			p.signatures[CategorySQLInjection] = append(p.signatures[CategorySQLInjection],
				signature{name: "quote-imbalance", heuristic: quoteImbalance})
		}
	}
	for _, s := range extra {
		if err := p.add(PatternCategory(s.Category), s.Name, s.Pattern); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PatternRuleSet) add(category PatternCategory, name, pattern string) error {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return core.ConfigError("signature "+name, "compile %q: %v", pattern, err)
	}
	re.MatchTimeout = p.timeout
	if _, ok := p.signatures[category]; !ok {
		p.categories = append(p.categories, category)
	}
	p.signatures[category] = append(p.signatures[category], signature{name: name, re: re})
	return nil
}

// Categories returns the categories in evaluation order
func (p *PatternRuleSet) Categories() []PatternCategory {
	out := make([]PatternCategory, len(p.categories))
	copy(out, p.categories)
	return out
}

// MatchPatterns scans the inspected payload fields of an event. The result is
// deterministic: field order, then category order, then signature order.
func (p *PatternRuleSet) MatchPatterns(e *core.EnrichedEvent) []PatternMatch {
	if e == nil || e.SecurityEvent == nil || len(e.Payload) == 0 {
		return nil
	}
	var matches []PatternMatch
	for _, field := range ScannedFields {
		v, ok := e.Payload[field]
		if !ok || v == nil {
			continue
		}
		matches = append(matches, p.MatchText(field, flatten(v))...)
	}
	return matches
}

// MatchText runs every signature against one text value
func (p *PatternRuleSet) MatchText(field, text string) []PatternMatch {
	if text == "" {
		return nil
	}
	var matches []PatternMatch
	for _, category := range p.categories {
		for _, sig := range p.signatures[category] {
			if p.matches(category, sig, text) {
				matches = append(matches, PatternMatch{Category: category, Field: field, Signature: sig.name})
			}
		}
	}
	return matches
}

func (p *PatternRuleSet) matches(category PatternCategory, sig signature, text string) bool {
	if sig.heuristic != nil {
		return sig.heuristic(text)
	}
	ok, err := sig.re.MatchString(text)
	if err != nil {
		// regexp2 reports an exceeded MatchTimeout as an error; treat as no match
		metrics.RegexTimeouts.WithLabelValues(string(category)).Inc()
		if p.logger != nil {
			p.logger.Warnw("Signature match aborted",
				"category", category,
				"signature", sig.name,
				"input_length", len(text),
				"error", err)
		}
		return false
	}
	return ok
}

// flatten renders a payload value as text. Map keys are sorted so that the
// same payload always produces the same text.
func flatten(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(flatten(t[k]))
			b.WriteByte('\n')
		}
		return b.String()
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return flatten(m)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, flatten(item))
		}
		return strings.Join(parts, "\n")
	case []string:
		return strings.Join(t, "\n")
	default:
		return fmt.Sprint(t)
	}
}
