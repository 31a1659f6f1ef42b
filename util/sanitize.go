package util

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxSanitizeLength caps input before redaction patterns run
	MaxSanitizeLength = 64 * 1024

	redacted = "REDACTED"
)

// Compiled once; SanitizeString runs on every escalated payload excerpt and every logged error.
var redactionPatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.=]+`), "bearer REDACTED"},
	{regexp.MustCompile(`(?i)"(password|passwd|pwd|token|secret|api[_-]?key)"\s*:\s*"[^"]*"`), `"$1":"REDACTED"`},
	{regexp.MustCompile(`(?i)(password|passwd|pwd|token|secret|api[_-]?key|client[_-]?secret)=[^\s&;]+`), "$1=REDACTED"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd|token|secret|authorization)\s*:\s*[^\s,;]+`), "$1: REDACTED"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "REDACTED_AWS_KEY"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_\-]+\.eyJ[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+`), "REDACTED_JWT"},
	{regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`), "REDACTED_CC"},
	{regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), "REDACTED_PRIVATE_KEY"},
}

var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"passwd":        {},
	"pwd":           {},
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"authorization": {},
	"cookie":        {},
	"api_key":       {},
	"apikey":        {},
	"secret":        {},
	"client_secret": {},
	"private_key":   {},
	"credential":    {},
	"credentials":   {},
	"otp":           {},
	"mfa_code":      {},
}

// SanitizeError returns err's message with secrets redacted
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}

// SanitizeString redacts credentials, tokens and key material from s
func SanitizeString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > MaxSanitizeLength {
		s = Truncate(s, MaxSanitizeLength)
	}
	for _, p := range redactionPatterns {
		s = p.pattern.ReplaceAllString(s, p.replacement)
	}
	return s
}

// IsSensitiveKey reports whether a payload key names a secret
func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// SanitizeMap returns a copy of m with sensitive keys redacted, recursing into nested maps
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch {
		case IsSensitiveKey(k):
			out[k] = redacted
		case isMap(v):
			out[k] = SanitizeMap(v.(map[string]any))
		case isString(v):
			out[k] = SanitizeString(v.(string))
		default:
			out[k] = v
		}
	}
	return out
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...[truncated]"
}

func isMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}
