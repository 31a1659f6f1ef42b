package soar

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"warden/core"
	"warden/metrics"
)

// AlertThrottle suppresses repeated alerts for the same rule and severity
// within a window. The first alert of a window passes; later ones are counted
// and dropped until the entry expires.
type AlertThrottle struct {
	seen *expirable.LRU[string, time.Time]
}

// NewAlertThrottle creates a throttle keeping at most size keys for window
func NewAlertThrottle(window time.Duration, size int) *AlertThrottle {
	if size <= 0 {
		size = 4096
	}
	return &AlertThrottle{seen: expirable.NewLRU[string, time.Time](size, nil, window)}
}

// Allow reports whether an alert for rule/severity may be dispatched now
func (t *AlertThrottle) Allow(rule core.ThreatType, severity core.Severity, at time.Time) bool {
	key := string(rule) + "|" + string(severity)
	if _, ok := t.seen.Get(key); ok {
		metrics.AlertsThrottled.WithLabelValues(string(rule)).Inc()
		return false
	}
	t.seen.Add(key, at)
	return true
}
