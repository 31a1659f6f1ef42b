package threat

import (
	"time"

	"warden/core"
)

// Lookup names reported in EnrichedEvent.Degraded and the enrichment failure metric
const (
	LookupUser      = "user"
	LookupSession   = "session"
	LookupIPKnown   = "ip_reputation"
	LookupGeography = "geography"
	LookupLogins    = "login_history"
)

// BlockChecker reports whether an entity is currently blocked
type BlockChecker interface {
	IsBlocked(t core.EntityType, id string) bool
}

// HistorySource exposes recent correlation markers for a key
type HistorySource interface {
	Recent(key core.CorrelationKey, window time.Duration) []core.Marker
}

// Config tunes the enricher
type Config struct {
	LookupTimeout     time.Duration
	CacheTTL          time.Duration
	CacheSize         int
	LoginHistoryLimit int
	// AuthWindow and RateWindow are the lookback windows for the primary key history
	AuthWindow time.Duration
	RateWindow time.Duration
}
