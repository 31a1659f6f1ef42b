package soar

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"warden/core"
	"warden/metrics"
	"warden/util"
)

// RateLimitSignal tells upstream enforcers to slow an identity down
type RateLimitSignal struct {
	Identity          string          `json:"identity"`
	RequestsPerSecond float64         `json:"requests_per_second"`
	Burst             int             `json:"burst"`
	ExpiresAt         time.Time       `json:"expires_at"`
	Reason            core.ThreatType `json:"reason,omitempty"`
}

type restriction struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// RateLimitSignals holds stricter limiters for identities flagged by the
// rateLimit action. The engine does not throttle traffic itself; upstream
// components consult Allow.
type RateLimitSignals struct {
	mu        sync.Mutex
	entries   map[string]*restriction
	publisher SignalPublisher
	now       core.Clock
	logger    *zap.SugaredLogger
}

// NewRateLimitSignals creates the registry. publisher may be nil.
func NewRateLimitSignals(publisher SignalPublisher, logger *zap.SugaredLogger) *RateLimitSignals {
	return &RateLimitSignals{
		entries:   make(map[string]*restriction),
		publisher: publisher,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock replaces the time source
func (r *RateLimitSignals) WithClock(now core.Clock) *RateLimitSignals {
	r.now = now
	return r
}

// Restrict registers or refreshes a limiter for identity and publishes the signal
func (r *RateLimitSignals) Restrict(ctx context.Context, sig RateLimitSignal, ttl time.Duration) error {
	now := r.now()
	sig.ExpiresAt = now.Add(ttl)

	r.mu.Lock()
	if cur, ok := r.entries[sig.Identity]; ok && cur.expiresAt.After(now) {
		cur.expiresAt = sig.ExpiresAt
		cur.limiter.SetLimitAt(now, rate.Limit(sig.RequestsPerSecond))
		cur.limiter.SetBurstAt(now, sig.Burst)
	} else {
		r.entries[sig.Identity] = &restriction{
			limiter:   rate.NewLimiter(rate.Limit(sig.RequestsPerSecond), sig.Burst),
			expiresAt: sig.ExpiresAt,
		}
	}
	r.mu.Unlock()

	if r.publisher == nil {
		return nil
	}
	if err := r.publisher.PublishRateLimit(ctx, sig); err != nil {
		r.logger.Warnw("Failed to publish rate limit signal",
			"identity", sig.Identity,
			"error", util.SanitizeError(err))
		return err
	}
	return nil
}

// restricted reports whether identity currently has a stricter limiter
func (r *RateLimitSignals) restricted(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[identity]
	return ok && cur.expiresAt.After(r.now())
}

// Allow consumes one token for identity. Unrestricted identities are always allowed.
func (r *RateLimitSignals) Allow(identity string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[identity]
	if !ok {
		return true
	}
	if !cur.expiresAt.After(now) {
		delete(r.entries, identity)
		return true
	}
	return cur.limiter.AllowN(now, 1)
}

// Sweep drops expired restrictions and returns how many remain. Allow only
// forgets an identity when that identity asks again, so rotating sources
// would otherwise accumulate here.
func (r *RateLimitSignals) Sweep() (active int) {
	now := r.now()
	r.mu.Lock()
	for id, cur := range r.entries {
		if !cur.expiresAt.After(now) {
			delete(r.entries, id)
		}
	}
	active = len(r.entries)
	r.mu.Unlock()

	metrics.RateLimitRestrictions.Set(float64(active))
	return active
}
