package threat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
	"warden/util"
	"warden/util/goroutine"
)

const (
	// DefaultLookupTimeout bounds each individual lookup
	DefaultLookupTimeout = 500 * time.Millisecond
	// DefaultLoginHistoryLimit is how many prior logins are fetched for auth.login events
	DefaultLoginHistoryLimit = 10
)

// Enricher attaches read-only context to a SecurityEvent. It never fails:
// every lookup that errors or times out is replaced by a placeholder and
// recorded in EnrichedEvent.Degraded.
type Enricher struct {
	identity   core.IdentityStore
	reputation core.IPReputationStore
	logins     core.LoginHistory
	blocks     BlockChecker
	history    HistorySource
	cfg        Config
	logger     *zap.SugaredLogger

	users *LookupCache[*core.UserSnapshot]
	geo   *LookupCache[string]
	known *LookupCache[bool]
}

// NewEnricher creates an enricher. Any collaborator may be nil, in which case
// the corresponding lookup is skipped without degrading the event.
func NewEnricher(cfg Config, identity core.IdentityStore, reputation core.IPReputationStore,
	logins core.LoginHistory, blocks BlockChecker, history HistorySource, logger *zap.SugaredLogger) *Enricher {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.LoginHistoryLimit <= 0 {
		cfg.LoginHistoryLimit = DefaultLoginHistoryLimit
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.AuthWindow <= 0 {
		cfg.AuthWindow = 10 * time.Minute
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return &Enricher{
		identity:   identity,
		reputation: reputation,
		logins:     logins,
		blocks:     blocks,
		history:    history,
		cfg:        cfg,
		logger:     logger,
		users:      NewLookupCache[*core.UserSnapshot]("enrich_user", cfg.CacheSize, cfg.CacheTTL),
		geo:        NewLookupCache[string]("enrich_geography", cfg.CacheSize, cfg.CacheTTL),
		known:      NewLookupCache[bool]("enrich_ip_known", cfg.CacheSize, cfg.CacheTTL),
	}
}

type lookupResult[T any] struct {
	v   T
	err error
}

// lookup runs fn under its own deadline. A store that ignores its context is
// abandoned when the deadline passes. ErrNotFound is an empty answer, not a failure.
func lookup[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan lookupResult[T], 1)
	go func() {
		v, err := fn(lctx)
		ch <- lookupResult[T]{v: v, err: err}
	}()

	var zero T
	select {
	case r := <-ch:
		if errors.Is(r.err, core.ErrNotFound) {
			return zero, nil
		}
		if r.err != nil {
			return zero, fmt.Errorf("%w: %w", core.ErrEnrichmentLookup, r.err)
		}
		return r.v, nil
	case <-lctx.Done():
		return zero, fmt.Errorf("%w: %w", core.ErrEnrichmentLookup, lctx.Err())
	}
}

// Enrich gathers user, session, IP reputation, geography, block status, login
// history and correlation history for e. Independent lookups run concurrently.
func (en *Enricher) Enrich(ctx context.Context, e *core.SecurityEvent) *core.EnrichedEvent {
	out := core.Bare(e)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ipFailed bool
	)
	degrade := func(name string, err error) {
		metrics.EnrichmentFailures.WithLabelValues(name).Inc()
		en.logger.Warnw("Enrichment lookup degraded",
			"event_id", e.ID,
			"lookup", name,
			"error", util.SanitizeError(err))
		mu.Lock()
		out.Degraded = append(out.Degraded, name)
		if name == LookupIPKnown || name == LookupGeography {
			ipFailed = true
		}
		mu.Unlock()
	}
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer goroutine.Recover("enrich-"+name, en.logger)
			fn()
		}()
	}

	if en.identity != nil && e.SubjectUserID != "" {
		run(LookupUser, func() {
			if u, ok := en.users.Get(e.SubjectUserID); ok {
				out.User = u
				return
			}
			u, err := lookup(ctx, en.cfg.LookupTimeout, func(ctx context.Context) (*core.UserSnapshot, error) {
				return en.identity.GetUser(ctx, e.SubjectUserID)
			})
			if err != nil {
				degrade(LookupUser, err)
				return
			}
			if u != nil {
				en.users.Set(e.SubjectUserID, u)
			}
			out.User = u
		})
	}

	if en.identity != nil && e.SessionID != "" {
		run(LookupSession, func() {
			s, err := lookup(ctx, en.cfg.LookupTimeout, func(ctx context.Context) (*core.SessionContext, error) {
				return en.identity.GetSession(ctx, e.SessionID)
			})
			if err != nil {
				degrade(LookupSession, err)
				return
			}
			out.Session = s
		})
	}

	if en.reputation != nil && e.IPAddress != "" {
		run(LookupIPKnown, func() {
			if k, ok := en.known.Get(e.IPAddress); ok {
				out.IPInfo.Known = k
				return
			}
			k, err := lookup(ctx, en.cfg.LookupTimeout, func(ctx context.Context) (bool, error) {
				return en.reputation.IsKnownIP(ctx, e.IPAddress)
			})
			if err != nil {
				degrade(LookupIPKnown, err)
				return
			}
			en.known.Set(e.IPAddress, k)
			out.IPInfo.Known = k
		})
		run(LookupGeography, func() {
			if c, ok := en.geo.Get(e.IPAddress); ok {
				out.IPInfo.Country = c
				return
			}
			c, err := lookup(ctx, en.cfg.LookupTimeout, func(ctx context.Context) (string, error) {
				return en.reputation.GetGeography(ctx, e.IPAddress)
			})
			if err != nil {
				degrade(LookupGeography, err)
				return
			}
			en.geo.Set(e.IPAddress, c)
			out.IPInfo.Country = c
		})
	}

	if en.logins != nil && e.Type == core.EventTypeLogin && e.SubjectUserID != "" {
		run(LookupLogins, func() {
			history, err := lookup(ctx, en.cfg.LookupTimeout, func(ctx context.Context) ([]core.LoginRecord, error) {
				return en.logins.RecentLogins(ctx, e.SubjectUserID, en.cfg.LoginHistoryLimit)
			})
			if err != nil {
				degrade(LookupLogins, err)
				return
			}
			out.LoginHistory = history
		})
	}

	// In-memory lookups need no deadline
	if en.blocks != nil && e.IPAddress != "" {
		out.IPInfo.Blocked = en.blocks.IsBlocked(core.EntityIP, e.IPAddress)
	}
	if en.blocks != nil && e.SubjectUserID != "" {
		out.UserBlocked = en.blocks.IsBlocked(core.EntityUser, e.SubjectUserID)
	}
	if en.history != nil {
		out.History = en.primaryHistory(e)
	}

	wg.Wait()

	if en.reputation != nil && e.IPAddress != "" && !ipFailed {
		out.IPInfo.Status = core.IPStatusKnown
	}
	return out
}

func (en *Enricher) primaryHistory(e *core.SecurityEvent) core.History {
	key := core.PrimaryKey(e)
	h := core.History{Key: key.String()}
	if key.IsZero() {
		return h
	}
	window := en.cfg.RateWindow
	if key.Category == core.KeyCategoryAuth {
		window = en.cfg.AuthWindow
	}
	markers := en.history.Recent(key, window)
	h.Count = len(markers)
	if h.Count > 0 {
		h.LastSeen = markers[h.Count-1].Timestamp
	}
	return h
}
