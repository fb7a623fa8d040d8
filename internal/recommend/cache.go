// Package recommend serves execution tactic recommendations from the active
// policy.
package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tathienbao/execrl/internal/alerting"
	"github.com/tathienbao/execrl/internal/metrics"
	"github.com/tathienbao/execrl/internal/state"
	"github.com/tathienbao/execrl/internal/types"
)

// PolicyLoader loads the active policy. A nil policy means none exists.
type PolicyLoader interface {
	Active(ctx context.Context) (*types.ExecutionPolicy, error)
}

// CacheConfig holds policy cache settings.
type CacheConfig struct {
	TTL            time.Duration // snapshot age before a reload
	LoadTimeout    time.Duration // bound on each load
	RetryPerSecond float64       // reload attempts per second after a failure
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:            5 * time.Minute,
		LoadTimeout:    500 * time.Millisecond,
		RetryPerSecond: 0.2,
	}
}

type snapshot struct {
	policy   *types.ExecutionPolicy
	loadedAt time.Time
}

// Cache holds an immutable snapshot of the active policy. Readers never
// wait on a reload once a snapshot exists; they keep the previous policy
// until the new one is installed.
type Cache struct {
	cfg     CacheConfig
	loader  PolicyLoader
	alerter alerting.EventAlerter
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time

	snap    atomic.Pointer[snapshot]
	loading sync.Mutex // held by the goroutine performing a load
	limiter *rate.Limiter
	failed  bool // guarded by loading

	staleVersion int // last stale-schema version alerted, guarded by loading
}

// NewCache creates a policy cache. Nothing is loaded until first use.
func NewCache(cfg CacheConfig, loader PolicyLoader, alerter alerting.EventAlerter, m *metrics.Recorder, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = alerting.Nop{}
	}
	if m == nil {
		m = metrics.NewRecorder()
	}
	def := DefaultCacheConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = def.LoadTimeout
	}
	if cfg.RetryPerSecond <= 0 {
		cfg.RetryPerSecond = def.RetryPerSecond
	}

	return &Cache{
		cfg:     cfg,
		loader:  loader,
		alerter: alerter,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		limiter: rate.NewLimiter(rate.Limit(cfg.RetryPerSecond), 1),
	}
}

// SetClock replaces the time source. Used by tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Get returns the active policy, or nil when none is usable.
func (c *Cache) Get(ctx context.Context) *types.ExecutionPolicy {
	s := c.snap.Load()
	if c.fresh(s) {
		return s.policy
	}

	if s != nil {
		if !c.loading.TryLock() {
			return s.policy
		}
	} else {
		c.loading.Lock()
	}
	defer c.loading.Unlock()

	// Another goroutine may have reloaded while we waited.
	if cur := c.snap.Load(); c.fresh(cur) {
		return cur.policy
	}
	return c.reload(ctx)
}

// Invalidate marks the snapshot stale. The next Get reloads it.
func (c *Cache) Invalidate() {
	c.loading.Lock()
	defer c.loading.Unlock()
	if s := c.snap.Load(); s != nil {
		c.snap.Store(&snapshot{policy: s.policy})
	}
}

// PolicyActivated installs a freshly committed policy without a reload.
func (c *Cache) PolicyActivated(p *types.ExecutionPolicy) {
	c.loading.Lock()
	defer c.loading.Unlock()

	c.failed = false
	c.install(p)
	c.logger.Info("policy cache updated", "version", p.Version)
}

// Version returns the cached policy version, or 0.
func (c *Cache) Version() int {
	if s := c.snap.Load(); s != nil && s.policy != nil {
		return s.policy.Version
	}
	return 0
}

func (c *Cache) fresh(s *snapshot) bool {
	return s != nil && !s.loadedAt.IsZero() && c.now().Sub(s.loadedAt) < c.cfg.TTL
}

// reload must be called with loading held.
func (c *Cache) reload(ctx context.Context) *types.ExecutionPolicy {
	prev := c.snap.Load()
	now := c.now()

	if c.failed && !c.limiter.AllowN(now, 1) {
		return policyOf(prev)
	}

	loadCtx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
	defer cancel()

	p, err := c.loader.Active(loadCtx)
	if err != nil {
		if !c.failed {
			if aerr := c.alerter.AlertEvent(ctx, alerting.EventPolicyLoadFailed,
				"Execution policy load failed, serving previous snapshot",
				"err", err.Error(),
			); aerr != nil {
				c.logger.Warn("failed to send alert", "err", aerr)
			}
		}
		c.failed = true
		c.limiter.AllowN(now, 1)
		c.metrics.RecordPolicyLoad("error")
		c.logger.Warn("policy load failed", "err", err, "stale_version", c.Version())
		return policyOf(prev)
	}

	c.failed = false
	c.metrics.RecordPolicyLoad("ok")
	return c.install(p)
}

// install must be called with loading held.
func (c *Cache) install(p *types.ExecutionPolicy) *types.ExecutionPolicy {
	if err := checkSchema(p); err != nil {
		c.metrics.RecordPolicyLoad("stale_schema")
		c.logger.Warn("ignoring policy trained on another state schema",
			"version", p.Version,
			"err", err,
		)
		if c.staleVersion != p.Version {
			c.staleVersion = p.Version
			if err := c.alerter.AlertEvent(context.Background(), alerting.EventStaleSchema,
				"Active policy uses a stale state schema, retraining required",
				"version", p.Version,
				"schema_version", p.SchemaVersion,
			); err != nil {
				c.logger.Warn("failed to send alert", "err", err)
			}
		}
		p = nil
	}

	c.snap.Store(&snapshot{policy: p, loadedAt: c.now()})
	if p != nil {
		c.metrics.RecordActivePolicy(p.Version, len(p.Table), p.AvgReward)
	}
	return p
}

// checkSchema returns ErrStaleSchema when p was keyed by another discretizer.
func checkSchema(p *types.ExecutionPolicy) error {
	if p == nil || p.SchemaVersion == state.SchemaVersion {
		return nil
	}
	return fmt.Errorf("policy v%d has schema %d, want %d: %w",
		p.Version, p.SchemaVersion, state.SchemaVersion, types.ErrStaleSchema)
}

func policyOf(s *snapshot) *types.ExecutionPolicy {
	if s == nil {
		return nil
	}
	return s.policy
}
