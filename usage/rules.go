package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/cache"
)

// RuleLoader fetches overage rules from a remote source, usually the ERP.
type RuleLoader interface {
	OverageRules(ctx context.Context) (map[string]billing.OverageRule, error)
}

const rulesKey = "overage-rules"

// RuleSource serves overage rules: remote rules layered over defaults and
// cached for a TTL. When the remote source fails the defaults are served and
// nothing is cached.
type RuleSource struct {
	loader   RuleLoader
	mu       sync.RWMutex
	defaults map[string]billing.OverageRule
	cache    *cache.LRU[string, map[string]billing.OverageRule]
	logger   *slog.Logger
}

// NewRuleSource creates a RuleSource. A nil loader serves defaults only; nil
// defaults mean billing.DefaultOverageRules.
func NewRuleSource(loader RuleLoader, defaults map[string]billing.OverageRule, ttl time.Duration, logger *slog.Logger) *RuleSource {
	if defaults == nil {
		defaults = billing.DefaultOverageRules
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleSource{
		loader:   loader,
		defaults: defaults,
		cache:    cache.New[string, map[string]billing.OverageRule](cache.Config{MaxSize: 1, TTL: ttl}),
		logger:   logger,
	}
}

// Rules returns the effective rule set. It never fails.
func (r *RuleSource) Rules(ctx context.Context) map[string]billing.OverageRule {
	r.mu.RLock()
	defaults := r.defaults
	r.mu.RUnlock()
	if r.loader == nil {
		return defaults
	}
	rules, err := r.cache.GetOrLoad(rulesKey, rulesKey, func() (map[string]billing.OverageRule, error) {
		remote, err := r.loader.OverageRules(ctx)
		if err != nil {
			return nil, err
		}
		merged := make(map[string]billing.OverageRule, len(defaults)+len(remote))
		for k, v := range defaults {
			merged[k] = v
		}
		for k, v := range remote {
			merged[k] = v
		}
		return merged, nil
	})
	if err != nil {
		r.logger.Warn("overage rules unavailable, using defaults", "error", err)
		return defaults
	}
	return rules
}

// Rule returns the rule for one feature.
func (r *RuleSource) Rule(ctx context.Context, featureKey string) (billing.OverageRule, bool) {
	rule, ok := r.Rules(ctx)[featureKey]
	return rule, ok
}

// Refresh drops the cached rule set.
func (r *RuleSource) Refresh() { r.cache.Delete(rulesKey) }

// SetDefaults replaces the fallback rules and drops the cached set so the
// next read merges remote rules over the new defaults.
func (r *RuleSource) SetDefaults(defaults map[string]billing.OverageRule) {
	if defaults == nil {
		defaults = billing.DefaultOverageRules
	}
	r.mu.Lock()
	r.defaults = defaults
	r.mu.Unlock()
	r.Refresh()
}
