package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-webhook-pipeline/core"
)

const ruleCacheKeyPrefix = "go-webhook-pipeline::routing_rules::v1"

// CachedRuleStore fronts rule reads with the repository cache. Rules change
// rarely and are read on every delivery, so the dispatcher goes through this
// wrapper by default.
type CachedRuleStore struct {
	base  core.RuleStore
	cache repositorycache.CacheService
}

func NewCachedRuleStore(
	base core.RuleStore,
	cacheService repositorycache.CacheService,
) (*CachedRuleStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base rule store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: rule cache service is required")
	}
	return &CachedRuleStore{base: base, cache: cacheService}, nil
}

// RuleCacheKey returns the deterministic cache key for a source's active
// rules: go-webhook-pipeline::routing_rules::v1::<source> with the source
// URL-path escaped.
func RuleCacheKey(source string) string {
	return strings.Join([]string{
		ruleCacheKeyPrefix,
		url.PathEscape(strings.TrimSpace(source)),
	}, "::")
}

func (s *CachedRuleStore) ActiveBySource(ctx context.Context, source string) ([]core.RoutingRule, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return nil, fmt.Errorf("sqlstore: cached rule store is not configured")
	}
	cacheKey := RuleCacheKey(source)
	rules, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) ([]core.RoutingRule, error) {
		return s.base.ActiveBySource(ctx, source)
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// Invalidate drops the cached rule set for a source after an out-of-band
// rule change.
func (s *CachedRuleStore) Invalidate(ctx context.Context, source string) error {
	if s == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached rule store is not configured")
	}
	return s.cache.Delete(ctx, RuleCacheKey(source))
}

var _ core.RuleStore = (*CachedRuleStore)(nil)
