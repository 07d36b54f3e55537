package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/trialmatch/trialmatch/internal/types"
)

// criteriaKeyPrefix namespaces cached rule sets in redis.
const criteriaKeyPrefix = "trialmatch:criteria:"

// NewRedisClient creates a redis client from a redis:// URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// CachedCriteriaSource caches another CriteriaSource's rule sets in redis.
// The cache is advisory: redis failures are logged and fall through to the
// wrapped source. Errors from the wrapped source are never cached.
type CachedCriteriaSource struct {
	next   CriteriaSource
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedCriteriaSource wraps next with a redis cache of the given TTL.
func NewCachedCriteriaSource(next CriteriaSource, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedCriteriaSource {
	return &CachedCriteriaSource{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

// FetchRuleSet returns the cached rule set or fetches and caches it.
func (c *CachedCriteriaSource) FetchRuleSet(ctx context.Context, trialID string) (*types.RuleSet, error) {
	key := criteriaKeyPrefix + trialID

	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rs types.RuleSet
		if err := json.Unmarshal(data, &rs); err == nil {
			c.logger.Debug("criteria cache hit", zap.String("trial_id", trialID))
			return &rs, nil
		}
		c.logger.Warn("discarding undecodable cached criteria", zap.String("trial_id", trialID))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("criteria cache read failed", zap.String("trial_id", trialID), zap.Error(err))
	}

	rs, err := c.next.FetchRuleSet(ctx, trialID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(rs); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("criteria cache write failed", zap.String("trial_id", trialID), zap.Error(err))
		}
	}
	return rs, nil
}

// Ping checks the wrapped source. Redis availability does not affect health.
func (c *CachedCriteriaSource) Ping(ctx context.Context) error {
	return c.next.Ping(ctx)
}
