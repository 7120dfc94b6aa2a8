package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/billsync/processor"
	"github.com/GoCodeAlone/billsync/store"
	"github.com/redis/go-redis/v9"
)

// PaymentMethodChecker reports whether a tenant has a usable payment method.
type PaymentMethodChecker interface {
	HasPaymentMethod(ctx context.Context, tenantID string) (bool, error)
}

// ProcessorPaymentMethods asks the payment processor about the tenant's
// customer. Tenants without a customer have no payment method.
type ProcessorPaymentMethods struct {
	client  processor.Client
	tenants store.TenantStore
}

// NewProcessorPaymentMethods creates a processor-backed checker.
func NewProcessorPaymentMethods(client processor.Client, tenants store.TenantStore) *ProcessorPaymentMethods {
	return &ProcessorPaymentMethods{client: client, tenants: tenants}
}

func (p *ProcessorPaymentMethods) HasPaymentMethod(ctx context.Context, tenantID string) (bool, error) {
	t, err := p.tenants.Get(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("usage: load tenant %s: %w", tenantID, err)
	}
	if t.StripeCustomerID == "" {
		return false, nil
	}
	return p.client.HasPaymentMethod(ctx, t.StripeCustomerID)
}

// RedisPaymentMethodCache caches answers from another checker in Redis.
// Redis failures fall through to the wrapped checker.
type RedisPaymentMethodCache struct {
	next        PaymentMethodChecker
	client      redis.UniversalClient
	prefix      string
	ttl         time.Duration
	negativeTTL time.Duration
	logger      *slog.Logger
}

// RedisCacheConfig configures a RedisPaymentMethodCache.
type RedisCacheConfig struct {
	Prefix string
	// TTL applies to positive answers, NegativeTTL to "no payment method".
	TTL         time.Duration
	NegativeTTL time.Duration
}

// NewRedisPaymentMethodCache wraps next with a Redis cache.
func NewRedisPaymentMethodCache(next PaymentMethodChecker, client redis.UniversalClient, cfg RedisCacheConfig, logger *slog.Logger) *RedisPaymentMethodCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPaymentMethodCache{
		next:        next,
		client:      client,
		prefix:      cfg.Prefix,
		ttl:         cfg.TTL,
		negativeTTL: cfg.NegativeTTL,
		logger:      logger,
	}
}

func (c *RedisPaymentMethodCache) key(tenantID string) string {
	return c.prefix + "pm:" + tenantID
}

func (c *RedisPaymentMethodCache) HasPaymentMethod(ctx context.Context, tenantID string) (bool, error) {
	val, err := c.client.Get(ctx, c.key(tenantID)).Result()
	switch {
	case err == nil:
		return val == "1", nil
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("payment method cache read failed", "tenant_id", tenantID, "error", err)
	}

	has, err := c.next.HasPaymentMethod(ctx, tenantID)
	if err != nil {
		return false, err
	}
	val, ttl := "0", c.negativeTTL
	if has {
		val, ttl = "1", c.ttl
	}
	if err := c.client.Set(ctx, c.key(tenantID), val, ttl).Err(); err != nil {
		c.logger.Warn("payment method cache write failed", "tenant_id", tenantID, "error", err)
	}
	return has, nil
}

// Invalidate forgets the cached answer for a tenant.
func (c *RedisPaymentMethodCache) Invalidate(ctx context.Context, tenantID string) error {
	return c.client.Del(ctx, c.key(tenantID)).Err()
}
