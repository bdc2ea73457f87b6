package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/coursepay/internal/config"
)

const keyCheckout = "coursepay:checkout:%s"

// CheckoutLimiter bounds how often one caller may open gateway checkouts.
// A nil limiter allows everything.
type CheckoutLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewCheckoutLimiter(cfg config.Config, client *redis.Client) (*CheckoutLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || client == nil {
		return nil, nil
	}
	if limitCfg.CheckoutRate <= 0 || limitCfg.CheckoutBurst <= 0 {
		return nil, fmt.Errorf("checkout rate limit must be positive (rate=%v burst=%d)", limitCfg.CheckoutRate, limitCfg.CheckoutBurst)
	}
	return &CheckoutLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.CheckoutRate,
		burst:  limitCfg.CheckoutBurst,
	}, nil
}

func (l *CheckoutLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *CheckoutLimiter) AllowCheckout(ctx context.Context, key string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyCheckout, strings.TrimSpace(key)), l.rate, l.burst)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
