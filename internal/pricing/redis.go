package pricing

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisBooks reads books published by the price feed. Each book is a hash
// at "quote:{asset}" (or "quote:{provider}:{asset}") with fields bid, ask,
// bid_size, ask_size and fx, stored as decimal strings.
type RedisBooks struct {
	rdb *redis.Client
}

// NewRedisBooks creates a BookSource backed by rdb.
func NewRedisBooks(rdb *redis.Client) *RedisBooks {
	return &RedisBooks{rdb: rdb}
}

// SetBook writes a book. The price feed owns these keys; this is used by
// tooling and tests.
func (r *RedisBooks) SetBook(ctx context.Context, assetPairID, externalProviderID string, b Book) error {
	fields := map[string]interface{}{
		"bid":      b.Bid.String(),
		"ask":      b.Ask.String(),
		"bid_size": b.BidSize.String(),
		"ask_size": b.AskSize.String(),
		"fx":       b.FxRate.String(),
	}
	if err := r.rdb.HSet(ctx, bookKey(assetPairID, externalProviderID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set book %s: %w", assetPairID, err)
	}
	return nil
}

// Book returns the venue's book, falling back to the default venue.
func (r *RedisBooks) Book(ctx context.Context, assetPairID, externalProviderID string) (Book, error) {
	b, err := r.read(ctx, bookKey(assetPairID, externalProviderID))
	if err == ErrNoQuote && externalProviderID != "" {
		return r.read(ctx, bookKey(assetPairID, ""))
	}
	return b, err
}

func (r *RedisBooks) read(ctx context.Context, key string) (Book, error) {
	vals, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return Book{}, fmt.Errorf("redis: get book %s: %w", key, err)
	}
	if len(vals) == 0 {
		return Book{}, ErrNoQuote
	}

	var b Book
	for field, dst := range map[string]*decimal.Decimal{
		"bid":      &b.Bid,
		"ask":      &b.Ask,
		"bid_size": &b.BidSize,
		"ask_size": &b.AskSize,
		"fx":       &b.FxRate,
	} {
		s, ok := vals[field]
		if !ok || s == "" {
			continue
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return Book{}, fmt.Errorf("redis: parse %s of %s: %w", field, key, err)
		}
		*dst = v
	}
	return b, nil
}
