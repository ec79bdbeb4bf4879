package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// releaseLua deletes the owner key only if it still names the caller's
// operation, so a late Fail from one operation cannot release another's.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLiquidationLock shares liquidation ownership between instances.
// The key has no TTL: a liquidation may wait on special liquidation for
// hours, and only the finish/fail path releases it.
type RedisLiquidationLock struct {
	rdb       *redis.Client
	releaseSc *redis.Script
}

// NewRedisLiquidationLock creates a lock backed by rdb.
func NewRedisLiquidationLock(rdb *redis.Client) *RedisLiquidationLock {
	return &RedisLiquidationLock{
		rdb:       rdb,
		releaseSc: redis.NewScript(releaseLua),
	}
}

func liquidationKey(accountID string) string {
	return "liquidation:" + accountID
}

func (l *RedisLiquidationLock) TryAcquire(ctx context.Context, accountID, operationID string) (bool, string, error) {
	key := liquidationKey(accountID)
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := l.rdb.SetNX(ctx, key, operationID, 0).Result()
		if err != nil {
			return false, "", fmt.Errorf("redis: acquire %s: %w", key, err)
		}
		if ok {
			return true, operationID, nil
		}

		current, err := l.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue // released between SETNX and GET
		}
		if err != nil {
			return false, "", fmt.Errorf("redis: read owner %s: %w", key, err)
		}
		return false, current, nil
	}
	return false, "", fmt.Errorf("redis: acquire %s: owner kept changing", key)
}

func (l *RedisLiquidationLock) Release(ctx context.Context, accountID, operationID string) (bool, error) {
	n, err := l.releaseSc.Run(ctx, l.rdb, []string{liquidationKey(accountID)}, operationID).Int()
	if err != nil {
		return false, fmt.Errorf("redis: release %s: %w", accountID, err)
	}
	return n == 1, nil
}
