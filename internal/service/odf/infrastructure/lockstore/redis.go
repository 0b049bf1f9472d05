// internal/service/odf/infrastructure/lockstore/redis.go
package lockstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"odf/internal/pkg/redis"
	"odf/internal/service/odf/domain"
	"odf/internal/service/odf/domain/port"
)

const (
	acquireScriptName      = "odf_lock_acquire"
	releaseScriptName      = "odf_lock_release"
	releaseOrderScriptName = "odf_lock_release_order"

	// 所有键共用 {odf} hash tag，保证集群模式下脚本涉及的键在同一个 slot
	redisKeyPrefix   = "odf:lock:{odf}:"
	redisOrderPrefix = "odf:lock-order:{odf}:"
)

// RedisStore 是 port.LockStore 的 Redis 实现，批量 check-and-set 由 Lua 脚本保证原子性。
type RedisStore struct {
	client *redis.Client
}

var _ port.LockStore = (*RedisStore)(nil)

// NewRedisStore 创建时加载所需的 Lua 脚本
func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	if err := client.LoadScriptFromContent(acquireScriptName, acquireScript); err != nil {
		return nil, fmt.Errorf("failed to load lock acquire script: %w", err)
	}
	if err := client.LoadScriptFromContent(releaseScriptName, releaseScript); err != nil {
		return nil, fmt.Errorf("failed to load lock release script: %w", err)
	}
	if err := client.LoadScriptFromContent(releaseOrderScriptName, releaseOrderScript); err != nil {
		return nil, fmt.Errorf("failed to load lock release script: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func redisLockKey(key string) string { return redisKeyPrefix + key }

func redisOrderKey(orderID int64) string { return redisOrderPrefix + strconv.FormatInt(orderID, 10) }

func stripRedisPrefix(redisKey string) string { return strings.TrimPrefix(redisKey, redisKeyPrefix) }

func (s *RedisStore) Acquire(ctx context.Context, locks []domain.SerialLock, now time.Time) error {
	if len(locks) == 0 {
		return nil
	}
	orderID := locks[0].OrderID
	keys := []string{redisOrderKey(orderID)}
	args := []interface{}{locks[0].Owner, now.UnixMilli()}

	var maxTTL time.Duration
	for _, l := range locks {
		if l.OrderID != orderID {
			return fmt.Errorf("redis lock store: batch mixes orders %d and %d", orderID, l.OrderID)
		}
		data, err := encodeRecord(l)
		if err != nil {
			return errors.Wrap(err, "encode lock record")
		}
		ttl := l.ExpiresAt.Sub(now)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
		if ttl > maxTTL {
			maxTTL = ttl
		}
		keys = append(keys, redisLockKey(l.Key()))
		args = append(args, string(data), ttl.Milliseconds())
	}
	args = append(args, maxTTL.Milliseconds())

	res, err := s.client.RunScript(ctx, acquireScriptName, keys, args...)
	if err != nil {
		return errors.Wrap(err, "redis lock store: run acquire script")
	}
	out, ok := res.([]interface{})
	if !ok || len(out) == 0 {
		return fmt.Errorf("unexpected result type from lock script: %T", res)
	}
	if code, _ := out[0].(int64); code == 1 {
		return nil
	}

	held := ""
	if len(out) > 1 {
		held, _ = out[1].(string)
	}
	if len(out) > 2 {
		if rec, err := decodeRecord([]byte(fmt.Sprint(out[2]))); err == nil {
			return conflictError(rec)
		}
	}
	return errors.Wrapf(domain.ErrLockConflict, "%s", stripRedisPrefix(held))
}

func (s *RedisStore) Release(ctx context.Context, owner string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = redisLockKey(k)
	}
	if _, err := s.client.RunScript(ctx, releaseScriptName, redisKeys, owner, redisOrderPrefix, redisKeyPrefix); err != nil {
		return errors.Wrap(err, "redis lock store: run release script")
	}
	return nil
}

func (s *RedisStore) ReleaseOrder(ctx context.Context, orderID int64) (int, error) {
	res, err := s.client.RunScript(ctx, releaseOrderScriptName, []string{redisOrderKey(orderID)}, orderID, redisKeyPrefix)
	if err != nil {
		return 0, errors.Wrap(err, "redis lock store: run release script")
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from release script: %T", res)
	}
	return int(n), nil
}

// SweepExpired 过期由 Redis 的 PX 完成，这里只清理订单索引中已经不存在的键
func (s *RedisStore) SweepExpired(ctx context.Context, _ time.Time) (int, error) {
	rdb := s.client.GetClient()
	removed := 0
	iter := rdb.Scan(ctx, 0, redisOrderPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()
		members, err := rdb.SMembers(ctx, indexKey).Result()
		if err != nil {
			return removed, errors.Wrap(err, "redis lock store: read order index")
		}
		for _, m := range members {
			exists, err := rdb.Exists(ctx, redisLockKey(m)).Result()
			if err != nil {
				return removed, errors.Wrap(err, "redis lock store: check lock")
			}
			if exists == 0 {
				if err := rdb.SRem(ctx, indexKey, m).Err(); err != nil {
					return removed, errors.Wrap(err, "redis lock store: prune order index")
				}
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, errors.Wrap(err, "redis lock store: scan")
	}
	return removed, nil
}

func (s *RedisStore) Holders(ctx context.Context, keys []string) (map[string]domain.SerialLock, error) {
	out := make(map[string]domain.SerialLock, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = redisLockKey(k)
	}
	vals, err := s.client.GetClient().MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis lock store: mget")
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		l, err := decodeRecord([]byte(str))
		if err != nil {
			return nil, errors.Wrapf(err, "decode lock %s", keys[i])
		}
		out[keys[i]] = l
	}
	return out, nil
}

func (s *RedisStore) ListByOrder(ctx context.Context, orderID int64) ([]domain.SerialLock, error) {
	members, err := s.client.GetClient().SMembers(ctx, redisOrderKey(orderID)).Result()
	if err != nil && err != goredis.Nil {
		return nil, errors.Wrap(err, "redis lock store: read order index")
	}
	holders, err := s.Holders(ctx, members)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SerialLock, 0, len(holders))
	for _, l := range holders {
		if l.OrderID == orderID {
			out = append(out, l)
		}
	}
	return out, nil
}

var acquireScript = `
-- KEYS[1]: 订单索引 set
-- KEYS[2..n]: 锁键
-- ARGV[1]: 持有者, ARGV[2]: 当前时间 (ms)
-- ARGV[3..]: 每个锁键对应 (记录 JSON, ttl ms)，最后一个参数是索引的 ttl

-- 1. 检查所有键：存在、未过期且持有者不同即冲突
for i = 2, #KEYS do
    local cur = redis.call('get', KEYS[i])
    if cur then
        local rec = cjson.decode(cur)
        if rec.owner ~= ARGV[1] and tonumber(rec.expires_at) > tonumber(ARGV[2]) then
            return {0, KEYS[i], cur}
        end
    end
end

-- 2. 全部写入
for i = 2, #KEYS do
    local j = (i - 2) * 2 + 3
    redis.call('set', KEYS[i], ARGV[j], 'PX', ARGV[j + 1])
    redis.call('sadd', KEYS[1], string.sub(KEYS[i], string.len('` + redisKeyPrefix + `') + 1))
end

-- 3. 索引至少和最长的锁一样久
local ttl = tonumber(ARGV[#ARGV])
if redis.call('pttl', KEYS[1]) < ttl then
    redis.call('pexpire', KEYS[1], ttl)
end
return {1}
`

var releaseScript = `
-- KEYS: 锁键
-- ARGV[1]: 持有者, ARGV[2]: 订单索引前缀, ARGV[3]: 锁键前缀
local n = 0
for i = 1, #KEYS do
    local cur = redis.call('get', KEYS[i])
    if cur then
        local rec = cjson.decode(cur)
        if rec.owner == ARGV[1] then
            redis.call('del', KEYS[i])
            redis.call('srem', ARGV[2] .. tostring(rec.order_id), string.sub(KEYS[i], string.len(ARGV[3]) + 1))
            n = n + 1
        end
    end
end
return n
`

var releaseOrderScript = `
-- KEYS[1]: 订单索引 set
-- ARGV[1]: 订单 ID, ARGV[2]: 锁键前缀
local n = 0
local members = redis.call('smembers', KEYS[1])
for _, m in ipairs(members) do
    local key = ARGV[2] .. m
    local cur = redis.call('get', key)
    if cur then
        local rec = cjson.decode(cur)
        -- 过期后可能已被其他订单重新持有
        if tonumber(rec.order_id) == tonumber(ARGV[1]) then
            redis.call('del', key)
            n = n + 1
        end
    end
end
redis.call('del', KEYS[1])
return n
`
