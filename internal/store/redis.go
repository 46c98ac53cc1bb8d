package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

var (
	compareAndSwapScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	if tonumber(ARGV[3]) > 0 then
		redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	else
		redis.call("SET", KEYS[1], ARGV[2])
	end
	return 1
end
return 0`)

	compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	decrIfPositiveScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current <= 0 then
	if current < 0 then
		redis.call("SET", KEYS[1], "0")
	end
	return 0
end
return redis.call("DECR", KEYS[1])`)

	ewmaScript = redis.NewScript(`
local current = tonumber(redis.call("HGET", KEYS[1], ARGV[1]))
local sample = tonumber(ARGV[2])
local alpha = tonumber(ARGV[3])
local nextValue = sample
if current ~= nil then
	nextValue = alpha * sample + (1 - alpha) * current
end
local encoded = tostring(nextValue)
redis.call("HSET", KEYS[1], ARGV[1], encoded)
return encoded`)

	// tokenBucketScript mirrors takeToken in bucket.go.
	tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
	tokens = capacity
	ts = now
end

local elapsed = now - ts
if elapsed < 0 then
	elapsed = 0
end
tokens = math.min(capacity, tokens + (elapsed * rate) / 1000)

local allowed = 0
local retry = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
elseif rate > 0 then
	retry = math.ceil(((cost - tokens) * 1000) / rate)
else
	retry = ttl
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(math.max(now, ts)))
if ttl > 0 then
	redis.call("PEXPIRE", KEYS[1], ttl)
end
return {allowed, tostring(tokens), retry}`)
)

// RedisStore implements Store on a shared Redis deployment. Compound
// operations run as Lua scripts so they stay atomic across nodes.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying connection for components that need raw access.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapRedisErr(err)
	}
	return value, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapRedisErr(r.client.Set(ctx, key, value, positive(ttl)).Err())
}

func (r *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, positive(ttl)).Result()
	return ok, wrapRedisErr(err)
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	res, err := compareAndSwapScript.Run(ctx, r.client, []string{key}, old, value, positive(ttl).Milliseconds()).Int64()
	if err != nil {
		return false, wrapRedisErr(err)
	}
	return res == 1, nil
}

func (r *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, expected).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, wrapRedisErr(err)
	}
	return res == 1, nil
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrapRedisErr(r.client.Del(ctx, keys...).Err())
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return wrapRedisErr(r.client.Del(ctx, key).Err())
	}
	return wrapRedisErr(r.client.PExpire(ctx, key, ttl).Err())
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, wrapRedisErr(err)
}

func (r *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := r.client.IncrBy(ctx, key, delta).Result()
	return n, wrapRedisErr(err)
}

func (r *RedisStore) DecrIfPositive(ctx context.Context, key string) (int64, error) {
	n, err := decrIfPositiveScript.Run(ctx, r.client, []string{key}).Int64()
	return n, wrapRedisErr(err)
}

func (r *RedisStore) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	v, err := r.client.IncrByFloat(ctx, key, delta).Result()
	return v, wrapRedisErr(err)
}

func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	return fields, wrapRedisErr(err)
}

func (r *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return wrapRedisErr(r.client.HSet(ctx, key, fieldArgs(fields)...).Err())
}

func (r *RedisStore) HSetEx(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldArgs(fields)...)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	return wrapRedisErr(err)
}

func (r *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := r.client.HIncrBy(ctx, key, field, delta).Result()
	return n, wrapRedisErr(err)
}

func (r *RedisStore) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	v, err := r.client.HIncrByFloat(ctx, key, field, delta).Result()
	return v, wrapRedisErr(err)
}

func (r *RedisStore) HEWMA(ctx context.Context, key, field string, sample, alpha float64) (float64, error) {
	raw, err := ewmaScript.Run(ctx, r.client, []string{key}, field, sample, alpha).Text()
	if err != nil {
		return 0, wrapRedisErr(err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("store: parse ewma %q: %w", raw, err)
	}
	return v, nil
}

func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := r.client.SAdd(ctx, key, stringArgs(members)...).Result()
	return n, wrapRedisErr(err)
}

func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := r.client.SRem(ctx, key, stringArgs(members)...).Result()
	return n, wrapRedisErr(err)
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	return members, wrapRedisErr(err)
}

func (r *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.SCard(ctx, key).Result()
	return n, wrapRedisErr(err)
}

func (r *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	return ok, wrapRedisErr(err)
}

func (r *RedisStore) SMove(ctx context.Context, src, dst, member string) (bool, error) {
	ok, err := r.client.SMove(ctx, src, dst, member).Result()
	return ok, wrapRedisErr(err)
}

func (r *RedisStore) Publish(ctx context.Context, channel, message string) error {
	return wrapRedisErr(r.client.Publish(ctx, channel, message).Err())
}

func (r *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, wrapRedisErr(err)
	}

	out := make(chan string, subscriberBufferDepth)
	go func() {
		defer close(out)
		defer func() {
			if err := pubsub.Close(); err != nil {
				log.Debug("store: closing subscription failed", "channel", channel, "error", err)
			}
		}()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (r *RedisStore) TakeToken(ctx context.Context, key string, req BucketRequest) (BucketResult, error) {
	values, err := tokenBucketScript.Run(ctx, r.client, []string{key},
		req.Capacity, req.Rate, req.Now.UnixMilli(), req.Cost, positive(req.TTL).Milliseconds(),
	).Slice()
	if err != nil {
		return BucketResult{}, wrapRedisErr(err)
	}
	if len(values) != 3 {
		return BucketResult{}, fmt.Errorf("store: token bucket returned %d values", len(values))
	}

	allowed, _ := values[0].(int64)
	tokens, err := strconv.ParseFloat(fmt.Sprint(values[1]), 64)
	if err != nil {
		return BucketResult{}, fmt.Errorf("store: parse bucket tokens: %w", err)
	}
	retryMs, _ := values[2].(int64)

	return BucketResult{
		Allowed:    allowed == 1,
		Tokens:     tokens,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func wrapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	if isWrongType(err) {
		return fmt.Errorf("%w: %v", ErrWrongType, err)
	}
	return fmt.Errorf("store: redis: %w", err)
}

func isWrongType(err error) bool {
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		return len(msg) >= 9 && msg[:9] == "WRONGTYPE"
	}
	return false
}

func positive(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

func fieldArgs(fields map[string]string) []interface{} {
	args := make([]interface{}, 0, len(fields)*2)
	for field, value := range fields {
		args = append(args, field, value)
	}
	return args
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
