package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrWrongType is returned when an operation targets a key holding a different kind of value.
	ErrWrongType = errors.New("store: operation against a key holding the wrong kind of value")
	ErrClosed    = errors.New("store: closed")
)

// BucketRequest describes a single token bucket debit.
type BucketRequest struct {
	Capacity float64
	Rate     float64 // tokens per second
	Cost     float64
	Now      time.Time
	TTL      time.Duration
}

// BucketResult is the outcome of TakeToken. Tokens is the post-refill,
// post-debit balance.
type BucketResult struct {
	Allowed    bool
	Tokens     float64
	RetryAfter time.Duration
}

// Store is the shared state every node of the gateway coordinates through.
// Each method is atomic on its own; nothing here spans more than one key
// except SMove, which is atomic across its two sets.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value only when it currently equals old.
	// A positive ttl is applied to the new value.
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)

	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// DecrIfPositive decrements an integer counter but never below zero.
	DecrIfPositive(ctx context.Context, key string) (int64, error)
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HSetEx writes the fields and sets the key expiry in one step.
	HSetEx(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error)
	// HEWMA folds sample into an exponentially weighted moving average stored
	// in field. The first sample initialises the average.
	HEWMA(ctx context.Context, key, field string, sample, alpha float64) (float64, error)

	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	// SMove reports whether member was present in src and is now in dst.
	SMove(ctx context.Context, src, dst, member string) (bool, error)

	Publish(ctx context.Context, channel, message string) error
	// Subscribe delivers messages until ctx is done, then closes the channel.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)

	TakeToken(ctx context.Context, key string, req BucketRequest) (BucketResult, error)

	Close() error
}
