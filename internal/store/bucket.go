package store

import (
	"math"
	"time"
)

// bucketState is the persisted shape of a token bucket: a balance and the
// millisecond timestamp it was last refilled at.
type bucketState struct {
	tokens float64
	ts     int64
}

// takeToken refills the bucket for the elapsed time and debits req.Cost when
// the balance allows it. A missing bucket starts full.
func takeToken(state *bucketState, req BucketRequest) (bucketState, BucketResult) {
	now := req.Now.UnixMilli()

	current := bucketState{tokens: req.Capacity, ts: now}
	if state != nil {
		current = *state
	}

	elapsed := now - current.ts
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := math.Min(req.Capacity, current.tokens+float64(elapsed)*req.Rate/1000)

	result := BucketResult{}
	if tokens >= req.Cost {
		tokens -= req.Cost
		result.Allowed = true
	} else if req.Rate > 0 {
		waitMs := math.Ceil((req.Cost - tokens) * 1000 / req.Rate)
		result.RetryAfter = time.Duration(waitMs) * time.Millisecond
	} else {
		result.RetryAfter = req.TTL
	}
	result.Tokens = tokens

	return bucketState{tokens: tokens, ts: max(now, current.ts)}, result
}
