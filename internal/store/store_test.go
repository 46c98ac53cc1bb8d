package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMemoryForTest(t *testing.T) Store {
	t.Helper()
	s := NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRedisForTest(t *testing.T) Store {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	s := NewRedisStore(client)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	backends := map[string]func(*testing.T) Store{
		"memory": newMemoryForTest,
		"redis":  newRedisForTest,
	}
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestStringOperations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
			t.Fatalf("Get(missing) = ok %v, err %v; want absent", ok, err)
		}

		ok, err := s.SetNX(ctx, "lock", "a", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first SetNX = %v, %v; want true", ok, err)
		}
		ok, err = s.SetNX(ctx, "lock", "b", time.Minute)
		if err != nil || ok {
			t.Fatalf("second SetNX = %v, %v; want false", ok, err)
		}

		if swapped, _ := s.CompareAndSwap(ctx, "lock", "b", "c", time.Minute); swapped {
			t.Fatal("CompareAndSwap with a stale value must not swap")
		}
		if swapped, _ := s.CompareAndSwap(ctx, "lock", "a", "c", time.Minute); !swapped {
			t.Fatal("CompareAndSwap with the current value must swap")
		}
		if deleted, _ := s.CompareAndDelete(ctx, "lock", "a"); deleted {
			t.Fatal("CompareAndDelete with a stale token must not delete")
		}
		if deleted, _ := s.CompareAndDelete(ctx, "lock", "c"); !deleted {
			t.Fatal("CompareAndDelete with the owning token must delete")
		}
		if exists, _ := s.Exists(ctx, "lock"); exists {
			t.Fatal("lock still exists after CompareAndDelete")
		}
	})
}

func TestCountersNeverGoNegative(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if n, err := s.IncrBy(ctx, "inflight", 2); err != nil || n != 2 {
			t.Fatalf("IncrBy = %d, %v; want 2", n, err)
		}
		for i := 0; i < 4; i++ {
			if _, err := s.DecrIfPositive(ctx, "inflight"); err != nil {
				t.Fatalf("DecrIfPositive: %v", err)
			}
		}
		value, _, _ := s.Get(ctx, "inflight")
		if value != "0" {
			t.Fatalf("counter = %q after over-release, want 0", value)
		}

		total, err := s.IncrByFloat(ctx, "cost", 1.25)
		if err != nil || total != 1.25 {
			t.Fatalf("IncrByFloat = %v, %v; want 1.25", total, err)
		}
	})
}

func TestHashOperationsAndEWMA(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if err := s.HSet(ctx, "proxy", map[string]string{"provider": "brightdata"}); err != nil {
			t.Fatalf("HSet: %v", err)
		}
		if n, _ := s.HIncrBy(ctx, "proxy", "requests", 3); n != 3 {
			t.Fatalf("HIncrBy = %d, want 3", n)
		}
		if v, _ := s.HIncrByFloat(ctx, "proxy", "bandwidth", 0.5); v != 0.5 {
			t.Fatalf("HIncrByFloat = %v, want 0.5", v)
		}

		first, err := s.HEWMA(ctx, "proxy", "ewma", 100, 0.2)
		if err != nil || first != 100 {
			t.Fatalf("first HEWMA = %v, %v; want 100", first, err)
		}
		second, err := s.HEWMA(ctx, "proxy", "ewma", 200, 0.2)
		if err != nil || second < 119.999 || second > 120.001 {
			t.Fatalf("second HEWMA = %v, %v; want 120", second, err)
		}

		fields, err := s.HGetAll(ctx, "proxy")
		if err != nil {
			t.Fatalf("HGetAll: %v", err)
		}
		if fields["provider"] != "brightdata" || fields["requests"] != "3" {
			t.Fatalf("unexpected fields %v", fields)
		}

		if _, _, err := s.Get(ctx, "proxy"); !errors.Is(err, ErrWrongType) {
			t.Fatalf("Get on a hash returned %v, want ErrWrongType", err)
		}
	})
}

func TestSMoveIsExactlyOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.SAdd(ctx, "active", "p1", "p2"); err != nil {
			t.Fatalf("SAdd: %v", err)
		}

		var moved atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.SMove(ctx, "active", "burned", "p1")
				if err != nil {
					t.Errorf("SMove: %v", err)
					return
				}
				if ok {
					moved.Add(1)
				}
			}()
		}
		wg.Wait()

		if got := moved.Load(); got != 1 {
			t.Fatalf("SMove succeeded %d times, want exactly 1", got)
		}
		if member, _ := s.SIsMember(ctx, "burned", "p1"); !member {
			t.Fatal("p1 missing from burned set")
		}
		if n, _ := s.SCard(ctx, "active"); n != 1 {
			t.Fatalf("active set has %d members, want 1", n)
		}
	})
}

func TestTakeTokenRefillsAtRate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		start := time.UnixMilli(1_700_000_000_000)
		req := BucketRequest{Capacity: 5, Rate: 5, Cost: 1, Now: start, TTL: time.Minute}

		for i := 0; i < 5; i++ {
			res, err := s.TakeToken(ctx, "rl:test", req)
			if err != nil || !res.Allowed {
				t.Fatalf("request %d = %+v, %v; want allowed", i+1, res, err)
			}
		}

		res, err := s.TakeToken(ctx, "rl:test", req)
		if err != nil {
			t.Fatalf("TakeToken: %v", err)
		}
		if res.Allowed {
			t.Fatal("sixth request within the same instant was allowed")
		}
		if res.RetryAfter != 200*time.Millisecond {
			t.Fatalf("retry after = %v, want 200ms", res.RetryAfter)
		}

		req.Now = start.Add(200 * time.Millisecond)
		if res, _ := s.TakeToken(ctx, "rl:test", req); !res.Allowed {
			t.Fatal("request after one refill interval was rejected")
		}
		if res, _ := s.TakeToken(ctx, "rl:test", req); res.Allowed {
			t.Fatal("only one token should have been refilled")
		}
	})
}

func TestTakeTokenIsAtomicUnderConcurrency(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		req := BucketRequest{Capacity: 150, Rate: 0, Cost: 1, Now: time.UnixMilli(1_700_000_000_000), TTL: time.Minute}

		var allowed atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.TakeToken(ctx, "rl:concurrent", req)
				if err != nil {
					t.Errorf("TakeToken: %v", err)
					return
				}
				if res.Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()

		if got := allowed.Load(); got != 150 {
			t.Fatalf("allowed = %d, want 150", got)
		}
	})
}

func TestPublishSubscribe(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		messages, err := s.Subscribe(ctx, "alerts")
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		if err := s.Publish(ctx, "alerts", "hello"); err != nil {
			t.Fatalf("Publish: %v", err)
		}

		select {
		case msg := <-messages:
			if msg != "hello" {
				t.Fatalf("received %q, want hello", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for published message")
		}
	})
}

func TestMemoryStoreExpiresKeys(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := NewMemoryStore(WithClock(clock))
	defer s.Close()
	ctx := context.Background()

	_ = s.Set(ctx, "short", "v", time.Second)
	_ = s.HSetEx(ctx, "entry", map[string]string{"body": "x"}, 5*time.Second)

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	if _, ok, _ := s.Get(ctx, "short"); ok {
		t.Fatal("string key survived its ttl")
	}
	if fields, _ := s.HGetAll(ctx, "entry"); fields["body"] != "x" {
		t.Fatalf("hash expired early: %v", fields)
	}

	ok, _ := s.SetNX(ctx, "short", "again", time.Second)
	if !ok {
		t.Fatal("SetNX should succeed once the previous holder expired")
	}
}
