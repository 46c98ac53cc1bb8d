package store

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

const (
	memoryShardCount      = 64
	defaultJanitorPeriod  = time.Minute
	subscriberBufferDepth = 64
)

type valueKind int

const (
	kindString valueKind = iota
	kindHash
	kindSet
	kindBucket
)

type memoryEntry struct {
	kind      valueKind
	str       string
	hash      map[string]string
	set       map[string]struct{}
	bucket    bucketState
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type memoryShard struct {
	mu    sync.Mutex
	index int
	items map[string]*memoryEntry
}

// MemoryStore is a single-process Store. Keys are spread over sharded locks
// so unrelated keys never contend.
type MemoryStore struct {
	shards [memoryShardCount]*memoryShard
	now    func() time.Time

	subsMu sync.RWMutex
	subs   map[string]map[chan string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

type MemoryOption func(*MemoryStore)

// WithClock replaces the wall clock used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		now:  time.Now,
		subs: make(map[string]map[chan string]struct{}),
		done: make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{index: i, items: make(map[string]*memoryEntry)}
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.janitor(defaultJanitorPeriod)
	return m
}

func (m *MemoryStore) shardFor(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%memoryShardCount]
}

// lookup returns the live entry for key. Callers hold the shard lock.
func (m *MemoryStore) lookup(s *memoryShard, key string) *memoryEntry {
	e, ok := s.items[key]
	if !ok {
		return nil
	}
	if e.expired(m.now()) {
		delete(s.items, key)
		return nil
	}
	return e
}

func (m *MemoryStore) lookupKind(s *memoryShard, key string, kind valueKind) (*memoryEntry, error) {
	e := m.lookup(s, key)
	if e == nil {
		return nil, nil
	}
	if e.kind != kind {
		return nil, ErrWrongType
	}
	return e, nil
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) janitor(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := m.now()
			for _, s := range m.shards {
				s.mu.Lock()
				for key, e := range s.items {
					if e.expired(now) {
						delete(s.items, key)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.lookupKind(s, key, kindString)
	if err != nil || e == nil {
		return "", false, err
	}
	return e.str, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = &memoryEntry{kind: kindString, str: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.lookup(s, key) != nil {
		return false, nil
	}
	s.items[key] = &memoryEntry{kind: kindString, str: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.lookupKind(s, key, kindString)
	if err != nil || e == nil || e.str != old {
		return false, err
	}
	e.str = value
	e.expiresAt = m.expiry(ttl)
	return true, nil
}

func (m *MemoryStore) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.lookupKind(s, key, kindString)
	if err != nil || e == nil || e.str != expected {
		return false, err
	}
	delete(s.items, key)
	return true, nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		s := m.shardFor(key)
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := m.lookup(s, key); e != nil {
		if ttl <= 0 {
			delete(s.items, key)
			return nil
		}
		e.expiresAt = m.expiry(ttl)
	}
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	return m.lookup(s, key) != nil, nil
}

func (m *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.lookupKind(s, key, kindString)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &memoryEntry{kind: kindString, str: "0"}
		s.items[key] = e
	}
	current, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, ErrWrongType
	}
	current += delta
	e.str = strconv.FormatInt(current, 10)
	return current, nil
}

func (m *MemoryStore) DecrIfPositive(_ context.Context, key string) (int64, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.lookupKind(s, key, kindString)
	if err != nil || e == nil {
		return 0, err
	}
	current, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, ErrWrongType
	}
	if current <= 0 {
		e.str = "0"
		return 0, nil
	}
	current--
	e.str = strconv.FormatInt(current, 10)
	return current, nil
}

func (m *MemoryStore) IncrByFloat(_ context.Context, key string, delta float64) (float64, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.lookupKind(s, key, kindString)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &memoryEntry{kind: kindString, str: "0"}
		s.items[key] = e
	}
	current, err := strconv.ParseFloat(e.str, 64)
	if err != nil {
		return 0, ErrWrongType
	}
	current += delta
	e.str = formatFloat(current)
	return current, nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.lookupKind(s, key, kindHash)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if e != nil {
		for field, value := range e.hash {
			out[field] = value
		}
	}
	return out, nil
}

func (m *MemoryStore) hashEntry(s *memoryShard, key string) (*memoryEntry, error) {
	e, err := m.lookupKind(s, key, kindHash)
	if err != nil {
		return nil, err
	}
	if e == nil {
		e = &memoryEntry{kind: kindHash, hash: make(map[string]string)}
		s.items[key] = e
	}
	return e, nil
}

func (m *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.hashEntry(s, key)
	if err != nil {
		return err
	}
	for field, value := range fields {
		e.hash[field] = value
	}
	return nil
}

func (m *MemoryStore) HSetEx(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.hashEntry(s, key)
	if err != nil {
		return err
	}
	for field, value := range fields {
		e.hash[field] = value
	}
	if ttl > 0 {
		e.expiresAt = m.expiry(ttl)
	}
	return nil
}

func (m *MemoryStore) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.hashEntry(s, key)
	if err != nil {
		return 0, err
	}
	var current int64
	if raw, ok := e.hash[field]; ok {
		if current, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return 0, ErrWrongType
		}
	}
	current += delta
	e.hash[field] = strconv.FormatInt(current, 10)
	return current, nil
}

func (m *MemoryStore) HIncrByFloat(_ context.Context, key, field string, delta float64) (float64, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.hashEntry(s, key)
	if err != nil {
		return 0, err
	}
	var current float64
	if raw, ok := e.hash[field]; ok {
		if current, err = strconv.ParseFloat(raw, 64); err != nil {
			return 0, ErrWrongType
		}
	}
	current += delta
	e.hash[field] = formatFloat(current)
	return current, nil
}

func (m *MemoryStore) HEWMA(_ context.Context, key, field string, sample, alpha float64) (float64, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.hashEntry(s, key)
	if err != nil {
		return 0, err
	}
	next := sample
	if raw, ok := e.hash[field]; ok {
		current, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, ErrWrongType
		}
		next = alpha*sample + (1-alpha)*current
	}
	e.hash[field] = formatFloat(next)
	return next, nil
}

func (m *MemoryStore) setEntry(s *memoryShard, key string) (*memoryEntry, error) {
	e, err := m.lookupKind(s, key, kindSet)
	if err != nil {
		return nil, err
	}
	if e == nil {
		e = &memoryEntry{kind: kindSet, set: make(map[string]struct{})}
		s.items[key] = e
	}
	return e, nil
}

func (m *MemoryStore) SAdd(_ context.Context, key string, members ...string) (int64, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.setEntry(s, key)
	if err != nil {
		return 0, err
	}
	var added int64
	for _, member := range members {
		if _, ok := e.set[member]; !ok {
			e.set[member] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (m *MemoryStore) SRem(_ context.Context, key string, members ...string) (int64, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.lookupKind(s, key, kindSet)
	if err != nil || e == nil {
		return 0, err
	}
	var removed int64
	for _, member := range members {
		if _, ok := e.set[member]; ok {
			delete(e.set, member)
			removed++
		}
	}
	if len(e.set) == 0 {
		delete(s.items, key)
	}
	return removed, nil
}

func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.lookupKind(s, key, kindSet)
	if err != nil || e == nil {
		return nil, err
	}
	members := make([]string, 0, len(e.set))
	for member := range e.set {
		members = append(members, member)
	}
	return members, nil
}

func (m *MemoryStore) SCard(_ context.Context, key string) (int64, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.lookupKind(s, key, kindSet)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.set)), nil
}

func (m *MemoryStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.lookupKind(s, key, kindSet)
	if err != nil || e == nil {
		return false, err
	}
	_, ok := e.set[member]
	return ok, nil
}

func (m *MemoryStore) SMove(_ context.Context, src, dst, member string) (bool, error) {
	srcShard, dstShard := m.shardFor(src), m.shardFor(dst)
	unlock := lockPair(srcShard, dstShard)
	defer unlock()

	from, err := m.lookupKind(srcShard, src, kindSet)
	if err != nil || from == nil {
		return false, err
	}
	if _, ok := from.set[member]; !ok {
		return false, nil
	}
	to, err := m.setEntry(dstShard, dst)
	if err != nil {
		return false, err
	}
	delete(from.set, member)
	if len(from.set) == 0 {
		delete(srcShard.items, src)
	}
	to.set[member] = struct{}{}
	return true, nil
}

// lockPair locks two shards in a stable order.
func lockPair(a, b *memoryShard) func() {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	first, second := a, b
	if b.index < a.index {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

func (m *MemoryStore) TakeToken(_ context.Context, key string, req BucketRequest) (BucketResult, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := m.lookupKind(s, key, kindBucket)
	if err != nil {
		return BucketResult{}, err
	}
	var state *bucketState
	if e != nil {
		state = &e.bucket
	} else {
		e = &memoryEntry{kind: kindBucket}
		s.items[key] = e
	}

	next, result := takeToken(state, req)
	e.bucket = next
	e.expiresAt = m.expiry(req.TTL)
	return result, nil
}

func (m *MemoryStore) Publish(_ context.Context, channel, message string) error {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()

	for ch := range m.subs[channel] {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	select {
	case <-m.done:
		return nil, ErrClosed
	default:
	}

	ch := make(chan string, subscriberBufferDepth)

	m.subsMu.Lock()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[chan string]struct{})
	}
	m.subs[channel][ch] = struct{}{}
	m.subsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		m.subsMu.Lock()
		delete(m.subs[channel], ch)
		close(ch)
		m.subsMu.Unlock()
	}()

	return ch, nil
}

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
