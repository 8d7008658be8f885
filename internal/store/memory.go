package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memValue struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memStream struct {
	entries []Entry
	last    StreamID
}

// sweepEvery is how many string writes pass between inline sweeps.
const sweepEvery = 1024

// DefaultSweepInterval is the janitor period used by Run.
const DefaultSweepInterval = time.Minute

// MemoryStore is an in-process KV used in development and tests. Expired
// strings are dropped on access, every sweepEvery writes, and by Run.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	zsets   map[string]map[string]float64
	streams map[string]*memStream
	strings map[string]memValue
	writes  int
	closed  bool
}

// NewMemoryStore creates an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates an empty store that reads time from now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now:     now,
		zsets:   make(map[string]map[string]float64),
		streams: make(map[string]*memStream),
		strings: make(map[string]memValue),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("ping", errClosed)
	}
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// lock acquires the store mutex, failing like a network store would when
// the store is closed or the context is done.
func (s *MemoryStore) lock(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return unavailable(op, errClosed)
	}
	return nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.lock(ctx, "zadd"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	set, ok := s.zsets[key]
	if !ok {
		set = make(map[string]float64)
		s.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (s *MemoryStore) ZPopMin(ctx context.Context, key string) (string, bool, error) {
	if err := s.lock(ctx, "zpopmin"); err != nil {
		return "", false, err
	}
	defer s.mu.Unlock()
	members := s.sortedLocked(key)
	if len(members) == 0 {
		return "", false, nil
	}
	first := members[0]
	delete(s.zsets[key], first)
	if len(s.zsets[key]) == 0 {
		delete(s.zsets, key)
	}
	return first, true, nil
}

func (s *MemoryStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := s.lock(ctx, "zrange"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	members := s.sortedLocked(key)
	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, members[start:stop+1])
	return out, nil
}

func (s *MemoryStore) ZRem(ctx context.Context, key string, members ...string) error {
	if err := s.lock(ctx, "zrem"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	set := s.zsets[key]
	for _, m := range members {
		delete(set, m)
	}
	if set != nil && len(set) == 0 {
		delete(s.zsets, key)
	}
	return nil
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	if err := s.lock(ctx, "zcard"); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

// sortedLocked orders members by score, then lexicographically, as Redis does.
func (s *MemoryStore) sortedLocked(key string) []string {
	set := s.zsets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := set[members[i]], set[members[j]]
		if si != sj {
			return si < sj
		}
		return members[i] < members[j]
	})
	return members
}

func (s *MemoryStore) XAdd(ctx context.Context, key string, values map[string]string) (string, error) {
	if err := s.lock(ctx, "xadd"); err != nil {
		return "", err
	}
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		st = &memStream{}
		s.streams[key] = st
	}
	id := StreamID{Ms: uint64(s.now().UnixMilli())}
	if !st.last.Less(id) {
		id = st.last.Next()
	}
	st.last = id

	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	st.entries = append(st.entries, Entry{ID: id.String(), Values: copied})
	return id.String(), nil
}

func (s *MemoryStore) XRangeAfter(ctx context.Context, key, afterID string, count int64) ([]Entry, error) {
	after, err := ParseStreamID(afterID)
	if err != nil {
		return nil, err
	}
	if err := s.lock(ctx, "xrange"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		return []Entry{}, nil
	}
	start := sort.Search(len(st.entries), func(i int) bool {
		id, _ := ParseStreamID(st.entries[i].ID)
		return after.Less(id)
	})
	out := make([]Entry, 0)
	for _, e := range st.entries[start:] {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) XRevRange(ctx context.Context, key string, count int64) ([]Entry, error) {
	if err := s.lock(ctx, "xrevrange"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		return []Entry{}, nil
	}
	out := make([]Entry, 0)
	for i := len(st.entries) - 1; i >= 0; i-- {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		out = append(out, st.entries[i])
	}
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.lock(ctx, "set"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.putLocked(key, value, ttl)
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.lock(ctx, "setnx"); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	if _, ok := s.getLocked(key); ok {
		return false, nil
	}
	s.putLocked(key, value, ttl)
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.lock(ctx, "get"); err != nil {
		return "", false, err
	}
	defer s.mu.Unlock()
	value, ok := s.getLocked(key)
	return value, ok, nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	if err := s.lock(ctx, "del"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.strings, k)
		delete(s.zsets, k)
		delete(s.streams, k)
	}
	return nil
}

func (s *MemoryStore) putLocked(key, value string, ttl time.Duration) {
	v := memValue{value: value}
	if ttl > 0 {
		v.expiresAt = s.now().Add(ttl)
	}
	s.strings[key] = v
	s.writes++
	if s.writes%sweepEvery == 0 {
		s.sweepLocked()
	}
}

// Sweep drops every expired string and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked()
}

func (s *MemoryStore) sweepLocked() int {
	now := s.now()
	removed := 0
	for k, v := range s.strings {
		if !v.expiresAt.IsZero() && !now.Before(v.expiresAt) {
			delete(s.strings, k)
			removed++
		}
	}
	return removed
}

// Run sweeps expired strings every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *MemoryStore) getLocked(key string) (string, bool) {
	v, ok := s.strings[key]
	if !ok {
		return "", false
	}
	if !v.expiresAt.IsZero() && !s.now().Before(v.expiresAt) {
		delete(s.strings, key)
		return "", false
	}
	return v.value, true
}
