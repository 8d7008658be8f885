package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client), mr
}

func TestRedisStore_SortedSet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedis(t)

	s.ZAdd(ctx, "q", 3, "low")
	s.ZAdd(ctx, "q", 1, "high")

	if n, err := s.ZCard(ctx, "q"); err != nil || n != 2 {
		t.Fatalf("ZCard = %d, %v", n, err)
	}

	member, ok, err := s.ZPopMin(ctx, "q")
	if err != nil || !ok || member != "high" {
		t.Fatalf("ZPopMin = %q ok=%v err=%v", member, ok, err)
	}

	rest, _ := s.ZRange(ctx, "q", 0, -1)
	if len(rest) != 1 || rest[0] != "low" {
		t.Fatalf("unexpected remaining members %v", rest)
	}

	_, ok, err = s.ZPopMin(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("expected empty pop, ok=%v err=%v", ok, err)
	}
}

func TestRedisStore_Stream(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedis(t)

	id1, err := s.XAdd(ctx, "stream:c1", map[string]string{"data": `{"n":1}`})
	if err != nil {
		t.Fatal(err)
	}
	id2, _ := s.XAdd(ctx, "stream:c1", map[string]string{"data": `{"n":2}`})

	all, err := s.XRangeAfter(ctx, "stream:c1", "0", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != id1 || all[1].ID != id2 {
		t.Fatalf("unexpected entries %+v", all)
	}
	if all[0].Values["data"] != `{"n":1}` {
		t.Fatalf("unexpected values %+v", all[0].Values)
	}

	after, _ := s.XRangeAfter(ctx, "stream:c1", id1, 10)
	if len(after) != 1 || after[0].ID != id2 {
		t.Fatalf("expected only %s after %s, got %+v", id2, id1, after)
	}

	latest, _ := s.XRevRange(ctx, "stream:c1", 1)
	if len(latest) != 1 || latest[0].ID != id2 {
		t.Fatalf("unexpected latest %+v", latest)
	}

	if _, err := s.XRangeAfter(ctx, "stream:c1", "bogus", 10); !errors.Is(err, ErrInvalidStreamID) {
		t.Fatalf("expected ErrInvalidStreamID, got %v", err)
	}
}

func TestRedisStore_StringsWithTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)

	if _, ok, err := s.Get(ctx, "absent"); ok || err != nil {
		t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
	}

	s.Set(ctx, "session:s1", "v", time.Second)
	if v, ok, _ := s.Get(ctx, "session:s1"); !ok || v != "v" {
		t.Fatalf("expected stored value, got %q ok=%v", v, ok)
	}

	mr.FastForward(2 * time.Second)
	if _, ok, _ := s.Get(ctx, "session:s1"); ok {
		t.Fatal("expected key to expire")
	}

	first, _ := s.SetNX(ctx, "nonce", "1", time.Minute)
	second, _ := s.SetNX(ctx, "nonce", "1", time.Minute)
	if !first || second {
		t.Fatalf("SetNX first=%v second=%v", first, second)
	}

	s.Del(ctx, "nonce")
	if _, ok, _ := s.Get(ctx, "nonce"); ok {
		t.Fatal("expected key to be deleted")
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)
	mr.Close()

	if err := s.ZAdd(ctx, "q", 1, "m"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, _, err := s.Get(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from Get, got %v", err)
	}
}
