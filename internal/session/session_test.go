package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegistry_CreateGetExpire(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(store.NewMemoryStoreWithClock(clock.Now))
	r.now = clock.Now

	if _, err := r.Create(ctx, "s1", "u1", "c1", time.Second); err != nil {
		t.Fatal(err)
	}

	sess, err := r.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess == nil || sess.UserID != "u1" || sess.ConversationID != "c1" {
		t.Fatalf("unexpected session %+v", sess)
	}

	clock.Advance(time.Second)

	sess, err = r.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess != nil {
		t.Fatalf("expected session to expire, got %+v", sess)
	}
}

func TestRegistry_CreateIsUpsert(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemoryStore())

	r.Create(ctx, "s1", "u1", "c1", time.Minute)
	r.Create(ctx, "s1", "u1", "c2", time.Minute)

	sess, _ := r.Get(ctx, "s1")
	if sess.ConversationID != "c2" {
		t.Fatalf("expected upsert to replace conversation, got %+v", sess)
	}
}

func TestRegistry_Delete(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemoryStore())

	r.Create(ctx, "s1", "u1", "c1", time.Minute)
	if err := r.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if sess, _ := r.Get(ctx, "s1"); sess != nil {
		t.Fatalf("expected nil after delete, got %+v", sess)
	}
	if _, err := r.Create(ctx, "", "u1", "c1", time.Minute); !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
}

func TestPresence_SetAndGet(t *testing.T) {
	ctx := context.Background()
	p := NewPresence(store.NewMemoryStore(), 0)

	if err := p.SetPresence(ctx, "u1", models.PresenceOnline); err != nil {
		t.Fatal(err)
	}
	status, ok, err := p.GetPresence(ctx, "u1")
	if err != nil || !ok || status != models.PresenceOnline {
		t.Fatalf("expected online, got %q ok=%v err=%v", status, ok, err)
	}

	p.SetPresence(ctx, "u1", models.PresenceIdle)
	if status, _, _ := p.GetPresence(ctx, "u1"); status != models.PresenceIdle {
		t.Fatalf("expected idle, got %q", status)
	}

	if err := p.SetPresence(ctx, "u1", models.PresenceOffline); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := p.GetPresence(ctx, "u1"); ok {
		t.Fatal("expected no presence record after offline")
	}
}

func TestPresence_ExpiresWithoutHeartbeat(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(0, 0)}
	p := NewPresence(store.NewMemoryStoreWithClock(clock.Now), 300*time.Second)

	p.SetPresence(ctx, "u1", models.PresenceOnline)
	clock.Advance(299 * time.Second)
	if _, ok, _ := p.GetPresence(ctx, "u1"); !ok {
		t.Fatal("expected presence before ttl")
	}
	clock.Advance(time.Second)
	if _, ok, _ := p.GetPresence(ctx, "u1"); ok {
		t.Fatal("expected presence to lapse after ttl")
	}
}

func TestPresence_InvalidStatus(t *testing.T) {
	p := NewPresence(store.NewMemoryStore(), 0)
	err := p.SetPresence(context.Background(), "u1", "away")
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}
