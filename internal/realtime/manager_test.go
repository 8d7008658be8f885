package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/observability"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/queue"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/ratelimit"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/security"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/session"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/stream"
)

// slowKV delays string writes so concurrent handshakes overlap in the store.
type slowKV struct {
	store.KV
	delay time.Duration
	fail  atomic.Bool
}

func (s *slowKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	time.Sleep(s.delay)
	if s.fail.Load() {
		return store.ErrUnavailable
	}
	return s.KV.Set(ctx, key, value, ttl)
}

type fixture struct {
	kv      store.KV
	deps    Deps
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithKV(t, store.NewMemoryStore())
}

func newFixtureWithKV(t *testing.T, kv store.KV) *fixture {
	t.Helper()
	zl := zerolog.New(io.Discard)
	deps := Deps{
		Sessions: session.NewRegistry(kv),
		Presence: session.NewPresence(kv, session.DefaultPresenceTTL),
		Stream:   stream.New(kv),
		Queue:    queue.New(kv, zl),
		Limiter:  ratelimit.New(kv),
		Log:      observability.NewLogger(kv, zl, observability.Config{}),
	}
	return &fixture{kv: kv, deps: deps, manager: NewManager(deps, Config{}, zl)}
}

func callerCtx(tier models.Tier) (context.Context, string) {
	p := &models.Principal{ID: uuid.New(), Tier: tier}
	sc := security.ForPrincipal(p)
	return security.WithContext(context.Background(), sc), sc.UserID
}

func (f *fixture) connect(t *testing.T, ctx context.Context, sessionID, userID, conversationID string) {
	t.Helper()
	ok, err := f.manager.Connect(ctx, sessionID, userID, conversationID)
	if err != nil || !ok {
		t.Fatalf("connect %s: ok=%v err=%v", sessionID, ok, err)
	}
}

func TestHandleMessage_UnknownSession(t *testing.T) {
	f := newFixture(t)

	reply := f.manager.HandleMessage(context.Background(), "nope", models.ProtocolMessage{Type: models.ProtocolPing})
	if reply == nil || reply.Type != models.ProtocolError || reply.Error == "" {
		t.Fatalf("expected error reply, got %+v", reply)
	}
}

func TestConnect_RegistersSessionAndPresence(t *testing.T) {
	f := newFixture(t)
	ctx, user := callerCtx(models.TierPro)

	f.connect(t, ctx, "s1", user, "c1")

	sess, err := f.deps.Sessions.Get(ctx, "s1")
	if err != nil || sess == nil {
		t.Fatalf("expected session record, got %v %v", sess, err)
	}
	if sess.UserID != user || sess.ConversationID != "c1" {
		t.Fatalf("unexpected session %+v", sess)
	}

	status, ok, err := f.deps.Presence.GetPresence(ctx, user)
	if err != nil || !ok || status != models.PresenceOnline {
		t.Fatalf("expected online, got %q ok=%v err=%v", status, ok, err)
	}

	conns := f.manager.ActiveConnections()
	if len(conns) != 1 || conns[0].Tier != models.TierPro || len(conns[0].Channels) != 0 {
		t.Fatalf("unexpected connections %+v", conns)
	}
}

func TestConnect_ConcurrentSessionLimit(t *testing.T) {
	f := newFixture(t)
	ctx, user := callerCtx(models.TierFree)

	f.connect(t, ctx, "s1", user, "c1")
	f.connect(t, ctx, "s2", user, "c1")

	ok, err := f.manager.Connect(ctx, "s3", user, "c1")
	if ok || !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected session limit, got ok=%v err=%v", ok, err)
	}

	// Reconnecting an existing session does not count against the limit.
	f.connect(t, ctx, "s2", user, "c2")
	if got := f.manager.ConnectionsByConversation("c2"); len(got) != 1 {
		t.Fatalf("expected replaced connection, got %+v", got)
	}
}

func TestSubscribeAndPoll(t *testing.T) {
	f := newFixture(t)
	ctx, user := callerCtx(models.TierFree)
	f.connect(t, ctx, "s1", user, "c1")

	// Published before subscribing; not delivered.
	if _, err := f.manager.BroadcastToConversation(ctx, "c1", models.AgentEvent{Type: models.EventStatus}); err != nil {
		t.Fatal(err)
	}

	channel := stream.ConversationChannel("c1")
	reply := f.manager.HandleMessage(ctx, "s1", models.ProtocolMessage{Type: models.ProtocolSubscribe, Channel: channel})
	if reply == nil || reply.Status != "subscribed" || reply.Channel != channel {
		t.Fatalf("unexpected subscribe reply %+v", reply)
	}

	id, err := f.manager.BroadcastToConversation(ctx, "c1", models.AgentEvent{
		Type: models.EventAgentResponse,
		Data: json.RawMessage(`{"text":"done"}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	events, err := f.manager.Poll(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != id || events[0].Channel != channel {
		t.Fatalf("unexpected events %+v", events)
	}
	var ev models.AgentEvent
	if err := json.Unmarshal(events[0].Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ConversationID != "c1" || ev.Timestamp == "" || ev.Type != models.EventAgentResponse {
		t.Fatalf("unexpected event payload %+v", ev)
	}

	again, _ := f.manager.Poll(ctx, "s1")
	if len(again) != 0 {
		t.Fatalf("expected cursor to advance, got %+v", again)
	}

	reply = f.manager.HandleMessage(ctx, "s1", models.ProtocolMessage{Type: models.ProtocolUnsubscribe, Channel: channel})
	if reply == nil || reply.Status != "unsubscribed" {
		t.Fatalf("unexpected unsubscribe reply %+v", reply)
	}
	if _, err := f.manager.BroadcastToConversation(ctx, "c1", models.AgentEvent{Type: models.EventStatus}); err != nil {
		t.Fatal(err)
	}
	after, _ := f.manager.Poll(ctx, "s1")
	if len(after) != 0 {
		t.Fatalf("expected no events after unsubscribe, got %+v", after)
	}
}

func TestSubscribe_FromCursorReplays(t *testing.T) {
	f := newFixture(t)
	ctx, user := callerCtx(models.TierFree)
	f.connect(t, ctx, "s1", user, "c1")

	for i := 0; i < 3; i++ {
		if _, err := f.manager.BroadcastToUser(ctx, user, map[string]int{"n": i}); err != nil {
			t.Fatal(err)
		}
	}

	channel := stream.UserChannel(user)
	f.manager.HandleMessage(ctx, "s1", models.ProtocolMessage{
		Type:    models.ProtocolSubscribe,
		Channel: channel,
		Payload: json.RawMessage(`{"from":"0"}`),
	})

	events, err := f.manager.Poll(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected replay of 3 events, got %d", len(events))
	}
}

func TestHandleMessage_Action(t *testing.T) {
	f := newFixture(t)
	ctx, user := callerCtx(models.TierPro)
	f.connect(t, ctx, "s1", user, "c1")

	reply := f.manager.HandleMessage(ctx, "s1", models.ProtocolMessage{
		Type:    models.ProtocolAction,
		Payload: json.RawMessage(`{"name":"search","priority":"high"}`),
	})
	if reply == nil || reply.Status != "received" || reply.StreamID == "" {
		t.Fatalf("unexpected action reply %+v", reply)
	}

	events, err := f.deps.Stream.Recent(ctx, stream.ConversationChannel("c1"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != reply.StreamID {
		t.Fatalf("expected published user action, got %+v", events)
	}
	var ev models.AgentEvent
	_ = json.Unmarshal(events[0].Data, &ev)
	if ev.Type != models.EventUserAction || ev.UserID != user {
		t.Fatalf("unexpected event %+v", ev)
	}

	msg, err := f.deps.Queue.Dequeue(ctx, DefaultActionQueue)
	if err != nil || msg == nil {
		t.Fatalf("expected queued action, got %v %v", msg, err)
	}
	if msg.Type != models.MessageActionExecution || msg.Priority != models.PriorityHigh {
		t.Fatalf("unexpected queued message %+v", msg)
	}
	var job actionJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		t.Fatal(err)
	}
	if job.StreamID != reply.StreamID || job.SessionID != "s1" || job.ConversationID != "c1" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestHandleMessage_ActionDailyQuota(t *testing.T) {
	f := newFixture(t)
	ctx, user := callerCtx(models.TierFree)
	f.connect(t, ctx, "s1", user, "c1")

	quota := ratelimit.PolicyFor(models.TierFree).MaxMessagesPerDay
	for i := 0; i < quota; i++ {
		if _, err := f.deps.Limiter.CheckDaily(ctx, user, models.TierFree); err != nil {
			t.Fatal(err)
		}
	}

	reply := f.manager.HandleMessage(ctx, "s1", models.ProtocolMessage{
		Type:    models.ProtocolAction,
		Payload: json.RawMessage(`{"name":"search"}`),
	})
	if reply == nil || reply.Type != models.ProtocolError {
		t.Fatalf("expected quota error, got %+v", reply)
	}
	if n, _ := f.deps.Queue.Size(ctx, DefaultActionQueue); n != 0 {
		t.Fatalf("expected nothing queued, got %d", n)
	}
}

func TestHandleMessage_Dropped(t *testing.T) {
	f := newFixture(t)
	ctx, user := callerCtx(models.TierFree)
	f.connect(t, ctx, "s1", user, "c1")

	cases := []models.ProtocolMessage{
		{Type: models.ProtocolChat},
		{Type: "bogus"},
		{Type: models.ProtocolSubscribe},
		{Type: models.ProtocolUnsubscribe},
		{Type: models.ProtocolAction},
	}
	for _, msg := range cases {
		if reply := f.manager.HandleMessage(ctx, "s1", msg); reply != nil {
			t.Errorf("%q: expected no reply, got %+v", msg.Type, reply)
		}
	}
}

func TestHandleMessage_Ping(t *testing.T) {
	f := newFixture(t)
	ctx, user := callerCtx(models.TierFree)
	f.connect(t, ctx, "s1", user, "c1")

	reply := f.manager.HandleMessage(ctx, "s1", models.ProtocolMessage{Type: models.ProtocolPing})
	if reply == nil || reply.Type != models.ProtocolPing || reply.Timestamp == "" {
		t.Fatalf("unexpected ping reply %+v", reply)
	}
}

func TestDisconnect_PresenceFollowsLastConnection(t *testing.T) {
	f := newFixture(t)
	ctx, user := callerCtx(models.TierPro)
	f.connect(t, ctx, "s1", user, "c1")
	f.connect(t, ctx, "s2", user, "c2")

	if err := f.manager.Disconnect(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if status, ok, _ := f.deps.Presence.GetPresence(ctx, user); !ok || status != models.PresenceOnline {
		t.Fatalf("expected still online, got %q ok=%v", status, ok)
	}
	if sess, _ := f.deps.Sessions.Get(ctx, "s1"); sess != nil {
		t.Fatalf("expected session removed, got %+v", sess)
	}

	if err := f.manager.Disconnect(ctx, "s2"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := f.deps.Presence.GetPresence(ctx, user); ok {
		t.Fatal("expected user offline after last disconnect")
	}
	if len(f.manager.ConnectionsByUser(user)) != 0 {
		t.Fatal("expected no connections left")
	}
	if _, err := f.manager.Poll(ctx, "s2"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestConnect_ParallelHandshakesRespectLimit(t *testing.T) {
	f := newFixtureWithKV(t, &slowKV{KV: store.NewMemoryStore(), delay: 2 * time.Millisecond})
	ctx, user := callerCtx(models.TierFree)
	limit := ratelimit.PolicyFor(models.TierFree).ConcurrentSessions

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		refused  atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := f.manager.Connect(ctx, fmt.Sprintf("s%d", i), user, "c1")
			switch {
			case ok:
				admitted.Add(1)
			case errors.Is(err, ErrTooManySessions):
				refused.Add(1)
			default:
				t.Errorf("connect s%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if int(admitted.Load()) != limit || refused.Load() != int32(10-limit) {
		t.Fatalf("admitted %d refused %d, want %d admitted", admitted.Load(), refused.Load(), limit)
	}
	if got := len(f.manager.ConnectionsByUser(user)); got != limit {
		t.Fatalf("expected %d registered connections, got %d", limit, got)
	}
}

func TestConnect_ReleasesSlotWhenSessionCreateFails(t *testing.T) {
	kv := &slowKV{KV: store.NewMemoryStore()}
	f := newFixtureWithKV(t, kv)
	ctx, user := callerCtx(models.TierFree)

	kv.fail.Store(true)
	if ok, err := f.manager.Connect(ctx, "s1", user, "c1"); ok || !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected store failure, got ok=%v err=%v", ok, err)
	}
	if got := f.manager.ActiveConnections(); len(got) != 0 {
		t.Fatalf("expected reservation rolled back, got %+v", got)
	}

	kv.fail.Store(false)
	f.connect(t, ctx, "s1", user, "c1")
	f.connect(t, ctx, "s2", user, "c1")
}

func TestSubscribe_RejectsInvalidCursor(t *testing.T) {
	f := newFixture(t)
	ctx, user := callerCtx(models.TierFree)
	f.connect(t, ctx, "s1", user, "c1")

	reply := f.manager.HandleMessage(ctx, "s1", models.ProtocolMessage{
		Type:    models.ProtocolSubscribe,
		Channel: "a",
		Payload: json.RawMessage(`{"from":"garbage"}`),
	})
	if reply == nil || reply.Type != models.ProtocolError {
		t.Fatalf("expected error reply for bad cursor, got %+v", reply)
	}
	if chans := f.manager.ConnectionsByUser(user)[0].Channels; len(chans) != 0 {
		t.Fatalf("expected no subscription, got %v", chans)
	}
}

func TestPoll_FailingChannelDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	ctx, user := callerCtx(models.TierFree)
	f.connect(t, ctx, "s1", user, "c1")

	for _, ch := range []string{"a", "b"} {
		reply := f.manager.HandleMessage(ctx, "s1", models.ProtocolMessage{Type: models.ProtocolSubscribe, Channel: ch})
		if reply == nil || reply.Status != "subscribed" {
			t.Fatalf("subscribe %s: %+v", ch, reply)
		}
	}
	// Corrupt the cursor of the channel that is read first.
	f.manager.mu.Lock()
	f.manager.conns["s1"].cursors["a"] = "garbage"
	f.manager.mu.Unlock()

	id, err := f.manager.BroadcastToChannel(ctx, "b", map[string]string{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}

	events, err := f.manager.Poll(ctx, "s1")
	if !errors.Is(err, store.ErrInvalidStreamID) {
		t.Fatalf("expected the failing channel's error, got %v", err)
	}
	if len(events) != 1 || events[0].ID != id || events[0].Channel != "b" {
		t.Fatalf("expected the event on b despite a failing channel, got %+v", events)
	}
}

func TestSubscribe_UserChannelIsPrivate(t *testing.T) {
	f := newFixture(t)
	ctx, user := callerCtx(models.TierFree)
	_, other := callerCtx(models.TierFree)
	f.connect(t, ctx, "s1", user, "c1")

	reply := f.manager.HandleMessage(ctx, "s1", models.ProtocolMessage{
		Type:    models.ProtocolSubscribe,
		Channel: stream.UserChannel(other),
		Payload: json.RawMessage(`{"from":"0"}`),
	})
	if reply == nil || reply.Type != models.ProtocolError {
		t.Fatalf("expected subscribe to another user's channel to fail, got %+v", reply)
	}

	if _, err := f.manager.BroadcastToUser(ctx, other, map[string]string{"secret": "for other"}); err != nil {
		t.Fatal(err)
	}
	events, err := f.manager.Poll(ctx, "s1")
	if err != nil || len(events) != 0 {
		t.Fatalf("expected nothing delivered, got %+v %v", events, err)
	}
}

func TestErrorReply_UsesManagerClock(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	f.manager.now = func() time.Time { return fixed }

	reply := f.manager.HandleMessage(context.Background(), "missing", models.ProtocolMessage{Type: models.ProtocolPing})
	if reply == nil || reply.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("expected timestamp from the manager clock, got %+v", reply)
	}
}
