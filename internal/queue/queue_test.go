package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/metrics"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
)

// tickingClock returns a clock that advances one millisecond per call so
// same-priority messages get distinct arrival times.
func tickingClock() func() time.Time {
	t := time.UnixMilli(1_700_000_000_000)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestQueue() *Queue {
	q := New(store.NewMemoryStore(), zerolog.Nop())
	q.now = tickingClock()
	return q
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	ctx := context.Background()

	for _, p := range []models.Priority{models.PriorityHigh, models.PriorityNormal, models.PriorityLow} {
		q := newTestQueue()
		payload := json.RawMessage(`{"prompt":"hello","priority":"` + string(p) + `"}`)

		id, err := q.Enqueue(ctx, "agents", &models.QueueMessage{
			Type:     models.MessageAgentRequest,
			Payload:  payload,
			Priority: p,
		})
		if err != nil {
			t.Fatalf("%s: enqueue: %v", p, err)
		}

		got, err := q.Dequeue(ctx, "agents")
		if err != nil {
			t.Fatalf("%s: dequeue: %v", p, err)
		}
		if got == nil {
			t.Fatalf("%s: expected a message", p)
		}
		if got.ID != id {
			t.Errorf("%s: expected id %s, got %s", p, id, got.ID)
		}
		if string(got.Payload) != string(payload) {
			t.Errorf("%s: expected payload %s, got %s", p, payload, got.Payload)
		}
		if got.Priority != p || got.MaxRetries != DefaultMaxRetries || got.ProcessedAt == nil {
			t.Errorf("%s: unexpected message %+v", p, got)
		}
	}
}

func TestDequeueOrdersByPriority(t *testing.T) {
	ctx := context.Background()
	orders := [][]models.Priority{
		{models.PriorityLow, models.PriorityNormal, models.PriorityHigh},
		{models.PriorityNormal, models.PriorityHigh, models.PriorityLow},
		{models.PriorityHigh, models.PriorityLow, models.PriorityNormal},
	}

	for _, order := range orders {
		q := newTestQueue()
		for _, p := range order {
			q.Enqueue(ctx, "jobs", &models.QueueMessage{Type: models.MessageNotification, Priority: p})
		}

		for _, want := range []models.Priority{models.PriorityHigh, models.PriorityNormal, models.PriorityLow} {
			got, err := q.Dequeue(ctx, "jobs")
			if err != nil || got == nil {
				t.Fatalf("order %v: dequeue = %v, %v", order, got, err)
			}
			if got.Priority != want {
				t.Fatalf("order %v: expected %s, got %s", order, want, got.Priority)
			}
		}
	}
}

func TestSamePriorityIsFIFOAcrossMilliseconds(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	var ids []string
	for i := 0; i < 5; i++ {
		id, _ := q.Enqueue(ctx, "fifo", &models.QueueMessage{Type: models.MessageAgentRequest})
		ids = append(ids, id)
	}
	for _, want := range ids {
		got, _ := q.Dequeue(ctx, "fifo")
		if got.ID != want {
			t.Fatalf("expected %s, got %s", want, got.ID)
		}
	}
}

func TestSizeAfterEnqueueAndDequeue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	const n, m = 7, 4
	for i := 0; i < n; i++ {
		q.Enqueue(ctx, "sized", &models.QueueMessage{Type: models.MessageAgentRequest})
	}
	for i := 0; i < m; i++ {
		q.Dequeue(ctx, "sized")
	}

	size, err := q.Size(ctx, "sized")
	if err != nil {
		t.Fatal(err)
	}
	if size != n-m {
		t.Fatalf("expected size %d, got %d", n-m, size)
	}

	if err := q.Clear(ctx, "sized"); err != nil {
		t.Fatal(err)
	}
	if size, _ := q.Size(ctx, "sized"); size != 0 {
		t.Fatalf("expected empty queue after clear, got %d", size)
	}
}

func TestDequeueEmpty(t *testing.T) {
	q := newTestQueue()
	got, err := q.Dequeue(context.Background(), "empty")
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil; got %v, %v", got, err)
	}
}

func TestEnqueueRejectsInvalidMessage(t *testing.T) {
	q := newTestQueue()
	_, err := q.Enqueue(context.Background(), "bad", &models.QueueMessage{Type: "unknown"})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	_, err = q.Enqueue(context.Background(), "bad", &models.QueueMessage{Type: models.MessageNotification, Priority: "urgent"})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage for priority, got %v", err)
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	q.Enqueue(ctx, "work", &models.QueueMessage{Type: models.MessageActionExecution, MaxRetries: 2})

	for attempt := 1; attempt <= 2; attempt++ {
		msg, _ := q.Dequeue(ctx, "work")
		if err := q.Retry(ctx, "work", msg); err != nil {
			t.Fatalf("attempt %d: unexpected error %v", attempt, err)
		}
		if msg.Retries != attempt || msg.Retries > msg.MaxRetries {
			t.Fatalf("attempt %d: retries = %d", attempt, msg.Retries)
		}
	}

	msg, _ := q.Dequeue(ctx, "work")
	if err := q.Retry(ctx, "work", msg); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if size, _ := q.Size(ctx, "work"); size != 0 {
		t.Fatalf("expected empty queue, got %d", size)
	}

	dead, err := q.DeadLetters(ctx, "work", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].ID != msg.ID || dead[0].Retries != 2 {
		t.Fatalf("unexpected dead letters %+v", dead)
	}
}

func TestStoreUnavailablePropagates(t *testing.T) {
	kv := store.NewMemoryStore()
	q := New(kv, zerolog.Nop())
	kv.Close()

	_, err := q.Enqueue(context.Background(), "down", &models.QueueMessage{Type: models.MessageAgentRequest})
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected store.ErrUnavailable, got %v", err)
	}
	if _, err := q.Dequeue(context.Background(), "down"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected store.ErrUnavailable from Dequeue, got %v", err)
	}
}

func TestDequeueQuarantinesUndecodableMembers(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()
	before := testutil.ToFloat64(metrics.QueueCorrupt.WithLabelValues("mixed"))

	if err := q.kv.ZAdd(ctx, queueKey("mixed"), 0, "{not json"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "mixed", &models.QueueMessage{Type: models.MessageAgentRequest}); err != nil {
		t.Fatal(err)
	}

	msg, err := q.Dequeue(ctx, "mixed")
	if err != nil || msg == nil || msg.Type != models.MessageAgentRequest {
		t.Fatalf("expected the valid message after the corrupt one, got %+v %v", msg, err)
	}

	corrupt, err := q.Corrupt(ctx, "mixed", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(corrupt) != 1 || corrupt[0] != "{not json" {
		t.Fatalf("expected corrupt member kept aside, got %q", corrupt)
	}
	if got := testutil.ToFloat64(metrics.QueueCorrupt.WithLabelValues("mixed")) - before; got != 1 {
		t.Fatalf("expected corrupt counter +1, got %v", got)
	}
	if size, _ := q.Size(ctx, "mixed"); size != 0 {
		t.Fatalf("expected drained queue, got size %d", size)
	}
}
