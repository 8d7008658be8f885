// Package queue implements a priority queue of typed messages on top of a
// sorted set in the shared key-value store.
//
// Messages are ordered by priority class (high, normal, low) and then by the
// millisecond they were enqueued. Two messages of the same priority enqueued
// within the same millisecond have no defined relative order.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/metrics"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
)

// DefaultMaxRetries applies when an enqueued message leaves MaxRetries unset.
const DefaultMaxRetries = 3

// priorityBand separates priority classes in the sort key. It exceeds any
// Unix millisecond timestamp until the year 2286.
const priorityBand = 1e13

var (
	// ErrRetriesExhausted is returned by Retry when the message was moved to
	// the dead-letter queue instead of being re-enqueued.
	ErrRetriesExhausted = errors.New("queue: retries exhausted")

	// ErrInvalidMessage is returned for messages with an unknown type or
	// priority.
	ErrInvalidMessage = errors.New("queue: invalid message")
)

// Queue is a store-backed priority queue. It performs no local buffering;
// store failures surface to the caller as store.ErrUnavailable.
type Queue struct {
	kv     store.KV
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a queue backed by kv.
func New(kv store.KV, logger zerolog.Logger) *Queue {
	return &Queue{kv: kv, now: time.Now, logger: logger}
}

// queueKey returns the key for a queue's sorted set.
func queueKey(name string) string {
	return fmt.Sprintf("queue:%s", name)
}

// corruptKey returns the key holding members that failed to decode.
func corruptKey(name string) string {
	return fmt.Sprintf("queue:%s:corrupt", name)
}

// deadLetterKey returns the key for a queue's dead-letter set.
func deadLetterKey(name string) string {
	return fmt.Sprintf("queue:%s:dead", name)
}

// score derives the sort key: priority rank first, arrival time second.
func score(msg *models.QueueMessage) float64 {
	return float64(msg.Priority.Rank())*priorityBand + float64(msg.CreatedAt.UnixMilli())
}

// Enqueue assigns an id, stamps CreatedAt and inserts msg into the named
// queue. It returns the assigned id.
func (q *Queue) Enqueue(ctx context.Context, name string, msg *models.QueueMessage) (string, error) {
	if msg.Priority == "" {
		msg.Priority = models.PriorityNormal
	}
	if !msg.Priority.Valid() || !msg.Type.Valid() {
		return "", fmt.Errorf("%w: type %q priority %q", ErrInvalidMessage, msg.Type, msg.Priority)
	}
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = DefaultMaxRetries
	}
	if msg.Retries > msg.MaxRetries {
		return "", fmt.Errorf("%w: retries %d exceed max %d", ErrInvalidMessage, msg.Retries, msg.MaxRetries)
	}

	msg.ID = ulid.Make().String()
	msg.CreatedAt = q.now().UTC()
	msg.ProcessedAt = nil

	if err := q.add(ctx, queueKey(name), msg); err != nil {
		return "", err
	}

	metrics.QueueEnqueued.WithLabelValues(name, string(msg.Priority)).Inc()
	return msg.ID, nil
}

func (q *Queue) add(ctx context.Context, key string, msg *models.QueueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.kv.ZAdd(ctx, key, score(msg), string(data))
}

// Dequeue atomically removes and returns the highest-priority message. It
// returns nil when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context, name string) (*models.QueueMessage, error) {
	for {
		data, ok, err := q.kv.ZPopMin(ctx, queueKey(name))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}

		var msg models.QueueMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			q.quarantine(ctx, name, data, err)
			continue
		}

		processed := q.now().UTC()
		msg.ProcessedAt = &processed
		metrics.QueueDequeued.WithLabelValues(name).Inc()
		return &msg, nil
	}
}

// quarantine moves an undecodable member aside so the queue keeps draining
// without losing it.
func (q *Queue) quarantine(ctx context.Context, name, data string, decodeErr error) {
	metrics.QueueCorrupt.WithLabelValues(name).Inc()
	ev := q.logger.Error().Err(decodeErr).Str("queue", name).Int("bytes", len(data))
	if err := q.kv.ZAdd(ctx, corruptKey(name), float64(q.now().UnixMilli()), data); err != nil {
		ev.AnErr("quarantine_error", err).Msg("undecodable queue message lost")
		return
	}
	ev.Msg("undecodable queue message quarantined")
}

// Corrupt returns up to limit raw members quarantined from the named queue,
// oldest first.
func (q *Queue) Corrupt(ctx context.Context, name string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.kv.ZRange(ctx, corruptKey(name), 0, int64(limit-1))
}

// Size returns the number of messages waiting in the named queue.
func (q *Queue) Size(ctx context.Context, name string) (int64, error) {
	return q.kv.ZCard(ctx, queueKey(name))
}

// Clear removes every waiting message from the named queue.
func (q *Queue) Clear(ctx context.Context, name string) error {
	return q.kv.Del(ctx, queueKey(name))
}

// Retry puts a previously dequeued message back on its queue with Retries
// incremented. A message that has used up MaxRetries goes to the
// dead-letter set and ErrRetriesExhausted is returned.
func (q *Queue) Retry(ctx context.Context, name string, msg *models.QueueMessage) error {
	if msg.Retries >= msg.MaxRetries {
		msg.ProcessedAt = nil
		if err := q.add(ctx, deadLetterKey(name), msg); err != nil {
			return err
		}
		metrics.QueueDeadLettered.WithLabelValues(name).Inc()
		return ErrRetriesExhausted
	}

	msg.Retries++
	msg.ProcessedAt = nil
	if err := q.add(ctx, queueKey(name), msg); err != nil {
		return err
	}
	metrics.QueueEnqueued.WithLabelValues(name, string(msg.Priority)).Inc()
	return nil
}

// DeadLetters lists up to limit messages from the named queue's dead-letter
// set, highest priority first.
func (q *Queue) DeadLetters(ctx context.Context, name string, limit int) ([]models.QueueMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	results, err := q.kv.ZRange(ctx, deadLetterKey(name), 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}

	messages := make([]models.QueueMessage, 0, len(results))
	for _, data := range results {
		var msg models.QueueMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
