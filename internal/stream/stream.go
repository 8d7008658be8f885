// Package stream provides per-channel append-only event logs with
// caller-owned resumption cursors.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/metrics"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// ErrEmptyChannel is returned when a channel name is empty.
var ErrEmptyChannel = errors.New("stream: channel is required")

// Stream publishes and reads channel events. Delivery is at-least-once and
// ordered per channel for consumers that advance their cursor
// monotonically; there is no ordering across channels and no server-side
// offset.
type Stream struct {
	kv  store.KV
	now func() time.Time
}

// New creates a stream backed by kv.
func New(kv store.KV) *Stream {
	return &Stream{kv: kv, now: time.Now}
}

// ConversationChannel returns the channel name for a conversation.
func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

// UserChannel returns the channel name for a user.
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

const userChannelPrefix = "user:"

// CanRead reports whether userID may read channel. A user channel is
// private to its owner; every other channel is readable by any caller.
func CanRead(userID, channel string) bool {
	if owner, ok := strings.CutPrefix(channel, userChannelPrefix); ok {
		return userID != "" && owner == userID
	}
	return true
}

func streamKey(channel string) string {
	return fmt.Sprintf("stream:%s", channel)
}

// Publish appends data to the channel and returns the store-assigned id.
func (s *Stream) Publish(ctx context.Context, channel string, data interface{}) (string, error) {
	if channel == "" {
		return "", ErrEmptyChannel
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	id, err := s.kv.XAdd(ctx, streamKey(channel), map[string]string{
		"data": string(encoded),
		"ts":   strconv.FormatInt(s.now().UnixMilli(), 10),
	})
	if err != nil {
		return "", err
	}

	metrics.StreamPublished.Inc()
	return id, nil
}

// Subscribe returns up to limit events published after fromID, oldest
// first. It never blocks. An empty or "0" fromID reads from the start.
func (s *Stream) Subscribe(ctx context.Context, channel, fromID string, limit int) ([]models.StreamEvent, error) {
	if channel == "" {
		return nil, ErrEmptyChannel
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	entries, err := s.kv.XRangeAfter(ctx, streamKey(channel), fromID, int64(limit))
	if err != nil {
		return nil, err
	}

	events := make([]models.StreamEvent, 0, len(entries))
	for _, e := range entries {
		events = append(events, toEvent(channel, e))
	}
	return events, nil
}

// Latest returns the id of the newest event on the channel, or "0" when the
// channel is empty. Passing it to Subscribe yields only later events.
func (s *Stream) Latest(ctx context.Context, channel string) (string, error) {
	if channel == "" {
		return "", ErrEmptyChannel
	}
	entries, err := s.kv.XRevRange(ctx, streamKey(channel), 1)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "0", nil
	}
	return entries[0].ID, nil
}

// Recent returns up to limit of the newest events, newest first.
func (s *Stream) Recent(ctx context.Context, channel string, limit int) ([]models.StreamEvent, error) {
	if channel == "" {
		return nil, ErrEmptyChannel
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	entries, err := s.kv.XRevRange(ctx, streamKey(channel), int64(limit))
	if err != nil {
		return nil, err
	}
	events := make([]models.StreamEvent, 0, len(entries))
	for _, e := range entries {
		events = append(events, toEvent(channel, e))
	}
	return events, nil
}

func toEvent(channel string, e store.Entry) models.StreamEvent {
	ev := models.StreamEvent{
		Channel: channel,
		ID:      e.ID,
		Data:    json.RawMessage(e.Values["data"]),
	}
	if !json.Valid(ev.Data) {
		ev.Data = json.RawMessage("null")
	}
	if ms, err := strconv.ParseInt(e.Values["ts"], 10, 64); err == nil {
		ev.Timestamp = time.UnixMilli(ms).UTC()
	} else if id, err := store.ParseStreamID(e.ID); err == nil {
		ev.Timestamp = time.UnixMilli(int64(id.Ms)).UTC()
	}
	return ev
}
