package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnavailable marks failures talking to the key-value store. Callers
	// may retry operations that fail with it.
	ErrUnavailable = errors.New("store unavailable")

	// ErrInvalidStreamID is returned for cursors that are not stream ids.
	ErrInvalidStreamID = errors.New("invalid stream id")

	errClosed = errors.New("store closed")
)

// Entry is one record of an append log.
type Entry struct {
	ID     string
	Values map[string]string
}

// KV is the capability set the realtime components need from the shared
// key-value store: sorted sets, append logs and expiring strings.
// RedisStore and MemoryStore implement it.
type KV interface {
	Ping(ctx context.Context) error
	Close() error

	// Sorted sets
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZPopMin(ctx context.Context, key string) (member string, ok bool, err error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)

	// Append logs. XRangeAfter returns entries with ids strictly greater
	// than afterID, oldest first. XRevRange returns the newest entries,
	// newest first.
	XAdd(ctx context.Context, key string, values map[string]string) (string, error)
	XRangeAfter(ctx context.Context, key, afterID string, count int64) ([]Entry, error)
	XRevRange(ctx context.Context, key string, count int64) ([]Entry, error)

	// Strings. A zero ttl stores the value without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Del(ctx context.Context, keys ...string) error
}

// StreamID is the parsed form of a "<ms>-<seq>" append log id.
type StreamID struct {
	Ms  uint64
	Seq uint64
}

// ParseStreamID parses "<ms>-<seq>" or a bare "<ms>" (sequence 0). The empty
// string parses as 0-0.
func ParseStreamID(s string) (StreamID, error) {
	if s == "" {
		return StreamID{}, nil
	}
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, s)
	}
	var seq uint64
	if hasSeq {
		seq, err = strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, s)
		}
	}
	return StreamID{Ms: ms, Seq: seq}, nil
}

// String formats the id the way the store assigns it.
func (id StreamID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Less reports whether id sorts before other.
func (id StreamID) Less(other StreamID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

// Next returns the smallest id strictly greater than id.
func (id StreamID) Next() StreamID {
	if id.Seq == ^uint64(0) {
		return StreamID{Ms: id.Ms + 1}
	}
	return StreamID{Ms: id.Ms, Seq: id.Seq + 1}
}
