// Package observability provides buffered structured log and metric
// recorders that persist into the shared key-value store.
package observability

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/metrics"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
)

const (
	DefaultBufferSize     = 100
	DefaultFlushInterval  = 10 * time.Second
	DefaultMaxMetricNames = 500

	// drainTimeout bounds the final flush on shutdown.
	drainTimeout = 5 * time.Second
)

// Config controls buffering for a recorder.
type Config struct {
	Service       string
	BufferSize    int
	FlushInterval time.Duration

	// MaxMetricNames caps distinct metric names a Metrics recorder tracks.
	MaxMetricNames int
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxMetricNames <= 0 {
		c.MaxMetricNames = DefaultMaxMetricNames
	}
	if c.Service == "" {
		c.Service = "agentbus"
	}
	return c
}

// buffer accumulates items in memory and appends them to one store log.
// Order among buffered items is preserved at flush time. Items that fail to
// persist stay buffered for the next attempt, up to maxBuffered; beyond that
// the oldest are dropped.
type buffer[T any] struct {
	kv          store.KV
	key         string
	name        string
	size        int
	maxBuffered int
	interval    time.Duration
	logger      zerolog.Logger

	mu   sync.Mutex
	buf  []T
	kick chan struct{}

	flushMu sync.Mutex
}

func newBuffer[T any](kv store.KV, key, name string, cfg Config, logger zerolog.Logger) *buffer[T] {
	return &buffer[T]{
		kv:          kv,
		key:         key,
		name:        name,
		size:        cfg.BufferSize,
		maxBuffered: cfg.BufferSize * 100,
		interval:    cfg.FlushInterval,
		logger:      logger,
		buf:         make([]T, 0, cfg.BufferSize),
		kick:        make(chan struct{}, 1),
	}
}

// add appends item and asks the run loop to flush once the threshold is hit.
func (b *buffer[T]) add(item T) {
	b.mu.Lock()
	b.buf = append(b.buf, item)
	if over := len(b.buf) - b.maxBuffered; over > 0 {
		b.buf = append(b.buf[:0:0], b.buf[over:]...)
		b.logger.Warn().Str("buffer", b.name).Int("dropped", over).Msg("observability buffer overflow")
	}
	full := len(b.buf) >= b.size
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// pending returns the number of buffered items.
func (b *buffer[T]) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// flush persists every buffered item in order.
func (b *buffer[T]) flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	items := b.buf
	b.buf = make([]T, 0, b.size)
	b.mu.Unlock()

	for i, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		if _, err := b.kv.XAdd(ctx, b.key, map[string]string{"data": string(data)}); err != nil {
			b.requeue(items[i:])
			metrics.FlushFailures.WithLabelValues(b.name).Inc()
			return err
		}
	}
	return nil
}

// requeue puts unsent items back ahead of anything buffered meanwhile.
func (b *buffer[T]) requeue(items []T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := make([]T, 0, len(items)+len(b.buf))
	merged = append(merged, items...)
	merged = append(merged, b.buf...)
	if over := len(merged) - b.maxBuffered; over > 0 {
		merged = merged[over:]
	}
	b.buf = merged
}

// run flushes on the interval and on threshold kicks until ctx is done,
// then drains with a final flush.
func (b *buffer[T]) run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			if err := b.flush(drainCtx); err != nil {
				b.logger.Error().Err(err).Str("buffer", b.name).Int("pending", b.pending()).Msg("final flush failed")
			}
			cancel()
			return
		case <-ticker.C:
		case <-b.kick:
		}
		if err := b.flush(ctx); err != nil {
			b.logger.Warn().Err(err).Str("buffer", b.name).Int("pending", b.pending()).Msg("flush failed, retaining entries")
		}
	}
}

// recent reads up to limit of the newest persisted items, newest first.
func (b *buffer[T]) recent(ctx context.Context, limit int) ([]T, error) {
	entries, err := b.kv.XRevRange(ctx, b.key, int64(limit))
	if err != nil {
		return nil, err
	}
	items := make([]T, 0, len(entries))
	for _, e := range entries {
		var item T
		if err := json.Unmarshal([]byte(e.Values["data"]), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
