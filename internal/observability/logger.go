package observability

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
)

const logsKey = "observability:logs"

// LogFilter selects persisted log entries. Empty fields match everything.
type LogFilter struct {
	Level   models.LogLevel
	Service string
	Limit   int
}

// Logger records structured entries to zerolog immediately and to the store
// in batches. Critical entries bypass batching.
type Logger struct {
	service string
	zl      zerolog.Logger
	buf     *buffer[models.LogEntry]
	now     func() time.Time
}

// NewLogger creates a buffered logger persisting into kv.
func NewLogger(kv store.KV, zl zerolog.Logger, cfg Config) *Logger {
	cfg = cfg.withDefaults()
	return &Logger{
		service: cfg.Service,
		zl:      zl,
		buf:     newBuffer[models.LogEntry](kv, logsKey, "logs", cfg, zl),
		now:     time.Now,
	}
}

func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	l.record(models.LevelDebug, msg, fields)
}

func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.record(models.LevelInfo, msg, fields)
}

func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.record(models.LevelWarn, msg, fields)
}

func (l *Logger) Error(msg string, fields map[string]interface{}) {
	l.record(models.LevelError, msg, fields)
}

// Critical records the entry and flushes the buffer immediately.
func (l *Logger) Critical(msg string, fields map[string]interface{}) {
	l.record(models.LevelCritical, msg, fields)

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := l.buf.flush(ctx); err != nil {
		l.zl.Error().Err(err).Msg("critical flush failed, retaining entries")
	}
}

func (l *Logger) record(level models.LogLevel, msg string, fields map[string]interface{}) {
	entry := models.LogEntry{
		ID:        ulid.Make().String(),
		Level:     level,
		Service:   l.service,
		Message:   msg,
		Fields:    fields,
		Timestamp: l.now().UTC(),
	}

	var ev *zerolog.Event
	switch level {
	case models.LevelDebug:
		ev = l.zl.Debug()
	case models.LevelInfo:
		ev = l.zl.Info()
	case models.LevelWarn:
		ev = l.zl.Warn()
	case models.LevelError:
		ev = l.zl.Error()
	default:
		ev = l.zl.WithLevel(zerolog.ErrorLevel).Str("severity", "critical")
	}
	ev.Fields(fields).Msg(msg)

	l.buf.add(entry)
}

// Flush persists buffered entries now.
func (l *Logger) Flush(ctx context.Context) error {
	return l.buf.flush(ctx)
}

// Pending returns the number of entries not yet persisted.
func (l *Logger) Pending() int {
	return l.buf.pending()
}

// Run flushes periodically until ctx is cancelled, then drains.
func (l *Logger) Run(ctx context.Context) {
	l.buf.run(ctx)
}

// GetLogs reads the most recent filter.Limit persisted entries (default
// 100) and then applies the level and service filters, newest first.
// Filtering happens after the read, so fewer than Limit entries may match.
func (l *Logger) GetLogs(ctx context.Context, filter LogFilter) ([]models.LogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	entries, err := l.buf.recent(ctx, limit)
	if err != nil {
		return nil, err
	}

	out := entries[:0]
	for _, e := range entries {
		if filter.Level != "" && e.Level != filter.Level {
			continue
		}
		if filter.Service != "" && e.Service != filter.Service {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
