package observability

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/metrics"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
)

const metricsKey = "observability:metrics"

var metricNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.:]{0,63}$`)

var (
	// ErrInvalidMetricName is returned for names outside metricNameRegex.
	ErrInvalidMetricName = errors.New("observability: invalid metric name")

	// ErrTooManyMetrics is returned when a new name would exceed
	// Config.MaxMetricNames.
	ErrTooManyMetrics = errors.New("observability: metric name limit reached")
)

// Metrics buffers numeric observations into the store and keeps running
// aggregates for this process. Stats cover only samples recorded since the
// process started, not the persisted history.
type Metrics struct {
	buf      *buffer[models.Metric]
	now      func() time.Time
	maxNames int

	mu    sync.Mutex
	stats map[string]*models.MetricStats
	sums  map[string]float64
}

// NewMetrics creates a buffered metric recorder persisting into kv.
func NewMetrics(kv store.KV, zl zerolog.Logger, cfg Config) *Metrics {
	cfg = cfg.withDefaults()
	return &Metrics{
		buf:      newBuffer[models.Metric](kv, metricsKey, "metrics", cfg, zl),
		now:      time.Now,
		maxNames: cfg.MaxMetricNames,
		stats:    make(map[string]*models.MetricStats),
		sums:     make(map[string]float64),
	}
}

// RecordMetric buffers one observation. Each name becomes a Prometheus
// label value, so names must match metricNameRegex and only maxNames
// distinct names are accepted.
func (m *Metrics) RecordMetric(name string, value float64, unit string, tags map[string]string) error {
	if !metricNameRegex.MatchString(name) {
		return ErrInvalidMetricName
	}

	m.mu.Lock()
	s, ok := m.stats[name]
	if !ok {
		if len(m.stats) >= m.maxNames {
			m.mu.Unlock()
			return ErrTooManyMetrics
		}
		s = &models.MetricStats{Name: name, Min: value, Max: value}
		m.stats[name] = s
	}
	s.Count++
	m.sums[name] += value
	if value < s.Min {
		s.Min = value
	}
	if value > s.Max {
		s.Max = value
	}
	s.Avg = m.sums[name] / float64(s.Count)
	m.mu.Unlock()

	m.buf.add(models.Metric{
		Name:      name,
		Value:     value,
		Unit:      unit,
		Tags:      tags,
		Timestamp: m.now().UTC(),
	})
	metrics.RecordedMetric.WithLabelValues(name).Set(value)
	return nil
}

// GetMetricStats returns aggregates for name. ok is false when nothing was
// recorded under that name by this process.
func (m *Metrics) GetMetricStats(name string) (models.MetricStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[name]
	if !ok {
		return models.MetricStats{Name: name}, false
	}
	return *s, true
}

// Recent reads up to limit of the newest persisted metrics.
func (m *Metrics) Recent(ctx context.Context, limit int) ([]models.Metric, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.buf.recent(ctx, limit)
}

// Flush persists buffered metrics now.
func (m *Metrics) Flush(ctx context.Context) error {
	return m.buf.flush(ctx)
}

// Pending returns the number of metrics not yet persisted.
func (m *Metrics) Pending() int {
	return m.buf.pending()
}

// Run flushes periodically until ctx is cancelled, then drains.
func (m *Metrics) Run(ctx context.Context) {
	m.buf.run(ctx)
}
