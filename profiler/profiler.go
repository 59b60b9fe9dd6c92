// Package profiler - Phase timings and metric statistics for training steps.
package profiler

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricTracker tracks statistics for a custom metric over a sliding window.
type MetricTracker struct {
	name   string
	values []float64
	sum    float64
	min    float64
	max    float64
	count  int64
}

// TimeTracker tracks operation timing statistics over a sliding window.
type TimeTracker struct {
	name      string
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// Options configures a Tracker.
type Options struct {
	// MaxSamples is the sliding window kept per operation and metric (default: 600).
	MaxSamples int
	// Logger receives reports; nil disables them.
	Logger *zap.Logger
}

// Tracker records named operation durations and metric values. It is safe for
// concurrent use.
type Tracker struct {
	mu         sync.RWMutex
	maxSamples int
	log        *zap.Logger
	operations map[string]*TimeTracker
	metrics    map[string]*MetricTracker
}

// NewTracker creates a tracker.
//
// Arguments:
//   - opts: Window size and logger.
//
// Returns:
//   - *Tracker: An empty tracker.
func NewTracker(opts Options) *Tracker {
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 600
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Tracker{
		maxSamples: opts.MaxSamples,
		log:        opts.Logger,
		operations: make(map[string]*TimeTracker),
		metrics:    make(map[string]*MetricTracker),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - A function to call when the operation completes; it records and returns the
//     elapsed time.
func (t *Tracker) StartOperation(name string) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		d := time.Since(start)
		t.RecordOperation(name, d)
		return d
	}
}

// RecordOperation records the completion time of an operation.
func (t *Tracker) RecordOperation(name string, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracker, exists := t.operations[name]
	if !exists {
		tracker = &TimeTracker{name: name, minTime: duration, maxTime: duration}
		t.operations[name] = tracker
	}

	tracker.durations = append(tracker.durations, duration)
	if len(tracker.durations) > t.maxSamples {
		// Remove oldest sample
		tracker.totalTime -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}

	tracker.totalTime += duration
	tracker.count++
	tracker.minTime = min(tracker.minTime, duration)
	tracker.maxTime = max(tracker.maxTime, duration)
}

// RecordMetric records a custom metric value.
//
// Arguments:
//   - name: The name of the metric.
//   - value: The metric value to record.
func (t *Tracker) RecordMetric(name string, value float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracker, exists := t.metrics[name]
	if !exists {
		tracker = &MetricTracker{name: name, min: value, max: value}
		t.metrics[name] = tracker
	}

	tracker.values = append(tracker.values, value)
	if len(tracker.values) > t.maxSamples {
		tracker.sum -= tracker.values[0]
		tracker.values = tracker.values[1:]
	}

	tracker.sum += value
	tracker.count++
	tracker.min = min(tracker.min, value)
	tracker.max = max(tracker.max, value)
}

// OperationStats summarizes one operation.
type OperationStats struct {
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Count int64         `json:"count"`
}

// MetricStats summarizes one metric over the window.
type MetricStats struct {
	Avg     float64 `json:"avg"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Samples int     `json:"samples"`
}

// Operation returns the statistics of one operation.
func (t *Tracker) Operation(name string) (OperationStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tracker, ok := t.operations[name]
	if !ok || len(tracker.durations) == 0 {
		return OperationStats{}, false
	}
	return OperationStats{
		Avg:   tracker.totalTime / time.Duration(len(tracker.durations)),
		Min:   tracker.minTime,
		Max:   tracker.maxTime,
		Count: tracker.count,
	}, true
}

// Metric returns the windowed statistics of one metric.
func (t *Tracker) Metric(name string) (MetricStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tracker, ok := t.metrics[name]
	if !ok || len(tracker.values) == 0 {
		return MetricStats{}, false
	}
	return MetricStats{
		Avg:     tracker.sum / float64(len(tracker.values)),
		Min:     tracker.min,
		Max:     tracker.max,
		Samples: len(tracker.values),
	}, true
}

// Report logs the statistics of every operation and metric, sorted by name.
func (t *Tracker) Report() {
	t.mu.RLock()
	ops := sortedKeys(t.operations)
	metrics := sortedKeys(t.metrics)
	t.mu.RUnlock()

	for _, name := range ops {
		if s, ok := t.Operation(name); ok {
			t.log.Info("operation timing",
				zap.String("name", name),
				zap.Duration("avg", s.Avg.Truncate(time.Microsecond)),
				zap.Duration("min", s.Min.Truncate(time.Microsecond)),
				zap.Duration("max", s.Max.Truncate(time.Microsecond)),
				zap.Int64("count", s.Count),
			)
		}
	}
	for _, name := range metrics {
		if s, ok := t.Metric(name); ok {
			t.log.Info("metric",
				zap.String("name", name),
				zap.Float64("avg", s.Avg),
				zap.Float64("min", s.Min),
				zap.Float64("max", s.Max),
				zap.Int("samples", s.Samples),
			)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
