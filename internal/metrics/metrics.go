// Package metrics adapts tupl.EventListener onto prometheus/client_golang,
// following the Namespace/Subsystem/Name vector layout and package-level
// init-time registration that talent-plan/tinykv's scheduler server uses
// for its own metrics.go.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cojen/tupl"
)

var (
	checkpointDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tupl",
			Subsystem: "checkpoint",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of checkpoint cycle duration, by phase.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"category"})

	checkpointTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tupl",
			Subsystem: "checkpoint",
			Name:      "total",
			Help:      "Counter of checkpoint lifecycle events, by category.",
		}, []string{"category"})

	recoveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tupl",
			Subsystem: "recovery",
			Name:      "total",
			Help:      "Counter of startup recovery steps, by category.",
		}, []string{"category"})

	lockWaitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tupl",
			Subsystem: "lock",
			Name:      "wait_total",
			Help:      "Counter of lock acquisitions, by result and whether the caller blocked.",
		}, []string{"result", "waited"})

	cacheEventTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tupl",
			Subsystem: "cache",
			Name:      "event_total",
			Help:      "Counter of node cache pressure events, by category.",
		}, []string{"category"})

	panicTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tupl",
			Subsystem: "db",
			Name:      "panic_total",
			Help:      "Counter of times the database entered a panicked state.",
		})
)

func init() {
	prometheus.MustRegister(checkpointDuration)
	prometheus.MustRegister(checkpointTotal)
	prometheus.MustRegister(recoveryTotal)
	prometheus.MustRegister(lockWaitTotal)
	prometheus.MustRegister(cacheEventTotal)
	prometheus.MustRegister(panicTotal)
}

// Listener implements tupl.EventListener by recording every callback as a
// prometheus metric. Checkpoint durations are read from a "duration_ms" (or
// "duration") field when the caller supplies one; events lacking it only
// bump the counter.
type Listener struct{}

// New returns a Listener. Metrics are package-level and registered once in
// init, so multiple Listener values share the same collectors.
func New() *Listener {
	return &Listener{}
}

func (Listener) Checkpoint(category, message string, fields map[string]interface{}) {
	checkpointTotal.WithLabelValues(category).Inc()
	if d, ok := durationSeconds(fields); ok {
		checkpointDuration.WithLabelValues(category).Observe(d)
	}
}

func (Listener) Recovery(category, message string, fields map[string]interface{}) {
	recoveryTotal.WithLabelValues(category).Inc()
}

func (Listener) LockWait(result tupl.LockResult, key tupl.LockKey, waited bool) {
	lockWaitTotal.WithLabelValues(result.String(), boolLabel(waited)).Inc()
}

func (Listener) Cache(category string, fields map[string]interface{}) {
	cacheEventTotal.WithLabelValues(category).Inc()
}

func (Listener) Panic(cause error) {
	panicTotal.Inc()
}

// durationSeconds looks for a "duration" (time.Duration) or "duration_ms"
// (numeric milliseconds) field and converts it to seconds for a histogram
// Observe call.
func durationSeconds(fields map[string]interface{}) (float64, bool) {
	if v, ok := fields["duration"]; ok {
		if d, ok := v.(time.Duration); ok {
			return d.Seconds(), true
		}
	}
	if v, ok := fields["duration_ms"]; ok {
		switch n := v.(type) {
		case float64:
			return n / 1000, true
		case int64:
			return float64(n) / 1000, true
		case int:
			return float64(n) / 1000, true
		}
	}
	return 0, false
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

var _ tupl.EventListener = (*Listener)(nil)
