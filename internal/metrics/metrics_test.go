package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cojen/tupl"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestCheckpointIncrementsCounter(t *testing.T) {
	l := New()
	before := counterValue(t, checkpointTotal.WithLabelValues("complete"))

	l.Checkpoint("complete", "checkpoint finished", map[string]interface{}{"duration": 5 * time.Millisecond})

	after := counterValue(t, checkpointTotal.WithLabelValues("complete"))
	assert.Equal(t, before+1, after)
}

func TestLockWaitIncrementsByResultAndWaited(t *testing.T) {
	l := New()
	before := counterValue(t, lockWaitTotal.WithLabelValues("DEADLOCK", "true"))

	l.LockWait(tupl.ResultDeadlock, tupl.LockKey{IndexID: 1, Key: "x"}, true)

	after := counterValue(t, lockWaitTotal.WithLabelValues("DEADLOCK", "true"))
	assert.Equal(t, before+1, after)
}

func TestPanicIncrementsCounter(t *testing.T) {
	l := New()
	before := counterValue(t, panicTotal)

	l.Panic(errors.New("boom"))

	after := counterValue(t, panicTotal)
	assert.Equal(t, before+1, after)
}

func TestDurationSecondsParsesSupportedShapes(t *testing.T) {
	d, ok := durationSeconds(map[string]interface{}{"duration": 250 * time.Millisecond})
	assert.True(t, ok)
	assert.InDelta(t, 0.25, d, 1e-9)

	d, ok = durationSeconds(map[string]interface{}{"duration_ms": int64(500)})
	assert.True(t, ok)
	assert.InDelta(t, 0.5, d, 1e-9)

	_, ok = durationSeconds(map[string]interface{}{})
	assert.False(t, ok)
}

var _ tupl.EventListener = (*Listener)(nil)
