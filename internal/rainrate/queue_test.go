package rainrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateQueue_DrainUntilIsInclusive(t *testing.T) {
	var q RateQueue
	q.Push(LoopRate{Timestamp: 10, Rate: 1})
	q.Push(LoopRate{Timestamp: 20, Rate: 2})
	q.Push(LoopRate{Timestamp: 30, Rate: 3})

	drained := q.DrainUntil(20)
	require.Len(t, drained, 2)
	assert.Equal(t, int64(20), drained[1].Timestamp)
	assert.Equal(t, 1, q.Len())

	assert.Nil(t, q.DrainUntil(20))
	assert.Len(t, q.DrainUntil(100), 1)
	assert.Zero(t, q.Len())
}

func TestReconcile_MaxOfDrainedRates(t *testing.T) {
	var q RateQueue
	q.Push(LoopRate{Timestamp: 10, Rate: 0.4})
	q.Push(LoopRate{Timestamp: 20, Rate: 1.2})
	q.Push(LoopRate{Timestamp: 30, Rate: 0.7})
	q.Push(LoopRate{Timestamp: 301, Rate: 9})

	pr := Reconcile(&q, 300, 0.05, 300)
	assert.Equal(t, SourceLoop, pr.Source)
	assert.Equal(t, 3, pr.Samples)
	assert.InDelta(t, 1.2, pr.Rate, tolerance)
	assert.Equal(t, int64(300), pr.PeriodEnd)

	// Entries are consumed once; the next period only sees what is left.
	pr = Reconcile(&q, 600, 0.01, 300)
	assert.Equal(t, SourceLoop, pr.Source)
	assert.InDelta(t, 9.0, pr.Rate, tolerance)
}

func TestReconcile_AverageFallback(t *testing.T) {
	var q RateQueue

	pr := Reconcile(&q, 600, 0.06, 600)
	assert.Equal(t, SourceAverage, pr.Source)
	assert.InDelta(t, 0.36, pr.Rate, tolerance)
	assert.Zero(t, pr.Samples)

	assert.Zero(t, Reconcile(&q, 900, 0.06, 0).Rate)
	assert.Zero(t, Reconcile(&q, 1200, 0, 300).Rate)
}
