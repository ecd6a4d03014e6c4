package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordRollingAverage(t *testing.T) {
	a := NewAggregator(zap.NewNop())

	a.Record("trend_analysis", 100*time.Millisecond, true)
	a.Record("trend_analysis", 200*time.Millisecond, true)
	a.Record("trend_analysis", 300*time.Millisecond, true)

	snap, ok := a.Snapshot("trend_analysis")
	require.True(t, ok)
	assert.Equal(t, int64(3), snap.Executions)
	assert.Equal(t, int64(0), snap.Errors)
	assert.InDelta(t, 200.0, snap.AvgDurationMs, 0.001)
	assert.False(t, snap.LastExecutionAt.IsZero())
}

func TestRecordSuccessRateDerived(t *testing.T) {
	a := NewAggregator(zap.NewNop())

	a.Record("scheduling", 50*time.Millisecond, true)
	a.Record("scheduling", 50*time.Millisecond, true)
	a.Record("scheduling", 50*time.Millisecond, false)
	a.Record("scheduling", 50*time.Millisecond, true)

	snap, ok := a.Snapshot("scheduling")
	require.True(t, ok)
	assert.Equal(t, int64(4), snap.Executions)
	assert.Equal(t, int64(1), snap.Errors)
	assert.InDelta(t, 0.75, snap.SuccessRate, 0.001)
}

func TestSnapshotUnknownAgent(t *testing.T) {
	a := NewAggregator(zap.NewNop())
	_, ok := a.Snapshot("nobody")
	assert.False(t, ok)
}

func TestAllSnapshots(t *testing.T) {
	a := NewAggregator(zap.NewNop())
	a.Record("trend_analysis", 10*time.Millisecond, true)
	a.Record("analytics", 20*time.Millisecond, false)

	all := a.AllSnapshots()
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all["trend_analysis"].Executions)
	assert.Equal(t, int64(1), all["analytics"].Errors)
	assert.InDelta(t, 0.0, all["analytics"].SuccessRate, 0.001)
}

func TestReset(t *testing.T) {
	a := NewAggregator(zap.NewNop())
	a.Record("trend_analysis", 10*time.Millisecond, true)

	a.Reset()
	assert.Empty(t, a.AllSnapshots())
	_, ok := a.Snapshot("trend_analysis")
	assert.False(t, ok)
}

func TestConcurrentRecordsDoNotLoseUpdates(t *testing.T) {
	a := NewAggregator(zap.NewNop())

	const workers = 8
	const perWorker = 250

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(failures bool) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				a.Record("content_creation", 10*time.Millisecond, !failures)
			}
		}(w%2 == 0)
	}
	wg.Wait()

	snap, ok := a.Snapshot("content_creation")
	require.True(t, ok)
	assert.Equal(t, int64(workers*perWorker), snap.Executions)
	assert.Equal(t, int64(workers/2*perWorker), snap.Errors)
	assert.InDelta(t, 10.0, snap.AvgDurationMs, 0.001)
}
