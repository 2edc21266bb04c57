package alert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLatencyTrackerSnapshotBasicStats(t *testing.T) {
	tracker := NewLatencyTracker()
	for _, v := range []int{10, 20, 30, 40, 50} {
		tracker.Record(v)
	}

	snap := tracker.Snapshot()
	require.Equal(t, 5, snap.Count)
	require.Equal(t, 10, snap.Min)
	require.Equal(t, 50, snap.Max)
	require.Equal(t, 30.0, snap.Avg)
	require.Equal(t, 30, snap.P50)
}

func TestLatencyTrackerWrapsAfterMaxSamples(t *testing.T) {
	tracker := NewLatencyTracker()
	for i := 0; i < maxSamples+10; i++ {
		tracker.Record(1)
	}
	for i := 0; i < 5; i++ {
		tracker.Record(1000)
	}

	snap := tracker.Snapshot()
	require.Equal(t, maxSamples, snap.Count)
	require.Equal(t, 1000, snap.Max)
}

func TestLatencyTrackerEmptySnapshot(t *testing.T) {
	tracker := NewLatencyTracker()
	snap := tracker.Snapshot()
	require.Equal(t, 0, snap.Count)
}
