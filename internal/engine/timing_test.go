package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeHistoryStore struct {
	saved map[string]RunTimingSummary
}

func newFakeHistoryStore() *fakeHistoryStore {
	return &fakeHistoryStore{saved: make(map[string]RunTimingSummary)}
}

func (f *fakeHistoryStore) Save(summary RunTimingSummary) error {
	f.saved[summary.RunID] = summary
	return nil
}

func (f *fakeHistoryStore) Load(runID string) (RunTimingSummary, bool, error) {
	s, ok := f.saved[runID]
	return s, ok, nil
}

func TestTimingProfilerFinalizeComputesRollup(t *testing.T) {
	tp := NewTimingProfiler(nil)
	rt := newRunTiming("run-1")
	rt.record(NodeTimingDetail{NodeID: "load", TotalMs: 10})
	rt.record(NodeTimingDetail{NodeID: "amortize", TotalMs: 30})

	summary := tp.Finalize(rt, 35)
	require.Equal(t, "amortize", summary.SlowestNodeID)
	require.Equal(t, 30.0, summary.SlowestNodeMs)
	require.True(t, summary.HasParallelExecution) // 35 < 0.95*40
}

func TestTimingProfilerHistoryBounded(t *testing.T) {
	tp := NewTimingProfiler(nil)
	for i := 0; i < timingHistoryLimit+5; i++ {
		rt := newRunTiming("run")
		rt.record(NodeTimingDetail{NodeID: "n", TotalMs: 1})
		tp.Finalize(rt, 1)
	}
	require.Len(t, tp.History(), timingHistoryLimit)
}

func TestTimingProfilerGetFallsBackToStore(t *testing.T) {
	store := newFakeHistoryStore()
	tp := NewTimingProfiler(store)

	stored := RunTimingSummary{RunID: "old-run", TotalMs: 99}
	require.NoError(t, store.Save(stored))

	got, ok := tp.Get("old-run")
	require.True(t, ok)
	require.Equal(t, 99.0, got.TotalMs)
}

func TestTimingProfilerGetMissing(t *testing.T) {
	tp := NewTimingProfiler(nil)
	_, ok := tp.Get("missing")
	require.False(t, ok)
}

func TestTimingProfilerFinalizeSavesToStore(t *testing.T) {
	store := newFakeHistoryStore()
	tp := NewTimingProfiler(store)
	rt := newRunTiming("run-2")
	rt.record(NodeTimingDetail{NodeID: "n", TotalMs: 5})
	tp.Finalize(rt, 5)

	_, ok, err := store.Load("run-2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCompareClassifiesDeltas(t *testing.T) {
	current := RunTimingSummary{NodeTimings: map[string]NodeTimingDetail{
		"a": {NodeID: "a", TotalMs: 20},
		"b": {NodeID: "b", TotalMs: 5},
		"c": {NodeID: "c", TotalMs: 10},
	}}
	baseline := RunTimingSummary{NodeTimings: map[string]NodeTimingDetail{
		"a": {NodeID: "a", TotalMs: 10},
		"b": {NodeID: "b", TotalMs: 15},
		"c": {NodeID: "c", TotalMs: 10.001},
	}}

	deltas := Compare(current, baseline)
	require.Len(t, deltas, 3)
	require.Equal(t, "a", deltas[0].NodeID)
	require.Equal(t, "slower", deltas[0].Class)
	require.Equal(t, "faster", deltas[1].Class)
	require.Equal(t, "unchanged", deltas[2].Class)
}

func TestCompareIgnoresNodesMissingFromBaseline(t *testing.T) {
	current := RunTimingSummary{NodeTimings: map[string]NodeTimingDetail{
		"a": {NodeID: "a", TotalMs: 10},
		"new_node": {NodeID: "new_node", TotalMs: 10},
	}}
	baseline := RunTimingSummary{NodeTimings: map[string]NodeTimingDetail{
		"a": {NodeID: "a", TotalMs: 10},
	}}

	deltas := Compare(current, baseline)
	require.Len(t, deltas, 1)
	require.Equal(t, "a", deltas[0].NodeID)
}
