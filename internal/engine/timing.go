package engine

import (
	"sort"
	"sync"
	"time"
)

// NodeTimingDetail is the per-node timing breakdown recorded by the
// Timing Profiler (C8).
type NodeTimingDetail struct {
	NodeID       string
	WaitMs       float64
	InitMs       float64
	ExecuteMs    float64
	HandoffMs    float64
	TotalMs      float64
	StartEpochMs int64
	EndEpochMs   int64
	EngineKind   string
}

// RunTimingSummary is the per-run rollup of every node's timing.
type RunTimingSummary struct {
	RunID                string
	NodeTimings          map[string]NodeTimingDetail
	TotalMs              float64
	SlowestNodeID        string
	SlowestNodeMs        float64
	HasParallelExecution bool
	CriticalPathMs       float64
}

// TimingDelta is one node's timing comparison between two runs.
type TimingDelta struct {
	NodeID     string
	BaselineMs float64
	CurrentMs  float64
	DeltaMs    float64
	Class      string // "slower", "faster", or "unchanged"
}

// TimingProfiler is the Timing Profiler (C8): per-node wait/init/execute/
// handoff intervals, a per-run rollup, a bounded run history, and
// cross-run comparison.
type TimingProfiler struct {
	mu      sync.Mutex
	history []RunTimingSummary
	store   RunHistoryStore
}

const timingHistoryLimit = 10

// RunHistoryStore persists RunTimingSummary records beyond the in-memory
// ring buffer, e.g. across an orchestrator process restart. The in-memory
// TimingProfiler always keeps the last 10 runs itself regardless of which
// store is configured; the store is purely additive durability.
type RunHistoryStore interface {
	Save(summary RunTimingSummary) error
	Load(runID string) (RunTimingSummary, bool, error)
}

// NewTimingProfiler constructs a profiler. store may be nil, in which
// case only the in-memory ring buffer is kept.
func NewTimingProfiler(store RunHistoryStore) *TimingProfiler {
	return &TimingProfiler{store: store}
}

type runTiming struct {
	mu      sync.Mutex
	runID   string
	details map[string]NodeTimingDetail
}

func newRunTiming(runID string) *runTiming {
	return &runTiming{runID: runID, details: make(map[string]NodeTimingDetail)}
}

func (rt *runTiming) record(d NodeTimingDetail) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.details[d.NodeID] = d
}

// Finalize computes the per-run rollup from a run's recorded node
// timings and wall-clock duration, then appends it to the bounded
// history (and the durable store, if configured).
func (tp *TimingProfiler) Finalize(rt *runTiming, wallClockMs float64) RunTimingSummary {
	rt.mu.Lock()
	details := make(map[string]NodeTimingDetail, len(rt.details))
	var sumTotals float64
	var slowestID string
	var slowestMs float64
	for id, d := range rt.details {
		details[id] = d
		sumTotals += d.TotalMs
		if d.TotalMs > slowestMs {
			slowestMs = d.TotalMs
			slowestID = id
		}
	}
	rt.mu.Unlock()

	summary := RunTimingSummary{
		RunID:                rt.runID,
		NodeTimings:          details,
		TotalMs:              wallClockMs,
		SlowestNodeID:        slowestID,
		SlowestNodeMs:        slowestMs,
		HasParallelExecution: wallClockMs < 0.95*sumTotals,
		// Critical path is currently approximated as the single slowest
		// node's total time; a true DAG longest-path computation is a
		// documented future upgrade, not implemented here.
		CriticalPathMs: slowestMs,
	}

	tp.mu.Lock()
	tp.history = append(tp.history, summary)
	if len(tp.history) > timingHistoryLimit {
		tp.history = tp.history[len(tp.history)-timingHistoryLimit:]
	}
	tp.mu.Unlock()

	if tp.store != nil {
		_ = tp.store.Save(summary)
	}

	return summary
}

// History returns the in-memory ring buffer of the last 10 runs, oldest
// first.
func (tp *TimingProfiler) History() []RunTimingSummary {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	out := make([]RunTimingSummary, len(tp.history))
	copy(out, tp.history)
	return out
}

// Get returns a specific run's summary by id, checking the in-memory
// history first and falling back to the durable store when configured.
func (tp *TimingProfiler) Get(runID string) (RunTimingSummary, bool) {
	tp.mu.Lock()
	for _, s := range tp.history {
		if s.RunID == runID {
			tp.mu.Unlock()
			return s, true
		}
	}
	tp.mu.Unlock()

	if tp.store != nil {
		if s, ok, err := tp.store.Load(runID); err == nil && ok {
			return s, true
		}
	}
	return RunTimingSummary{}, false
}

// Compare produces per-node deltas between a current and baseline run,
// classifying each node as "slower" or "faster" when |delta| > 5ms.
func Compare(current, baseline RunTimingSummary) []TimingDelta {
	var deltas []TimingDelta
	for nodeID, curDetail := range current.NodeTimings {
		baseDetail, ok := baseline.NodeTimings[nodeID]
		if !ok {
			continue
		}
		delta := curDetail.TotalMs - baseDetail.TotalMs
		class := "unchanged"
		if delta > 5 {
			class = "slower"
		} else if delta < -5 {
			class = "faster"
		}
		deltas = append(deltas, TimingDelta{
			NodeID:     nodeID,
			BaselineMs: baseDetail.TotalMs,
			CurrentMs:  curDetail.TotalMs,
			DeltaMs:    delta,
			Class:      class,
		})
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].NodeID < deltas[j].NodeID })
	return deltas
}

func nowEpochMs() int64 {
	return time.Now().UnixMilli()
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
