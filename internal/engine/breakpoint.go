package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/livecalc/core/infrastructure/state"
)

// PausedInfo is the paused state the orchestrator exposes when a
// breakpoint halts execution: a snapshot of the paused node's input and
// output slabs plus their checksums, captured while the node was PAUSED.
type PausedInfo struct {
	PausedNode      string
	BusDataSnapshot map[string][]byte
	Checksums       map[string]uint32
	PausedAtEpochMs int64
}

// BreakpointController is the Breakpoint Controller (C9). Enabled-state
// is persisted across runs through an injected state.PersistenceBackend;
// hit counts are per-run, in memory only, and reset at the start of
// every run.
type BreakpointController struct {
	store *state.PersistentState

	mu           sync.Mutex
	enabledCache map[string]bool
	hitCounts    map[string]uint32
	pausedNode   string
	paused       *PausedInfo
	cmdCh        chan string
}

// NewBreakpointController builds a controller over the given backend
// (typically state.NewMemoryBackend for tests or state.NewRedisBackend in
// production).
func NewBreakpointController(backend state.PersistenceBackend) (*BreakpointController, error) {
	ps, err := state.NewPersistentState(state.BreakpointConfig(backend))
	if err != nil {
		return nil, err
	}
	return &BreakpointController{
		store:        ps,
		enabledCache: make(map[string]bool),
		hitCounts:    make(map[string]uint32),
	}, nil
}

// LoadAll refreshes the in-memory enabled-set from the persistence
// backend. The orchestrator calls this at the start of every run (§3
// Lifecycle: "it is read at run start").
func (bc *BreakpointController) LoadAll(ctx context.Context) error {
	snap, err := bc.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	cache := make(map[string]bool, len(snap.Data))
	for node, data := range snap.Data {
		cache[node] = len(data) > 0 && data[0] == '1'
	}
	bc.mu.Lock()
	bc.enabledCache = cache
	bc.hitCounts = make(map[string]uint32)
	bc.mu.Unlock()
	return nil
}

// Toggle flips a node's enabled flag and persists the new value.
func (bc *BreakpointController) Toggle(ctx context.Context, nodeID string) (bool, error) {
	bc.mu.Lock()
	newVal := !bc.enabledCache[nodeID]
	bc.mu.Unlock()
	return newVal, bc.SetEnabled(ctx, nodeID, newVal)
}

// SetEnabled sets and persists a node's enabled flag.
func (bc *BreakpointController) SetEnabled(ctx context.Context, nodeID string, enabled bool) error {
	payload := []byte("0")
	if enabled {
		payload = []byte("1")
	}
	if err := bc.store.Save(ctx, nodeID, payload); err != nil {
		return err
	}
	bc.mu.Lock()
	bc.enabledCache[nodeID] = enabled
	bc.mu.Unlock()
	return nil
}

// ClearAll disables and removes every persisted breakpoint.
func (bc *BreakpointController) ClearAll(ctx context.Context) error {
	bc.mu.Lock()
	nodes := make([]string, 0, len(bc.enabledCache))
	for n := range bc.enabledCache {
		nodes = append(nodes, n)
	}
	bc.mu.Unlock()

	for _, n := range nodes {
		if err := bc.store.Delete(ctx, n); err != nil {
			return err
		}
	}
	bc.mu.Lock()
	bc.enabledCache = make(map[string]bool)
	bc.mu.Unlock()
	return nil
}

// ShouldPauseAt reports whether node is currently an enabled breakpoint
// target.
func (bc *BreakpointController) ShouldPauseAt(nodeID string) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.enabledCache[nodeID]
}

// ImportFromConfig enables every node id listed, e.g. from the pipeline
// configuration's "debug.breakpoints" array.
func (bc *BreakpointController) ImportFromConfig(ctx context.Context, nodeIDs []string) error {
	for _, id := range nodeIDs {
		if err := bc.SetEnabled(ctx, id, true); err != nil {
			return err
		}
	}
	return nil
}

// ExportToConfig returns the currently enabled breakpoint node ids,
// sorted for deterministic output.
func (bc *BreakpointController) ExportToConfig() []string {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	var ids []string
	for id, enabled := range bc.enabledCache {
		if enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// HitCount returns the number of times a breakpoint has fired this run.
func (bc *BreakpointController) HitCount(nodeID string) uint32 {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.hitCounts[nodeID]
}

// Pause records the paused snapshot and blocks until Resume, Step, or
// Abort is called, the context is cancelled, or the run is aborted some
// other way. It returns which of "resume", "step", or "abort" unblocked
// it. Step and resume are equivalent at the node granularity this core
// operates at: there is no finer-grained single-instruction stepping
// inside a node's run_chunk.
func (bc *BreakpointController) Pause(ctx context.Context, info PausedInfo) string {
	bc.mu.Lock()
	bc.pausedNode = info.PausedNode
	bc.paused = &info
	bc.hitCounts[info.PausedNode]++
	cmdCh := make(chan string, 1)
	bc.cmdCh = cmdCh
	bc.mu.Unlock()

	var action string
	select {
	case action = <-cmdCh:
	case <-ctx.Done():
		action = "abort"
	}

	bc.mu.Lock()
	bc.pausedNode = ""
	bc.paused = nil
	bc.cmdCh = nil
	bc.mu.Unlock()

	return action
}

// PausedState returns the currently paused node's snapshot, if any.
func (bc *BreakpointController) PausedState() (PausedInfo, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.paused == nil {
		return PausedInfo{}, false
	}
	return *bc.paused, true
}

// Resume signals the paused node to continue normally.
func (bc *BreakpointController) Resume() bool { return bc.sendCommand("resume") }

// Step signals the paused node to advance by one execution unit.
func (bc *BreakpointController) Step() bool { return bc.sendCommand("step") }

// Abort signals the paused node (and by extension the run) to terminate.
func (bc *BreakpointController) Abort() bool { return bc.sendCommand("abort") }

func (bc *BreakpointController) sendCommand(cmd string) bool {
	bc.mu.Lock()
	ch := bc.cmdCh
	bc.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- cmd:
		return true
	default:
		return false
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
