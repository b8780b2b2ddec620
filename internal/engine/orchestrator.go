package engine

import (
	"context"
	"hash/crc32"
	"sort"
	"sync"
	"time"

	coreerrors "github.com/livecalc/core/infrastructure/errors"
	"github.com/livecalc/core/infrastructure/logging"
	"github.com/livecalc/core/infrastructure/metrics"
)

// EventKind discriminates the events an Orchestrator.Run emits onto its
// caller-supplied channel.
type EventKind string

const (
	EventNodeStateChanged EventKind = "node_state_changed"
	EventPaused           EventKind = "paused"
	EventIntegrityFailure EventKind = "integrity_failure"
	EventRunComplete      EventKind = "run_complete"
)

// OrchestratorEvent is one notification of run progress. Only the fields
// relevant to Kind are populated.
type OrchestratorEvent struct {
	Kind      EventKind
	RunID     string
	NodeID    string
	State     NodeState
	Integrity *IntegrityCheckResult
	Record    *RunRecord
	Err       error
}

// RunRecord is the terminal outcome of one orchestrated run.
type RunRecord struct {
	RunID        string
	Status       string // "completed", "failed", "cancelled", "timeout"
	Err          error
	NodeOutcomes map[string]NodeState
	Timing       RunTimingSummary
	Integrity    IntegrityReport
}

// OrchestratorConfig wires an Orchestrator to the registries, controllers,
// and observability components a host process constructs once at startup.
type OrchestratorConfig struct {
	ServiceName     string
	Logger          *logging.Logger
	Metrics         *metrics.Metrics
	NativeRegistry  *NativeRegistry
	ScriptRegistry  *ScriptRegistry
	Breakpoints     *BreakpointController
	TimingStore     RunHistoryStore
	MaxConcurrency  int
	DefaultHost     HostInputs

	// OnAllocated, if set, is called once the shared region has been
	// allocated and before execution starts, letting a host (e.g. the C13
	// inspector surface) bind an Inspector to the run's region.
	OnAllocated func(runID string, om *OffsetMap, buf []byte)
}

// Orchestrator is the Orchestrator (C7): it drives one pipeline config
// through shared-memory allocation, topological execution over a bounded
// worker pool, per-edge integrity verification, breakpoint pausing, and
// timing rollup.
type Orchestrator struct {
	cfg     OrchestratorConfig
	timing  *TimingProfiler

	mu            sync.Mutex
	activeCancels map[string]context.CancelFunc
}

// NewOrchestrator constructs an Orchestrator. cfg.MaxConcurrency <= 0 means
// unbounded (one goroutine per ready node).
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Breakpoints == nil {
		panic("engine: NewOrchestrator requires a non-nil BreakpointController")
	}
	return &Orchestrator{
		cfg:           cfg,
		timing:        NewTimingProfiler(cfg.TimingStore),
		activeCancels: make(map[string]context.CancelFunc),
	}
}

// Abort cancels an in-flight run by id and unblocks it if it is currently
// paused at a breakpoint. It is a no-op if no run with that id is active.
func (o *Orchestrator) Abort(runID string) {
	o.mu.Lock()
	cancel := o.activeCancels[runID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		o.cfg.Breakpoints.Abort()
	}
}

// runState is the mutable state threaded through one Run call.
type runState struct {
	id        string
	vp        *ValidatedPipeline
	om        *OffsetMap
	buf       []byte
	signals   *SignalManager
	integrity *IntegrityChecker
	adapters  map[string]NodeRunnerAdapter
	rt        *runTiming
	host      HostInputs

	mu       sync.Mutex
	readyAt  map[string]time.Time
	outcomes map[string]NodeState
	firstErr error
}

// Run validates cfg, allocates the shared region, and drives every node
// through its lifecycle per §4.7. It blocks until the run reaches a
// terminal outcome. events may be nil; if non-nil, the caller must drain
// it concurrently or Run's event emission will block.
func (o *Orchestrator) Run(ctx context.Context, runID string, cfg *PipelineConfig, events chan<- OrchestratorEvent) (*RunRecord, error) {
	emit := func(ev OrchestratorEvent) {
		ev.RunID = runID
		if events != nil {
			events <- ev
		}
	}

	vp, err := Validate(cfg)
	if err != nil {
		return o.fail(runID, err, emit)
	}

	resources, err := BuildCatalog(vp)
	if err != nil {
		return o.fail(runID, err, emit)
	}

	lm := NewLayoutManager(vp.Config.Debug.EnableIntegrityChecks)
	for _, r := range resources {
		if err := lm.AddResource(r); err != nil {
			return o.fail(runID, err, emit)
		}
	}
	om, buf, err := lm.Allocate(vp.TopoOrder)
	if err != nil {
		return o.fail(runID, err, emit)
	}

	signals := NewSignalManager(buf, om.NodeStatusSlots)
	integrity := NewIntegrityChecker(buf, om, vp.Config.Debug.HaltOnIntegrityFailure)

	if o.cfg.OnAllocated != nil {
		o.cfg.OnAllocated(runID, om, buf)
	}

	if err := o.cfg.Breakpoints.LoadAll(ctx); err != nil {
		return o.fail(runID, err, emit)
	}
	if len(vp.Config.Debug.Breakpoints) > 0 {
		if err := o.cfg.Breakpoints.ImportFromConfig(ctx, vp.Config.Debug.Breakpoints); err != nil {
			return o.fail(runID, err, emit)
		}
	}

	adapters, err := o.instantiateAdapters(vp)
	if err != nil {
		return o.fail(runID, err, emit)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if vp.Config.ErrorHandling.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(vp.Config.ErrorHandling.TimeoutMs)*time.Millisecond)
	}
	o.mu.Lock()
	o.activeCancels[runID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.activeCancels, runID)
		o.mu.Unlock()
	}()

	rs := &runState{
		id:        runID,
		vp:        vp,
		om:        om,
		buf:       buf,
		signals:   signals,
		integrity: integrity,
		adapters:  adapters,
		rt:        newRunTiming(runID),
		host:      o.cfg.DefaultHost,
		readyAt:   make(map[string]time.Time),
		outcomes:  make(map[string]NodeState),
	}

	if o.cfg.Logger != nil {
		o.cfg.Logger.LogRunStart(runCtx, len(vp.TopoOrder), len(resources))
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.IncrementInFlight()
		defer o.cfg.Metrics.DecrementInFlight()
	}

	wallStart := time.Now()
	o.execute(runCtx, rs, vp.Config.ErrorHandling.ContinueOnError, emit)
	wallClockMs := msSince(wallStart)

	summary := o.timing.Finalize(rs.rt, wallClockMs)
	integrityReport := integrity.Report()

	status := "completed"
	retErr := rs.firstErr
	switch {
	case ctx.Err() == context.Canceled:
		status = "cancelled"
		if retErr == nil {
			retErr = coreerrors.CancelledByCaller(runID)
		}
	case runCtx.Err() == context.DeadlineExceeded:
		status = "timeout"
		if retErr == nil {
			retErr = coreerrors.RunTimeout(runID, vp.Config.ErrorHandling.TimeoutMs)
		}
	case retErr != nil:
		status = "failed"
	}

	record := &RunRecord{
		RunID:        runID,
		Status:       status,
		Err:          retErr,
		NodeOutcomes: rs.snapshotOutcomes(),
		Timing:       summary,
		Integrity:    integrityReport,
	}

	if o.cfg.Logger != nil {
		o.cfg.Logger.LogRunComplete(runCtx, status, time.Duration(wallClockMs*float64(time.Millisecond)), retErr)
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordRun(o.cfg.ServiceName, status, time.Duration(wallClockMs*float64(time.Millisecond)))
	}

	emit(OrchestratorEvent{Kind: EventRunComplete, Record: record, Err: retErr})
	return record, retErr
}

func (o *Orchestrator) fail(runID string, err error, emit func(OrchestratorEvent)) (*RunRecord, error) {
	record := &RunRecord{RunID: runID, Status: "failed", Err: err}
	if o.cfg.Metrics != nil {
		if ce := coreerrors.Get(err); ce != nil {
			o.cfg.Metrics.RecordError(o.cfg.ServiceName, string(ce.Kind), "run_start")
		}
	}
	emit(OrchestratorEvent{Kind: EventRunComplete, Record: record, Err: err})
	return record, err
}

func (o *Orchestrator) instantiateAdapters(vp *ValidatedPipeline) (map[string]NodeRunnerAdapter, error) {
	adapters := make(map[string]NodeRunnerAdapter, len(vp.TopoOrder))
	for _, id := range vp.TopoOrder {
		node := vp.NodesByID[id]
		var factory AdapterFactory
		switch node.EngineKind() {
		case "native":
			factory = o.cfg.NativeRegistry
		case "script":
			factory = o.cfg.ScriptRegistry
		default:
			return nil, coreerrors.UnknownEngine(node.Engine)
		}
		if factory == nil {
			return nil, coreerrors.UnknownEngine(node.Engine)
		}
		adapter, err := factory.NewAdapter(node.EngineKind(), node.EngineName())
		if err != nil {
			return nil, err
		}
		adapters[id] = adapter
	}
	return adapters, nil
}

// execute drives the bounded worker pool over rs.vp.TopoOrder, per §4.7:
// seed the ready set with zero-dependency nodes, run each to completion,
// promote consumers to READY (verifying integrity as they cross IDLE-
// >READY), and on an unrecoverable node failure mark every unreached
// descendant ERROR instead of leaving it stuck at IDLE/READY.
func (o *Orchestrator) execute(ctx context.Context, rs *runState, continueOnError bool, emit func(OrchestratorEvent)) {
	remaining, dependents := buildDependencyCounts(rs.vp)

	total := len(rs.vp.TopoOrder)
	doneCh := make(chan nodeOutcome, total)

	var sem chan struct{}
	if o.cfg.MaxConcurrency > 0 {
		sem = make(chan struct{}, o.cfg.MaxConcurrency)
	}

	var launched sync.WaitGroup
	launch := func(nodeID string) {
		rs.mu.Lock()
		rs.readyAt[nodeID] = time.Now()
		rs.mu.Unlock()
		launched.Add(1)
		go func() {
			defer launched.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			state, err := o.runNode(ctx, rs, nodeID, emit)
			doneCh <- nodeOutcome{nodeID: nodeID, state: state, err: err}
		}()
	}

	var initial []string
	for _, id := range rs.vp.TopoOrder {
		if remaining[id] == 0 {
			initial = append(initial, id)
		}
	}
	sort.Strings(initial)
	for _, id := range initial {
		launch(id)
	}

	finished := 0
	aborting := false
	for finished < total {
		select {
		case outcome := <-doneCh:
			finished++
			rs.recordOutcome(outcome.nodeID, outcome.state)
			emit(OrchestratorEvent{Kind: EventNodeStateChanged, NodeID: outcome.nodeID, State: outcome.state, Err: outcome.err})

			if outcome.state == StateError {
				if outcome.err != nil {
					rs.mu.Lock()
					if rs.firstErr == nil {
						rs.firstErr = outcome.err
					}
					rs.mu.Unlock()
				}
				// A failed node's descendants can never run regardless of
				// continueOnError: they are missing a producer. continueOnError
				// only controls whether unrelated branches keep running.
				unreached := markUnreachable(rs, dependents, outcome.nodeID)
				finished += unreached
				if !continueOnError {
					aborting = true
				}
				continue
			}

			if outcome.state != StateDone {
				continue
			}

			for _, consumer := range dependents[outcome.nodeID] {
				remaining[consumer]--
				if remaining[consumer] > 0 {
					continue
				}
				if aborting {
					rs.signals.Signal(consumer, StateError)
					rs.recordOutcome(consumer, StateError)
					finished++
					emit(OrchestratorEvent{Kind: EventNodeStateChanged, NodeID: consumer, State: StateError})
					continue
				}
				if !o.promote(rs, consumer, emit) {
					aborting = true
					rs.signals.Signal(consumer, StateError)
					rs.recordOutcome(consumer, StateError)
					finished++
					emit(OrchestratorEvent{Kind: EventNodeStateChanged, NodeID: consumer, State: StateError})
					unreached := markUnreachable(rs, dependents, consumer)
					finished += unreached
					continue
				}
				launch(consumer)
			}
		case <-ctx.Done():
			if !aborting {
				aborting = true
				for _, id := range rs.vp.TopoOrder {
					st := rs.signals.Read(id)
					if st == StateIdle || st == StateReady {
						rs.signals.Signal(id, StateError)
						rs.recordOutcome(id, StateError)
						finished++
					}
				}
			}
		}
	}

	launched.Wait()
}

// promote performs the consumer's IDLE->READY transition and verifies the
// checksum of every bus input it depends on, per §4.3: integrity
// verification happens exactly at this promotion, not at node start.
// Returns false if verification failed and the run must halt.
func (o *Orchestrator) promote(rs *runState, nodeID string, emit func(OrchestratorEvent)) bool {
	if _, err := rs.signals.Signal(nodeID, StateReady); err != nil {
		rs.mu.Lock()
		if rs.firstErr == nil {
			rs.firstErr = err
		}
		rs.mu.Unlock()
		return false
	}

	node := rs.vp.NodesByID[nodeID]
	ok := true
	for _, in := range node.Inputs {
		if isReservedInput(in) {
			continue
		}
		producer := rs.vp.ResourceProducer[in]
		result, err := rs.integrity.VerifyChecksum(in, producer, nodeID)
		if result != nil {
			if o.cfg.Metrics != nil {
				o.cfg.Metrics.RecordIntegrityCheck(o.cfg.ServiceName, in, result.Valid, "checksum_mismatch")
			}
			if !result.Valid {
				emit(OrchestratorEvent{Kind: EventIntegrityFailure, NodeID: nodeID, Integrity: result})
			}
			if o.cfg.Logger != nil {
				o.cfg.Logger.LogIntegrityCheck(context.Background(), in, result.Valid, err)
			}
		}
		if err != nil {
			rs.mu.Lock()
			if rs.firstErr == nil {
				rs.firstErr = err
			}
			rs.mu.Unlock()
			ok = false
		}
	}
	return ok
}

// markUnreachable marks every descendant of nodeID that has not yet
// started running as ERROR, per §4.7 step 10, returning the count of
// descendants newly marked (nodeID itself is neither marked nor counted:
// its outcome is recorded by the caller).
func markUnreachable(rs *runState, dependents map[string][]string, nodeID string) int {
	count := 0
	var walk func(string)
	seen := map[string]bool{}
	walk = func(id string) {
		for _, dep := range dependents[id] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			st := rs.signals.Read(dep)
			if st == StateIdle || st == StateReady {
				rs.signals.Signal(dep, StateError)
				rs.recordOutcome(dep, StateError)
				count++
			}
			walk(dep)
		}
	}
	walk(nodeID)
	return count
}

type nodeOutcome struct {
	nodeID string
	state  NodeState
	err    error
}

func (rs *runState) recordOutcome(nodeID string, state NodeState) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.outcomes[nodeID] = state
}

func (rs *runState) snapshotOutcomes() map[string]NodeState {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make(map[string]NodeState, len(rs.outcomes))
	for k, v := range rs.outcomes {
		out[k] = v
	}
	return out
}

// buildDependencyCounts mirrors topologicalSort's in-degree computation:
// remaining[n] is the number of distinct producer nodes n still waits on,
// dependents[p] is every node that consumes something p produces.
func buildDependencyCounts(vp *ValidatedPipeline) (map[string]int, map[string][]string) {
	remaining := make(map[string]int, len(vp.TopoOrder))
	dependents := make(map[string][]string)
	for _, id := range vp.TopoOrder {
		remaining[id] = 0
	}
	for _, id := range vp.TopoOrder {
		node := vp.NodesByID[id]
		seen := map[string]bool{}
		for _, in := range node.Inputs {
			if isReservedInput(in) {
				continue
			}
			producer := vp.ResourceProducer[in]
			if seen[producer] {
				continue
			}
			seen[producer] = true
			remaining[id]++
			dependents[producer] = append(dependents[producer], id)
		}
	}
	return remaining, dependents
}

// runNode drives one node through RUNNING->(PAUSED->RUNNING)->DONE/ERROR,
// recording per-phase timing and performing the producer-side checksum
// write at the RUNNING->DONE transition.
func (o *Orchestrator) runNode(ctx context.Context, rs *runState, nodeID string, emit func(OrchestratorEvent)) (NodeState, error) {
	node := rs.vp.NodesByID[nodeID]

	rs.mu.Lock()
	readyAt := rs.readyAt[nodeID]
	rs.mu.Unlock()
	waitMs := msSince(readyAt)

	if _, err := rs.signals.Signal(nodeID, StateRunning); err != nil {
		return StateError, err
	}
	emit(OrchestratorEvent{Kind: EventNodeStateChanged, NodeID: nodeID, State: StateRunning})
	startEpoch := nowEpochMs()

	adapter := rs.adapters[nodeID]
	inputViews := rs.busViews(node.Inputs, true)
	outputViews := rs.busViews(node.Outputs, false)

	initStart := time.Now()
	allViews := append(append([]View{}, inputViews...), outputViews...)
	if err := adapter.Init(ctx, nil, allViews, rs.host, node.Config); err != nil {
		rs.signals.Signal(nodeID, StateError)
		_ = adapter.Dispose()
		return StateError, coreerrors.EngineInitFailed(nodeID, err)
	}
	initMs := msSince(initStart)

	if o.cfg.Breakpoints.ShouldPauseAt(nodeID) {
		if _, err := rs.signals.Signal(nodeID, StatePaused); err == nil {
			combined := append(append([]string{}, node.Inputs...), node.Outputs...)
			snapshot, checksums := rs.snapshotResources(combined)
			action := o.cfg.Breakpoints.Pause(ctx, PausedInfo{
				PausedNode:      nodeID,
				BusDataSnapshot: snapshot,
				Checksums:       checksums,
				PausedAtEpochMs: nowMs(),
			})
			if o.cfg.Logger != nil {
				o.cfg.Logger.LogBreakpointEvent(ctx, action, nodeID)
			}
			emit(OrchestratorEvent{Kind: EventPaused, NodeID: nodeID})
			if action == "abort" {
				rs.signals.Signal(nodeID, StateError)
				_ = adapter.Dispose()
				return StateError, coreerrors.CancelledByAbort(rs.id)
			}
			if _, err := rs.signals.Signal(nodeID, StateRunning); err != nil {
				_ = adapter.Dispose()
				return StateError, err
			}
		}
	}

	execStart := time.Now()
	cancel := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(cancel)
		case <-stop:
		}
	}()
	err := adapter.RunChunk(ctx, inputViews, outputViews, cancel)
	close(stop)
	execMs := msSince(execStart)

	if err != nil {
		rs.signals.Signal(nodeID, StateError)
		_ = adapter.Dispose()
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.RecordNodeExecution(o.cfg.ServiceName, node.EngineKind(), StateError.String(), time.Since(execStart))
		}
		return StateError, coreerrors.EngineRunFailed(nodeID, err)
	}

	handoffStart := time.Now()
	for _, out := range node.Outputs {
		if _, _, werr := rs.integrity.WriteChecksum(out); werr != nil {
			rs.signals.Signal(nodeID, StateError)
			_ = adapter.Dispose()
			return StateError, werr
		}
	}
	if _, err := rs.signals.Signal(nodeID, StateDone); err != nil {
		_ = adapter.Dispose()
		return StateError, err
	}
	handoffMs := msSince(handoffStart)

	if err := adapter.Dispose(); err != nil && o.cfg.Logger != nil {
		o.cfg.Logger.WithContext(ctx).WithField("node_id", nodeID).Warn("adapter dispose failed after successful run")
	}

	totalMs := waitMs + initMs + execMs + handoffMs
	rs.rt.record(NodeTimingDetail{
		NodeID:       nodeID,
		WaitMs:       waitMs,
		InitMs:       initMs,
		ExecuteMs:    execMs,
		HandoffMs:    handoffMs,
		TotalMs:      totalMs,
		StartEpochMs: startEpoch,
		EndEpochMs:   nowEpochMs(),
		EngineKind:   node.EngineKind(),
	})
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordNodeExecution(o.cfg.ServiceName, node.EngineKind(), StateDone.String(), time.Duration(totalMs*float64(time.Millisecond)))
	}

	return StateDone, nil
}

func (rs *runState) busView(resourceName string, readOnly bool) View {
	ro := rs.om.Resources[resourceName]
	return View{
		Name:        resourceName,
		ElementType: ro.ElementType,
		Bytes:       rs.buf[ro.Offset : ro.Offset+ro.SizeBytes],
		ReadOnly:    readOnly,
	}
}

func (rs *runState) busViews(refs []string, readOnly bool) []View {
	var out []View
	for _, ref := range refs {
		if isReservedInput(ref) {
			continue
		}
		out = append(out, rs.busView(ref, readOnly))
	}
	return out
}

// snapshotResources copies the current bytes of each named bus resource
// for the breakpoint controller's paused-state payload, along with each
// resource's live checksum (independent of whatever is stored in its
// integrity trailer, since a paused node's outputs may not be written yet).
func (rs *runState) snapshotResources(refs []string) (map[string][]byte, map[string]uint32) {
	data := make(map[string][]byte)
	checksums := make(map[string]uint32)
	for _, ref := range refs {
		if isReservedInput(ref) {
			continue
		}
		ro, ok := rs.om.Resources[ref]
		if !ok {
			continue
		}
		slab := rs.buf[ro.Offset : ro.Offset+ro.SizeBytes]
		data[ref] = append([]byte(nil), slab...)
		checksums[ref] = crc32.ChecksumIEEE(slab)
	}
	return data, checksums
}
