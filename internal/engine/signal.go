package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	coreerrors "github.com/livecalc/core/infrastructure/errors"
)

// NodeState is the atomic lifecycle state of one node's status slot. The
// numeric codes are part of the wire format and must never change.
type NodeState int32

const (
	StateIdle    NodeState = 0
	StateReady   NodeState = 1
	StateRunning NodeState = 2
	StateDone    NodeState = 3
	StateError   NodeState = 4
	StatePaused  NodeState = 5
)

func (s NodeState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	case StatePaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// legalTransitions encodes the allowed edges of §4.2: IDLE->READY->RUNNING
// ->{DONE,ERROR,PAUSED}, PAUSED->{RUNNING,ERROR}, DONE->IDLE. IDLE->ERROR
// and READY->ERROR are additionally legal: when a run aborts, times out,
// or halts on an upstream integrity/engine failure, every descendant that
// has not yet started running must still be marked ERROR rather than left
// stuck at IDLE or READY forever.
var legalTransitions = map[NodeState]map[NodeState]bool{
	StateIdle:    {StateReady: true, StateError: true},
	StateReady:   {StateRunning: true, StateError: true},
	StateRunning: {StateDone: true, StateError: true, StatePaused: true},
	StatePaused:  {StateRunning: true, StateError: true},
	StateDone:    {StateIdle: true},
	StateError:   {},
}

// SignalManager is the Atomic Signal Manager (C2): race-free transitions
// over each node's status slot, backed directly by the shared-memory
// buffer so a producer's write-then-DONE is observable by a consumer
// without any intervening copy.
type SignalManager struct {
	buf     []byte
	offsets map[string]int64

	mu   sync.Mutex
	cond *sync.Cond
}

// NewSignalManager binds a SignalManager to the node status slots of an
// already-allocated shared region. Every slot starts IDLE because buf is
// freshly zeroed by LayoutManager.Allocate.
func NewSignalManager(buf []byte, offsets map[string]int64) *SignalManager {
	sm := &SignalManager{buf: buf, offsets: offsets}
	sm.cond = sync.NewCond(&sm.mu)
	return sm
}

func (s *SignalManager) slot(node string) *int32 {
	offset := s.offsets[node]
	return (*int32)(unsafe.Pointer(&s.buf[offset]))
}

// Signal performs a single atomic read-modify-write on node's status
// slot, store-release semantics provided by atomic.CompareAndSwapInt32.
// It returns the previous state, or an error if the transition is not in
// legalTransitions.
func (s *SignalManager) Signal(node string, newState NodeState) (NodeState, error) {
	slotPtr := s.slot(node)
	for {
		prev := NodeState(atomic.LoadInt32(slotPtr))
		if !legalTransitions[prev][newState] {
			return prev, coreerrors.InvalidStateTransition(node, int32(prev), int32(newState))
		}
		if atomic.CompareAndSwapInt32(slotPtr, int32(prev), int32(newState)) {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
			return prev, nil
		}
	}
}

// Read performs a load-acquire on node's status slot.
func (s *SignalManager) Read(node string) NodeState {
	return NodeState(atomic.LoadInt32(s.slot(node)))
}

// WaitUntil blocks until node's status matches one of states, the context
// is cancelled, or timeout elapses (1ms resolution, per §4.2). It returns
// the observed state and whether it matched one of the requested states.
func (s *SignalManager) WaitUntil(ctx context.Context, node string, states []NodeState, timeout time.Duration) (NodeState, bool) {
	matches := func(st NodeState) bool {
		for _, want := range states {
			if want == st {
				return true
			}
		}
		return false
	}

	if cur := s.Read(node); matches(cur) {
		return cur, true
	}

	deadline := time.Now().Add(timeout)
	wake := make(chan struct{})

	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-wake:
		}
	}()
	defer close(wake)

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		cur := s.Read(node)
		if matches(cur) {
			return cur, true
		}
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return cur, false
		}
		s.cond.Wait()
	}
}

// ResetAll transitions every node back to IDLE, used when a pipeline is
// re-run against the same allocated region.
func (s *SignalManager) ResetAll() {
	for node := range s.offsets {
		atomic.StoreInt32(s.slot(node), int32(StateIdle))
	}
}
