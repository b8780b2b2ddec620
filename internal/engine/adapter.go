package engine

import (
	"context"
	"encoding/json"
	"unsafe"
)

// View is a typed, non-owning slice over a slab of the shared region.
// Inputs are read-only views, outputs are mutable views; no adapter ever
// receives a copy of the bus payload.
type View struct {
	Name        string
	ElementType ElementType
	Bytes       []byte
	ReadOnly    bool
}

// Float64 reinterprets the view's backing bytes as a float64 slice with
// no copy. The caller is responsible for only calling the accessor that
// matches ElementType.
func (v View) Float64() []float64 {
	if len(v.Bytes) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&v.Bytes[0])), len(v.Bytes)/8)
}

func (v View) Float32() []float32 {
	if len(v.Bytes) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&v.Bytes[0])), len(v.Bytes)/4)
}

func (v View) Int32() []int32 {
	if len(v.Bytes) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&v.Bytes[0])), len(v.Bytes)/4)
}

func (v View) Uint32() []uint32 {
	if len(v.Bytes) == 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&v.Bytes[0])), len(v.Bytes)/4)
}

func (v View) Int16() []int16 {
	if len(v.Bytes) == 0 {
		return nil
	}
	return unsafe.Slice((*int16)(unsafe.Pointer(&v.Bytes[0])), len(v.Bytes)/2)
}

func (v View) Uint16() []uint16 {
	if len(v.Bytes) == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&v.Bytes[0])), len(v.Bytes)/2)
}

func (v View) Int8() []int8 {
	return unsafe.Slice((*int8)(unsafe.Pointer(&v.Bytes[0])), len(v.Bytes))
}

func (v View) Uint8() []uint8 {
	return v.Bytes
}

// HostInputs carries the reserved, non-bus inputs supplied directly by
// the host: policy data, resolved assumption tables, and pre-computed
// scenario tables.
type HostInputs struct {
	Policies    interface{}
	Assumptions interface{}
	Scenarios   interface{}
}

// NodeRunnerAdapter is the uniform contract over native and script engine
// kinds (C6). Init is called once per run; RunChunk exactly once in the
// current design; Dispose is guaranteed to run even on an error path.
type NodeRunnerAdapter interface {
	Init(ctx context.Context, moduleSource []byte, views []View, host HostInputs, config json.RawMessage) error
	RunChunk(ctx context.Context, inputs []View, outputs []View, cancel <-chan struct{}) error
	Dispose() error
}

// AdapterFactory constructs a NodeRunnerAdapter for a given engine
// reference ("native://name" or "script://name"). Implementations are
// registered per engine kind by the orchestrator's host.
type AdapterFactory interface {
	NewAdapter(kind, name string) (NodeRunnerAdapter, error)
}
