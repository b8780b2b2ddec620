package engine

import (
	"context"
	"encoding/json"

	coreerrors "github.com/livecalc/core/infrastructure/errors"
)

// NativeFunc is a precompiled compute function registered under a
// "native://name" engine reference. It is the in-process equivalent of
// loading a precompiled binary module: the function itself is the
// module, already compiled into this binary.
type NativeFunc func(ctx context.Context, inputs, outputs []View, host HostInputs, config json.RawMessage) error

// NativeRegistry resolves native engine names to their registered
// NativeFunc. A host process populates this at startup with every
// native module the pipeline configuration may reference.
type NativeRegistry struct {
	funcs map[string]NativeFunc
}

// NewNativeRegistry constructs an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{funcs: make(map[string]NativeFunc)}
}

// Register binds a name to a compute function.
func (r *NativeRegistry) Register(name string, fn NativeFunc) {
	r.funcs[name] = fn
}

// NewAdapter implements AdapterFactory for the "native" engine kind.
func (r *NativeRegistry) NewAdapter(kind, name string) (NodeRunnerAdapter, error) {
	if kind != "native" {
		return nil, coreerrors.UnknownEngine(kind + "://" + name)
	}
	fn, ok := r.funcs[name]
	if !ok {
		return nil, coreerrors.UnknownEngine("native://" + name)
	}
	return &nativeAdapter{fn: fn}, nil
}

type nativeAdapter struct {
	fn     NativeFunc
	config json.RawMessage
	host   HostInputs
}

func (a *nativeAdapter) Init(ctx context.Context, moduleSource []byte, views []View, host HostInputs, config json.RawMessage) error {
	a.config = config
	a.host = host
	return nil
}

func (a *nativeAdapter) RunChunk(ctx context.Context, inputs []View, outputs []View, cancel <-chan struct{}) error {
	return a.fn(ctx, inputs, outputs, a.host, a.config)
}

func (a *nativeAdapter) Dispose() error {
	return nil
}
