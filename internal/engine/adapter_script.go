package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	coreerrors "github.com/livecalc/core/infrastructure/errors"
	"github.com/dop251/goja"
)

// ScriptRegistry resolves "script://name" engine references to their
// interpreter source text. A host process populates this the same way it
// populates a NativeRegistry; the source itself is supplied by the
// out-of-scope config/asset loader.
type ScriptRegistry struct {
	sources map[string]string
}

// NewScriptRegistry constructs an empty registry.
func NewScriptRegistry() *ScriptRegistry {
	return &ScriptRegistry{sources: make(map[string]string)}
}

// Register binds a name to script source.
func (r *ScriptRegistry) Register(name, source string) {
	r.sources[name] = source
}

// NewAdapter implements AdapterFactory for the "script" engine kind.
func (r *ScriptRegistry) NewAdapter(kind, name string) (NodeRunnerAdapter, error) {
	if kind != "script" {
		return nil, coreerrors.UnknownEngine(kind + "://" + name)
	}
	source, ok := r.sources[name]
	if !ok {
		return nil, coreerrors.UnknownEngine("script://" + name)
	}
	return &scriptAdapter{source: source}, nil
}

// scriptAdapter runs interpreter source against the same shared region a
// native adapter would use, via a sandboxed per-call goja VM. Each
// RunChunk gets a fresh goja.Runtime for isolation, the same pattern the
// corpus's own embedded-JS engine uses for per-invocation isolation.
type scriptAdapter struct {
	source string
	config json.RawMessage
	host   HostInputs
}

func (a *scriptAdapter) Init(ctx context.Context, moduleSource []byte, views []View, host HostInputs, config json.RawMessage) error {
	if _, err := goja.Compile("node.js", a.source, false); err != nil {
		return fmt.Errorf("compile script: %w", err)
	}
	a.config = config
	a.host = host
	return nil
}

func (a *scriptAdapter) RunChunk(ctx context.Context, inputs []View, outputs []View, cancel <-chan struct{}) error {
	vm := goja.New()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("cancelled")
		case <-cancel:
			vm.Interrupt("cancelled")
		case <-done:
		}
	}()

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value { return goja.Undefined() })
	_ = vm.Set("console", console)

	buffers := vm.NewObject()
	for _, v := range inputs {
		_ = buffers.Set(v.Name, vm.ToValue(vm.NewArrayBuffer(v.Bytes)))
	}
	for _, v := range outputs {
		_ = buffers.Set(v.Name, vm.ToValue(vm.NewArrayBuffer(v.Bytes)))
	}
	_ = vm.Set("__buffers", buffers)

	var cfg interface{}
	if len(a.config) > 0 {
		_ = json.Unmarshal(a.config, &cfg)
	}
	_ = vm.Set("config", cfg)
	_ = vm.Set("host", map[string]interface{}{
		"policies":    a.host.Policies,
		"assumptions": a.host.Assumptions,
		"scenarios":   a.host.Scenarios,
	})

	setup := typedArraySetup("inputs", inputs) + typedArraySetup("outputs", outputs)
	if _, err := vm.RunString(setup); err != nil {
		return fmt.Errorf("bind typed views: %w", err)
	}

	if _, err := vm.RunString(a.source); err != nil {
		return fmt.Errorf("execute script: %w", err)
	}

	entryPoint, ok := goja.AssertFunction(vm.Get("run"))
	if !ok {
		return fmt.Errorf("script does not define a top-level run(inputs, outputs, host, config) function")
	}

	_, err := entryPoint(goja.Undefined(), vm.Get("inputs"), vm.Get("outputs"), vm.Get("host"), vm.Get("config"))
	if err != nil {
		return fmt.Errorf("run(): %w", err)
	}
	return nil
}

func (a *scriptAdapter) Dispose() error {
	return nil
}

func typedArrayCtor(t ElementType) string {
	switch t {
	case ElementF64:
		return "Float64Array"
	case ElementF32:
		return "Float32Array"
	case ElementI32:
		return "Int32Array"
	case ElementU32:
		return "Uint32Array"
	case ElementI16:
		return "Int16Array"
	case ElementU16:
		return "Uint16Array"
	case ElementI8:
		return "Int8Array"
	case ElementU8:
		return "Uint8Array"
	default:
		return "Float64Array"
	}
}

// typedArraySetup builds the JS snippet that wraps each view's
// ArrayBuffer in the typed array matching its element type, assigning
// them onto a fresh object named varName so the script's run() function
// receives plain typed arrays keyed by bus resource name.
func typedArraySetup(varName string, views []View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "var %s = {};\n", varName)
	for _, v := range views {
		ctor := typedArrayCtor(v.ElementType)
		fmt.Fprintf(&b, "%s[%q] = new %s(__buffers[%q]);\n", varName, v.Name, ctor, v.Name)
	}
	return b.String()
}
