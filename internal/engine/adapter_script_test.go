package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScriptRegistryUnknownName(t *testing.T) {
	reg := NewScriptRegistry()
	_, err := reg.NewAdapter("script", "missing")
	require.Error(t, err)
}

func TestScriptRegistryWrongKind(t *testing.T) {
	reg := NewScriptRegistry()
	reg.Register("double_rate", "function run(inputs, outputs) {}")
	_, err := reg.NewAdapter("native", "double_rate")
	require.Error(t, err)
}

func TestScriptAdapterRunsEntryPoint(t *testing.T) {
	reg := NewScriptRegistry()
	reg.Register("double_rate", `
function run(inputs, outputs, host, config) {
  outputs["bus://doubled"][0] = inputs["bus://rates"][0] * 2;
}
`)
	adapter, err := reg.NewAdapter("script", "double_rate")
	require.NoError(t, err)

	inBuf := make([]byte, 8)
	outBuf := make([]byte, 8)
	inView := View{Name: "bus://rates", ElementType: ElementF64, Bytes: inBuf}
	outView := View{Name: "bus://doubled", ElementType: ElementF64, Bytes: outBuf}
	inView.Float64()[0] = 21

	require.NoError(t, adapter.Init(context.Background(), nil, nil, HostInputs{}, nil))
	require.NoError(t, adapter.RunChunk(context.Background(), []View{inView}, []View{outView}, nil))
	require.Equal(t, 42.0, outView.Float64()[0])
	require.NoError(t, adapter.Dispose())
}

func TestScriptAdapterCompileErrorAtInit(t *testing.T) {
	reg := NewScriptRegistry()
	reg.Register("broken", "function run( {")
	adapter, err := reg.NewAdapter("script", "broken")
	require.NoError(t, err)

	err = adapter.Init(context.Background(), nil, nil, HostInputs{}, nil)
	require.Error(t, err)
}

func TestScriptAdapterMissingRunFunction(t *testing.T) {
	reg := NewScriptRegistry()
	reg.Register("no_run", "var x = 1;")
	adapter, err := reg.NewAdapter("script", "no_run")
	require.NoError(t, err)

	require.NoError(t, adapter.Init(context.Background(), nil, nil, HostInputs{}, nil))
	err = adapter.RunChunk(context.Background(), nil, nil, nil)
	require.Error(t, err)
}

func TestTypedArrayCtor(t *testing.T) {
	cases := map[ElementType]string{
		ElementF64: "Float64Array", ElementF32: "Float32Array",
		ElementI32: "Int32Array", ElementU32: "Uint32Array",
		ElementI16: "Int16Array", ElementU16: "Uint16Array",
		ElementI8: "Int8Array", ElementU8: "Uint8Array",
		ElementType("bogus"): "Float64Array",
	}
	for typ, want := range cases {
		require.Equal(t, want, typedArrayCtor(typ))
	}
}
