package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSizeSpecExplicit(t *testing.T) {
	typ, count, err := ParseSizeSpec("f", "500:f32")
	require.NoError(t, err)
	require.Equal(t, ElementF32, typ)
	require.Equal(t, int64(500), count)
}

func TestParseSizeSpecUnknownTypeFallsBackToF64(t *testing.T) {
	typ, count, err := ParseSizeSpec("f", "10:weird")
	require.NoError(t, err)
	require.Equal(t, ElementF64, typ)
	require.Equal(t, int64(10), count)
}

func TestParseSizeSpecByteUnits(t *testing.T) {
	typ, count, err := ParseSizeSpec("f", "16KB")
	require.NoError(t, err)
	require.Equal(t, ElementF64, typ)
	require.Equal(t, int64(2048), count) // 16*1024 / 8
}

func TestParseSizeSpecBareCount(t *testing.T) {
	typ, count, err := ParseSizeSpec("f", "250")
	require.NoError(t, err)
	require.Equal(t, ElementF64, typ)
	require.Equal(t, int64(250), count)
}

func TestParseSizeSpecInvalid(t *testing.T) {
	_, _, err := ParseSizeSpec("f", "not-a-number")
	require.Error(t, err)
}

func TestParseSizeSpecNonPositive(t *testing.T) {
	_, _, err := ParseSizeSpec("f", "0")
	require.Error(t, err)
}

func TestOutputKey(t *testing.T) {
	require.Equal(t, "rates", outputKey("bus://rates"))
	require.Equal(t, "rates", outputKey("bus://group/rates"))
}

func TestSizeSpecForDefault(t *testing.T) {
	require.Equal(t, DefaultSizeSpec, sizeSpecFor(nil, "rates"))
	require.Equal(t, DefaultSizeSpec, sizeSpecFor(json.RawMessage(`{}`), "rates"))
}

func TestSizeSpecForExplicit(t *testing.T) {
	cfg := json.RawMessage(`{"rates_size":"100:f32"}`)
	require.Equal(t, "100:f32", sizeSpecFor(cfg, "rates"))
}

func TestBuildCatalogOrdersByTopoThenKey(t *testing.T) {
	vp, err := Validate(cfgWithNodes(
		NodeConfig{ID: "load", Engine: "native://loader", Outputs: []string{"bus://b_out", "bus://a_out"}},
		NodeConfig{ID: "next", Engine: "native://amortize", Inputs: []string{"bus://a_out"}, Outputs: []string{"bus://c_out"}},
	))
	require.NoError(t, err)

	resources, err := BuildCatalog(vp)
	require.NoError(t, err)
	require.Len(t, resources, 3)
	require.Equal(t, "bus://a_out", resources[0].Name)
	require.Equal(t, "bus://b_out", resources[1].Name)
	require.Equal(t, "bus://c_out", resources[2].Name)
}

func TestBuildCatalogSizeRoundedTo16(t *testing.T) {
	vp, err := Validate(cfgWithNodes(
		NodeConfig{ID: "load", Engine: "native://loader", Outputs: []string{"bus://rates"},
			Config: json.RawMessage(`{"rates_size":"3:f32"}`)},
	))
	require.NoError(t, err)

	resources, err := BuildCatalog(vp)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	require.Equal(t, int64(16), resources[0].SizeBytes) // 3*4=12 rounded up to 16
}

func TestBuildCatalogInvalidSizeSpecPropagates(t *testing.T) {
	vp, err := Validate(cfgWithNodes(
		NodeConfig{ID: "load", Engine: "native://loader", Outputs: []string{"bus://rates"},
			Config: json.RawMessage(`{"rates_size":"bogus"}`)},
	))
	require.NoError(t, err)

	_, err = BuildCatalog(vp)
	require.Error(t, err)
}
