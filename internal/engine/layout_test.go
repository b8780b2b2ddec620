package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLayoutManagerAllocateBasic(t *testing.T) {
	lm := NewLayoutManager(false)
	require.NoError(t, lm.AddResource(BusResource{Name: "bus://rates", ElementType: ElementF64, ElementCount: 4, SizeBytes: 32, Producer: "load"}))

	om, buf, err := lm.Allocate([]string{"load", "amortize"})
	require.NoError(t, err)
	require.Equal(t, LayoutMagic, om.Header.Magic)
	require.Equal(t, 2, om.Header.NodeCount)
	require.Equal(t, 1, om.Header.ResourceCount)
	require.Zero(t, int64(len(buf)) % 16)
	require.Equal(t, om.Header.TotalSize, int64(len(buf)))

	res, ok := om.Resources["bus://rates"]
	require.True(t, ok)
	require.Zero(t, res.Offset%16)
	require.Nil(t, om.IntegrityOffset)
}

func TestLayoutManagerAllocateWithIntegrity(t *testing.T) {
	lm := NewLayoutManager(true)
	require.NoError(t, lm.AddResource(BusResource{Name: "bus://rates", ElementType: ElementF64, ElementCount: 4, SizeBytes: 32, Producer: "load"}))

	om, _, err := lm.Allocate([]string{"load"})
	require.NoError(t, err)
	require.NotNil(t, om.IntegrityOffset)
	_, ok := om.IntegrityOffset["bus://rates"]
	require.True(t, ok)
}

func TestLayoutManagerDuplicateResource(t *testing.T) {
	lm := NewLayoutManager(false)
	require.NoError(t, lm.AddResource(BusResource{Name: "bus://rates"}))
	err := lm.AddResource(BusResource{Name: "bus://rates"})
	require.Error(t, err)
}

func TestLayoutManagerAddAfterAllocate(t *testing.T) {
	lm := NewLayoutManager(false)
	_, _, err := lm.Allocate(nil)
	require.NoError(t, err)

	err = lm.AddResource(BusResource{Name: "bus://rates"})
	require.Error(t, err)
}

func TestZero(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	Zero(buf)
	for _, b := range buf {
		require.Zero(t, b)
	}
}
