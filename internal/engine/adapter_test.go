package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestViewFloat64RoundTrip(t *testing.T) {
	buf := make([]byte, 32)
	v := View{Name: "bus://rates", ElementType: ElementF64, Bytes: buf}
	f := v.Float64()
	require.Len(t, f, 4)
	f[0] = 3.5
	require.Equal(t, 3.5, v.Float64()[0])
}

func TestViewEmptyBytesReturnsNil(t *testing.T) {
	v := View{Bytes: nil}
	require.Nil(t, v.Float64())
	require.Nil(t, v.Float32())
	require.Nil(t, v.Int32())
	require.Nil(t, v.Uint32())
	require.Nil(t, v.Int16())
	require.Nil(t, v.Uint16())
}

func TestViewUint8IsIdentity(t *testing.T) {
	buf := []byte{1, 2, 3}
	v := View{Bytes: buf}
	require.Equal(t, buf, v.Uint8())
}

func TestViewInt32View(t *testing.T) {
	buf := make([]byte, 8)
	v := View{Bytes: buf}
	i := v.Int32()
	require.Len(t, i, 2)
	i[1] = -7
	require.Equal(t, int32(-7), v.Int32()[1])
}
