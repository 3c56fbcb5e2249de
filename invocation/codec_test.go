package invocation_test

import (
	"encoding/binary"
	"testing"

	"github.com/asyncdb/client-go/invocation"
	"github.com/stretchr/testify/require"
)

type fixedWidthCodec struct{ width int }

func (c fixedWidthCodec) EncodedSize(params []any) (int, error) {
	return len(params) * c.width, nil
}

func (c fixedWidthCodec) Encode(buf []byte, params []any) error {
	for i, p := range params {
		binary.BigEndian.PutUint32(buf[i*c.width:], uint32(p.(int32))) //nolint:forcetypeassert
	}
	return nil
}

func (c fixedWidthCodec) Decode(raw []byte) ([]any, error) {
	out := make([]any, len(raw)/c.width)
	for i := range out {
		out[i] = int32(binary.BigEndian.Uint32(raw[i*c.width:])) //nolint:gosec
	}
	return out, nil
}

func TestRoundTripWithDeferredParams(t *testing.T) {
	codec := fixedWidthCodec{width: 4}
	inv := invocation.NewWithParams("ArbitraryDurationProc", 42, []any{int32(100), int32(200)})
	inv.BatchTimeoutMillis = 5000

	framed, err := invocation.WriteLengthPrefixed(inv, codec)
	require.NoError(t, err)

	length := binary.BigEndian.Uint32(framed)
	require.EqualValues(t, len(framed)-4, length)

	got, err := invocation.ReadFrom(framed[4:], codec)
	require.NoError(t, err)
	require.Equal(t, inv.ProcedureName, got.ProcedureName)
	require.Equal(t, inv.ClientHandle, got.ClientHandle)
	require.Equal(t, inv.BatchTimeoutMillis, got.BatchTimeoutMillis)

	values, err := got.ParamValues()
	require.NoError(t, err)
	require.Equal(t, []any{int32(100), int32(200)}, values)
}

func TestRoundTripNoBatchTimeout(t *testing.T) {
	codec := fixedWidthCodec{width: 4}
	inv := invocation.NewWithParams("@Ping", -1, nil)

	framed, err := invocation.WriteLengthPrefixed(inv, codec)
	require.NoError(t, err)

	got, err := invocation.ReadFrom(framed[4:], codec)
	require.NoError(t, err)
	require.Equal(t, invocation.NoBatchTimeout, got.BatchTimeoutMillis)
	require.False(t, got.HasSerializedParams() && len(got.ParamBytes()) != 0)
}

func TestSerializedSizeRejectsUndersizedParamBlock(t *testing.T) {
	codec := fixedWidthCodec{width: 1}
	inv := invocation.NewWithParams("Proc", 1, []any{int32(1)})

	_, err := invocation.SerializedSize(inv, codec)
	require.ErrorIs(t, err, invocation.ErrInvalidParameterSetSize)
}

func TestReadFromVersion0HasNoBatchTimeout(t *testing.T) {
	name := "Proc"
	buf := make([]byte, 1+4+len(name)+8)
	buf[0] = 0
	binary.BigEndian.PutUint32(buf[1:], uint32(len(name)))
	copy(buf[5:], name)
	binary.BigEndian.PutUint64(buf[5+len(name):], 7)

	got, err := invocation.ReadFrom(buf, fixedWidthCodec{width: 4})
	require.NoError(t, err)
	require.Equal(t, name, got.ProcedureName)
	require.EqualValues(t, 7, got.ClientHandle)
	require.Equal(t, invocation.NoBatchTimeout, got.BatchTimeoutMillis)
}

func TestReadFromRejectsUnsupportedVersion(t *testing.T) {
	_, err := invocation.ReadFrom([]byte{99}, fixedWidthCodec{width: 4})
	require.ErrorIs(t, err, invocation.ErrUnsupportedVersion)
}

func TestParamValuesMemoizesDecode(t *testing.T) {
	codec := fixedWidthCodec{width: 4}
	inv := invocation.NewWithParams("Proc", 1, []any{int32(9)})
	framed, err := invocation.WriteLengthPrefixed(inv, codec)
	require.NoError(t, err)

	got, err := invocation.ReadFrom(framed[4:], codec)
	require.NoError(t, err)

	first, err := got.ParamValues()
	require.NoError(t, err)
	second, err := got.ParamValues()
	require.NoError(t, err)
	require.Same(t, &first[0], &second[0])
}

func TestClampPriority(t *testing.T) {
	require.Equal(t, invocation.PriorityLowest, invocation.ClampPriority(0))
	require.Equal(t, invocation.PriorityLowest, invocation.ClampPriority(9))
	require.Equal(t, 3, invocation.ClampPriority(3))
}
