package hashinator_test

import (
	"encoding/binary"
	"testing"

	"github.com/asyncdb/client-go/hashinator"
	"github.com/stretchr/testify/require"
)

func encodeHashConfig(entries map[uint32]int32) []byte {
	buf := make([]byte, 4+len(entries)*8)
	binary.BigEndian.PutUint32(buf, uint32(len(entries)))
	offset := 4
	for token, partition := range entries {
		binary.BigEndian.PutUint32(buf[offset:], token)
		binary.BigEndian.PutUint32(buf[offset+4:], uint32(partition)) //nolint:gosec
		offset += 8
	}
	return buf
}

func TestDecodeHashConfigRoundTrip(t *testing.T) {
	raw := encodeHashConfig(map[uint32]int32{100: 0, 200: 1, 4294967295: 2})
	h, err := hashinator.DecodeHashConfig(raw)
	require.NoError(t, err)

	partition, err := h.Partition(0, []byte{0x01})
	require.NoError(t, err)
	require.GreaterOrEqual(t, partition, int32(0))
	require.LessOrEqual(t, partition, int32(2))
}

func TestPartitionIsDeterministic(t *testing.T) {
	raw := encodeHashConfig(map[uint32]int32{1000: 0, 2000: 1, 3000: 2})
	h, err := hashinator.DecodeHashConfig(raw)
	require.NoError(t, err)

	first, err := h.Partition(0, []byte("customer-42"))
	require.NoError(t, err)
	second, err := h.Partition(0, []byte("customer-42"))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDecodeHashConfigRejectsTruncated(t *testing.T) {
	_, err := hashinator.DecodeHashConfig([]byte{0, 0, 0, 2})
	require.Error(t, err)
}

func TestPartitionWrapsToFirstToken(t *testing.T) {
	raw := encodeHashConfig(map[uint32]int32{10: 7})
	h, err := hashinator.DecodeHashConfig(raw)
	require.NoError(t, err)

	partition, err := h.Partition(0, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	require.Equal(t, int32(7), partition)
}
