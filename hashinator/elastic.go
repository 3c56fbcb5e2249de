package hashinator

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/asyncdb/client-go/internal/hashutil"
)

// Elastic is the default Hashinator: a murmur3-32 hash of the parameter's
// raw bytes placed on a consistent-hash ring, the same idiom a
// rendezvous-hash subsetting scheme uses, applied here to partition token
// ranges instead of host ranks.
//
// The ring is a sorted table of (token, partitionID) pairs decoded from a
// cluster's HASHCONFIG varbinary. A value's partition is the first token
// greater than or equal to its hash, wrapping to the first entry.
type Elastic struct {
	tokens     []uint32
	partitions []int32
}

// NewElastic builds an Elastic hashinator from a pre-decoded token table.
// Entries need not be pre-sorted; NewElastic sorts by token.
func NewElastic(tokens []uint32, partitions []int32) (*Elastic, error) {
	if len(tokens) == 0 || len(tokens) != len(partitions) {
		return nil, ErrEmptyRing
	}
	idx := make([]int, len(tokens))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return tokens[idx[i]] < tokens[idx[j]] })

	sortedTokens := make([]uint32, len(tokens))
	sortedPartitions := make([]int32, len(partitions))
	for i, j := range idx {
		sortedTokens[i] = tokens[j]
		sortedPartitions[i] = partitions[j]
	}
	return &Elastic{tokens: sortedTokens, partitions: sortedPartitions}, nil
}

// DecodeHashConfig parses the HASHCONFIG varbinary: a 4-byte big-endian
// token count followed by that many 8-byte (token uint32, partition int32)
// entries. This layout is this client's own choice for the swappable
// default implementation; a deployment with a different wire format
// supplies its own Hashinator instead of using Elastic.
func DecodeHashConfig(raw []byte) (*Elastic, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("hashinator: HASHCONFIG too short: %d bytes", len(raw))
	}
	count := binary.BigEndian.Uint32(raw)
	want := 4 + int(count)*8
	if len(raw) < want {
		return nil, fmt.Errorf("hashinator: HASHCONFIG truncated: want %d bytes, have %d", want, len(raw))
	}

	tokens := make([]uint32, count)
	partitions := make([]int32, count)
	offset := 4
	for i := range tokens {
		tokens[i] = binary.BigEndian.Uint32(raw[offset:])
		partitions[i] = int32(binary.BigEndian.Uint32(raw[offset+4:])) //nolint:gosec
		offset += 8
	}
	return NewElastic(tokens, partitions)
}

// Partition hashes valueBytes with murmur3-32 and resolves it against the
// token ring. paramType is accepted for interface-contract parity with a
// real cluster's type-aware hashing but is not otherwise used: this default
// implementation treats every parameter's raw bytes uniformly.
func (e *Elastic) Partition(_ int32, valueBytes []byte) (int32, error) {
	if len(e.tokens) == 0 {
		return 0, ErrEmptyRing
	}
	hash := hashutil.Sum32Of(valueBytes, 0)
	i := sort.Search(len(e.tokens), func(i int) bool { return e.tokens[i] >= hash })
	if i == len(e.tokens) {
		i = 0
	}
	return e.partitions[i], nil
}
