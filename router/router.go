// Package router picks, for each call, the connection it should be sent
// on: partition-leader affinity first, two-pass round-robin fallback
// otherwise.
package router

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/asyncdb/client-go/hashinator"
	"github.com/asyncdb/client-go/invocation"
	"github.com/asyncdb/client-go/netconn"
	"github.com/asyncdb/client-go/result"
)

var errUnsupportedPartitionValue = errors.New("router: unsupported partition parameter value type")

// ProcedureInfo is the routing-relevant slice of a procedure's catalog
// entry, built by the topology manager from @SystemCatalog(PROCEDURES).
type ProcedureInfo struct {
	ReadOnly               bool
	SinglePartition        bool
	PartitionParameterIndex int
	PartitionParameterType  int32
}

// Snapshot is the atomically-swapped routing state the topology manager
// rebuilds wholesale on every refresh: the partition→connection map, the
// hashinator, and the procedure catalog. Readers take one snapshot
// reference per routing decision rather than re-reading shared state
// field by field, the same way a load balancer takes one pointer
// snapshot of its resolved addresses per routing decision.
type Snapshot struct {
	PartitionLeaders map[int32]*netconn.Conn
	Hashinator       hashinator.Hashinator
	Procedures       map[string]ProcedureInfo
}

// AffinityCounters tallies how calls were routed, split by affinity vs.
// round-robin and read-only vs. write, for diagnostics.
type AffinityCounters struct {
	AffinityReads   atomic.Int64
	AffinityWrites  atomic.Int64
	RoundRobinReads atomic.Int64
	RoundRobinWrites atomic.Int64
}

// Router holds the atomically-swapped Snapshot plus the round-robin
// fallback connection list and cursor.
type Router struct {
	snapshot atomic.Pointer[Snapshot]

	counters AffinityCounters

	cursor   atomic.Uint64
	connList atomic.Pointer[[]*netconn.Conn]
}

// New returns a Router with an empty snapshot and connection list.
func New() *Router {
	r := &Router{}
	empty := &Snapshot{PartitionLeaders: map[int32]*netconn.Conn{}, Procedures: map[string]ProcedureInfo{}}
	r.snapshot.Store(empty)
	emptyConns := []*netconn.Conn{}
	r.connList.Store(&emptyConns)
	return r
}

// UpdateSnapshot atomically installs a new routing snapshot, replacing
// the partition map, hashinator, and procedure catalog wholesale.
func (r *Router) UpdateSnapshot(s *Snapshot) {
	r.snapshot.Store(s)
}

// UpdateConnections atomically installs the current connection list used
// for round-robin fallback.
func (r *Router) UpdateConnections(conns []*netconn.Conn) {
	clone := make([]*netconn.Conn, len(conns))
	copy(clone, conns)
	r.connList.Store(&clone)
}

// Counters exposes the affinity/round-robin tallies.
func (r *Router) Counters() *AffinityCounters { return &r.counters }

// Route picks a connection for inv per the algorithm in the component
// design: explicit partition, else hashinator lookup, else no-affinity
// sentinel; leader-map lookup; two-pass round-robin fallback.
func (r *Router) Route(inv *invocation.Invocation) (*netconn.Conn, error) {
	snap := r.snapshot.Load()

	partitionID, byAffinity, readOnly, err := r.resolvePartition(inv, snap)
	if err != nil {
		return nil, err
	}

	if partitionID != invocation.MultiPartition {
		if conn, ok := snap.PartitionLeaders[partitionID]; ok && conn.Connected() {
			r.bumpAffinity(byAffinity, readOnly)
			return conn, nil
		}
	}

	conn := r.roundRobinFallback()
	if conn == nil {
		return nil, result.ErrNoConnections
	}
	r.bumpRoundRobin(readOnly)
	return conn, nil
}

func (r *Router) resolvePartition(inv *invocation.Invocation, snap *Snapshot) (partitionID int32, byAffinity bool, readOnly bool, err error) {
	if inv.DestinationPartition != invocation.DestinationPartitionAny {
		return inv.DestinationPartition, true, false, nil
	}

	info, ok := snap.Procedures[inv.ProcedureName]
	if !ok || !info.SinglePartition || snap.Hashinator == nil {
		return invocation.MultiPartition, false, ok && info.ReadOnly, nil
	}

	values, decodeErr := inv.ParamValues()
	if decodeErr != nil || info.PartitionParameterIndex < 0 || info.PartitionParameterIndex >= len(values) {
		return invocation.MultiPartition, false, info.ReadOnly, nil
	}

	valueBytes, encodeErr := encodePartitionValue(values[info.PartitionParameterIndex])
	if encodeErr != nil {
		return invocation.MultiPartition, false, info.ReadOnly, nil
	}

	partition, hashErr := snap.Hashinator.Partition(info.PartitionParameterType, valueBytes)
	if hashErr != nil {
		return invocation.MultiPartition, false, info.ReadOnly, nil
	}
	return partition, true, info.ReadOnly, nil
}

// roundRobinFallback makes up to two passes over a snapshot of the
// connection list: the first prefers connections without network
// backpressure, the second accepts any connected endpoint.
func (r *Router) roundRobinFallback() *netconn.Conn {
	conns := *r.connList.Load()
	n := len(conns)
	if n == 0 {
		return nil
	}
	start := r.cursor.Add(1)

	if conn := r.scanOnce(conns, start, n, func(c *netconn.Conn) bool {
		return c.Connected() && !c.HasBackpressure()
	}); conn != nil {
		return conn
	}
	return r.scanOnce(conns, start, n, func(c *netconn.Conn) bool {
		return c.Connected()
	})
}

func (r *Router) scanOnce(conns []*netconn.Conn, start uint64, n int, accept func(*netconn.Conn) bool) *netconn.Conn {
	for i := 0; i < n; i++ {
		idx := int((start + uint64(i)) % uint64(n))
		if accept(conns[idx]) {
			return conns[idx]
		}
	}
	return nil
}

func (r *Router) bumpAffinity(byAffinity, readOnly bool) {
	if !byAffinity {
		r.bumpRoundRobin(readOnly)
		return
	}
	if readOnly {
		r.counters.AffinityReads.Add(1)
	} else {
		r.counters.AffinityWrites.Add(1)
	}
}

func (r *Router) bumpRoundRobin(readOnly bool) {
	if readOnly {
		r.counters.RoundRobinReads.Add(1)
	} else {
		r.counters.RoundRobinWrites.Add(1)
	}
}

// encodePartitionValue renders a partitioning parameter value as the raw
// bytes the hashinator expects. Arbitrary parameter types are a
// deployment-specific concern; this handles the common fixed-width
// numeric and string cases used by the hashinator contract.
func encodePartitionValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return val, nil
	case string:
		return []byte(val), nil
	case int32:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(val)) //nolint:gosec
		return buf, nil
	case int64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(val)) //nolint:gosec
		return buf, nil
	default:
		return nil, errUnsupportedPartitionValue
	}
}
