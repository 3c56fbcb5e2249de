package dbclient

import (
	"github.com/asyncdb/client-go/hashinator"
	"github.com/asyncdb/client-go/netconn"
	"github.com/asyncdb/client-go/router"
	"github.com/asyncdb/client-go/topology"
)

// buildRoutingSnapshot assembles a router.Snapshot from a topology
// refresh: the partition→leader map keyed by connection id, the
// consistent-hash ring decoded from HASHCONFIG, and the procedure
// catalog carried forward unchanged. A HASHCONFIG decode failure is
// non-fatal — the snapshot still installs with partition-leader affinity
// disabled, falling back to round-robin routing, rather than discarding
// an otherwise-valid topology refresh.
func buildRoutingSnapshot(
	rows []topology.TopologyRow,
	procedures map[string]router.ProcedureInfo,
	hashConfig []byte,
	conns map[string]*netconn.Conn,
) (*router.Snapshot, error) {
	leaders := make(map[int32]*netconn.Conn, len(rows))
	for _, row := range rows {
		if conn, ok := conns[row.Leader]; ok {
			leaders[row.Partition] = conn
		}
	}

	var ring hashinator.Hashinator
	if decoded, err := hashinator.DecodeHashConfig(hashConfig); err == nil {
		ring = decoded
	}

	return &router.Snapshot{
		PartitionLeaders: leaders,
		Hashinator:       ring,
		Procedures:       procedures,
	}, nil
}
