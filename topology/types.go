// Package topology implements the cooperating on-demand tasks that keep
// the client's view of the cluster current: subscribing to push
// notifications, refreshing the partition/leader map and hashinator when
// a connection comes up or a topology notification arrives, connecting
// to newly discovered hosts, recovering a first connection while none is
// up, and refreshing the procedure catalog. Each task is guarded by a
// "pending" flag so at most one instance is ever queued.
package topology

import (
	"context"
	"fmt"

	"github.com/asyncdb/client-go/netconn"
	"github.com/asyncdb/client-go/result"
	"github.com/asyncdb/client-go/router"
)

// TopologyRow is one row of the @Statistics("TOPO") first result set:
// which connection is the leader for a partition, and which hosts hold a
// replica.
type TopologyRow struct {
	Partition int32
	Leader    string
	Sites     []string
}

// ProcedureRow is the routing-relevant projection of one
// @SystemCatalog(PROCEDURES) row.
type ProcedureRow struct {
	Name                    string
	ReadOnly                bool
	SinglePartition         bool
	PartitionParameterIndex int
	PartitionParameterType  int32
}

// OverviewRow is one row of @SystemInformation("OVERVIEW"): a host's
// address and the ports it listens on.
type OverviewRow struct {
	HostID     string
	IP         string
	ClientPort int
	AdminPort  int
}

// Decoder parses the opaque result-set bytes of each system procedure
// this manager consumes into the rows above. The wire shape of a result
// set is out of scope for this core; callers supply the decoder matching
// their server's catalog/statistics format.
type Decoder interface {
	DecodeStatisticsTopo(resp *result.Response) (hashConfig []byte, rows []TopologyRow, err error)
	DecodeSystemCatalogProcedures(resp *result.Response) (rows []ProcedureRow, badRows int, err error)
	DecodeSystemInformationOverview(resp *result.Response) (rows []OverviewRow, err error)
	DecodeGetPartitionKeys(resp *result.Response) (map[int32]int64, error)
}

// SystemCaller issues an internal (negative-handle) system-procedure call
// and waits for its response. The admission, routing, and send-pipeline
// machinery backing this is owned by package dbclient; the topology
// manager only needs the ability to make the call.
type SystemCaller interface {
	CallSystem(ctx context.Context, conn *netconn.Conn, procedure string, params []any) (*result.Response, error)
	// CallSystemAny picks an arbitrary connected endpoint itself.
	CallSystemAny(ctx context.Context, procedure string, params []any) (*netconn.Conn, *result.Response, error)
}

// Dialer establishes a new connection to a cluster host.
type Dialer interface {
	Dial(ctx context.Context, hostID, hostPort string) (*netconn.Conn, error)
}

// Hooks are fired on lifecycle events. Every field may be nil.
type Hooks struct {
	OnConnectUp      func(conn *netconn.Conn)
	OnConnectDown    func(conn *netconn.Conn)
	OnConnectFailure func(hostPort string, err error)
	OnErrorLog       func(msg string)
}

func (h Hooks) logf(format string, args ...any) {
	if h.OnErrorLog == nil {
		return
	}
	h.OnErrorLog(fmt.Sprintf(format, args...))
}

// RoutingSnapshotBuilder assembles a router.Snapshot from the decoded
// topology rows plus the current host-id → connection map.
type RoutingSnapshotBuilder func(rows []TopologyRow, procedures map[string]router.ProcedureInfo, hashConfig []byte, conns map[string]*netconn.Conn) (*router.Snapshot, error)
