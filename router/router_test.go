package router_test

import (
	"net"
	"testing"

	"github.com/asyncdb/client-go/invocation"
	"github.com/asyncdb/client-go/netconn"
	"github.com/asyncdb/client-go/result"
	"github.com/asyncdb/client-go/router"
	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T, id string) *netconn.Conn {
	t.Helper()
	client, _ := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	return netconn.New(id, client)
}

func TestRouteUsesExplicitPartition(t *testing.T) {
	r := router.New()
	leader := pipeConn(t, "host-1")
	r.UpdateSnapshot(&router.Snapshot{
		PartitionLeaders: map[int32]*netconn.Conn{3: leader},
		Procedures:       map[string]router.ProcedureInfo{},
	})
	r.UpdateConnections([]*netconn.Conn{leader})

	inv := invocation.NewWithParams("AnyProc", 1, nil)
	inv.DestinationPartition = 3

	conn, err := r.Route(inv)
	require.NoError(t, err)
	require.Same(t, leader, conn)
	require.EqualValues(t, 1, r.Counters().AffinityWrites.Load())
}

func TestRouteFallsBackToRoundRobinWhenNoAffinity(t *testing.T) {
	r := router.New()
	a := pipeConn(t, "host-a")
	b := pipeConn(t, "host-b")
	r.UpdateConnections([]*netconn.Conn{a, b})

	inv := invocation.NewWithParams("@Ping", 1, nil)
	conn, err := r.Route(inv)
	require.NoError(t, err)
	require.Contains(t, []*netconn.Conn{a, b}, conn)
	require.EqualValues(t, 1, r.Counters().RoundRobinWrites.Load())
}

func TestRoutePrefersNonBackpressuredConnectionFirstPass(t *testing.T) {
	r := router.New()
	congested := pipeConn(t, "host-congested")
	congested.SetBackpressure(true)
	clear := pipeConn(t, "host-clear")
	r.UpdateConnections([]*netconn.Conn{congested, clear})

	inv := invocation.NewWithParams("@Ping", 1, nil)
	for i := 0; i < 5; i++ {
		conn, err := r.Route(inv)
		require.NoError(t, err)
		require.Same(t, clear, conn)
	}
}

func TestRouteReturnsErrNoConnectionsWhenEmpty(t *testing.T) {
	r := router.New()
	inv := invocation.NewWithParams("@Ping", 1, nil)
	_, err := r.Route(inv)
	require.ErrorIs(t, err, result.ErrNoConnections)
}
