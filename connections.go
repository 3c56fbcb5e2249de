package dbclient

import (
	"context"

	"github.com/asyncdb/client-go/netconn"
	"github.com/asyncdb/client-go/registry"
	"github.com/asyncdb/client-go/result"
	"github.com/asyncdb/client-go/scheduler"
	"github.com/asyncdb/client-go/sendqueue"
)

// clientDialer adapts tcpDialer into topology.Dialer by additionally
// starting the send worker, the read loop, and the connection-down
// monitor for every connection it opens — the one chokepoint both the
// client's initial connect and every topology-driven reconnect/discovery
// dial pass through.
type clientDialer struct {
	raw    *tcpDialer
	client *Client
}

func (d *clientDialer) Dial(ctx context.Context, hostID, hostPort string) (*netconn.Conn, error) {
	conn, err := d.raw.Dial(ctx, hostID, hostPort)
	if err != nil {
		return nil, err
	}
	d.client.registerConnection(conn)
	return conn, nil
}

// registerConnection starts the per-connection send worker and read loop
// and arranges for connection-down cleanup once the read loop exits,
// matching the teardown sequence described for the concurrency model:
// fail every record bound to the dead connection, then notify topology.
func (c *Client) registerConnection(conn *netconn.Conn) {
	connCtx, cancel := context.WithCancel(c.rootCtx)

	worker := &sendqueue.Worker{
		Queue:       conn.Queue,
		Conn:        conn,
		Registry:    c.registry,
		Encoder:     c.paramCodec,
		RateLimiter: c.rateLimiter,
		Scheduler:   c.scheduler,
		IsLongOp:    scheduler.IsLongOp,
	}
	c.group.Go(func() error {
		worker.Run(connCtx)
		return nil
	})

	c.group.Go(func() error {
		_ = conn.ReadLoop(connCtx, func(cn *netconn.Conn, body []byte) { c.dispatcher.Submit(cn, body) })
		cancel()
		c.failRecordsBoundTo(conn)
		c.topology.OnConnectionDown(c.rootCtx, conn)
		return nil
	})
}

func (c *Client) failRecordsBoundTo(conn *netconn.Conn) {
	for _, rec := range c.registry.Snapshot() {
		if rec.Conn == nil || rec.Conn.ID() != conn.ID() {
			continue
		}
		if r, ok := c.registry.Remove(rec.Handle); ok {
			r.Complete(c.registry, nil, result.ErrConnectionLost)
		}
	}
}

var _ registry.ConnRef = (*netconn.Conn)(nil)
