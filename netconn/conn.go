// Package netconn implements the connection endpoint: one instance per
// server node, owning the TCP stream, the inbound read loop, and the
// network-backpressure signal the send pipeline waits on.
package netconn

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asyncdb/client-go/registry"
	"github.com/asyncdb/client-go/sendqueue"
)

// FrameHandler receives a fully-framed inbound response body (length
// prefix already stripped) for decoding and dispatch. It is invoked from
// the connection's own read loop and must not block for long: the
// dispatcher package hands the work off to its worker pool.
type FrameHandler func(conn *Conn, body []byte)

// ProcStats accumulates per-procedure counters for one connection.
type ProcStats struct {
	Invocations int64
	Successes   int64
	Failures    int64
	Aborts      int64
}

// Conn is one logical connection to a cluster node: a socket, a send
// queue, and the bookkeeping the timeout scheduler and router read.
//
// Network-backpressure is level-triggered: SetBackpressure(true) toggles
// a flag and causes AwaitClearance callers to block; SetBackpressure(false)
// wakes every waiter. Both are idempotent against duplicate events.
type Conn struct {
	hostID string
	conn   net.Conn

	Queue *sendqueue.Queue

	connected atomic.Bool

	bpMu sync.Mutex
	bpCond *sync.Cond
	backpressure bool

	lastResponse atomic.Int64 // unix nanos
	outstandingPing atomic.Bool

	statsMu sync.Mutex
	stats    map[string]*ProcStats

	writeMu sync.Mutex
}

// New wraps an already-established net.Conn as a connection endpoint.
func New(hostID string, raw net.Conn) *Conn {
	c := &Conn{
		hostID: hostID,
		conn:   raw,
		Queue:  sendqueue.NewQueue(),
		stats:  make(map[string]*ProcStats),
	}
	c.bpCond = sync.NewCond(&c.bpMu)
	c.connected.Store(true)
	c.lastResponse.Store(time.Now().UnixNano())
	return c
}

// ID identifies the connection for registry.ConnRef and the router's
// host-id → connection map.
func (c *Conn) ID() string { return c.hostID }

// Connected reports whether the connection is still believed up.
func (c *Conn) Connected() bool { return c.connected.Load() }

// SetBackpressure toggles the network-backpressure flag. Setting it to
// off wakes every waiter; setting it to the same value again is a no-op
// beyond the flag write, matching the level-triggered, idempotent
// contract.
func (c *Conn) SetBackpressure(on bool) {
	c.bpMu.Lock()
	changed := c.backpressure != on
	c.backpressure = on
	c.bpMu.Unlock()
	if changed && !on {
		c.bpCond.Broadcast()
	}
}

// HasBackpressure reports the current network-backpressure flag, used by
// the router's round-robin fallback to prefer uncongested connections.
func (c *Conn) HasBackpressure() bool {
	c.bpMu.Lock()
	defer c.bpMu.Unlock()
	return c.backpressure
}

// AwaitClearance blocks until backpressure is off or budget elapses,
// reporting false on timeout. Teardown clears backpressure, so a waiter
// on a connection that goes down also returns true; callers check
// Connected() to tell the two cases apart.
func (c *Conn) AwaitClearance(ctx context.Context, budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-time.After(time.Until(deadline)):
			c.bpMu.Lock()
			c.bpCond.Broadcast()
			c.bpMu.Unlock()
		case <-ctx.Done():
			c.bpMu.Lock()
			c.bpCond.Broadcast()
			c.bpMu.Unlock()
		case <-done:
		}
	}()

	c.bpMu.Lock()
	defer c.bpMu.Unlock()
	for c.backpressure {
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		c.bpCond.Wait()
	}
	return true
}

// WriteToNetwork writes a fully-framed buffer to the socket.
func (c *Conn) WriteToNetwork(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(buf)
	return err
}

// Enqueue admits rec onto this connection's send queue.
func (c *Conn) Enqueue(rec *registry.Record) bool {
	return c.Queue.Push(rec)
}

// MarkResponse stamps the last-response timestamp and clears the
// outstanding-ping flag, called whenever any frame (response or ping
// reply) arrives.
func (c *Conn) MarkResponse() {
	c.lastResponse.Store(time.Now().UnixNano())
	c.outstandingPing.Store(false)
}

// SinceLastResponse returns how long it has been since the last inbound
// frame from this connection.
func (c *Conn) SinceLastResponse() time.Duration {
	return time.Since(time.Unix(0, c.lastResponse.Load()))
}

// OutstandingPing reports and sets the outstanding-ping flag, used by the
// scheduler's keepalive tick.
func (c *Conn) OutstandingPing() bool      { return c.outstandingPing.Load() }
func (c *Conn) SetOutstandingPing(v bool) { c.outstandingPing.Store(v) }

// RecordOutcome updates the per-procedure stats map for procedure, called
// from the dispatcher after classifying a response.
func (c *Conn) RecordOutcome(procedure string, success, abort bool) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	st, ok := c.stats[procedure]
	if !ok {
		st = &ProcStats{}
		c.stats[procedure] = st
	}
	st.Invocations++
	switch {
	case success:
		st.Successes++
	case abort:
		st.Aborts++
	default:
		st.Failures++
	}
}

// Stats returns a snapshot of per-procedure counters.
func (c *Conn) Stats() map[string]ProcStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out := make(map[string]ProcStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = *v
	}
	return out
}

// ReadLoop reads length-prefixed frames from the socket until it errs or
// ctx is cancelled, handing each decoded body to handle. It is meant to
// run on its own goroutine; the connection is never the initiator of
// business logic, only a passive resource plus this loop and its send
// worker.
func (c *Conn) ReadLoop(ctx context.Context, handle FrameHandler) error {
	lengthBuf := make([]byte, 4)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := io.ReadFull(c.conn, lengthBuf); err != nil {
			c.Teardown()
			return err
		}
		length := binary.BigEndian.Uint32(lengthBuf)
		body := make([]byte, length)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			c.Teardown()
			return err
		}
		c.MarkResponse()
		handle(c, body)
	}
}

// Teardown marks the connection disconnected, wakes any backpressure
// waiters so they fail fast rather than waiting out their full budget,
// and closes the socket.
func (c *Conn) Teardown() {
	c.connected.Store(false)
	c.SetBackpressure(false)
	_ = c.conn.Close()
}

// DrainQueue closes the send queue and returns the records that were
// still waiting to be sent, so the caller can fail them via the
// connection-lost path. Requests already in flight (past the queue) are
// found instead by scanning the registry for records bound to this
// connection, since the registry — not the connection — is the source of
// truth for what is still outstanding.
func (c *Conn) DrainQueue() []*registry.Record {
	return c.Queue.Close()
}
