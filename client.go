// Package dbclient implements an asynchronous client runtime for a
// partitioned OLTP database cluster: per-connection priority send
// pipelines, two-tier backpressure, partition-affinity routing, and the
// background topology tasks that keep cluster membership and the
// procedure catalog current.
package dbclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/asyncdb/client-go/dispatch"
	"github.com/asyncdb/client-go/internal/clock"
	"github.com/asyncdb/client-go/invocation"
	"github.com/asyncdb/client-go/netconn"
	"github.com/asyncdb/client-go/registry"
	"github.com/asyncdb/client-go/result"
	"github.com/asyncdb/client-go/router"
	"github.com/asyncdb/client-go/scheduler"
	"github.com/asyncdb/client-go/sendqueue"
	"github.com/asyncdb/client-go/topology"
	"golang.org/x/sync/errgroup"
)

// shutdownDrainGrace bounds how long Close waits for background tasks and
// in-flight requests to drain on their own before it forces the teardown.
const shutdownDrainGrace = 10 * time.Second

// Client is a connection to a cluster: one priority send pipeline per
// live connection, a shared pending-request registry, a partition-
// affinity router, and the background tasks (package topology) that keep
// the router's view of the cluster current.
type Client struct {
	opts clientOptions

	registry   *registry.Registry
	router     *router.Router
	scheduler  *scheduler.Scheduler
	dispatcher *dispatch.Dispatcher
	topology   *topology.Manager

	dialer      *clientDialer
	paramCodec  gobParamCodec
	respDecoder binaryResponseDecoder
	rateLimiter sendqueue.RateLimiter

	rootCtx context.Context //nolint:containedctx
	cancel  context.CancelFunc
	group   errgroup.Group

	nextHandle       atomic.Int64
	nextSystemHandle atomic.Int64
	shutdown         atomic.Bool
}

// NewClient builds a Client and attempts an initial connection to every
// address in servers ("host:port"). A server that fails to dial at
// startup is not a fatal error: every address is remembered as a
// recovery target, and the topology manager's background recovery task,
// which runs only while no connection is up, keeps retrying them.
func NewClient(servers []string, opts ...ClientOption) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt.apply(&o)
	}
	o.applyDefaults()

	c := &Client{opts: o}
	c.rootCtx, c.cancel = context.WithCancel(context.Background())
	clk := clock.New()

	c.registry = registry.New(registry.Options{
		HardLimit:           o.requestHardLimit,
		WarningLevel:        o.requestWarningLevel,
		ResumeLevel:         o.requestResumeLevel,
		OutstandingTxnLimit: o.outstandingTxnLimit,
		OnBackpressure:      orNoopBool(o.onRequestBackpressure),
	})
	c.router = router.New()

	if o.txnPerSecRateLimit > 0 {
		c.rateLimiter = newTokenRateLimiter(c.rootCtx, clk, o.txnPerSecRateLimit)
	}

	c.scheduler = scheduler.New(scheduler.Options{
		Clock:                     clk,
		Registry:                  c.registry,
		ConnectionResponseTimeout: o.connectionResponseTimeout,
		ListConnections:           func() []*netconn.Conn { return c.topology.ListConnections() },
		SendPing:                  c.sendPing,
		OnStaleConnection:         func(conn *netconn.Conn) { conn.Teardown() },
	})

	c.dispatcher = dispatch.New(dispatch.Options{
		Decoder:        c.respDecoder,
		Registry:       c.registry,
		Workers:        o.responseThreadCount,
		OnLateResponse: orNoopInt64(o.onLateResponse),
		OnLateSystemResponse: func(handle int64) {
			o.logf("late system response: handle=%d", handle)
		},
		OnTopologyResponse: func([]byte, error) { c.topology.ScheduleTopologyRefresh(c.rootCtx) },
		OnCatalogResponse:  func([]byte, error) { c.topology.ScheduleCatalogRefresh(c.rootCtx) },
		OnUnknownMagic: func(handle int64) {
			o.logf("unknown magic handle: %d", handle)
		},
	})

	c.dialer = &clientDialer{
		raw:    newTCPDialer(o.connectionSetupTimeout, tlsConfigFor(o)),
		client: c,
	}

	c.topology = topology.New(topology.Options{
		Caller:        c,
		Dialer:        c.dialer,
		Router:        c.router,
		Decoder:       jsonTopologyDecoder{},
		Clock:         clk,
		BuildSnapshot: buildRoutingSnapshot,
		Hooks: topology.Hooks{
			OnConnectUp:   func(conn *netconn.Conn) { invokeConnectFunc(o.onConnectUp, conn.ID()) },
			OnConnectDown: func(conn *netconn.Conn) { invokeConnectFunc(o.onConnectDown, conn.ID()) },
			OnConnectFailure: func(hostPort string, err error) {
				if o.onConnectFailure != nil {
					o.onConnectFailure(hostPort, err)
				}
			},
			OnErrorLog: func(msg string) { o.logf("%s", msg) },
		},
		ResubscribeDelay:     o.reconnectDelay,
		ResubscribeFailDelay: o.reconnectRetryDelay,
		ConnectRetryDelay:    o.reconnectRetryDelay,
	})

	c.group.Go(func() error { c.scheduler.Run(c.rootCtx); return nil })
	c.group.Go(func() error { c.dispatcher.Run(c.rootCtx); return nil })

	if !o.disableConnectionMgmt {
		c.connectInitial(servers)
	}

	return c, nil
}

func (c *Client) connectInitial(servers []string) {
	c.topology.SeedHistoricalTargets(servers)
	connected := false
	for _, addr := range servers {
		conn, err := c.dialer.Dial(c.rootCtx, addr, addr)
		if err != nil {
			if c.opts.onConnectFailure != nil {
				c.opts.onConnectFailure(addr, err)
			}
			continue
		}
		c.topology.OnConnectionUp(c.rootCtx, conn, addr, false)
		connected = true
	}
	if !connected {
		c.topology.ScheduleRecovery(c.rootCtx)
	}
}

// sendPing issues a lightweight internal @Ping system call used purely to
// provoke a response frame, clearing the connection's idle timer.
func (c *Client) sendPing(conn *netconn.Conn) {
	go func() {
		ctx, cancel := context.WithTimeout(c.rootCtx, c.opts.connectionResponseTimeout)
		defer cancel()
		_, _ = c.CallSystem(ctx, conn, "@Ping", nil)
	}()
}

// CallSystem issues an internal (negative-handle) system-procedure call
// on conn and waits for its response, implementing topology.SystemCaller.
func (c *Client) CallSystem(ctx context.Context, conn *netconn.Conn, procedure string, params []any) (*result.Response, error) {
	handle := c.nextSystemHandle.Add(-1)
	inv := invocation.NewWithParams(procedure, handle, params)
	inv.Priority = invocation.PriorityHighest

	rec, err := c.registry.Admit(handle, inv, conn, c.opts.procedureCallTimeout)
	if err != nil {
		return nil, err
	}
	if !conn.Enqueue(rec) {
		c.registry.Remove(handle)
		return nil, result.ErrNotSent
	}
	return rec.Promise.Wait(ctx)
}

// CallSystemAny picks an arbitrary connected endpoint and issues procedure
// on it, implementing topology.SystemCaller.
func (c *Client) CallSystemAny(ctx context.Context, procedure string, params []any) (*netconn.Conn, *result.Response, error) {
	for _, conn := range c.topology.ListConnections() {
		if !conn.Connected() {
			continue
		}
		resp, err := c.CallSystem(ctx, conn, procedure, params)
		return conn, resp, err
	}
	return nil, nil, result.ErrNoConnections
}

// Call invokes procedure with params and blocks until it completes,
// returning a *ProcedureCallError if the response status was not
// SUCCESS.
func (c *Client) Call(ctx context.Context, procedure string, params []any, opts ...CallOption) (*Response, error) {
	resp, err := c.CallAsync(ctx, procedure, params, opts...).Wait(ctx)
	if err != nil {
		return resp, err
	}
	if resp.Status != result.StatusSuccess {
		return resp, &result.ProcedureCallError{Response: resp}
	}
	return resp, nil
}

// CallAsync invokes procedure with params and returns immediately with a
// Future that resolves once the call completes.
func (c *Client) CallAsync(_ context.Context, procedure string, params []any, opts ...CallOption) *Future {
	if c.shutdown.Load() {
		return failedFuture(result.ErrNotSent)
	}

	co := callOptions{
		priority:  c.opts.defaultPriority,
		partition: invocation.DestinationPartitionAny,
		timeout:   c.opts.procedureCallTimeout,
	}
	for _, opt := range opts {
		opt.apply(&co)
	}
	if co.timeout <= 0 {
		co.timeout = c.opts.procedureCallTimeout
	}

	handle := c.nextHandle.Add(1)
	if handle > invocation.MaxClientHandle {
		return failedFuture(fmt.Errorf("%w: client handle space exhausted", result.ErrNotSent))
	}

	inv := invocation.NewWithParams(procedure, handle, params)
	inv.Priority = co.priority
	inv.DestinationPartition = co.partition
	inv.ClientTimeout = co.timeout

	conn, err := c.router.Route(inv)
	if err != nil {
		return failedFuture(err)
	}

	rec, err := c.registry.Admit(handle, inv, conn, co.timeout)
	if err != nil {
		return failedFuture(err)
	}
	if !conn.Enqueue(rec) {
		c.registry.Remove(handle)
		return failedFuture(result.ErrNotSent)
	}
	return &Future{promise: rec.Promise}
}

// Close performs the soft-stop shutdown sequence: stop admitting new
// calls, wait out background tasks and in-flight requests up to
// shutdownDrainGrace, cancel every background goroutine, and tear down
// every connection.
func (c *Client) Close(ctx context.Context) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	deadline := time.Now().Add(shutdownDrainGrace)
	for c.topology.TasksPending() && time.Now().Before(deadline) {
		if sleepOrDone(ctx, 10*time.Millisecond) {
			break
		}
	}
	for c.registry.Size() > 0 && time.Now().Before(deadline) {
		if sleepOrDone(ctx, 10*time.Millisecond) {
			break
		}
	}

	c.topology.Shutdown()
	c.cancel()

	done := make(chan struct{})
	go func() {
		_ = c.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrainGrace):
	}

	for _, conn := range c.topology.ListConnections() {
		conn.Teardown()
	}
	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func invokeConnectFunc(fn func(string), hostID string) {
	if fn != nil {
		fn(hostID)
	}
}

func orNoopBool(fn func(bool)) func(bool) {
	if fn != nil {
		return fn
	}
	return func(bool) {}
}

func orNoopInt64(fn func(int64)) func(int64) {
	if fn != nil {
		return fn
	}
	return func(int64) {}
}

func (o clientOptions) logf(format string, args ...any) {
	if o.onErrorLog == nil {
		return
	}
	o.onErrorLog(fmt.Sprintf(format, args...))
}

func tlsConfigFor(o clientOptions) *tls.Config {
	if !o.enableSSL {
		return nil
	}
	if o.tlsConfig != nil {
		return o.tlsConfig
	}
	return &tls.Config{MinVersion: tls.VersionTLS12} //nolint:gosec
}
