package topology

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asyncdb/client-go/internal/clock"
	"github.com/asyncdb/client-go/internal/randutil"
	"github.com/asyncdb/client-go/netconn"
	"github.com/asyncdb/client-go/router"
)

const (
	defaultResubscribeDelay      = 1 * time.Second
	defaultResubscribeFailDelay  = 10 * time.Second
	defaultConnectRetryDelay     = 5 * time.Second
	maxBadCatalogRowLogs         = 10
)

// Manager owns the client's view of cluster membership: the host-id →
// connection map, the historical set of connect targets, the subscribed
// connection's identity, and the atomic routing snapshot it rebuilds on
// every refresh.
type Manager struct {
	caller  SystemCaller
	dialer  Dialer
	router  *router.Router
	decoder Decoder
	clk     clock.Clock
	hooks   Hooks
	buildSnapshot RoutingSnapshotBuilder

	resubscribeDelay     time.Duration
	resubscribeFailDelay time.Duration
	connectRetryDelay    time.Duration

	connMu       sync.Mutex
	conns        map[string]*netconn.Conn
	connAdmin    map[string]bool // conn ID -> dialed on the admin port
	historical   []string        // every address ever attempted, for first-connection recovery
	clusterID    *clusterIdentity
	subscriberID string

	procedures map[string]router.ProcedureInfo
	procMu     sync.Mutex

	partitionKeysMu        sync.Mutex
	partitionKeys          map[int32]int64
	partitionKeysTimestamp int64
	partitionKeysRefreshing bool
	partitionKeysWaiters    []chan struct{}

	pendingSubscribe atomic.Bool
	pendingRefresh   atomic.Bool
	pendingConnect   atomic.Bool
	pendingRecovery  atomic.Bool
	pendingCatalog   atomic.Bool

	badCatalogRows atomic.Int64

	shutdown atomic.Bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

type clusterIdentity struct {
	Timestamp     int64
	LeaderAddress string
}

// Options configures a Manager.
type Options struct {
	Caller        SystemCaller
	Dialer        Dialer
	Router        *router.Router
	Decoder       Decoder
	Clock         clock.Clock
	Hooks         Hooks
	BuildSnapshot RoutingSnapshotBuilder

	ResubscribeDelay     time.Duration
	ResubscribeFailDelay time.Duration
	ConnectRetryDelay    time.Duration
}

// New builds a Manager from opts, applying default delays for zero
// fields.
func New(opts Options) *Manager {
	m := &Manager{
		caller:        opts.Caller,
		dialer:        opts.Dialer,
		router:        opts.Router,
		decoder:       opts.Decoder,
		clk:           opts.Clock,
		hooks:         opts.Hooks,
		buildSnapshot: opts.BuildSnapshot,

		resubscribeDelay:     orDefault(opts.ResubscribeDelay, defaultResubscribeDelay),
		resubscribeFailDelay: orDefault(opts.ResubscribeFailDelay, defaultResubscribeFailDelay),
		connectRetryDelay:    orDefault(opts.ConnectRetryDelay, defaultConnectRetryDelay),

		conns:         make(map[string]*netconn.Conn),
		connAdmin:     make(map[string]bool),
		procedures:    make(map[string]router.ProcedureInfo),
		partitionKeys: make(map[int32]int64),
		rng:           randutil.New(),
	}
	if m.clk == nil {
		m.clk = clock.New()
	}
	return m
}

// jitter returns d plus up to 20% extra, randomized, so a fleet of
// clients whose subscribe or connect attempts fail at the same instant
// don't all retry in lockstep.
func (m *Manager) jitter(d time.Duration) time.Duration {
	span := int64(d) / 5
	if span <= 0 {
		return d
	}
	m.rngMu.Lock()
	extra := time.Duration(m.rng.Int63n(span))
	m.rngMu.Unlock()
	return d + extra
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// ListConnections returns a snapshot of every currently tracked
// connection, for the router's round-robin fallback and the scheduler's
// keepalive tick.
func (m *Manager) ListConnections() []*netconn.Conn {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	out := make([]*netconn.Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// OnConnectionUp registers a newly connected endpoint, records it in the
// historical target set, and arms either the subscribe task (if nobody is
// subscribed yet) or the topology-refresh task. usesAdminPort records
// which port family the connection was dialed on, for decidePortKey's
// all-existing-connections-are-admin check.
func (m *Manager) OnConnectionUp(ctx context.Context, conn *netconn.Conn, hostPort string, usesAdminPort bool) {
	m.connMu.Lock()
	m.conns[conn.ID()] = conn
	m.connAdmin[conn.ID()] = usesAdminPort
	m.historical = appendUnique(m.historical, hostPort)
	hasSubscriber := m.subscriberID != ""
	m.connMu.Unlock()

	m.router.UpdateConnections(m.ListConnections())

	if m.hooks.OnConnectUp != nil {
		m.hooks.OnConnectUp(conn)
	}

	if !hasSubscriber {
		m.ScheduleSubscribe(ctx)
		return
	}
	m.ScheduleTopologyRefresh(ctx)
}

// OnConnectionDown removes a dropped connection from the live map,
// invokes OnConnectDown, re-arms the subscribe task with the short delay
// if the dropped connection was the subscriber, and starts the
// first-connection recovery loop if no connections remain.
func (m *Manager) OnConnectionDown(ctx context.Context, conn *netconn.Conn) {
	m.connMu.Lock()
	delete(m.conns, conn.ID())
	delete(m.connAdmin, conn.ID())
	wasSubscriber := m.subscriberID == conn.ID()
	if wasSubscriber {
		m.subscriberID = ""
	}
	remaining := len(m.conns)
	m.connMu.Unlock()

	m.router.UpdateConnections(m.ListConnections())

	if m.hooks.OnConnectDown != nil {
		m.hooks.OnConnectDown(conn)
	}

	if remaining == 0 {
		m.ScheduleRecovery(ctx)
		return
	}
	if wasSubscriber {
		m.scheduleAfter(ctx, m.jitter(m.resubscribeDelay), func(ctx context.Context) { m.runSubscribe(ctx) })
	}
}

// SeedHistoricalTargets records addrs as connect targets even before any
// of them has successfully connected, so the first-connection recovery
// task has something to retry if every initial dial attempt fails.
func (m *Manager) SeedHistoricalTargets(addrs []string) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	for _, addr := range addrs {
		m.historical = appendUnique(m.historical, addr)
	}
}

// TasksPending reports whether any background task is currently queued
// or running, for the shutdown sequence's task-drain poll.
func (m *Manager) TasksPending() bool {
	return m.pendingSubscribe.Load() || m.pendingRefresh.Load() || m.pendingConnect.Load() ||
		m.pendingRecovery.Load() || m.pendingCatalog.Load()
}

// Shutdown marks the manager stopped: scheduled tasks whose delay fires
// after this point become no-ops (see scheduleAfter).
func (m *Manager) Shutdown() {
	m.shutdown.Store(true)
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
