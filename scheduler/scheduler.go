// Package scheduler implements the timeout scheduler and keepalive
// ticker: a once-a-second tick that pings idle connections and scans
// active handles for coarse timeouts, plus one-shot sub-second timeout
// tasks. It is built on the internal clock abstraction so tests drive it
// with a fake clock instead of sleeping.
package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/asyncdb/client-go/internal/clock"
	"github.com/asyncdb/client-go/netconn"
	"github.com/asyncdb/client-go/registry"
	"github.com/asyncdb/client-go/result"
)

// MinimumLongOpTimeout is the floor applied to exempt long-running
// procedures regardless of their configured per-call timeout.
const MinimumLongOpTimeout = 30 * time.Minute

// exemptProcedures are heuristically exempted from the default timeout
// floor: system procedures whose names start with '@' and match exactly.
var exemptProcedures = map[string]struct{}{
	"@UpdateApplicationCatalog": {},
	"@SnapshotSave":             {},
}

// IsLongOp reports whether procedure is exempt from the default timeout
// in favor of MinimumLongOpTimeout.
func IsLongOp(procedure string) bool {
	if !strings.HasPrefix(procedure, "@") {
		return false
	}
	_, ok := exemptProcedures[procedure]
	return ok
}

// Scheduler drives the per-tick connection keepalive scan and the
// registry's active-handle timeout scan, plus ad hoc one-shot tasks.
type Scheduler struct {
	clk      clock.Clock
	registry *registry.Registry

	connectionResponseTimeout time.Duration

	listConns func() []*netconn.Conn
	sendPing  func(conn *netconn.Conn)
	onStale   func(conn *netconn.Conn)
}

// Options configures a Scheduler.
type Options struct {
	Clock                     clock.Clock
	Registry                  *registry.Registry
	ConnectionResponseTimeout time.Duration
	ListConnections           func() []*netconn.Conn
	SendPing                  func(conn *netconn.Conn)
	OnStaleConnection         func(conn *netconn.Conn)
}

// New builds a Scheduler from opts.
func New(opts Options) *Scheduler {
	return &Scheduler{
		clk:                       opts.Clock,
		registry:                  opts.Registry,
		connectionResponseTimeout: opts.ConnectionResponseTimeout,
		listConns:                opts.ListConnections,
		sendPing:                 opts.SendPing,
		onStale:                  opts.OnStaleConnection,
	}
}

// Run drives the one-second tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clk.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	s.keepaliveTick()
	s.timeoutScan()
}

func (s *Scheduler) keepaliveTick() {
	if s.listConns == nil {
		return
	}
	for _, conn := range s.listConns() {
		since := conn.SinceLastResponse()
		switch {
		case conn.OutstandingPing() && since > s.connectionResponseTimeout:
			if s.onStale != nil {
				s.onStale(conn)
			}
		case since > s.connectionResponseTimeout/3 && !conn.OutstandingPing():
			conn.SetOutstandingPing(true)
			if s.sendPing != nil {
				s.sendPing(conn)
			}
		}
	}
}

func (s *Scheduler) timeoutScan() {
	now := s.clk.Now()
	for _, rec := range s.registry.Snapshot() {
		if rec.Timeout <= 0 {
			continue
		}
		elapsed := now.Sub(rec.Start)
		timedOut := elapsed > rec.Timeout
		if IsLongOp(rec.Invocation.ProcedureName) {
			timedOut = elapsed > MinimumLongOpTimeout
		}
		if !timedOut {
			continue
		}
		if r, ok := s.registry.Remove(rec.Handle); ok {
			r.Complete(s.registry, nil, result.ErrResponseTimeout)
		}
	}
}

// ScheduleOnce fires fn once after d, via the scheduler's clock. It
// satisfies sendqueue.TimeoutScheduler.
func (s *Scheduler) ScheduleOnce(d time.Duration, fn func()) {
	s.clk.AfterFunc(d, fn)
}
