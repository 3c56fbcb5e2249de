package topology

import (
	"context"
	"fmt"
	"time"

	"github.com/asyncdb/client-go/netconn"
	"github.com/asyncdb/client-go/result"
	"github.com/asyncdb/client-go/router"
)

// ScheduleSubscribe arms the subscribe task if one is not already
// pending, matching the "at most one instance queued" rule shared by all
// five on-demand tasks.
func (m *Manager) ScheduleSubscribe(ctx context.Context) {
	if !m.pendingSubscribe.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.pendingSubscribe.Store(false)
		m.runSubscribe(ctx)
	}()
}

// ScheduleTopologyRefresh arms the topology-refresh task.
func (m *Manager) ScheduleTopologyRefresh(ctx context.Context) {
	if !m.pendingRefresh.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.pendingRefresh.Store(false)
		m.runTopologyRefresh(ctx)
	}()
}

// ScheduleConnect arms the two-stage connection task for the given set of
// not-yet-connected host-ids. A nil or empty hostIDs targets whatever
// OVERVIEW reports as unconnected.
func (m *Manager) ScheduleConnect(ctx context.Context, hostIDs []string) {
	if !m.pendingConnect.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.pendingConnect.Store(false)
		m.runConnect(ctx, hostIDs)
	}()
}

// ScheduleRecovery arms the first-connection recovery loop.
func (m *Manager) ScheduleRecovery(ctx context.Context) {
	if !m.pendingRecovery.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.pendingRecovery.Store(false)
		m.runRecovery(ctx)
	}()
}

// ScheduleCatalogRefresh arms an out-of-band procedure-catalog refetch,
// used when an unsolicited magic-catalog push notification arrives
// outside of the subscribe task's own catalog fetch.
func (m *Manager) ScheduleCatalogRefresh(ctx context.Context) {
	if !m.pendingCatalog.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.pendingCatalog.Store(false)
		_, resp, err := m.caller.CallSystemAny(ctx, "@SystemCatalog", []any{"PROCEDURES"})
		if err != nil {
			m.hooks.logf("catalog refresh failed: %v", err)
			return
		}
		m.applyProcedureCatalog(resp)
	}()
}

func (m *Manager) scheduleAfter(ctx context.Context, d time.Duration, fn func(context.Context)) {
	m.clk.AfterFunc(d, func() {
		if m.shutdown.Load() {
			return
		}
		fn(ctx)
	})
}

// runSubscribe selects an arbitrary connection and issues, in order,
// @Subscribe("TOPOLOGY"), @Statistics("TOPO"), and
// @SystemCatalog("PROCEDURES") on it, remembering the connection as the
// subscriber. A failure of the subscribe or statistics step re-arms the
// task after the resubscribe-failure delay rather than retrying
// immediately; a failed catalog fetch is only logged.
func (m *Manager) runSubscribe(ctx context.Context) {
	conn, _, err := m.caller.CallSystemAny(ctx, "@Subscribe", []any{"TOPOLOGY"})
	if err != nil {
		m.hooks.logf("subscribe failed: %v", err)
		m.scheduleAfter(ctx, m.jitter(m.resubscribeFailDelay), m.ScheduleSubscribe)
		return
	}

	m.connMu.Lock()
	m.subscriberID = conn.ID()
	m.connMu.Unlock()

	statsResp, err := m.caller.CallSystem(ctx, conn, "@Statistics", []any{"TOPO"})
	if err != nil {
		m.hooks.logf("post-subscribe statistics fetch failed: %v", err)
		m.scheduleAfter(ctx, m.jitter(m.resubscribeFailDelay), m.ScheduleSubscribe)
		return
	}
	m.applyTopologyStats(ctx, statsResp)

	catalogResp, err := m.caller.CallSystem(ctx, conn, "@SystemCatalog", []any{"PROCEDURES"})
	if err != nil {
		m.hooks.logf("post-subscribe catalog fetch failed: %v", err)
		return
	}
	m.applyProcedureCatalog(catalogResp)
}

func (m *Manager) runTopologyRefresh(ctx context.Context) {
	_, resp, err := m.caller.CallSystemAny(ctx, "@Statistics", []any{"TOPO"})
	if err != nil {
		m.hooks.logf("topology refresh failed: %v", err)
		return
	}
	m.applyTopologyStats(ctx, resp)
}

// applyTopologyStats decodes a @Statistics("TOPO") response, invalidates
// the partition-keys cache, installs a newly built routing snapshot, and
// schedules connects for any host that appears as a replica site but has
// no live connection.
func (m *Manager) applyTopologyStats(ctx context.Context, resp *result.Response) {
	hashConfig, rows, err := m.decoder.DecodeStatisticsTopo(resp)
	if err != nil {
		m.hooks.logf("decode @Statistics(TOPO) failed: %v", err)
		return
	}

	m.partitionKeysMu.Lock()
	m.partitionKeysTimestamp = 0
	m.partitionKeysMu.Unlock()

	snap, err := m.buildSnapshot(rows, m.snapshotProcedures(), hashConfig, m.snapshotConns())
	if err != nil {
		m.hooks.logf("build routing snapshot failed: %v", err)
		return
	}
	m.router.UpdateSnapshot(snap)

	missing := m.unconnectedSites(rows)
	if len(missing) > 0 {
		m.ScheduleConnect(ctx, missing)
	}
}

func (m *Manager) unconnectedSites(rows []TopologyRow) []string {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	seen := make(map[string]struct{})
	var missing []string
	for _, row := range rows {
		for _, site := range row.Sites {
			if _, ok := seen[site]; ok {
				continue
			}
			seen[site] = struct{}{}
			if _, connected := m.conns[site]; !connected {
				missing = append(missing, site)
			}
		}
	}
	return missing
}

// applyProcedureCatalog decodes @SystemCatalog("PROCEDURES") and installs
// the routing-relevant projection. Rows the decoder could not parse are
// counted but only logged up to maxBadCatalogRowLogs times, to avoid a
// corrupt catalog flooding the error sink.
func (m *Manager) applyProcedureCatalog(resp *result.Response) {
	rows, badRows, err := m.decoder.DecodeSystemCatalogProcedures(resp)
	if err != nil {
		m.hooks.logf("decode @SystemCatalog(PROCEDURES) failed: %v", err)
		return
	}

	procedures := make(map[string]router.ProcedureInfo, len(rows))
	for _, row := range rows {
		procedures[row.Name] = router.ProcedureInfo{
			ReadOnly:                row.ReadOnly,
			SinglePartition:         row.SinglePartition,
			PartitionParameterIndex: row.PartitionParameterIndex,
			PartitionParameterType:  row.PartitionParameterType,
		}
	}

	m.procMu.Lock()
	m.procedures = procedures
	m.procMu.Unlock()

	if badRows > 0 {
		total := m.badCatalogRows.Add(int64(badRows))
		if total-int64(badRows) < maxBadCatalogRowLogs {
			m.hooks.logf("procedure catalog: %d row(s) could not be parsed (%d total so far)", badRows, total)
		}
	}
}

func (m *Manager) snapshotProcedures() map[string]router.ProcedureInfo {
	m.procMu.Lock()
	defer m.procMu.Unlock()
	out := make(map[string]router.ProcedureInfo, len(m.procedures))
	for k, v := range m.procedures {
		out[k] = v
	}
	return out
}

func (m *Manager) snapshotConns() map[string]*netconn.Conn {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	out := make(map[string]*netconn.Conn, len(m.conns))
	for k, v := range m.conns {
		out[k] = v
	}
	return out
}

// runConnect fetches @SystemInformation("OVERVIEW") to resolve host
// addresses, decides on each run whether to dial admin or client ports,
// then attempts to connect every host in hostIDs that isn't
// already connected. Hosts it could not resolve or dial are retried after
// connectRetryDelay.
func (m *Manager) runConnect(ctx context.Context, hostIDs []string) {
	_, resp, err := m.caller.CallSystemAny(ctx, "@SystemInformation", []any{"OVERVIEW"})
	if err != nil {
		m.hooks.logf("@SystemInformation(OVERVIEW) failed: %v", err)
		m.scheduleAfter(ctx, m.jitter(m.connectRetryDelay), func(ctx context.Context) { m.ScheduleConnect(ctx, hostIDs) })
		return
	}
	rows, err := m.decoder.DecodeSystemInformationOverview(resp)
	if err != nil {
		m.hooks.logf("decode @SystemInformation(OVERVIEW) failed: %v", err)
		return
	}

	byHost := make(map[string]OverviewRow, len(rows))
	for _, row := range rows {
		byHost[row.HostID] = row
	}

	useAdmin := m.decidePortKey(rows)

	targets := hostIDs
	if len(targets) == 0 {
		m.connMu.Lock()
		for id := range byHost {
			if _, connected := m.conns[id]; !connected {
				targets = append(targets, id)
			}
		}
		m.connMu.Unlock()
	}

	var failed []string
	for _, id := range targets {
		m.connMu.Lock()
		_, already := m.conns[id]
		m.connMu.Unlock()
		if already {
			continue
		}

		row, known := byHost[id]
		if !known {
			failed = append(failed, id)
			continue
		}
		port := row.ClientPort
		if useAdmin {
			port = row.AdminPort
		}
		hostPort := fmt.Sprintf("%s:%d", row.IP, port)

		conn, dialErr := m.dialer.Dial(ctx, id, hostPort)
		if dialErr != nil {
			m.hooks.logf("connect to %s (%s) failed: %v", id, hostPort, dialErr)
			if m.hooks.OnConnectFailure != nil {
				m.hooks.OnConnectFailure(hostPort, dialErr)
			}
			failed = append(failed, id)
			continue
		}
		m.OnConnectionUp(ctx, conn, hostPort, useAdmin)
	}

	if len(failed) > 0 {
		m.scheduleAfter(ctx, m.jitter(m.connectRetryDelay), func(ctx context.Context) { m.ScheduleConnect(ctx, failed) })
	}
}

// decidePortKey picks the admin port only if every currently live
// connection is already on an admin port; a client with no live
// connections yet (or with even one client-port connection) dials the
// client port, so a mixed fleet never starts preferring admin ports on
// its own.
func (m *Manager) decidePortKey(rows []OverviewRow) bool {
	_ = rows
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if len(m.conns) == 0 {
		return false
	}
	for id := range m.conns {
		if !m.connAdmin[id] {
			return false
		}
	}
	return true
}

// runRecovery retries every historical connect target in turn until one
// succeeds, re-arming itself after connectRetryDelay on a full pass of
// failures. It stops silently once a connection already exists, which
// OnConnectionUp will have produced if a concurrent connect task won the
// race.
func (m *Manager) runRecovery(ctx context.Context) {
	m.connMu.Lock()
	if len(m.conns) > 0 {
		m.connMu.Unlock()
		return
	}
	targets := make([]string, len(m.historical))
	copy(targets, m.historical)
	m.connMu.Unlock()

	for _, hostPort := range targets {
		conn, err := m.dialer.Dial(ctx, hostPort, hostPort)
		if err != nil {
			m.hooks.logf("recovery dial to %s failed: %v", hostPort, err)
			if m.hooks.OnConnectFailure != nil {
				m.hooks.OnConnectFailure(hostPort, err)
			}
			continue
		}
		m.OnConnectionUp(ctx, conn, hostPort, false)
		return
	}

	m.scheduleAfter(ctx, m.jitter(m.connectRetryDelay), func(ctx context.Context) { m.ScheduleRecovery(ctx) })
}
