package server

import (
    "context"
    "fmt"
    "time"

    "github.com/google/uuid"

    "github.com/amirimatin/go-gridstate/pkg/consensus"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/internal/logutil"
    "github.com/amirimatin/go-gridstate/pkg/membership"
    "github.com/amirimatin/go-gridstate/pkg/observability/metrics"
    "github.com/amirimatin/go-gridstate/pkg/registry"
    "github.com/amirimatin/go-gridstate/pkg/state/gridstate"
)

const (
    rosterApplyTimeout = 2 * time.Second
    autoJoinEvery      = 2 * time.Second
)

// membershipEventsLoop feeds the tracker and, on the leader, keeps the
// replicated roster and the voter set in line with gossip.
func (n *Node) membershipEventsLoop(ctx context.Context) {
    evch := n.mem.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evch:
            if !ok { return }
            n.tracker.Observe(e)
            metrics.ClusterMembers.Set(float64(len(n.tracker.Servers())))
            m := e.Member
            switch e.Type {
            case membership.EventJoin, membership.EventUpdate:
                if e.Type == membership.EventJoin { n.eb.publish(Event{Type: EventMemberJoin, At: e.At, Member: &m}) }
                if m.Meta[grid.MetaRole] == grid.RoleServer { n.applyAddNode(m) }
            case membership.EventLeave, membership.EventFailed:
                et := EventMemberLeave
                if e.Type == membership.EventFailed { et = EventMemberFailed }
                n.eb.publish(Event{Type: et, At: e.At, Member: &m})
                if m.ID == n.opts.NodeID { continue }
                if n.opts.RemoveFailedVoters { n.removeServer(m.ID) }
                n.applyRemoveNode(m.ID)
            }
        }
    }
}

func (n *Node) applyAddNode(mi membership.MemberInfo) {
    if !n.cons.IsLeader() { return }
    if _, _, err := n.cons.Apply(gridstate.AddNodeCommand(mi), rosterApplyTimeout); err != nil {
        logutil.Debugf(n.log, "roster add %s: %v", mi.ID, err)
    }
}

func (n *Node) applyRemoveNode(id string) {
    if !n.cons.IsLeader() { return }
    if _, _, err := n.cons.Apply(gridstate.RemoveNodeCommand(id), rosterApplyTimeout); err != nil {
        logutil.Debugf(n.log, "roster remove %s: %v", id, err)
    }
}

// reconcileRoster records every visible server after this node gained
// leadership; earlier join events may have been seen as a follower.
func (n *Node) reconcileRoster() {
    known := map[string]string{}
    for _, m := range n.st.Members() { known[m.ID] = m.Meta[grid.MetaInstance] }
    for _, m := range n.tracker.Servers() {
        if inst, ok := known[m.ID]; ok && inst == m.Meta[grid.MetaInstance] { continue }
        n.applyAddNode(m)
    }
}

func (n *Node) leaderLoop(ctx context.Context) {
    ln, ok := n.cons.(consensus.LeaderNotifier)
    if !ok { return }
    ch := ln.LeaderCh()
    for {
        select {
        case <-ctx.Done():
            return
        case li := <-ch:
            metrics.LeaderChanges.Inc()
            metrics.IsLeader.Set(metrics.Bool(li.ID == n.opts.NodeID))
            logutil.Infof(n.log, "leader change observed: id=%s term=%d", li.ID, li.Term)
            info := li
            n.eb.publish(Event{Type: EventLeaderChanged, At: time.Now(), Leader: &info})
            if n.opts.OnLeaderChange != nil { n.opts.OnLeaderChange(info) }
            if li.ID == n.opts.NodeID {
                n.reconcileRoster()
                n.reconcile(ctx)
            }
        }
    }
}

func (n *Node) reconcileLoop(ctx context.Context) {
    t := time.NewTicker(n.opts.ReconcileInterval)
    defer t.Stop()
    for {
        n.reconcile(ctx)
        select {
        case <-ctx.Done():
            return
        case <-t.C:
        }
    }
}

// reconcile forms the cluster instance on an unformed leader, advertises the
// instance once formed and checks the configured static caches against it.
func (n *Node) reconcile(ctx context.Context) {
    if !n.st.Formed() {
        if n.cons.IsLeader() { n.form() }
        n.autoJoin(ctx)
        return
    }
    instance := n.st.InstanceID()
    n.rec.mu.Lock()
    fresh := n.rec.published != instance
    n.rec.published = instance
    n.rec.mu.Unlock()
    if !fresh { return }

    n.setMeta(grid.MetaInstance, instance)
    n.tracker.Bind(instance)
    n.checkStatic()
    logutil.Infof(n.log, "attached to cluster instance %s", instance)
}

func (n *Node) form() {
    id := uuid.NewString()
    resp, _, err := n.cons.Apply(gridstate.FormCommand(id, n.static.List()), n.opts.ApplyTimeout)
    if err != nil {
        logutil.Debugf(n.log, "form %s: %v", id, err)
        return
    }
    if res, ok := resp.(gridstate.Result); ok && res.Err != nil {
        logutil.Warnf(n.log, "form %s: %v", id, res.Err)
        return
    }
    logutil.Infof(n.log, "formed cluster instance %s with %d static caches", id, len(n.static))
}

// checkStatic compares this node's configured static caches with the
// replicated ones. Servers keep running on a mismatch and report it.
func (n *Node) checkStatic() {
    remote := registry.SnapshotOf(n.st.Static())
    n.rec.mu.Lock()
    defer n.rec.mu.Unlock()
    n.rec.warnings = nil
    if n.static.Equal(remote) { return }
    d := registry.DiffSnapshots(n.static, remote)
    msg := fmt.Sprintf("%v: configured static caches differ from the cluster (missing locally %v, missing remotely %v)",
        grid.ErrConfigurationMismatch, d.MissingLocally, d.MissingRemotely)
    n.rec.warnings = append(n.rec.warnings, msg)
    logutil.Warnf(n.log, "%s", msg)
}

// autoJoin asks a visible server to add this node as a voter while no
// leader is known.
func (n *Node) autoJoin(ctx context.Context) {
    if !n.opts.AutoJoin || n.rpcC == nil { return }
    if _, _, ok := n.cons.Leader(); ok { return }
    n.rec.mu.Lock()
    if time.Since(n.rec.lastJoin) < autoJoinEvery {
        n.rec.mu.Unlock()
        return
    }
    n.rec.lastJoin = time.Now()
    n.rec.mu.Unlock()
    for _, m := range n.tracker.Servers() {
        mgmt := m.Meta[grid.MetaMgmt]
        if m.ID == n.opts.NodeID || mgmt == "" { continue }
        jctx, cancel := context.WithTimeout(ctx, time.Second)
        err := n.Join(jctx, mgmt)
        cancel()
        if err == nil {
            logutil.Infof(n.log, "joined consensus via %s", mgmt)
            return
        }
        logutil.Debugf(n.log, "auto-join via %s: %v", mgmt, err)
    }
}

// onCommit runs on the applying goroutine; it only publishes events.
func (n *Node) onCommit(c gridstate.Commit) {
    now := time.Now()
    metrics.Active.Set(metrics.Bool(c.State.Active))
    metrics.Generation.Set(float64(c.State.Generation))
    switch c.Op {
    case gridstate.OpForm:
        n.eb.publish(Event{Type: EventFormed, At: now, InstanceID: c.InstanceID, State: c.State})
    case gridstate.OpActivate, gridstate.OpDeactivate, gridstate.OpRestore:
        if c.Changed() {
            n.eb.publish(Event{Type: EventActivationChanged, At: now, InstanceID: c.InstanceID, State: c.State})
        }
    case gridstate.OpCreateCache:
        n.eb.publish(Event{Type: EventCacheCreated, At: now, InstanceID: c.InstanceID, State: c.State, Cache: c.Name})
    case gridstate.OpDestroyCache:
        n.eb.publish(Event{Type: EventCacheDestroyed, At: now, InstanceID: c.InstanceID, State: c.State, Cache: c.Name})
    }
}
