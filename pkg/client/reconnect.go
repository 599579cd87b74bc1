package client

import (
    "context"
    "errors"
    "fmt"
    "time"

    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-gridstate/pkg/discovery"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/internal/logutil"
    "github.com/amirimatin/go-gridstate/pkg/observability/metrics"
    "github.com/amirimatin/go-gridstate/pkg/observability/tracing"
    "github.com/amirimatin/go-gridstate/pkg/registry"
    "github.com/amirimatin/go-gridstate/pkg/transport"
)

// run is the coordinator goroutine. It owns every connection state change
// after Start.
func (c *Client) run(ctx context.Context) {
    defer close(c.done)
    t := time.NewTicker(c.opts.RefreshInterval)
    defer t.Stop()
    for {
        switch c.State() {
        case StateConnected:
            select {
            case <-ctx.Done():
                return
            case sig := <-c.lost:
                // signals about an instance we already left are stale
                if sig.instance == c.InstanceID() { c.disconnect(sig.reason) }
            case <-t.C:
                c.refresh(ctx)
            }
        case StateDisconnected, StateReconnecting:
            info, err := c.reconnect(ctx)
            if ctx.Err() != nil { return }
            if err != nil {
                c.fail(err)
                continue
            }
            c.reconnected(info)
        case StateFailed:
            select {
            case <-ctx.Done():
                return
            case <-c.rejoin:
            }
        default:
            return
        }
    }
}

// Rejoin restarts the reconnect loop of a Failed client within the same
// episode and waits for its outcome.
func (c *Client) Rejoin(ctx context.Context) error {
    c.mu.Lock()
    if c.state != StateFailed {
        st := c.state
        c.mu.Unlock()
        return fmt.Errorf("client: rejoin needs state failed, have %s", st)
    }
    c.state = StateDisconnected
    c.failErr = nil
    c.openEpisode()
    c.mu.Unlock()
    logutil.Infof(c.log, "rejoin requested")
    select {
    case c.rejoin <- struct{}{}:
    default:
    }
    return c.AwaitReconnected(ctx)
}

func (c *Client) setState(s ConnState) bool {
    c.mu.Lock()
    if c.state == StateStopped {
        c.mu.Unlock()
        return false
    }
    c.state = s
    c.mu.Unlock()
    metrics.SetConnectionState(s.String(), stateNames)
    return true
}

func (c *Client) disconnect(reason string) {
    c.mu.Lock()
    if c.state != StateConnected {
        c.mu.Unlock()
        return
    }
    c.state = StateDisconnected
    c.episode++
    c.openEpisode()
    info := DisconnectInfo{Episode: c.episode, InstanceID: c.snap.InstanceID, Reason: reason, At: time.Now()}
    c.mu.Unlock()

    metrics.ClientDisconnects.Inc()
    metrics.SetConnectionState(StateDisconnected.String(), stateNames)
    logutil.Warnf(c.log, "disconnected from instance %s (episode %d): %s", info.InstanceID, info.Episode, reason)
    c.eb.publish(Event{Type: EventDisconnected, At: info.At, Episode: info.Episode, InstanceID: info.InstanceID})
    c.notify.disconnected(info)
}

func (c *Client) reconnect(ctx context.Context) (ReconnectInfo, error) {
    if !c.setState(StateReconnecting) { return ReconnectInfo{}, errStopped }
    ep := c.Episode()
    c.eb.publish(Event{Type: EventReconnecting, At: time.Now(), Episode: ep})
    return c.connect(ctx)
}

func (c *Client) reconnected(info ReconnectInfo) {
    logutil.Infof(c.log, "reconnected to instance %s (episode %d, same=%t, active=%t generation=%d)",
        info.InstanceID, info.Episode, info.SameInstance, info.State.Active, info.State.Generation)
    c.eb.publish(Event{Type: EventReconnected, At: info.At, Episode: info.Episode, InstanceID: info.InstanceID, State: info.State})
    c.notify.reconnected(info)
}

func (c *Client) fail(err error) {
    c.mu.Lock()
    if c.state == StateStopped {
        c.mu.Unlock()
        return
    }
    c.state = StateFailed
    c.failErr = err
    c.closeEpisode()
    ep := c.episode
    c.mu.Unlock()

    metrics.SetConnectionState(StateFailed.String(), stateNames)
    logutil.Errorf(c.log, "reconnect failed (episode %d): %v", ep, err)
    now := time.Now()
    c.eb.publish(Event{Type: EventReconnectFailed, At: now, Episode: ep, Err: err})
    if ep > 0 { c.notify.failed(FailInfo{Episode: ep, Err: err, At: now}) }
}

// connect runs attempts with exponential backoff until one reconciles, the
// policy is exhausted or the cluster's static caches disagree.
func (c *Client) connect(ctx context.Context) (ReconnectInfo, error) {
    p := c.opts.Retry
    var last error
    for i := 0; i < p.MaxAttempts; i++ {
        if i > 0 {
            select {
            case <-ctx.Done():
                return ReconnectInfo{}, fmt.Errorf("%w: %w: %v", grid.ErrReconnectFailed, grid.ErrTimeout, ctx.Err())
            case <-time.After(p.Backoff(i - 1)):
            }
        }
        info, err := c.attempt(ctx)
        if err == nil {
            metrics.ClientReconnectAttempts.WithLabelValues("ok").Inc()
            return info, nil
        }
        metrics.ClientReconnectAttempts.WithLabelValues(grid.Code(err)).Inc()
        if errors.Is(err, grid.ErrConfigurationMismatch) || errors.Is(err, errStopped) {
            return ReconnectInfo{}, fmt.Errorf("%w: %w", grid.ErrReconnectFailed, err)
        }
        last = err
        logutil.Warnf(c.log, "connect attempt %d/%d: %v", i+1, p.MaxAttempts, err)
    }
    return ReconnectInfo{}, fmt.Errorf("%w: gave up after %d attempts: %w", grid.ErrReconnectFailed, p.MaxAttempts, last)
}

// attempt resolves seeds, joins membership, finds a formed instance through
// the visible servers and reconciles with it.
func (c *Client) attempt(ctx context.Context) (info ReconnectInfo, err error) {
    ctx, cancel := context.WithTimeout(ctx, c.opts.Retry.AttemptTimeout)
    defer cancel()
    ctx, end := tracing.StartSpan(ctx, "client.attempt", attribute.Int64("grid.episode", int64(c.Episode())))
    defer func() { end(err) }()

    seeds, err := discovery.Resolve(ctx, c.opts.Discovery)
    if err != nil { return info, err }
    var last error
    if jerr := c.mem.Join(seeds); jerr != nil {
        last = fmt.Errorf("%w: join %v: %v", grid.ErrDiscoveryFailure, seeds, jerr)
    }
    for {
        c.tracker.Seed(c.mem.Members())
        polled := 0
        for _, m := range c.tracker.Servers() {
            mgmt := m.Meta[grid.MetaMgmt]
            if mgmt == "" { continue }
            polled++
            st, err := c.rpc.GetStatus(ctx, mgmt)
            if err != nil {
                last = err
                continue
            }
            if !st.Snapshot.Formed() {
                last = fmt.Errorf("%w: %s at %s", grid.ErrNotFormed, st.NodeID, mgmt)
                continue
            }
            return c.reconcile(ctx, st, mgmt)
        }
        if polled == 0 && last == nil { last = fmt.Errorf("%w: no server visible", grid.ErrDiscoveryFailure) }
        select {
        case <-ctx.Done():
            if errors.Is(last, grid.ErrDiscoveryFailure) { return info, last }
            return info, fmt.Errorf("%w: %v", grid.ErrTimeout, last)
        case <-time.After(c.opts.Retry.PollInterval):
        }
    }
}

// reconcile checks the static caches, replaces the dynamic set, adopts the
// activation state and binds the tracker. Dynamic caches of a previous
// instance become pending and are re-registered first when the instance is
// active. The local view is swapped in one step.
func (c *Client) reconcile(ctx context.Context, st grid.NodeStatus, mgmt string) (ReconnectInfo, error) {
    snap := st.Snapshot
    static := registry.SnapshotOf(snap.Static())

    c.mu.RLock()
    known, prev, pending := c.known, c.snap, cloneDescriptors(c.pending)
    c.mu.RUnlock()
    if known == nil && c.opts.ExpectedStatic != nil {
        reg := registry.New()
        if err := reg.RegisterStatic(c.opts.ExpectedStatic); err != nil {
            return ReconnectInfo{}, fmt.Errorf("%w: expected static caches: %v", grid.ErrConfigurationMismatch, err)
        }
        known = reg.Snapshot()
    }
    if known != nil && !known.Equal(static) {
        d := registry.DiffSnapshots(known, static)
        return ReconnectInfo{}, fmt.Errorf("%w: instance %s static caches differ (missing locally %v, missing remotely %v)",
            grid.ErrConfigurationMismatch, snap.InstanceID, d.MissingLocally, d.MissingRemotely)
    }

    info := ReconnectInfo{
        InstanceID:       snap.InstanceID,
        PreviousInstance: prev.InstanceID,
        SameInstance:     prev.InstanceID == snap.InstanceID,
        At:               time.Now(),
    }
    if prev.InstanceID != "" && !info.SameInstance {
        info.Discarded = carried(nil, prev, snap)
        pending = carried(pending, prev, snap)
        if n := len(info.Discarded); n > 0 {
            metrics.ClientDiscardedCaches.Add(float64(n))
            logutil.Warnf(c.log, "instance changed %s -> %s: %d dynamic caches of the previous instance are pending re-registration",
                prev.InstanceID, snap.InstanceID, n)
        }
    } else {
        pending = carried(pending, grid.ClusterSnapshot{}, snap)
    }
    if snap.State.Active && len(pending) > 0 {
        var err error
        snap, info.Restored, pending, err = c.reregister(snap, pending, func(req transport.OperateRequest) (transport.OperateResponse, error) {
            return c.rpc.PostOperate(ctx, mgmt, req)
        })
        if err != nil { return ReconnectInfo{}, fmt.Errorf("re-register caches on %s: %w", mgmt, err) }
    }
    info.State = snap.State

    c.tracker.Bind(snap.InstanceID)
    c.mu.Lock()
    if c.state == StateStopped {
        c.mu.Unlock()
        return ReconnectInfo{}, errStopped
    }
    c.installLocked(snap)
    c.pending = pending
    c.known = static
    c.target = mgmt
    c.state = StateConnected
    info.Episode = c.episode
    c.closeEpisode()
    c.mu.Unlock()
    metrics.SetConnectionState(StateConnected.String(), stateNames)
    return info, nil
}

// refresh polls the bound server. Another instance at that address ends the
// attachment; an unreachable server is replaced by another visible server of
// the same instance.
func (c *Client) refresh(ctx context.Context) {
    c.mu.RLock()
    target, instance := c.target, c.snap.InstanceID
    c.mu.RUnlock()
    rctx, cancel := context.WithTimeout(ctx, c.opts.Retry.AttemptTimeout)
    defer cancel()
    st, err := c.rpc.GetStatus(rctx, target)
    if err != nil {
        for _, m := range c.tracker.Servers() {
            mgmt := m.Meta[grid.MetaMgmt]
            if mgmt == "" || mgmt == target || m.Meta[grid.MetaInstance] != instance { continue }
            logutil.Infof(c.log, "bound server %s unreachable (%v), switching to %s", target, err, mgmt)
            c.mu.Lock()
            if c.target == target { c.target = mgmt }
            c.mu.Unlock()
            return
        }
        logutil.Debugf(c.log, "refresh %s: %v", target, err)
        return
    }
    if st.Snapshot.InstanceID != instance {
        c.disconnect(fmt.Sprintf("%s now serves instance %q", target, st.Snapshot.InstanceID))
        return
    }
    c.adopt(st.Snapshot)
}
