// Package client is the client side of a grid cluster. A Client attaches to
// one cluster instance through the servers' management endpoints, runs
// cluster operations against it and, when that instance disappears, finds
// and rejoins a (possibly new) instance and reconciles its local view.
package client

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"
    "time"

    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/internal/logutil"
    "github.com/amirimatin/go-gridstate/pkg/membership"
    "github.com/amirimatin/go-gridstate/pkg/observability/metrics"
    "github.com/amirimatin/go-gridstate/pkg/observability/tracing"
    "github.com/amirimatin/go-gridstate/pkg/registry"
    "github.com/amirimatin/go-gridstate/pkg/tracker"
    "github.com/amirimatin/go-gridstate/pkg/transport"
)

var errStopped = fmt.Errorf("%w: client stopped", grid.ErrDisconnected)

type lostSignal struct {
    instance string
    reason   string
}

// Client is safe for concurrent use. Connection state changes happen on one
// coordinator goroutine; reads never block on I/O.
type Client struct {
    opts    Options
    log     *log.Logger
    mem     membership.Membership
    rpc     transport.RPCClient
    tracker *tracker.Tracker

    mu    sync.RWMutex
    state ConnState
    snap  grid.ClusterSnapshot
    reg   *registry.Registry
    // known is the static set of the last instance this client attached to.
    known       registry.Snapshot
    // pending holds dynamic caches of a previous instance not yet
    // re-registered on the attached one.
    pending     []grid.CacheDescriptor
    target      string
    episode     uint64
    episodeDone chan struct{}
    failErr     error

    restoreMu sync.Mutex
    running  bool
    lost     chan lostSignal
    rejoin   chan struct{}
    cancel   context.CancelFunc
    done     chan struct{}
    unlisten func()
    notify   notifier
    eb       eventBus
}

func New(opts Options) (*Client, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    opts.defaults()
    return &Client{
        opts:    opts,
        log:     logutil.Named(opts.Logger, "client"),
        mem:     opts.Membership,
        rpc:     opts.RPCClient,
        tracker: tracker.New(tracker.Options{Logger: opts.Logger}),
        reg:     registry.New(),
        lost:    make(chan lostSignal, 16),
        rejoin:  make(chan struct{}, 1),
        done:    make(chan struct{}),
    }, nil
}

// Start joins membership and connects to a cluster instance using the
// reconnect policy. ctx bounds the initial connect only. The initial connect
// emits no notifications; when it fails the client is left Failed and can be
// retried with Rejoin.
func (c *Client) Start(ctx context.Context) error {
    c.mu.Lock()
    if c.state != StateIdle {
        c.mu.Unlock()
        return fmt.Errorf("client: cannot start from state %s", c.state)
    }
    c.mu.Unlock()
    metrics.Register()

    c.setMeta(grid.MetaRole, grid.RoleClient)
    for k, v := range grid.MetaFromAttributes(c.opts.Attributes, nil) { c.setMeta(k, v) }
    life, cancel := context.WithCancel(context.Background())
    if err := c.mem.Start(life); err != nil {
        cancel()
        return err
    }
    c.mu.Lock()
    c.cancel = cancel
    c.mu.Unlock()
    c.unlisten = c.tracker.OnMembershipChanged(c.onMembership)
    go c.tracker.Run(life, c.mem.Events())

    info, err := c.connect(ctx)
    if err != nil { c.fail(err) }
    c.mu.Lock()
    c.running = true
    c.mu.Unlock()
    go c.run(life)
    if err != nil { return err }
    logutil.Infof(c.log, "connected to cluster instance %s (active=%t generation=%d)", info.InstanceID, info.State.Active, info.State.Generation)
    return nil
}

func (c *Client) setMeta(key, value string) {
    mu, ok := c.mem.(membership.MetaUpdater)
    if !ok { return }
    if err := mu.SetMeta(key, value); err != nil { logutil.Warnf(c.log, "advertise %s: %v", key, err) }
}

// Stop ends the coordinator and leaves membership. Pending awaiters return.
func (c *Client) Stop(ctx context.Context) error {
    c.mu.Lock()
    if c.state == StateStopped {
        c.mu.Unlock()
        return nil
    }
    c.state = StateStopped
    c.closeEpisode()
    running, cancel := c.running, c.cancel
    c.mu.Unlock()
    metrics.SetConnectionState(StateStopped.String(), stateNames)
    if cancel == nil { return nil }

    cancel()
    if running {
        select {
        case <-c.done:
        case <-ctx.Done():
            return ctx.Err()
        }
    }
    c.unlisten()
    _ = c.mem.Leave()
    return c.mem.Stop()
}

// State returns the current connection state.
func (c *Client) State() ConnState {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return c.state
}

// InstanceID returns the instance the client is, or was last, attached to.
func (c *Client) InstanceID() string {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return c.snap.InstanceID
}

// Episode returns the sequence number of the latest disconnect episode.
func (c *Client) Episode() uint64 {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return c.episode
}

// IsActive reports the last known activation flag. While disconnected this
// is a stale hint.
func (c *Client) IsActive() bool {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return c.snap.State.Active
}

// Hints returns the last known cluster snapshot regardless of the connection
// state.
func (c *Client) Hints() grid.ClusterSnapshot {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return cloneSnapshot(c.snap)
}

// View returns the servers of the attached instance visible to this client.
func (c *Client) View() grid.MembershipView { return c.tracker.CurrentView() }

// ListCaches returns the descriptors of the attached instance.
func (c *Client) ListCaches() ([]grid.CacheDescriptor, error) {
    c.mu.RLock()
    defer c.mu.RUnlock()
    if err := c.unavailableLocked(); err != nil { return nil, err }
    return c.reg.Snapshot().List(), nil
}

// Activate activates the attached instance. Once it is active, dynamic
// caches carried over from a previous instance are re-registered.
func (c *Client) Activate(ctx context.Context) (grid.ActivationState, error) {
    resp, err := c.operate(ctx, transport.OperateRequest{Op: transport.OpActivate})
    if err != nil { return c.stateAfter(resp), err }
    c.flushPending(ctx)
    return c.stateAfter(resp), nil
}

func (c *Client) Deactivate(ctx context.Context) (grid.ActivationState, error) {
    resp, err := c.operate(ctx, transport.OperateRequest{Op: transport.OpDeactivate})
    return c.stateAfter(resp), err
}

// CreateCache registers a dynamic cache on the attached instance.
func (c *Client) CreateCache(ctx context.Context, d grid.CacheDescriptor) (grid.CacheDescriptor, error) {
    desc := d.Clone()
    resp, err := c.operate(ctx, transport.OperateRequest{Op: transport.OpCreateCache, Descriptor: &desc})
    if err != nil { return grid.CacheDescriptor{}, err }
    if resp.Descriptor == nil { return grid.CacheDescriptor{}, fmt.Errorf("client: create %q: empty response", d.Name) }
    return resp.Descriptor.Clone(), nil
}

func (c *Client) DestroyCache(ctx context.Context, name string) error {
    _, err := c.operate(ctx, transport.OperateRequest{Op: transport.OpDestroyCache, Name: name})
    return err
}

func (c *Client) stateAfter(resp transport.OperateResponse) grid.ActivationState {
    if resp.Snapshot.Formed() { return resp.Snapshot.State }
    c.mu.RLock()
    defer c.mu.RUnlock()
    return c.snap.State
}

// operate sends req to the bound server, falling back to other visible
// servers of the same instance when the bound one cannot be reached.
func (c *Client) operate(ctx context.Context, req transport.OperateRequest) (resp transport.OperateResponse, err error) {
    ctx, end := tracing.StartSpan(ctx, "client.operate", attribute.String("grid.op", req.Op))
    defer func() { end(err) }()
    targets, err := c.targets()
    if err != nil { return resp, err }
    for _, addr := range targets {
        resp, err = c.rpc.PostOperate(ctx, addr, req)
        if resp.Snapshot.Formed() { c.adopt(resp.Snapshot) }
        // a coded response is the cluster's answer
        if err == nil || resp.Code != "" { return resp, err }
        if ctx.Err() != nil { break }
        logutil.Debugf(c.log, "%s via %s: %v", req.Op, addr, err)
    }
    if errors.Is(err, context.DeadlineExceeded) { err = fmt.Errorf("%w: %v", grid.ErrTimeout, err) }
    return resp, err
}

func (c *Client) targets() ([]string, error) {
    c.mu.RLock()
    if err := c.unavailableLocked(); err != nil {
        c.mu.RUnlock()
        return nil, err
    }
    target, instance := c.target, c.snap.InstanceID
    c.mu.RUnlock()
    out := []string{target}
    for _, m := range c.tracker.Servers() {
        mgmt := m.Meta[grid.MetaMgmt]
        if mgmt == "" || mgmt == target || m.Meta[grid.MetaInstance] != instance { continue }
        out = append(out, mgmt)
    }
    return out, nil
}

func (c *Client) unavailableLocked() error {
    switch c.state {
    case StateConnected:
        return nil
    case StateIdle:
        return errors.New("client: not started")
    case StateStopped:
        return errStopped
    case StateFailed:
        return fmt.Errorf("%w: %w", grid.ErrDisconnected, c.failErr)
    default:
        return fmt.Errorf("%w: episode %d", grid.ErrDisconnected, c.episode)
    }
}

// adopt installs a snapshot of the attached instance when it is not older
// than the current one. A snapshot of another instance means the bound
// server was replaced.
func (c *Client) adopt(snap grid.ClusterSnapshot) {
    c.mu.Lock()
    if c.state != StateConnected {
        c.mu.Unlock()
        return
    }
    instance := c.snap.InstanceID
    if snap.InstanceID != instance {
        c.mu.Unlock()
        c.signalLost(instance, fmt.Sprintf("server reports instance %q", snap.InstanceID))
        return
    }
    if snap.Index < c.snap.Index || snap.State.Generation < c.snap.State.Generation {
        c.mu.Unlock()
        return
    }
    evs := diffEvents(c.snap, snap)
    c.installLocked(snap)
    c.mu.Unlock()
    c.eb.publish(evs...)
}

func (c *Client) installLocked(snap grid.ClusterSnapshot) {
    c.snap = cloneSnapshot(snap)
    reg := registry.New()
    reg.Replace(snap.Static(), snap.Dynamic())
    c.reg = reg
}

func (c *Client) signalLost(instance, reason string) {
    select {
    case c.lost <- lostSignal{instance: instance, reason: reason}:
    default:
    }
}

func (c *Client) onMembership(view grid.MembershipView, cond tracker.Condition) {
    if cond == tracker.ConditionClusterLost {
        c.signalLost(view.ClusterInstanceID, "all servers of the instance left")
    }
}

// openEpisode and closeEpisode manage the channel AwaitReconnected waits on.
func (c *Client) openEpisode() {
    if c.episodeDone == nil { c.episodeDone = make(chan struct{}) }
}

func (c *Client) closeEpisode() {
    if c.episodeDone != nil {
        close(c.episodeDone)
        c.episodeDone = nil
    }
}

func diffEvents(prev, next grid.ClusterSnapshot) []Event {
    now := time.Now()
    var evs []Event
    if prev.State != next.State {
        evs = append(evs, Event{Type: EventActivationChanged, At: now, InstanceID: next.InstanceID, State: next.State})
    }
    before := registry.SnapshotOf(prev.Dynamic())
    after := registry.SnapshotOf(next.Dynamic())
    for _, name := range after.Names() {
        if _, ok := before[name]; !ok {
            evs = append(evs, Event{Type: EventCacheCreated, At: now, InstanceID: next.InstanceID, State: next.State, Cache: name})
        }
    }
    for _, name := range before.Names() {
        if _, ok := after[name]; !ok {
            evs = append(evs, Event{Type: EventCacheDestroyed, At: now, InstanceID: next.InstanceID, State: next.State, Cache: name})
        }
    }
    return evs
}

func cloneSnapshot(s grid.ClusterSnapshot) grid.ClusterSnapshot {
    out := s
    out.Caches = make([]grid.CacheDescriptor, 0, len(s.Caches))
    for _, d := range s.Caches { out.Caches = append(out.Caches, d.Clone()) }
    return out
}
