// Package server runs a grid server node. It wires gossip membership, the
// membership tracker, raft consensus over the replicated grid state, the
// activation state machine with its storage hooks, and the management RPC
// surface that clients and peers talk to.
package server

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"
    "time"

    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-gridstate/pkg/activation"
    "github.com/amirimatin/go-gridstate/pkg/consensus"
    "github.com/amirimatin/go-gridstate/pkg/discovery"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/internal/logutil"
    "github.com/amirimatin/go-gridstate/pkg/membership"
    "github.com/amirimatin/go-gridstate/pkg/observability/metrics"
    "github.com/amirimatin/go-gridstate/pkg/registry"
    "github.com/amirimatin/go-gridstate/pkg/state/gridstate"
    "github.com/amirimatin/go-gridstate/pkg/tracker"
    "github.com/amirimatin/go-gridstate/pkg/transport"
)

// Facade exposes the high-level API of a server node.
type Facade interface {
    Start(ctx context.Context) error
    Join(ctx context.Context, seedMgmt string) error
    Activate(ctx context.Context) (grid.ActivationState, error)
    Deactivate(ctx context.Context) (grid.ActivationState, error)
    IsActive() bool
    CreateCache(ctx context.Context, d grid.CacheDescriptor) (grid.CacheDescriptor, error)
    DestroyCache(ctx context.Context, name string) error
    ListCaches() []grid.CacheDescriptor
    Status(ctx context.Context) (grid.NodeStatus, error)
    Subscribe(ctx context.Context) <-chan Event
    Stop(ctx context.Context) error
}

// Node is the concrete server implementation of Facade.
type Node struct {
    opts Options
    log  *log.Logger
    mu   sync.RWMutex
    run  struct {
        started bool
        closed  bool
    }
    cancel  context.CancelFunc
    unsub   func()
    st      *gridstate.State
    cons    consensus.Consensus
    mem     membership.Membership
    rpcS    transport.RPCServer
    rpcC    transport.RPCClient
    machine *activation.Machine
    tracker *tracker.Tracker
    static  registry.Snapshot
    eb      eventBus

    rec struct {
        mu        sync.Mutex
        published string
        warnings  []string
        lastJoin  time.Time
    }
}

// New constructs a Node from validated options. It performs no network
// activity; call Start to launch the node.
func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    opts.defaults()
    reg := registry.New()
    if err := reg.RegisterStatic(opts.StaticCaches); err != nil {
        return nil, fmt.Errorf("server: static caches: %w", err)
    }
    n := &Node{
        opts:    opts,
        log:     logutil.Named(opts.Logger, "server"),
        st:      opts.State,
        cons:    opts.Consensus,
        mem:     opts.Membership,
        rpcS:    opts.RPCServer,
        rpcC:    opts.RPCClient,
        tracker: tracker.New(tracker.Options{Logger: opts.Logger}),
        static:  reg.Snapshot(),
    }
    n.machine = activation.New(proposer{n}, opts.State, activation.Options{
        Timeout:         opts.ProposeTimeout,
        MaxStaleRetries: opts.MaxStaleRetries,
        Quorum:          activation.QuorumFunc(n.voters),
        Storage:         opts.Storage,
        Logger:          opts.Logger,
    })
    return n, nil
}

// Start launches the management endpoint, membership, consensus and the
// background loops that form the cluster instance and keep the roster.
func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.closed {
        return errors.New("server: stopped")
    }
    if n.run.started {
        return nil
    }
    n.run.started = true
    metrics.Register()
    ctx, n.cancel = context.WithCancel(ctx)

    n.unsub = n.st.Subscribe(n.onCommit)
    n.machine.Start(ctx)

    // management endpoint first so its address can be advertised
    if err := n.rpcS.Start(ctx, n.handlers()); err != nil { return err }
    logutil.Infof(n.log, "management endpoint listening at %s", n.rpcS.Addr())
    n.setMeta(grid.MetaRole, grid.RoleServer)
    n.setMeta(grid.MetaMgmt, n.rpcS.Addr())
    for k, v := range grid.MetaFromAttributes(n.opts.Attributes, nil) { n.setMeta(k, v) }

    if err := n.mem.Start(ctx); err != nil { return err }
    n.tracker.Seed(n.mem.Members())
    go n.membershipEventsLoop(ctx)
    n.joinSeeds(ctx)

    if err := n.cons.Start(ctx); err != nil { return err }
    go n.leaderLoop(ctx)
    go n.reconcileLoop(ctx)
    return nil
}

func (n *Node) setMeta(key, value string) {
    mu, ok := n.mem.(membership.MetaUpdater)
    if !ok {
        logutil.Warnf(n.log, "membership cannot advertise %s=%s", key, value)
        return
    }
    if err := mu.SetMeta(key, value); err != nil {
        logutil.Warnf(n.log, "advertise %s: %v", key, err)
    }
}

func (n *Node) joinSeeds(ctx context.Context) {
    if n.opts.Discovery == nil { return }
    seeds, err := discovery.Resolve(ctx, n.opts.Discovery)
    if err != nil {
        logutil.Debugf(n.log, "no membership seeds: %v", err)
        return
    }
    logutil.Infof(n.log, "joining membership seeds: %v", seeds)
    if err := n.mem.Join(seeds); err != nil {
        logutil.Warnf(n.log, "membership join: %v", err)
    }
}

// Join requests to add this node as a voter to the raft cluster via the
// current leader's management endpoint. seedMgmt may be any server; its
// status names the leader.
func (n *Node) Join(ctx context.Context, seedMgmt string) error {
    if n.rpcC == nil {
        return errors.New("server: no RPC client configured")
    }
    leaderMgmt := seedMgmt
    if leaderMgmt == "" {
        leaderMgmt = n.leaderMgmt()
    } else if st, err := n.rpcC.GetStatus(ctx, seedMgmt); err == nil && st.LeaderAddr != "" {
        leaderMgmt = st.LeaderAddr
    }
    if leaderMgmt == "" {
        return fmt.Errorf("%w: cannot resolve leader management address", grid.ErrNotLeader)
    }
    addr := ""
    if a, ok := n.cons.(interface{ Addr() string }); ok { addr = a.Addr() }
    if addr == "" {
        return errors.New("server: consensus has no transport address")
    }
    _, err := n.rpcC.PostJoin(ctx, leaderMgmt, transport.JoinRequest{ID: n.opts.NodeID, RaftAddr: addr})
    return err
}

func (n *Node) Activate(ctx context.Context) (grid.ActivationState, error) {
    return n.machine.ProposeActivate(ctx)
}

func (n *Node) Deactivate(ctx context.Context) (grid.ActivationState, error) {
    return n.machine.ProposeDeactivate(ctx)
}

// IsActive reads the local replica without blocking.
func (n *Node) IsActive() bool { return n.st.Current().Active }

func (n *Node) CreateCache(ctx context.Context, d grid.CacheDescriptor) (grid.CacheDescriptor, error) {
    return n.machine.CreateCache(ctx, d)
}

func (n *Node) DestroyCache(ctx context.Context, name string) error {
    return n.machine.DestroyCache(ctx, name)
}

func (n *Node) ListCaches() []grid.CacheDescriptor { return n.st.Caches() }

// Snapshot returns the local replica's view.
func (n *Node) Snapshot() grid.ClusterSnapshot { return n.st.View() }

// Phase returns the activation phase as seen by this node.
func (n *Node) Phase() grid.Phase { return n.machine.Phase() }

// InstanceID returns the cluster instance this node's replica belongs to.
func (n *Node) InstanceID() string { return n.st.InstanceID() }

func (n *Node) IsLeader() bool { return n.cons.IsLeader() }

// MgmtAddr is the bound management address.
func (n *Node) MgmtAddr() string { return n.rpcS.Addr() }

// View returns the visible servers of this node's cluster instance.
func (n *Node) View() grid.MembershipView { return n.tracker.CurrentView() }

// Status returns this node's view: consensus leadership, activation phase,
// the gossip member list and the replica snapshot.
func (n *Node) Status(ctx context.Context) (grid.NodeStatus, error) {
    s := grid.NodeStatus{
        NodeID:   n.opts.NodeID,
        Role:     grid.RoleServer,
        Term:     n.cons.Term(),
        Phase:    n.machine.Phase(),
        Members:  n.mem.Members(),
        Snapshot: n.st.View(),
        Warnings: n.warnings(),
    }
    if id, _, ok := n.cons.Leader(); ok {
        s.LeaderID = id
        s.Healthy = true
        s.LeaderAddr = n.leaderMgmt()
    }
    metrics.ClusterMembers.Set(float64(len(n.tracker.Servers())))
    metrics.IsLeader.Set(metrics.Bool(n.cons.IsLeader()))
    return s, nil
}

// Stop gracefully shuts down consensus, membership and the management server.
func (n *Node) Stop(ctx context.Context) error {
    n.mu.Lock()
    if n.run.closed {
        n.mu.Unlock()
        return nil
    }
    n.run.closed = true
    started := n.run.started
    n.mu.Unlock()
    if !started { return nil }

    // announce departure while gossip is still running
    _ = n.mem.Leave()
    n.cancel()
    n.machine.Close()
    n.unsub()
    err := n.cons.Stop()

    g, gctx := errgroup.WithContext(ctx)
    g.Go(func() error { return n.mem.Stop() })
    g.Go(func() error { return n.rpcS.Stop(gctx) })
    if werr := g.Wait(); err == nil { err = werr }
    logutil.Infof(n.log, "stopped")
    return err
}

// voters feeds the activation quorum gate: configured raft voters and how
// many of them are visible (this node plus servers seen by membership).
func (n *Node) voters() (configured, live int) {
    cr, ok := n.cons.(consensus.ConfigReader)
    if !ok { return 0, 0 }
    servers, err := cr.Servers()
    if err != nil { return 0, 0 }
    for _, s := range servers {
        if s.ID == n.opts.NodeID {
            live++
            continue
        }
        if m, ok := n.tracker.Member(s.ID); ok && m.Meta[grid.MetaRole] == grid.RoleServer { live++ }
    }
    return len(servers), live
}

// leaderMgmt returns the management address of the current leader.
func (n *Node) leaderMgmt() string {
    id, _, ok := n.cons.Leader()
    if !ok { return "" }
    if id == n.opts.NodeID { return n.rpcS.Addr() }
    return n.lookupMemberAddr(id)
}

// lookupMemberAddr returns the management address for a member id, taken
// from live membership metadata first and the replicated roster second.
func (n *Node) lookupMemberAddr(id string) string {
    if m, ok := n.tracker.Member(id); ok {
        if mgmt := m.Meta[grid.MetaMgmt]; mgmt != "" { return mgmt }
    }
    for _, m := range n.st.Members() {
        if m.ID == id { return m.Meta[grid.MetaMgmt] }
    }
    return ""
}

func (n *Node) warnings() []string {
    n.rec.mu.Lock()
    defer n.rec.mu.Unlock()
    return append([]string(nil), n.rec.warnings...)
}

var _ Facade = (*Node)(nil)
