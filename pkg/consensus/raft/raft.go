package raftcons

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net"
    "os"
    "path/filepath"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/go-hclog"
    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    c "github.com/amirimatin/go-gridstate/pkg/consensus"
    "github.com/amirimatin/go-gridstate/pkg/grid"
)

// Node implements consensus.Consensus using HashiCorp Raft. It uses an
// in-memory loopback transport unless BindAddr is set, and in-memory stores
// unless DataDir is set.
type Node struct {
    mu    sync.RWMutex
    opts  Options
    log   *log.Logger
    r     *raft.Raft
    lch   chan c.LeaderInfo
    addr  raft.ServerAddress
    trans raft.Transport
    lb    raft.LoopbackTransport
    bolt  *raftboltdb.BoltStore
}

func New(opts Options) (*Node, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("raftcons: empty NodeID")
    }
    if opts.State == nil {
        return nil, fmt.Errorf("raftcons: nil State")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    return &Node{opts: opts, log: opts.Logger, lch: make(chan c.LeaderInfo, 16)}, nil
}

func (n *Node) raftLogger() hclog.Logger {
    lvl := hclog.LevelFromString(n.opts.LogLevel)
    if lvl == hclog.NoLevel { lvl = hclog.Warn }
    return hclog.New(&hclog.LoggerOptions{
        Name:   "raft." + n.opts.NodeID,
        Level:  lvl,
        Output: n.log.Writer(),
    })
}

func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.r != nil {
        return nil
    }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(n.opts.NodeID)
    cfg.Logger = n.raftLogger()
    if n.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
        // Keep lease <= heartbeat to satisfy invariants
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
            if cfg.LeaderLeaseTimeout == 0 { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
        }
    }
    if n.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = n.opts.ElectionTimeout }
    if n.opts.CommitTimeout > 0 { cfg.CommitTimeout = n.opts.CommitTimeout }
    if n.opts.SnapshotThreshold > 0 { cfg.SnapshotThreshold = n.opts.SnapshotThreshold }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        addr   raft.ServerAddress
        trans  raft.Transport
        err    error
    )

    if n.opts.DataDir != "" {
        if n.opts.SnapshotsRetained == 0 { n.opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil { return err }
        bstore, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
        if err != nil { return err }
        n.bolt = bstore
        logs = bstore
        stable = bstore
        snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, n.log.Writer())
        if err != nil { return err }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    if n.opts.BindAddr != "" {
        var adv net.Addr
        if n.opts.Advertise != "" {
            if adv, err = net.ResolveTCPAddr("tcp", n.opts.Advertise); err != nil {
                return fmt.Errorf("raftcons: advertise %q: %w", n.opts.Advertise, err)
            }
        }
        nt, err := raft.NewTCPTransport(n.opts.BindAddr, adv, 3, time.Second, n.log.Writer())
        if err != nil { return err }
        trans = nt
        addr = nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
    }

    r, err := raft.NewRaft(cfg, newReplicaFSM(n.opts.State), logs, stable, snaps, trans)
    if err != nil {
        return err
    }
    n.r = r
    n.addr = addr
    n.trans = trans
    if lb, ok := n.trans.(raft.LoopbackTransport); ok { n.lb = lb }

    obsCh := make(chan raft.Observation, 32)
    observer := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    })
    r.RegisterObserver(observer)
    go func() {
        for range obsCh {
            if id, addr, ok := n.Leader(); ok {
                n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
            }
        }
    }()

    if n.opts.Bootstrap {
        hasState, err := raft.HasExistingState(logs, stable, snaps)
        if err != nil { return err }
        if !hasState {
            cfgs := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
            if err := r.BootstrapCluster(cfgs).Error(); err != nil {
                return err
            }
        }
    }

    go func() {
        <-ctx.Done()
        _ = n.Stop()
    }()
    return nil
}

func (n *Node) current() *raft.Raft {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return n.r
}

// Apply replicates cmd and returns the replica's response with the log index
// it was applied at. Leadership errors are translated to grid sentinels.
func (n *Node) Apply(cmd c.Command, timeout time.Duration) (any, uint64, error) {
    r := n.current()
    if r == nil {
        return nil, 0, fmt.Errorf("raftcons: not started")
    }
    if r.State() != raft.Leader {
        return nil, 0, grid.ErrNotLeader
    }
    data, err := json.Marshal(cmd)
    if err != nil { return nil, 0, err }
    t := timeout
    if t <= 0 && n.opts.ApplyTimeout > 0 { t = n.opts.ApplyTimeout }
    af := r.Apply(data, t)
    if err := af.Error(); err != nil { return nil, 0, mapErr(err) }
    v := af.Response()
    if e, ok := v.(error); ok && e != nil { return nil, af.Index(), e }
    return v, af.Index(), nil
}

func mapErr(err error) error {
    switch {
    case errors.Is(err, raft.ErrNotLeader):
        return grid.ErrNotLeader
    case errors.Is(err, raft.ErrLeadershipLost), errors.Is(err, raft.ErrLeadershipTransferInProgress), errors.Is(err, raft.ErrAbortedByRestore):
        return fmt.Errorf("%w: %v", grid.ErrQuorumUnavailable, err)
    case errors.Is(err, raft.ErrEnqueueTimeout):
        return fmt.Errorf("%w: %v", grid.ErrTimeout, err)
    case errors.Is(err, raft.ErrRaftShutdown):
        return fmt.Errorf("%w: %v", grid.ErrQuorumUnavailable, err)
    }
    return err
}

func (n *Node) IsLeader() bool {
    r := n.current()
    if r == nil { return false }
    return r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
    r := n.current()
    if r == nil { return "", "", false }
    a, sid := r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
    r := n.current()
    if r == nil { return 0 }
    if v := r.Stats()["current_term"]; v != "" {
        if u, err := strconv.ParseUint(v, 10, 64); err == nil { return u }
    }
    return 0
}

// Addr is the raft transport address peers use to reach this node.
func (n *Node) Addr() string {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return string(n.addr)
}

// Connect wires two in-memory transports to each other. It is a no-op for
// TCP transports.
func (n *Node) Connect(other *Node) {
    n.mu.RLock()
    a, aaddr, atrans := n.lb, n.addr, n.trans
    n.mu.RUnlock()
    other.mu.RLock()
    b, baddr, btrans := other.lb, other.addr, other.trans
    other.mu.RUnlock()
    if a == nil || b == nil { return }
    a.Connect(baddr, btrans)
    b.Connect(aaddr, atrans)
}

// Disconnect severs an in-memory link in both directions.
func (n *Node) Disconnect(other *Node) {
    n.mu.RLock()
    a, aaddr := n.lb, n.addr
    n.mu.RUnlock()
    other.mu.RLock()
    b, baddr := other.lb, other.addr
    other.mu.RUnlock()
    if a == nil || b == nil { return }
    a.Disconnect(baddr)
    b.Disconnect(aaddr)
}

func (n *Node) Stop() error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.r == nil { return nil }
    err := n.r.Shutdown().Error()
    n.r = nil
    if n.bolt != nil {
        _ = n.bolt.Close()
        n.bolt = nil
    }
    if closer, ok := n.trans.(raft.WithClose); ok { _ = closer.Close() }
    return err
}

func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li c.LeaderInfo) {
    select {
    case n.lch <- li:
    default:
        // drop to avoid blocking; last-writer-wins semantics are ok for leadership
    }
}

// Servers returns the current voter configuration.
func (n *Node) Servers() ([]c.Server, error) {
    r := n.current()
    if r == nil { return nil, fmt.Errorf("raftcons: not started") }
    f := r.GetConfiguration()
    if err := f.Error(); err != nil { return nil, err }
    var out []c.Server
    for _, s := range f.Configuration().Servers {
        if s.Suffrage != raft.Voter { continue }
        out = append(out, c.Server{ID: string(s.ID), Addr: string(s.Address)})
    }
    return out, nil
}

// AddVoter adds a voting server to the Raft cluster if not already present.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
    r := n.current()
    if r == nil {
        return fmt.Errorf("raftcons: not started")
    }
    cfg := r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) == id {
                if string(srv.Address) == addr {
                    return nil
                }
                // Remove stale entry with different address before adding
                if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil { return mapErr(err) }
                break
            }
        }
    }
    return mapErr(r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error())
}

// RemoveServer removes a server from the Raft cluster if present.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
    r := n.current()
    if r == nil {
        return fmt.Errorf("raftcons: not started")
    }
    return mapErr(r.RemoveServer(raft.ServerID(id), 0, timeout).Error())
}

var (
    _ c.Consensus      = (*Node)(nil)
    _ c.LeaderNotifier = (*Node)(nil)
    _ c.Reconfigurer   = (*Node)(nil)
    _ c.ConfigReader   = (*Node)(nil)
)
