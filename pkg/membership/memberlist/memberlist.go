package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"

    base "github.com/amirimatin/go-gridstate/pkg/membership"
)

// Options configures the memberlist-based membership implementation.
type Options struct {
    // NodeID is the unique node identifier.
    NodeID string

    // Bind is the bind address in host:port form (e.g. ":7946" or "0.0.0.0:7946").
    Bind string

    // Advertise is the address peers use to reach this node. Derived from Bind when empty.
    Advertise string

    // Meta is the initial node metadata (role, mgmt address, attributes).
    Meta map[string]string

    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
    // UpdateTimeout bounds the re-broadcast after SetMeta.
    UpdateTimeout time.Duration
}

// impl implements base.Membership using HashiCorp memberlist.
type impl struct {
    mu     sync.RWMutex
    opts   Options
    ml     *memberlist.Memberlist
    meta   *nodeDelegate
    evts   chan base.Event
    closed bool
}

// New constructs a memberlist-backed membership.
func New(opts Options) (base.Membership, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("memberlist: empty NodeID")
    }
    if opts.Bind == "" {
        return nil, fmt.Errorf("memberlist: empty Bind address")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    if opts.UpdateTimeout <= 0 {
        opts.UpdateTimeout = time.Second
    }
    meta := make(map[string]string, len(opts.Meta))
    for k, v := range opts.Meta { meta[k] = v }
    return &impl{
        opts: opts,
        meta: &nodeDelegate{meta: meta},
        evts: make(chan base.Event, 64),
    }, nil
}

// Start creates and launches the underlying memberlist instance.
func (m *impl) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ml != nil {
        return nil
    }
    if m.closed {
        return fmt.Errorf("memberlist: stopped")
    }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.NodeID
    cfg.Logger = m.opts.Logger
    host, port, err := splitHostPort(m.opts.Bind)
    if err != nil {
        return fmt.Errorf("memberlist: invalid bind address %q: %w", m.opts.Bind, err)
    }
    cfg.BindAddr = host
    cfg.BindPort = port

    if m.opts.Advertise != "" {
        ahost, aport, err := splitHostPort(m.opts.Advertise)
        if err != nil {
            return fmt.Errorf("memberlist: invalid advertise address %q: %w", m.opts.Advertise, err)
        }
        cfg.AdvertiseAddr = ahost
        cfg.AdvertisePort = aport
    }

    if m.opts.ProbeInterval > 0 {
        cfg.ProbeInterval = m.opts.ProbeInterval
    }
    if m.opts.ProbeTimeout > 0 {
        cfg.ProbeTimeout = m.opts.ProbeTimeout
    }
    if m.opts.SuspicionMult > 0 {
        cfg.SuspicionMult = m.opts.SuspicionMult
    }

    cfg.Events = &eventDelegate{emit: m.emit}
    cfg.Delegate = m.meta

    ml, err := memberlist.Create(cfg)
    if err != nil {
        return err
    }
    m.ml = ml

    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()
    return nil
}

func (m *impl) Join(seeds []string) error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil {
        return fmt.Errorf("memberlist: not started")
    }
    if len(seeds) == 0 {
        return nil
    }
    _, err := ml.Join(seeds)
    return err
}

// SetMeta changes one metadata key and re-broadcasts the local node so peers
// observe an update event.
func (m *impl) SetMeta(key, value string) error {
    if !m.meta.set(key, value) { return nil }
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return nil }
    return ml.UpdateNode(m.opts.UpdateTimeout)
}

func (m *impl) Local() base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil {
        return base.MemberInfo{ID: m.opts.NodeID, Meta: m.meta.snapshot()}
    }
    n := m.ml.LocalNode()
    mi := toMember(n)
    if len(mi.Meta) == 0 { mi.Meta = m.meta.snapshot() }
    return mi
}

func (m *impl) Members() []base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil {
        return nil
    }
    nodes := m.ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    for _, n := range nodes {
        out = append(out, toMember(n))
    }
    return out
}

func (m *impl) Events() <-chan base.Event { return m.evts }

func (m *impl) Leave() error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil {
        return nil
    }
    // best-effort: give the leave intent a moment to broadcast
    _ = ml.Leave(time.Second)
    return nil
}

func (m *impl) Stop() error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed {
        return nil
    }
    m.closed = true
    if m.ml != nil {
        _ = m.ml.Shutdown()
        m.ml = nil
    }
    close(m.evts)
    return nil
}

// HealthScore exposes memberlist's awareness score.
func (m *impl) HealthScore() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil {
        return -1
    }
    return m.ml.GetHealthScore()
}

func (m *impl) emit(e base.Event) {
    // Stop closes evts; a late delegate callback must not panic the gossip goroutine.
    defer func() { recover() }()
    select {
    case m.evts <- e:
    default:
        m.opts.Logger.Printf("memberlist: dropping %s event for %s: channel full", e.Type, e.Member.ID)
    }
}

func toMember(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

// eventDelegate adapts memberlist notifications to base.Event.
type eventDelegate struct {
    emit func(e base.Event)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.notify(base.EventJoin, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.notify(base.EventUpdate, n) }

// memberlist conflates explicit leave and failure; both surface as leave.
func (d *eventDelegate) NotifyLeave(n *memberlist.Node) { d.notify(base.EventLeave, n) }

func (d *eventDelegate) notify(t base.EventType, n *memberlist.Node) {
    if d.emit == nil || n == nil { return }
    d.emit(base.Event{Type: t, Member: toMember(n), At: time.Now()})
}

func splitHostPort(hp string) (string, int, error) {
    host, ps, err := net.SplitHostPort(hp)
    if err != nil { return "", 0, err }
    p, err := strconv.Atoi(ps)
    if err != nil || p < 0 || p > 65535 {
        return "", 0, fmt.Errorf("invalid port: %q", ps)
    }
    return host, p, nil
}

// nodeDelegate serves the mutable node metadata gossiped with alive messages.
type nodeDelegate struct {
    mu   sync.RWMutex
    meta map[string]string
}

func (d *nodeDelegate) set(k, v string) bool {
    d.mu.Lock()
    defer d.mu.Unlock()
    if cur, ok := d.meta[k]; ok && cur == v { return false }
    d.meta[k] = v
    return true
}

func (d *nodeDelegate) snapshot() map[string]string {
    d.mu.RLock()
    defer d.mu.RUnlock()
    out := make(map[string]string, len(d.meta))
    for k, v := range d.meta { out[k] = v }
    return out
}

// NodeMeta returns the encoded metadata. memberlist truncates nothing itself,
// so oversized metadata is dropped rather than sent as invalid JSON.
func (d *nodeDelegate) NodeMeta(limit int) []byte {
    b, _ := json.Marshal(d.snapshot())
    if len(b) > limit { return nil }
    return b
}

func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}
