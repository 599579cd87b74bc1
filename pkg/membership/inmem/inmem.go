// Package inmem is an in-process membership: every started member of one
// Network sees every other. It backs single-process deployments and
// multi-node tests that run several nodes in one binary.
package inmem

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "sync"
    "time"

    base "github.com/amirimatin/go-gridstate/pkg/membership"
)

// Network connects the members created from it.
type Network struct {
    mu    sync.Mutex
    nodes map[string]*Member
}

func NewNetwork() *Network { return &Network{nodes: make(map[string]*Member)} }

// Member implements membership.Membership and membership.MetaUpdater.
type Member struct {
    net    *Network
    mu     sync.Mutex
    self   base.MemberInfo
    evts   chan base.Event
    up     bool
    closed bool
}

// Member creates a member that becomes visible on Start.
func (n *Network) Member(id string, meta map[string]string) *Member {
    self := base.MemberInfo{ID: id, Addr: id, Meta: map[string]string{}}
    for k, v := range meta { self.Meta[k] = v }
    return &Member{net: n, self: self, evts: make(chan base.Event, 256)}
}

func (n *Network) others(id string) []*Member {
    n.mu.Lock()
    defer n.mu.Unlock()
    out := make([]*Member, 0, len(n.nodes))
    for oid, m := range n.nodes {
        if oid != id { out = append(out, m) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].self.ID < out[j].self.ID })
    return out
}

func (n *Network) broadcast(from string, t base.EventType, mi base.MemberInfo) {
    for _, o := range n.others(from) { o.deliver(base.Event{Type: t, Member: mi.Clone(), At: time.Now()}) }
}

// Kill drops a member without a graceful leave: peers observe it as failed
// and its own event stream is closed.
func (n *Network) Kill(id string) {
    n.mu.Lock()
    m, ok := n.nodes[id]
    delete(n.nodes, id)
    n.mu.Unlock()
    if !ok { return }
    n.broadcast(id, base.EventFailed, m.Local())
    m.close()
}

func (m *Member) deliver(e base.Event) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return }
    select {
    case m.evts <- e:
    default:
        // drop if receiver is slow
    }
}

func (m *Member) close() {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.up = false
    if !m.closed {
        m.closed = true
        close(m.evts)
    }
}

func (m *Member) Start(context.Context) error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return errors.New("inmem: member stopped")
    }
    m.up = true
    m.mu.Unlock()
    m.net.mu.Lock()
    if _, dup := m.net.nodes[m.self.ID]; dup {
        m.net.mu.Unlock()
        return fmt.Errorf("inmem: duplicate member %s", m.self.ID)
    }
    m.net.nodes[m.self.ID] = m
    m.net.mu.Unlock()
    for _, o := range m.net.others(m.self.ID) {
        m.deliver(base.Event{Type: base.EventJoin, Member: o.Local(), At: time.Now()})
    }
    m.net.broadcast(m.self.ID, base.EventJoin, m.Local())
    return nil
}

// Join succeeds when any other member of the network is up. Seeds only
// need to be non-empty; there is no addressing in process.
func (m *Member) Join(seeds []string) error {
    if len(seeds) == 0 { return errors.New("inmem: no seeds") }
    if len(m.net.others(m.self.ID)) == 0 { return fmt.Errorf("inmem: no member reachable via %v", seeds) }
    return nil
}

func (m *Member) Local() base.MemberInfo {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.self.Clone()
}

func (m *Member) Members() []base.MemberInfo {
    out := []base.MemberInfo{m.Local()}
    for _, o := range m.net.others(m.self.ID) { out = append(out, o.Local()) }
    return out
}

func (m *Member) Events() <-chan base.Event { return m.evts }

func (m *Member) SetMeta(key, value string) error {
    m.mu.Lock()
    m.self.Meta[key] = value
    up := m.up
    m.mu.Unlock()
    if up { m.net.broadcast(m.self.ID, base.EventUpdate, m.Local()) }
    return nil
}

func (m *Member) Leave() error {
    m.net.mu.Lock()
    cur, ok := m.net.nodes[m.self.ID]
    if ok && cur == m { delete(m.net.nodes, m.self.ID) }
    m.net.mu.Unlock()
    if ok && cur == m { m.net.broadcast(m.self.ID, base.EventLeave, m.Local()) }
    return nil
}

func (m *Member) Stop() error {
    _ = m.Leave()
    m.close()
    return nil
}

var (
    _ base.Membership  = (*Member)(nil)
    _ base.MetaUpdater = (*Member)(nil)
)
