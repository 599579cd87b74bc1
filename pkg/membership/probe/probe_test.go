package probe

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-gridstate/pkg/grid"
    base "github.com/amirimatin/go-gridstate/pkg/membership"
)

type fakeStatus struct {
    mu    sync.Mutex
    nodes map[string]grid.NodeStatus
}

func (f *fakeStatus) set(addr string, st *grid.NodeStatus) {
    f.mu.Lock()
    defer f.mu.Unlock()
    if st == nil {
        delete(f.nodes, addr)
        return
    }
    f.nodes[addr] = *st
}

func (f *fakeStatus) GetStatus(_ context.Context, addr string) (grid.NodeStatus, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    st, ok := f.nodes[addr]
    if !ok { return grid.NodeStatus{}, errors.New("connection refused") }
    return st, nil
}

func status(id, instance string, peers ...base.MemberInfo) *grid.NodeStatus {
    return &grid.NodeStatus{NodeID: id, Role: grid.RoleServer, Members: peers, Snapshot: grid.ClusterSnapshot{InstanceID: instance}}
}

func newProbe(t *testing.T, f *fakeStatus) (*impl, base.Membership) {
    t.Helper()
    m, err := New(Options{NodeID: "c1", Client: f, Interval: 20 * time.Millisecond, FailureThreshold: 2, Meta: map[string]string{grid.MetaRole: grid.RoleClient}})
    require.NoError(t, err)
    t.Cleanup(func() { _ = m.Stop() })
    return m.(*impl), m
}

func next(t *testing.T, m base.Membership) base.Event {
    t.Helper()
    select {
    case e := <-m.Events():
        return e
    case <-time.After(2 * time.Second):
        t.Fatalf("no event")
        return base.Event{}
    }
}

func TestJoinDiscoversPeersFromSeed(t *testing.T) {
    f := &fakeStatus{nodes: map[string]grid.NodeStatus{}}
    peer := base.MemberInfo{ID: "s2", Meta: map[string]string{grid.MetaRole: grid.RoleServer, grid.MetaMgmt: "s2:80"}}
    f.set("s1:80", status("s1", "A", peer))
    f.set("s2:80", status("s2", "A"))
    _, m := newProbe(t, f)

    require.NoError(t, m.Join([]string{"s1:80"}))
    e := next(t, m)
    assert.Equal(t, base.EventJoin, e.Type)
    assert.Equal(t, "s1", e.Member.ID)
    assert.Equal(t, "A", e.Member.Meta[grid.MetaInstance])
    assert.Equal(t, "s1:80", e.Member.Meta[grid.MetaMgmt])

    require.NoError(t, m.Start(context.Background()))
    e = next(t, m)
    assert.Equal(t, "s2", e.Member.ID, "peer learned from the seed's member list")
    assert.Len(t, m.Members(), 3)
}

func TestJoinFailsWhenNoSeedAnswers(t *testing.T) {
    f := &fakeStatus{nodes: map[string]grid.NodeStatus{}}
    _, m := newProbe(t, f)
    err := m.Join([]string{"nowhere:1"})
    require.Error(t, err)
    assert.Contains(t, err.Error(), "connection refused")
}

func TestFailureThresholdAndInstanceChange(t *testing.T) {
    f := &fakeStatus{nodes: map[string]grid.NodeStatus{}}
    f.set("s1:80", status("s1", "A"))
    p, m := newProbe(t, f)
    require.NoError(t, m.Join([]string{"s1:80"}))
    assert.Equal(t, base.EventJoin, next(t, m).Type)

    // one miss is tolerated
    f.set("s1:80", nil)
    p.round(context.Background(), []string{"s1:80"})
    select {
    case e := <-m.Events():
        t.Fatalf("unexpected event %v", e.Type)
    default:
    }
    p.round(context.Background(), []string{"s1:80"})
    e := next(t, m)
    assert.Equal(t, base.EventFailed, e.Type)
    assert.Equal(t, "s1", e.Member.ID)

    // seeds stay probed; the restarted server joins with a new instance
    f.set("s1:80", status("s1", "B"))
    p.round(context.Background(), p.addrs())
    e = next(t, m)
    assert.Equal(t, base.EventJoin, e.Type)
    assert.Equal(t, "B", e.Member.Meta[grid.MetaInstance])

    f.set("s1:80", status("s1", "C"))
    p.round(context.Background(), p.addrs())
    e = next(t, m)
    assert.Equal(t, base.EventUpdate, e.Type)
    assert.Equal(t, "C", e.Member.Meta[grid.MetaInstance])
}

func TestDifferentNodeAtSameAddress(t *testing.T) {
    f := &fakeStatus{nodes: map[string]grid.NodeStatus{}}
    f.set("s1:80", status("s1", "A"))
    p, m := newProbe(t, f)
    require.NoError(t, m.Join([]string{"s1:80"}))
    next(t, m)

    f.set("s1:80", status("s9", "A"))
    p.round(context.Background(), p.addrs())
    assert.Equal(t, base.EventLeave, next(t, m).Type)
    e := next(t, m)
    assert.Equal(t, base.EventJoin, e.Type)
    assert.Equal(t, "s9", e.Member.ID)
}

func TestStopClosesEvents(t *testing.T) {
    f := &fakeStatus{nodes: map[string]grid.NodeStatus{}}
    _, m := newProbe(t, f)
    require.NoError(t, m.Start(context.Background()))
    require.NoError(t, m.Stop())
    _, ok := <-m.Events()
    assert.False(t, ok)
    assert.Error(t, m.Join([]string{"x"}))
}
