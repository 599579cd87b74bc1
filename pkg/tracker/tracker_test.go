package tracker

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/membership"
)

func server(id, instance string) membership.MemberInfo {
    return membership.MemberInfo{ID: id, Addr: id + ":7946", Meta: map[string]string{grid.MetaRole: grid.RoleServer, grid.MetaInstance: instance, grid.MetaMgmt: id + ":8080"}}
}

func client(id string) membership.MemberInfo {
    return membership.MemberInfo{ID: id, Meta: map[string]string{grid.MetaRole: grid.RoleClient}}
}

func ev(t membership.EventType, m membership.MemberInfo) membership.Event {
    return membership.Event{Type: t, Member: m, At: time.Now()}
}

type recorder struct{ conds []Condition }

func (r *recorder) listen(_ grid.MembershipView, c Condition) { r.conds = append(r.conds, c) }

func TestViewAndServers(t *testing.T) {
    tr := New(Options{})
    tr.Observe(ev(membership.EventJoin, server("s2", "A")))
    tr.Observe(ev(membership.EventJoin, server("s1", "A")))
    tr.Observe(ev(membership.EventJoin, client("c1")))

    v := tr.CurrentView()
    assert.Equal(t, []string{"s1", "s2"}, v.MemberIDs)
    assert.Equal(t, "A", v.ClusterInstanceID, "single visible instance is reported while unbound")
    assert.Len(t, tr.Servers(), 2)
    assert.Equal(t, 2, tr.LiveServers("A"))

    tr.Observe(ev(membership.EventJoin, server("s3", "B")))
    assert.Empty(t, tr.CurrentView().ClusterInstanceID)
    tr.Bind("B")
    assert.Equal(t, []string{"s3"}, tr.CurrentView().MemberIDs)
}

func TestMemberLostVersusClusterLost(t *testing.T) {
    tr := New(Options{})
    rec := &recorder{}
    cancel := tr.OnMembershipChanged(rec.listen)
    defer cancel()

    tr.Observe(ev(membership.EventJoin, server("s1", "A")))
    tr.Observe(ev(membership.EventJoin, server("s2", "A")))
    tr.Bind("A")

    tr.Observe(ev(membership.EventLeave, server("s1", "A")))
    tr.Observe(ev(membership.EventFailed, server("s2", "A")))
    // repeated leave for an unknown member does not fire again
    tr.Observe(ev(membership.EventLeave, server("s2", "A")))

    assert.Equal(t, []Condition{ConditionChanged, ConditionChanged, ConditionMemberLost, ConditionClusterLost, ConditionChanged}, rec.conds)
}

func TestClusterLostRequiresServerSeenSinceBind(t *testing.T) {
    tr := New(Options{})
    rec := &recorder{}
    tr.OnMembershipChanged(rec.listen)

    tr.Bind("A")
    tr.Observe(ev(membership.EventLeave, server("s1", "A")))
    assert.Equal(t, []Condition{ConditionChanged}, rec.conds)

    tr.Observe(ev(membership.EventJoin, server("s1", "A")))
    tr.Observe(ev(membership.EventLeave, server("s1", "A")))
    assert.Equal(t, ConditionClusterLost, rec.conds[len(rec.conds)-1])
}

func TestInstanceChangeOnUpdateCountsAsLoss(t *testing.T) {
    tr := New(Options{})
    rec := &recorder{}
    tr.OnMembershipChanged(rec.listen)
    tr.Seed([]membership.MemberInfo{server("s1", "A")})
    tr.Bind("A")

    // the same node id comes back as a member of a new instance
    tr.Observe(ev(membership.EventUpdate, server("s1", "B")))
    require.Len(t, rec.conds, 1)
    assert.Equal(t, ConditionClusterLost, rec.conds[0])

    // rebinding re-arms detection
    tr.Bind("B")
    tr.Observe(ev(membership.EventLeave, server("s1", "B")))
    assert.Equal(t, ConditionClusterLost, rec.conds[1])
}

func TestClientsDoNotAffectConditions(t *testing.T) {
    tr := New(Options{})
    rec := &recorder{}
    tr.OnMembershipChanged(rec.listen)
    tr.Seed([]membership.MemberInfo{server("s1", "A"), client("c1")})
    tr.Bind("A")
    tr.Observe(ev(membership.EventLeave, client("c1")))
    assert.Equal(t, []Condition{ConditionChanged}, rec.conds)
}

func TestSeedReplacesMembers(t *testing.T) {
    tr := New(Options{})
    rec := &recorder{}
    tr.OnMembershipChanged(rec.listen)
    tr.Observe(ev(membership.EventJoin, server("s1", "A")))
    tr.Observe(ev(membership.EventJoin, server("s2", "A")))
    tr.Bind("A")

    // s1's leave event never arrived; a fresh member list drops it
    tr.Seed([]membership.MemberInfo{server("s2", "A"), client("c1")})
    assert.Equal(t, 1, tr.LiveServers("A"))
    require.Len(t, tr.Servers(), 1)
    assert.Equal(t, "s2", tr.Servers()[0].ID)
    _, ok := tr.Member("s1")
    assert.False(t, ok)
    assert.Len(t, rec.conds, 2, "seeding emits no conditions")

    // the bound instance was seen, so losing its last server still counts
    tr.Observe(ev(membership.EventLeave, server("s2", "A")))
    assert.Equal(t, ConditionClusterLost, rec.conds[len(rec.conds)-1])

    tr.Seed(nil)
    assert.Empty(t, tr.Servers())
    assert.Empty(t, tr.CurrentView().MemberIDs)
}

func TestRunConsumesChannel(t *testing.T) {
    tr := New(Options{})
    ch := make(chan membership.Event, 4)
    ch <- ev(membership.EventJoin, server("s1", "A"))
    ch <- ev(membership.EventJoin, server("s2", "A"))
    close(ch)
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    tr.Run(ctx, ch)
    assert.Equal(t, 2, tr.LiveServers("A"))
    m, ok := tr.Member("s1")
    require.True(t, ok)
    assert.Equal(t, "s1:8080", m.Meta[grid.MetaMgmt])
}

func TestConditionString(t *testing.T) {
    assert.Equal(t, "changed", ConditionChanged.String())
    assert.Equal(t, "member-lost", ConditionMemberLost.String())
    assert.Equal(t, "cluster-lost", ConditionClusterLost.String())
}
