// Package tracker maintains the MembershipView of a node and classifies
// membership changes. It distinguishes losing one server of the attached
// cluster instance from losing the whole instance.
package tracker

import (
    "context"
    "log"
    "sort"
    "sync"

    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/internal/logutil"
    "github.com/amirimatin/go-gridstate/pkg/membership"
)

// Condition classifies a membership change relative to the bound instance.
type Condition int

const (
    // ConditionChanged is any change that does not affect the bound instance's servers.
    ConditionChanged Condition = iota
    // ConditionMemberLost means a server of the bound instance left while others remain.
    ConditionMemberLost
    // ConditionClusterLost means the last visible server of the bound instance is gone.
    ConditionClusterLost
)

func (c Condition) String() string {
    switch c {
    case ConditionMemberLost:
        return "member-lost"
    case ConditionClusterLost:
        return "cluster-lost"
    default:
        return "changed"
    }
}

type Listener func(view grid.MembershipView, cond Condition)

type Options struct {
    Logger *log.Logger
}

type Tracker struct {
    mu      sync.Mutex
    log     *log.Logger
    members map[string]membership.MemberInfo
    bound   string
    // seen is set once a server of the bound instance was visible since Bind.
    seen bool
    // lost is set after ConditionClusterLost fired for the current binding.
    lost bool

    subs map[uint64]Listener
    next uint64
}

func New(opts Options) *Tracker {
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Tracker{
        log:     logutil.Named(opts.Logger, "tracker"),
        members: make(map[string]membership.MemberInfo),
        subs:    make(map[uint64]Listener),
    }
}

func isServer(m membership.MemberInfo) bool { return m.Meta[grid.MetaRole] == grid.RoleServer }

func instanceOf(m membership.MemberInfo) string { return m.Meta[grid.MetaInstance] }

// Seed replaces the member map with a full member list without emitting
// conditions. Members missing from the list are dropped, which also clears
// members whose leave event was lost.
func (t *Tracker) Seed(members []membership.MemberInfo) {
    t.mu.Lock()
    defer t.mu.Unlock()
    next := make(map[string]membership.MemberInfo, len(members))
    for _, m := range members {
        if m.ID == "" { continue }
        next[m.ID] = m.Clone()
    }
    t.members = next
    if t.bound != "" && t.liveLocked(t.bound) > 0 { t.seen = true }
}

// Run consumes events until ctx ends or the channel closes.
func (t *Tracker) Run(ctx context.Context, events <-chan membership.Event) {
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-events:
            if !ok { return }
            t.Observe(e)
        }
    }
}

// Observe applies one membership event and notifies listeners.
func (t *Tracker) Observe(e membership.Event) {
    if e.Member.ID == "" { return }
    t.mu.Lock()
    prev, had := t.members[e.Member.ID]
    switch e.Type {
    case membership.EventJoin, membership.EventUpdate:
        t.members[e.Member.ID] = e.Member.Clone()
    case membership.EventLeave, membership.EventFailed:
        delete(t.members, e.Member.ID)
        if !had { prev, had = e.Member, true }
    default:
        t.mu.Unlock()
        return
    }

    cond := ConditionChanged
    if t.bound != "" {
        live := t.liveLocked(t.bound)
        wasBound := had && isServer(prev) && instanceOf(prev) == t.bound
        cur, present := t.members[e.Member.ID]
        stillBound := present && isServer(cur) && instanceOf(cur) == t.bound
        switch {
        case live > 0:
            t.seen = true
            t.lost = false
            if wasBound && !stillBound { cond = ConditionMemberLost }
        case wasBound && !stillBound && t.seen && !t.lost:
            t.lost = true
            cond = ConditionClusterLost
        }
    }
    view := t.viewLocked()
    fns := t.listenersLocked()
    t.mu.Unlock()

    if cond != ConditionChanged {
        logutil.Infof(t.log, "%s: %s %s (instance %s, %d servers visible)", cond, e.Member.ID, e.Type, view.ClusterInstanceID, len(view.MemberIDs))
    } else {
        logutil.Debugf(t.log, "%s %s", e.Member.ID, e.Type)
    }
    for _, fn := range fns { fn(view, cond) }
}

// Bind records the cluster instance this node is attached to.
func (t *Tracker) Bind(instance string) {
    t.mu.Lock()
    defer t.mu.Unlock()
    t.bound = instance
    t.lost = false
    t.seen = instance != "" && t.liveLocked(instance) > 0
}

func (t *Tracker) Bound() string {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.bound
}

// CurrentView returns the servers of the bound instance, or every visible
// server when unbound.
func (t *Tracker) CurrentView() grid.MembershipView {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.viewLocked()
}

func (t *Tracker) viewLocked() grid.MembershipView {
    v := grid.MembershipView{MemberIDs: []string{}, ClusterInstanceID: t.bound}
    instances := map[string]struct{}{}
    for _, m := range t.members {
        if !isServer(m) { continue }
        if t.bound != "" && instanceOf(m) != t.bound { continue }
        v.MemberIDs = append(v.MemberIDs, m.ID)
        instances[instanceOf(m)] = struct{}{}
    }
    sort.Strings(v.MemberIDs)
    if v.ClusterInstanceID == "" && len(instances) == 1 {
        for id := range instances { v.ClusterInstanceID = id }
    }
    return v
}

// Servers returns all visible server members sorted by id.
func (t *Tracker) Servers() []membership.MemberInfo {
    t.mu.Lock()
    defer t.mu.Unlock()
    out := make([]membership.MemberInfo, 0, len(t.members))
    for _, m := range t.members {
        if isServer(m) { out = append(out, m.Clone()) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

// LiveServers counts visible servers advertising instance.
func (t *Tracker) LiveServers(instance string) int {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.liveLocked(instance)
}

func (t *Tracker) liveLocked(instance string) int {
    n := 0
    for _, m := range t.members {
        if isServer(m) && instanceOf(m) == instance { n++ }
    }
    return n
}

// Member returns a visible member by id.
func (t *Tracker) Member(id string) (membership.MemberInfo, bool) {
    t.mu.Lock()
    defer t.mu.Unlock()
    m, ok := t.members[id]
    return m.Clone(), ok
}

// OnMembershipChanged registers fn for every observed change. Listeners run
// synchronously on the observing goroutine in registration order.
func (t *Tracker) OnMembershipChanged(fn Listener) (cancel func()) {
    t.mu.Lock()
    t.next++
    id := t.next
    t.subs[id] = fn
    t.mu.Unlock()
    return func() {
        t.mu.Lock()
        delete(t.subs, id)
        t.mu.Unlock()
    }
}

func (t *Tracker) listenersLocked() []Listener {
    ids := make([]uint64, 0, len(t.subs))
    for id := range t.subs { ids = append(ids, id) }
    sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
    out := make([]Listener, 0, len(ids))
    for _, id := range ids { out = append(out, t.subs[id]) }
    return out
}
