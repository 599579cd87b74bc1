// Package gridstate is the replicated grid state: cluster instance identity,
// activation state with its commit log, the cache descriptor registry and the
// server roster. One State lives on every server and is fed by consensus.
package gridstate

import (
    "context"
    "encoding/json"
    "fmt"
    "sort"
    "sync"

    "github.com/amirimatin/go-gridstate/pkg/consensus"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/membership"
    "github.com/amirimatin/go-gridstate/pkg/registry"
    base "github.com/amirimatin/go-gridstate/pkg/state"
)

// maxLog bounds the activation commit log kept in memory and in snapshots.
const maxLog = 256

type State struct {
    // applyMu orders entries and their observer callbacks.
    applyMu  sync.Mutex
    mu       sync.RWMutex
    instance string
    act      grid.ActivationState
    log      []Transition
    reg      *registry.Registry
    members  map[string]membership.MemberInfo
    applied  uint64
    changed  chan struct{}

    subMu   sync.RWMutex
    subs    map[uint64]func(Commit)
    nextSub uint64
}

func New() *State {
    return &State{
        reg:     registry.New(),
        members: make(map[string]membership.MemberInfo),
        changed: make(chan struct{}),
        subs:    make(map[uint64]func(Commit)),
    }
}

// Apply executes one committed command and returns a Result.
func (s *State) Apply(cmd consensus.Command, index uint64) any {
    s.applyMu.Lock()
    defer s.applyMu.Unlock()
    s.mu.Lock()
    if index == 0 { index = s.applied + 1 }
    if index > s.applied { s.applied = index }
    prev := s.act
    res, commit := s.apply(cmd)
    res.Index = index
    res.State = s.act
    inst := s.instance
    close(s.changed)
    s.changed = make(chan struct{})
    s.mu.Unlock()

    if commit != nil {
        commit.Index = index
        commit.InstanceID = inst
        commit.Previous = prev
        commit.State = res.State
        s.notify(*commit)
    }
    return res
}

func (s *State) apply(cmd consensus.Command) (Result, *Commit) {
    switch cmd.Op {
    case OpForm:
        var p FormPayload
        if err := json.Unmarshal(cmd.Payload, &p); err != nil { return reject(err) }
        return s.form(p)
    case OpActivate, OpDeactivate:
        var p TransitionPayload
        if err := json.Unmarshal(cmd.Payload, &p); err != nil { return reject(err) }
        return s.transition(cmd.Op == OpActivate, p.ExpectGeneration)
    case OpCreateCache:
        var p CreateCachePayload
        if err := json.Unmarshal(cmd.Payload, &p); err != nil { return reject(err) }
        if s.instance == "" { return reject(grid.ErrNotFormed) }
        if p.ExpectGeneration != s.act.Generation {
            return reject(fmt.Errorf("%w: expected %d, current %d", grid.ErrStaleGeneration, p.ExpectGeneration, s.act.Generation))
        }
        d, err := s.reg.CreateDynamic(p.Descriptor, s.act)
        if err != nil { return reject(err) }
        out := d.Clone()
        return Result{Descriptor: &d}, &Commit{Op: OpCreateCache, Descriptor: &out, Name: d.Name}
    case OpDestroyCache:
        var p DestroyCachePayload
        if err := json.Unmarshal(cmd.Payload, &p); err != nil { return reject(err) }
        if s.instance == "" { return reject(grid.ErrNotFormed) }
        if !s.act.Active { return reject(grid.ErrClusterNotActive) }
        if err := s.reg.DestroyDynamic(p.Name); err != nil { return reject(err) }
        return Result{}, &Commit{Op: OpDestroyCache, Name: p.Name}
    case OpAddNode:
        var mi membership.MemberInfo
        if err := json.Unmarshal(cmd.Payload, &mi); err != nil { return reject(err) }
        if mi.ID == "" { return reject(fmt.Errorf("gridstate: empty node id")) }
        s.members[mi.ID] = mi.Clone()
        return Result{}, &Commit{Op: OpAddNode, Name: mi.ID}
    case OpRemoveNode:
        var p RemoveNodePayload
        if err := json.Unmarshal(cmd.Payload, &p); err != nil { return reject(err) }
        if p.ID == "" { return reject(fmt.Errorf("gridstate: empty node id")) }
        delete(s.members, p.ID)
        return Result{}, &Commit{Op: OpRemoveNode, Name: p.ID}
    default:
        return reject(fmt.Errorf("gridstate: unknown op %q", cmd.Op))
    }
}

func reject(err error) (Result, *Commit) { return Result{Err: err}, nil }

func (s *State) form(p FormPayload) (Result, *Commit) {
    if p.InstanceID == "" { return reject(fmt.Errorf("gridstate: empty instance id")) }
    if s.instance != "" && s.instance != p.InstanceID {
        return reject(fmt.Errorf("%w: already formed as instance %s", grid.ErrConfigurationMismatch, s.instance))
    }
    if err := s.reg.RegisterStatic(p.Static); err != nil { return reject(err) }
    if s.instance == p.InstanceID { return Result{}, nil }
    s.instance = p.InstanceID
    return Result{}, &Commit{Op: OpForm}
}

// transition moves the activation flag. Reaching a value the replica already
// holds is accepted without a new generation.
func (s *State) transition(active bool, expect uint64) (Result, *Commit) {
    if s.instance == "" { return reject(grid.ErrNotFormed) }
    if expect != s.act.Generation {
        return reject(fmt.Errorf("%w: expected %d, current %d", grid.ErrStaleGeneration, expect, s.act.Generation))
    }
    op := OpDeactivate
    if active { op = OpActivate }
    if s.act.Active == active { return Result{}, nil }
    s.act = grid.ActivationState{Active: active, Generation: s.act.Generation + 1}
    s.log = append(s.log, Transition{Index: s.applied, Active: active, Generation: s.act.Generation})
    if len(s.log) > maxLog { s.log = append([]Transition(nil), s.log[len(s.log)-maxLog:]...) }
    return Result{}, &Commit{Op: op}
}

// Subscribe registers fn to observe accepted entries in apply order. fn runs
// on the applying goroutine and must not block or call back into Apply.
func (s *State) Subscribe(fn func(Commit)) (cancel func()) {
    s.subMu.Lock()
    s.nextSub++
    id := s.nextSub
    s.subs[id] = fn
    s.subMu.Unlock()
    return func() {
        s.subMu.Lock()
        delete(s.subs, id)
        s.subMu.Unlock()
    }
}

func (s *State) notify(c Commit) {
    s.subMu.RLock()
    ids := make([]uint64, 0, len(s.subs))
    for id := range s.subs { ids = append(ids, id) }
    sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
    fns := make([]func(Commit), 0, len(ids))
    for _, id := range ids { fns = append(fns, s.subs[id]) }
    s.subMu.RUnlock()
    for _, fn := range fns { fn(c) }
}

// WaitApplied blocks until the replica has applied index or ctx ends.
func (s *State) WaitApplied(ctx context.Context, index uint64) error {
    for {
        s.mu.RLock()
        applied, ch := s.applied, s.changed
        s.mu.RUnlock()
        if applied >= index { return nil }
        select {
        case <-ch:
        case <-ctx.Done():
            return ctx.Err()
        }
    }
}

func (s *State) Current() grid.ActivationState {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.act
}

func (s *State) InstanceID() string {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.instance
}

func (s *State) Formed() bool { return s.InstanceID() != "" }

func (s *State) Applied() uint64 {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.applied
}

// View returns the snapshot clients reconcile from.
func (s *State) View() grid.ClusterSnapshot {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return grid.ClusterSnapshot{InstanceID: s.instance, State: s.act, Caches: s.reg.Snapshot().List(), Index: s.applied}
}

// Caches returns the registered descriptors sorted by name.
func (s *State) Caches() []grid.CacheDescriptor { return s.reg.Snapshot().List() }

// Static returns the static descriptors, or nil when the replica is unformed.
func (s *State) Static() []grid.CacheDescriptor {
    if !s.reg.StaticRegistered() { return nil }
    return s.reg.Static()
}

// Cache looks up a single descriptor.
func (s *State) Cache(name string) (grid.CacheDescriptor, bool) { return s.reg.Get(name) }

// Log returns a copy of the retained activation commit log.
func (s *State) Log() []Transition {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return append([]Transition(nil), s.log...)
}

// Members returns the server roster sorted by id.
func (s *State) Members() []membership.MemberInfo {
    s.mu.RLock()
    defer s.mu.RUnlock()
    out := make([]membership.MemberInfo, 0, len(s.members))
    for _, m := range s.members { out = append(out, m.Clone()) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

type snapshotV1 struct {
    Version    int                     `json:"version"`
    InstanceID string                  `json:"instanceId"`
    State      grid.ActivationState    `json:"state"`
    Log        []Transition            `json:"log"`
    Static     []grid.CacheDescriptor  `json:"static"`
    Dynamic    []grid.CacheDescriptor  `json:"dynamic"`
    Members    []membership.MemberInfo `json:"members"`
    Applied    uint64                  `json:"applied"`
}

// Snapshot encodes the state as stable JSON for ease of debugging and migration.
func (s *State) Snapshot() ([]byte, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    snap := snapshotV1{
        Version:    1,
        InstanceID: s.instance,
        State:      s.act,
        Log:        append([]Transition{}, s.log...),
        Dynamic:    s.reg.Dynamic(),
        Members:    make([]membership.MemberInfo, 0, len(s.members)),
        Applied:    s.applied,
    }
    if s.reg.StaticRegistered() { snap.Static = s.reg.Static() }
    for _, m := range s.members { snap.Members = append(snap.Members, m) }
    sort.Slice(snap.Members, func(i, j int) bool { return snap.Members[i].ID < snap.Members[j].ID })
    return json.Marshal(snap)
}

// Restore replaces the state wholesale and reports OpRestore to observers.
func (s *State) Restore(buf []byte) error {
    var snap snapshotV1
    if err := json.Unmarshal(buf, &snap); err != nil { return err }
    if snap.Version != 1 { return fmt.Errorf("gridstate: unsupported snapshot version %d", snap.Version) }

    s.applyMu.Lock()
    defer s.applyMu.Unlock()
    s.mu.Lock()
    prev := s.act
    s.instance = snap.InstanceID
    s.act = snap.State
    s.log = snap.Log
    s.reg.Replace(snap.Static, snap.Dynamic)
    s.members = make(map[string]membership.MemberInfo, len(snap.Members))
    for _, m := range snap.Members {
        if m.ID == "" { continue }
        s.members[m.ID] = m
    }
    s.applied = snap.Applied
    close(s.changed)
    s.changed = make(chan struct{})
    c := Commit{Op: OpRestore, Index: s.applied, InstanceID: s.instance, State: s.act, Previous: prev}
    s.mu.Unlock()

    s.notify(c)
    return nil
}

var _ base.Replica = (*State)(nil)
