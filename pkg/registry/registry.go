// Package registry keeps the per-node record of cache descriptors known to a
// cluster instance. Static descriptors come from cluster configuration and live
// as long as the instance; dynamic descriptors are created while the cluster is
// active.
package registry

import (
    "fmt"
    "sort"
    "sync"

    "github.com/amirimatin/go-gridstate/pkg/grid"
)

// Registry is safe for concurrent use. Reads never wait on I/O.
type Registry struct {
    mu        sync.RWMutex
    static    map[string]grid.CacheDescriptor
    dynamic   map[string]grid.CacheDescriptor
    staticSet bool
}

func New() *Registry {
    return &Registry{
        static:  make(map[string]grid.CacheDescriptor),
        dynamic: make(map[string]grid.CacheDescriptor),
    }
}

// RegisterStatic installs the static descriptor set. Repeating the call with
// an identical set is a no-op; a different set is a configuration mismatch.
func (r *Registry) RegisterStatic(descs []grid.CacheDescriptor) error {
    next, err := normalizeStatic(descs)
    if err != nil { return err }
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.staticSet {
        if !sameSet(r.static, next) {
            return fmt.Errorf("%w: static caches %v differ from registered %v", grid.ErrConfigurationMismatch, names(next), names(r.static))
        }
        return nil
    }
    for name := range next {
        if _, ok := r.dynamic[name]; ok {
            return fmt.Errorf("%w: %q", grid.ErrDuplicateName, name)
        }
    }
    r.static = next
    r.staticSet = true
    return nil
}

// CreateDynamic adds a dynamic descriptor under the given activation state.
func (r *Registry) CreateDynamic(d grid.CacheDescriptor, st grid.ActivationState) (grid.CacheDescriptor, error) {
    if d.Name == "" { return grid.CacheDescriptor{}, fmt.Errorf("%w: empty name", grid.ErrInvalidDescriptor) }
    if !st.Active { return grid.CacheDescriptor{}, grid.ErrClusterNotActive }
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.has(d.Name) {
        return grid.CacheDescriptor{}, fmt.Errorf("%w: %q", grid.ErrDuplicateName, d.Name)
    }
    out := d.Clone()
    out.Static = false
    out.CreatedAtGeneration = st.Generation
    r.dynamic[out.Name] = out
    return out.Clone(), nil
}

// DestroyDynamic removes a dynamic descriptor.
func (r *Registry) DestroyDynamic(name string) error {
    r.mu.Lock()
    defer r.mu.Unlock()
    if _, ok := r.static[name]; ok { return fmt.Errorf("%w: %q", grid.ErrStaticCache, name) }
    if _, ok := r.dynamic[name]; !ok { return fmt.Errorf("%w: %q", grid.ErrUnknownCache, name) }
    delete(r.dynamic, name)
    return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (grid.CacheDescriptor, bool) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    if d, ok := r.static[name]; ok { return d.Clone(), true }
    if d, ok := r.dynamic[name]; ok { return d.Clone(), true }
    return grid.CacheDescriptor{}, false
}

func (r *Registry) has(name string) bool {
    if _, ok := r.static[name]; ok { return true }
    _, ok := r.dynamic[name]
    return ok
}

// Snapshot returns a copy of the full name to descriptor mapping.
func (r *Registry) Snapshot() Snapshot {
    r.mu.RLock()
    defer r.mu.RUnlock()
    out := make(Snapshot, len(r.static)+len(r.dynamic))
    for k, v := range r.static { out[k] = v.Clone() }
    for k, v := range r.dynamic { out[k] = v.Clone() }
    return out
}

// Static returns the static descriptors sorted by name.
func (r *Registry) Static() []grid.CacheDescriptor { return r.Snapshot().Static().List() }

// Dynamic returns the dynamic descriptors sorted by name.
func (r *Registry) Dynamic() []grid.CacheDescriptor { return r.Snapshot().Dynamic().List() }

// StaticRegistered reports whether RegisterStatic has been applied.
func (r *Registry) StaticRegistered() bool {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return r.staticSet
}

// Len returns the number of descriptors.
func (r *Registry) Len() int {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return len(r.static) + len(r.dynamic)
}

// Diff compares the local contents against a remote snapshot.
func (r *Registry) Diff(remote Snapshot) Diff { return DiffSnapshots(r.Snapshot(), remote) }

// Replace swaps the whole contents in one step. A nil static slice leaves the
// static set unregistered so a later RegisterStatic is accepted.
func (r *Registry) Replace(static, dynamic []grid.CacheDescriptor) {
    st := make(map[string]grid.CacheDescriptor, len(static))
    for _, d := range static {
        d = d.Clone()
        d.Static = true
        d.CreatedAtGeneration = 0
        st[d.Name] = d
    }
    dy := make(map[string]grid.CacheDescriptor, len(dynamic))
    for _, d := range dynamic {
        if _, clash := st[d.Name]; clash { continue }
        d = d.Clone()
        d.Static = false
        dy[d.Name] = d
    }
    r.mu.Lock()
    r.static, r.dynamic, r.staticSet = st, dy, static != nil
    r.mu.Unlock()
}

// Snapshot maps cache names to descriptors.
type Snapshot map[string]grid.CacheDescriptor

// SnapshotOf indexes a descriptor list by name.
func SnapshotOf(ds []grid.CacheDescriptor) Snapshot {
    out := make(Snapshot, len(ds))
    for _, d := range ds { out[d.Name] = d.Clone() }
    return out
}

// Names returns the sorted cache names.
func (s Snapshot) Names() []string {
    out := make([]string, 0, len(s))
    for k := range s { out = append(out, k) }
    sort.Strings(out)
    return out
}

// List returns the descriptors sorted by name.
func (s Snapshot) List() []grid.CacheDescriptor {
    out := make([]grid.CacheDescriptor, 0, len(s))
    for _, n := range s.Names() { out = append(out, s[n].Clone()) }
    return out
}

func (s Snapshot) Static() Snapshot  { return s.filter(true) }
func (s Snapshot) Dynamic() Snapshot { return s.filter(false) }

func (s Snapshot) filter(static bool) Snapshot {
    out := Snapshot{}
    for k, v := range s {
        if v.Static == static { out[k] = v.Clone() }
    }
    return out
}

// Equal reports whether both snapshots hold the same descriptors.
func (s Snapshot) Equal(o Snapshot) bool { return sameSet(s, o) }

// Diff lists names present on one side only. Both lists are sorted.
type Diff struct {
    MissingLocally  []string `json:"missingLocally,omitempty"`
    MissingRemotely []string `json:"missingRemotely,omitempty"`
}

func (d Diff) Empty() bool { return len(d.MissingLocally) == 0 && len(d.MissingRemotely) == 0 }

// DiffSnapshots computes the name-level difference between local and remote.
func DiffSnapshots(local, remote Snapshot) Diff {
    var d Diff
    for _, n := range remote.Names() {
        if _, ok := local[n]; !ok { d.MissingLocally = append(d.MissingLocally, n) }
    }
    for _, n := range local.Names() {
        if _, ok := remote[n]; !ok { d.MissingRemotely = append(d.MissingRemotely, n) }
    }
    return d
}

func normalizeStatic(descs []grid.CacheDescriptor) (map[string]grid.CacheDescriptor, error) {
    out := make(map[string]grid.CacheDescriptor, len(descs))
    for _, d := range descs {
        if d.Name == "" { return nil, fmt.Errorf("%w: empty static cache name", grid.ErrInvalidDescriptor) }
        if _, dup := out[d.Name]; dup { return nil, fmt.Errorf("%w: static cache %q listed twice", grid.ErrInvalidDescriptor, d.Name) }
        d = d.Clone()
        d.Static = true
        d.CreatedAtGeneration = 0
        out[d.Name] = d
    }
    return out, nil
}

func sameSet(a, b map[string]grid.CacheDescriptor) bool {
    if len(a) != len(b) { return false }
    for k, v := range a {
        w, ok := b[k]
        if !ok || !v.Equal(w) { return false }
    }
    return true
}

func names(m map[string]grid.CacheDescriptor) []string { return Snapshot(m).Names() }
