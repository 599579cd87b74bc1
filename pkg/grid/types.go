package grid

import (
    "sort"
)

// ActivationState is the cluster-wide activation flag together with the
// generation of the transition that produced it. A freshly formed cluster
// instance starts at {false, 0}.
type ActivationState struct {
    Active     bool   `json:"active"`
    Generation uint64 `json:"generation"`
}

// Phase is the node-local view of the activation state machine.
type Phase string

const (
    PhaseInactive   Phase = "INACTIVE"
    PhaseActivating Phase = "ACTIVATING"
    PhaseActive     Phase = "ACTIVE"
)

// PhaseOf maps a committed state to its stable phase.
func PhaseOf(s ActivationState) Phase {
    if s.Active { return PhaseActive }
    return PhaseInactive
}

// NodeFilter restricts the nodes that host a cache. A node matches when every
// listed attribute is present with the same value. A nil filter matches all nodes.
type NodeFilter struct {
    Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Matches reports whether a node with the given attributes satisfies f.
func (f *NodeFilter) Matches(attrs map[string]string) bool {
    if f == nil { return true }
    for k, v := range f.Attributes {
        if got, ok := attrs[k]; !ok || got != v { return false }
    }
    return true
}

func (f *NodeFilter) equal(o *NodeFilter) bool {
    if f == nil || len(f.Attributes) == 0 { return o == nil || len(o.Attributes) == 0 }
    if o == nil || len(o.Attributes) != len(f.Attributes) { return false }
    for k, v := range f.Attributes {
        if o.Attributes[k] != v { return false }
    }
    return true
}

// CacheDescriptor describes a cache schema object known to a cluster instance.
type CacheDescriptor struct {
    Name                string      `json:"name" yaml:"name"`
    Static              bool        `json:"static" yaml:"-"`
    NodeFilter          *NodeFilter `json:"nodeFilter,omitempty" yaml:"nodeFilter,omitempty"`
    CreatedAtGeneration uint64      `json:"createdAtGeneration" yaml:"-"`
}

// Equal compares two descriptors field by field.
func (d CacheDescriptor) Equal(o CacheDescriptor) bool {
    return d.Name == o.Name &&
        d.Static == o.Static &&
        d.CreatedAtGeneration == o.CreatedAtGeneration &&
        d.NodeFilter.equal(o.NodeFilter)
}

// Clone returns a deep copy so callers cannot alias registry internals.
func (d CacheDescriptor) Clone() CacheDescriptor {
    out := d
    if d.NodeFilter != nil {
        attrs := make(map[string]string, len(d.NodeFilter.Attributes))
        for k, v := range d.NodeFilter.Attributes { attrs[k] = v }
        out.NodeFilter = &NodeFilter{Attributes: attrs}
    }
    return out
}

// SortDescriptors orders descriptors by name in place and returns them.
func SortDescriptors(ds []CacheDescriptor) []CacheDescriptor {
    sort.Slice(ds, func(i, j int) bool { return ds[i].Name < ds[j].Name })
    return ds
}

// MembershipView is the set of currently visible server members together with
// the identity of the cluster instance they belong to.
type MembershipView struct {
    MemberIDs         []string `json:"memberIds"`
    ClusterInstanceID string   `json:"clusterInstanceId"`
}

// ClusterSnapshot is what a client fetches from a server to reconcile its view.
type ClusterSnapshot struct {
    InstanceID string            `json:"instanceId"`
    State      ActivationState   `json:"state"`
    Caches     []CacheDescriptor `json:"caches"`
    // Index is the last consensus log index applied to the replica that
    // produced this snapshot.
    Index uint64 `json:"index"`
}

// Formed reports whether the snapshot belongs to a formed cluster instance.
func (s ClusterSnapshot) Formed() bool { return s.InstanceID != "" }

// Static returns the static subset of the snapshot's caches.
func (s ClusterSnapshot) Static() []CacheDescriptor {
    out := make([]CacheDescriptor, 0, len(s.Caches))
    for _, d := range s.Caches {
        if d.Static { out = append(out, d.Clone()) }
    }
    return out
}

// Dynamic returns the dynamic subset of the snapshot's caches.
func (s ClusterSnapshot) Dynamic() []CacheDescriptor {
    out := make([]CacheDescriptor, 0, len(s.Caches))
    for _, d := range s.Caches {
        if !d.Static { out = append(out, d.Clone()) }
    }
    return out
}

// Member meta keys shared by servers, clients and the membership tracker.
const (
    MetaRole     = "role"
    MetaMgmt     = "mgmt"
    MetaInstance = "instance"
    // MetaAttrPrefix prefixes node attributes evaluated by NodeFilter.
    MetaAttrPrefix = "attr."

    RoleServer = "server"
    RoleClient = "client"
)

// AttributesFromMeta extracts node attributes (attr.* keys) from member meta.
func AttributesFromMeta(meta map[string]string) map[string]string {
    out := map[string]string{}
    for k, v := range meta {
        if len(k) > len(MetaAttrPrefix) && k[:len(MetaAttrPrefix)] == MetaAttrPrefix {
            out[k[len(MetaAttrPrefix):]] = v
        }
    }
    return out
}

// MetaFromAttributes is the inverse of AttributesFromMeta.
func MetaFromAttributes(attrs map[string]string, into map[string]string) map[string]string {
    if into == nil { into = map[string]string{} }
    for k, v := range attrs { into[MetaAttrPrefix+k] = v }
    return into
}
