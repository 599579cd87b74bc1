package membership

import (
    "context"
    "time"
)

// MemberInfo describes a node as observed by the membership layer. Meta
// carries the node role, its management address and, for servers, the
// cluster instance it belongs to.
type MemberInfo struct {
    ID   string            `json:"id"`
    Addr string            `json:"addr"`
    Meta map[string]string `json:"meta,omitempty"`
}

// Clone returns a copy with its own Meta map.
func (m MemberInfo) Clone() MemberInfo {
    out := m
    if m.Meta != nil {
        out.Meta = make(map[string]string, len(m.Meta))
        for k, v := range m.Meta { out.Meta[k] = v }
    }
    return out
}

type EventType string

const (
    // EventJoin indicates a member joined or became visible.
    EventJoin EventType = "join"
    // EventUpdate indicates a visible member changed its metadata.
    EventUpdate EventType = "update"
    // EventLeave indicates a member left the cluster.
    EventLeave EventType = "leave"
    // EventFailed indicates the node was marked failed or unreachable.
    EventFailed EventType = "failed"
)

// Event is the translated membership change notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the abstraction over the gossip or probing layer that tells a
// node which peers are currently reachable.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    Leave() error
    Stop() error
}

// MetaUpdater is implemented by memberships that can re-advertise local
// metadata after start (servers publish their cluster instance once formed).
type MetaUpdater interface {
    SetMeta(key, value string) error
}

// HealthReporter optionally exposes an implementation-defined health score.
// -1 means not started.
type HealthReporter interface {
    HealthScore() int
}
