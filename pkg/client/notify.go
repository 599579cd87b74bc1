package client

import (
    "context"
    "errors"
    "sort"
    "sync"
    "time"

    "github.com/amirimatin/go-gridstate/pkg/grid"
)

// DisconnectInfo describes the start of a disconnect episode.
type DisconnectInfo struct {
    Episode    uint64
    InstanceID string
    Reason     string
    At         time.Time
}

// ReconnectInfo describes the end of a disconnect episode.
type ReconnectInfo struct {
    Episode          uint64
    InstanceID       string
    PreviousInstance string
    SameInstance     bool
    State            grid.ActivationState
    // Discarded holds the dynamic caches of the previous instance that the
    // new instance did not know. The client re-registers them once the new
    // instance is active: Restored lists those re-registered before this
    // notification, Client.Pending those still waiting for activation.
    Discarded []grid.CacheDescriptor
    Restored  []grid.CacheDescriptor
    At        time.Time
}

// FailInfo describes a reconnect loop that gave up.
type FailInfo struct {
    Episode uint64
    Err     error
    At      time.Time
}

type listeners[T any] struct {
    next uint64
    fns  map[uint64]func(T)
}

func (l *listeners[T]) add(fn func(T)) uint64 {
    if l.fns == nil { l.fns = make(map[uint64]func(T)) }
    l.next++
    l.fns[l.next] = fn
    return l.next
}

func (l *listeners[T]) ordered() []func(T) {
    ids := make([]uint64, 0, len(l.fns))
    for id := range l.fns { ids = append(ids, id) }
    sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
    out := make([]func(T), 0, len(ids))
    for _, id := range ids { out = append(out, l.fns[id]) }
    return out
}

// notifier delivers at most one disconnect and one reconnect per episode.
type notifier struct {
    mu       sync.Mutex
    disc     listeners[DisconnectInfo]
    rec      listeners[ReconnectInfo]
    fail     listeners[FailInfo]
    lastDisc uint64
    lastRec  uint64
}

func (n *notifier) disconnected(info DisconnectInfo) {
    n.mu.Lock()
    if info.Episode <= n.lastDisc {
        n.mu.Unlock()
        return
    }
    n.lastDisc = info.Episode
    fns := n.disc.ordered()
    n.mu.Unlock()
    for _, fn := range fns { fn(info) }
}

func (n *notifier) reconnected(info ReconnectInfo) {
    n.mu.Lock()
    if info.Episode <= n.lastRec {
        n.mu.Unlock()
        return
    }
    n.lastRec = info.Episode
    fns := n.rec.ordered()
    n.mu.Unlock()
    for _, fn := range fns { fn(info) }
}

func (n *notifier) failed(info FailInfo) {
    n.mu.Lock()
    fns := n.fail.ordered()
    n.mu.Unlock()
    for _, fn := range fns { fn(info) }
}

// OnDisconnected registers fn for disconnect notifications. Callbacks run on
// the coordinator goroutine in registration order and must not block for long.
func (c *Client) OnDisconnected(fn func(DisconnectInfo)) (unregister func()) {
    c.notify.mu.Lock()
    id := c.notify.disc.add(fn)
    c.notify.mu.Unlock()
    return func() {
        c.notify.mu.Lock()
        delete(c.notify.disc.fns, id)
        c.notify.mu.Unlock()
    }
}

// OnReconnected registers fn for reconnect notifications.
func (c *Client) OnReconnected(fn func(ReconnectInfo)) (unregister func()) {
    c.notify.mu.Lock()
    id := c.notify.rec.add(fn)
    c.notify.mu.Unlock()
    return func() {
        c.notify.mu.Lock()
        delete(c.notify.rec.fns, id)
        c.notify.mu.Unlock()
    }
}

// OnFailed registers fn for reconnect loops that gave up.
func (c *Client) OnFailed(fn func(FailInfo)) (unregister func()) {
    c.notify.mu.Lock()
    id := c.notify.fail.add(fn)
    c.notify.mu.Unlock()
    return func() {
        c.notify.mu.Lock()
        delete(c.notify.fail.fns, id)
        c.notify.mu.Unlock()
    }
}

// AwaitReconnected blocks until the client is connected, returning the
// failure when the reconnect loop gave up. Cancelling ctx only abandons the
// wait.
func (c *Client) AwaitReconnected(ctx context.Context) error {
    for {
        c.mu.RLock()
        state, failErr, ch := c.state, c.failErr, c.episodeDone
        c.mu.RUnlock()
        switch state {
        case StateConnected:
            return nil
        case StateFailed:
            return failErr
        case StateStopped:
            return errStopped
        case StateIdle:
            return errors.New("client: not started")
        }
        select {
        case <-ch:
        case <-ctx.Done():
            return ctx.Err()
        }
    }
}

type EventType string

const (
    EventDisconnected      EventType = "disconnected"
    EventReconnecting      EventType = "reconnecting"
    EventReconnected       EventType = "reconnected"
    EventReconnectFailed   EventType = "reconnect_failed"
    EventActivationChanged EventType = "activation_changed"
    EventCacheCreated      EventType = "cache_created"
    EventCacheDestroyed    EventType = "cache_destroyed"
)

// Event is one entry of the client's event stream. Only the fields relevant
// to the type are set.
type Event struct {
    Type       EventType
    At         time.Time
    Episode    uint64
    InstanceID string
    State      grid.ActivationState
    Cache      string
    Err        error
}

// Subscribe returns a buffered event channel closed when ctx is done.
// Delivery is best-effort: events are dropped for slow consumers.
func (c *Client) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    c.eb.add(ch)
    go func() {
        <-ctx.Done()
        c.eb.remove(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if _, ok := e.subs[ch]; ok {
        delete(e.subs, ch)
        close(ch)
    }
    e.mu.Unlock()
}

func (e *eventBus) publish(evs ...Event) {
    e.mu.Lock()
    defer e.mu.Unlock()
    for _, ev := range evs {
        for ch := range e.subs {
            select {
            case ch <- ev:
            default:
            }
        }
    }
}
