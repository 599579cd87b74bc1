// Package probe implements membership.Membership by polling the management
// /status endpoint of known servers. Clients use it when they cannot take
// part in gossip: a server is visible while it answers, and is reported
// failed after FailureThreshold consecutive misses.
package probe

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sort"
    "sync"
    "time"

    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/internal/logutil"
    base "github.com/amirimatin/go-gridstate/pkg/membership"
)

// StatusClient fetches a node's status. transport.RPCClient satisfies it.
type StatusClient interface {
    GetStatus(ctx context.Context, addr string) (grid.NodeStatus, error)
}

type Options struct {
    NodeID string
    // Meta is advertised by Local (role, attributes).
    Meta   map[string]string
    Client StatusClient
    // Interval between polling rounds (default 1s).
    Interval time.Duration
    // Timeout bounds one status call (default Interval).
    Timeout time.Duration
    // FailureThreshold is the number of consecutive misses before a server
    // is reported failed (default 3).
    FailureThreshold int
    // MaxParallel bounds concurrent status calls per round (default 8).
    MaxParallel int
    Logger      *log.Logger
}

type target struct {
    seed   bool
    fails  int
    member *base.MemberInfo
}

type impl struct {
    mu      sync.Mutex
    opts    Options
    log     *log.Logger
    targets map[string]*target
    evts    chan base.Event
    cancel  context.CancelFunc
    done    chan struct{}
    started bool
    closed  bool
}

func New(opts Options) (base.Membership, error) {
    if opts.NodeID == "" { return nil, errors.New("probe: empty NodeID") }
    if opts.Client == nil { return nil, errors.New("probe: nil Client") }
    if opts.Interval <= 0 { opts.Interval = time.Second }
    if opts.Timeout <= 0 { opts.Timeout = opts.Interval }
    if opts.FailureThreshold <= 0 { opts.FailureThreshold = 3 }
    if opts.MaxParallel <= 0 { opts.MaxParallel = 8 }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &impl{
        opts:    opts,
        log:     logutil.Named(opts.Logger, "probe"),
        targets: make(map[string]*target),
        evts:    make(chan base.Event, 64),
        done:    make(chan struct{}),
    }, nil
}

func (p *impl) Start(ctx context.Context) error {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.closed { return errors.New("probe: stopped") }
    if p.started { return nil }
    p.started = true
    ctx, p.cancel = context.WithCancel(ctx)
    go p.loop(ctx)
    return nil
}

func (p *impl) loop(ctx context.Context) {
    defer close(p.done)
    t := time.NewTicker(p.opts.Interval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            p.round(ctx, p.addrs())
        }
    }
}

// Join adds seed management addresses and probes them once. It fails only
// when none of the given seeds answered.
func (p *impl) Join(seeds []string) error {
    if len(seeds) == 0 { return nil }
    p.mu.Lock()
    if p.closed {
        p.mu.Unlock()
        return errors.New("probe: stopped")
    }
    for _, s := range seeds {
        if t, ok := p.targets[s]; ok {
            t.seed = true
            continue
        }
        p.targets[s] = &target{seed: true}
    }
    p.mu.Unlock()

    ctx, cancel := context.WithTimeout(context.Background(), p.opts.Timeout)
    defer cancel()
    ok, lastErr := p.round(ctx, seeds)
    if ok == 0 { return fmt.Errorf("probe: no seed reachable: %w", lastErr) }
    return nil
}

func (p *impl) addrs() []string {
    p.mu.Lock()
    defer p.mu.Unlock()
    out := make([]string, 0, len(p.targets))
    for a := range p.targets { out = append(out, a) }
    sort.Strings(out)
    return out
}

type probeResult struct {
    addr string
    st   grid.NodeStatus
    err  error
}

// round polls addrs in parallel and folds the results into the member set.
// It returns how many targets answered.
func (p *impl) round(ctx context.Context, addrs []string) (int, error) {
    results := make([]probeResult, len(addrs))
    g, gctx := errgroup.WithContext(ctx)
    g.SetLimit(p.opts.MaxParallel)
    for i, a := range addrs {
        i, a := i, a
        g.Go(func() error {
            cctx, cancel := context.WithTimeout(gctx, p.opts.Timeout)
            defer cancel()
            st, err := p.opts.Client.GetStatus(cctx, a)
            results[i] = probeResult{addr: a, st: st, err: err}
            // a failed probe must not cancel its siblings
            return nil
        })
    }
    _ = g.Wait()

    ok := 0
    var lastErr error
    for _, r := range results {
        if r.err != nil {
            lastErr = r.err
            p.miss(r.addr, r.err)
            continue
        }
        ok++
        p.hit(r.addr, r.st)
    }
    if lastErr == nil && ok == 0 { lastErr = errors.New("no targets") }
    return ok, lastErr
}

func memberOf(addr string, st grid.NodeStatus) base.MemberInfo {
    role := st.Role
    if role == "" { role = grid.RoleServer }
    meta := map[string]string{grid.MetaRole: role, grid.MetaMgmt: addr}
    if st.Snapshot.InstanceID != "" { meta[grid.MetaInstance] = st.Snapshot.InstanceID }
    return base.MemberInfo{ID: st.NodeID, Addr: addr, Meta: meta}
}

func sameMeta(a, b map[string]string) bool {
    if len(a) != len(b) { return false }
    for k, v := range a {
        if b[k] != v { return false }
    }
    return true
}

func (p *impl) hit(addr string, st grid.NodeStatus) {
    now := time.Now()
    var evs []base.Event
    p.mu.Lock()
    t, ok := p.targets[addr]
    if !ok {
        t = &target{}
        p.targets[addr] = t
    }
    t.fails = 0
    m := memberOf(addr, st)
    switch {
    case t.member == nil:
        evs = append(evs, base.Event{Type: base.EventJoin, Member: m, At: now})
    case t.member.ID != m.ID:
        // another node now answers at this address
        evs = append(evs, base.Event{Type: base.EventLeave, Member: *t.member, At: now})
        evs = append(evs, base.Event{Type: base.EventJoin, Member: m, At: now})
    case !sameMeta(t.member.Meta, m.Meta):
        evs = append(evs, base.Event{Type: base.EventUpdate, Member: m, At: now})
    }
    t.member = &m
    // learn the rest of the cluster from the node's own view
    for _, peer := range st.Members {
        if peer.Meta[grid.MetaRole] != grid.RoleServer { continue }
        if mg := peer.Meta[grid.MetaMgmt]; mg != "" {
            if _, known := p.targets[mg]; !known { p.targets[mg] = &target{} }
        }
    }
    p.mu.Unlock()
    for _, e := range evs { p.emit(e) }
}

func (p *impl) miss(addr string, err error) {
    p.mu.Lock()
    t, ok := p.targets[addr]
    if !ok {
        p.mu.Unlock()
        return
    }
    t.fails++
    var ev *base.Event
    if t.member != nil && t.fails >= p.opts.FailureThreshold {
        ev = &base.Event{Type: base.EventFailed, Member: *t.member, At: time.Now()}
        t.member = nil
    }
    if !t.seed && t.member == nil && t.fails >= p.opts.FailureThreshold {
        delete(p.targets, addr)
    }
    p.mu.Unlock()
    if ev != nil {
        logutil.Infof(p.log, "%s at %s failed after %d misses: %v", ev.Member.ID, addr, p.opts.FailureThreshold, err)
        p.emit(*ev)
    } else {
        logutil.Debugf(p.log, "probe %s: %v", addr, err)
    }
}

func (p *impl) emit(e base.Event) {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.closed { return }
    select {
    case p.evts <- e:
    default:
        logutil.Warnf(p.log, "dropping %s event for %s: channel full", e.Type, e.Member.ID)
    }
}

func (p *impl) Local() base.MemberInfo {
    meta := make(map[string]string, len(p.opts.Meta))
    for k, v := range p.opts.Meta { meta[k] = v }
    return base.MemberInfo{ID: p.opts.NodeID, Meta: meta}
}

// Members returns the local node and every server currently answering.
func (p *impl) Members() []base.MemberInfo {
    p.mu.Lock()
    defer p.mu.Unlock()
    out := []base.MemberInfo{p.Local()}
    for _, t := range p.targets {
        if t.member != nil { out = append(out, t.member.Clone()) }
    }
    sort.Slice(out[1:], func(i, j int) bool { return out[i+1].ID < out[j+1].ID })
    return out
}

func (p *impl) Events() <-chan base.Event { return p.evts }

// Leave forgets every target without emitting events.
func (p *impl) Leave() error {
    p.mu.Lock()
    defer p.mu.Unlock()
    p.targets = make(map[string]*target)
    return nil
}

func (p *impl) Stop() error {
    p.mu.Lock()
    if p.closed {
        p.mu.Unlock()
        return nil
    }
    p.closed = true
    cancel, started := p.cancel, p.started
    p.mu.Unlock()
    if started {
        cancel()
        <-p.done
    }
    p.mu.Lock()
    close(p.evts)
    p.mu.Unlock()
    return nil
}

var _ base.Membership = (*impl)(nil)
