// Package activation implements the cluster activation state machine. A
// Machine serializes this node's proposals, gates them on quorum, retries stale
// generations and drives the storage engine once transitions commit.
package activation

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync/atomic"
    "time"

    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-gridstate/pkg/consensus"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/internal/logutil"
    "github.com/amirimatin/go-gridstate/pkg/observability/metrics"
    "github.com/amirimatin/go-gridstate/pkg/observability/tracing"
    "github.com/amirimatin/go-gridstate/pkg/state/gridstate"
    "github.com/amirimatin/go-gridstate/pkg/storage"
)

// Proposer submits a command to the cluster and returns the Result it was
// applied with. Implementations return an error only when the command could
// not be committed.
type Proposer interface {
    Propose(ctx context.Context, cmd consensus.Command) (gridstate.Result, error)
}

// Replica is the read side of the local replicated state.
type Replica interface {
    Current() grid.ActivationState
    Caches() []grid.CacheDescriptor
    WaitApplied(ctx context.Context, index uint64) error
    Subscribe(fn func(gridstate.Commit)) (cancel func())
}

type Options struct {
    // Timeout bounds each proposal including the wait for local apply.
    Timeout time.Duration
    // MaxStaleRetries bounds re-proposals after a stale generation.
    MaxStaleRetries int
    // HookTimeout bounds each storage hook call.
    HookTimeout time.Duration
    Quorum      Quorum
    Storage     storage.Engine
    Logger      *log.Logger
}

func (o *Options) defaults() {
    if o.Timeout <= 0 { o.Timeout = 10 * time.Second }
    if o.MaxStaleRetries <= 0 { o.MaxStaleRetries = 5 }
    if o.HookTimeout <= 0 { o.HookTimeout = 10 * time.Second }
    if o.Storage == nil { o.Storage = storage.Nop{} }
    if o.Logger == nil { o.Logger = log.Default() }
}

type Machine struct {
    opts       Options
    prop       Proposer
    st         Replica
    log        *log.Logger
    sem        chan struct{}
    activating atomic.Bool
    hooks      *hookWorker
}

func New(prop Proposer, st Replica, opts Options) *Machine {
    opts.defaults()
    m := &Machine{
        opts: opts,
        prop: prop,
        st:   st,
        log:  logutil.Named(opts.Logger, "activation"),
        sem:  make(chan struct{}, 1),
    }
    m.hooks = newHookWorker(m)
    return m
}

// Start runs the commit hook worker until ctx ends or Close is called.
func (m *Machine) Start(ctx context.Context) { m.hooks.start(ctx) }

// Close stops the hook worker and waits for it to drain.
func (m *Machine) Close() { m.hooks.stop() }

// Current returns the committed activation state of the local replica.
func (m *Machine) Current() grid.ActivationState { return m.st.Current() }

// Phase returns ACTIVATING while this node's activation proposal is in flight.
// The phase is not replicated: other members keep reporting the committed
// phase (INACTIVE) until the transition commits.
func (m *Machine) Phase() grid.Phase {
    if m.activating.Load() { return grid.PhaseActivating }
    return grid.PhaseOf(m.st.Current())
}

func (m *Machine) ProposeActivate(ctx context.Context) (grid.ActivationState, error) {
    return m.transition(ctx, true)
}

func (m *Machine) ProposeDeactivate(ctx context.Context) (grid.ActivationState, error) {
    return m.transition(ctx, false)
}

func (m *Machine) acquire(ctx context.Context) error {
    select {
    case m.sem <- struct{}{}:
        return nil
    case <-ctx.Done():
        return m.mapErr(ctx.Err())
    }
}

func (m *Machine) release() { <-m.sem }

func (m *Machine) transition(ctx context.Context, target bool) (st grid.ActivationState, err error) {
    op := gridstate.OpDeactivate
    if target { op = gridstate.OpActivate }
    ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
    defer cancel()
    ctx, end := tracing.StartSpan(ctx, "activation."+op, attribute.Bool("grid.target", target))
    defer func() {
        end(err)
        metrics.Proposals.WithLabelValues(op, resultLabel(err)).Inc()
    }()

    if err := m.acquire(ctx); err != nil { return m.st.Current(), err }
    defer m.release()

    cur := m.st.Current()
    if cur.Active == target {
        logutil.Debugf(m.log, "%s: already at target, generation %d", op, cur.Generation)
        return cur, nil
    }
    if target {
        m.activating.Store(true)
        defer m.activating.Store(false)
    }

    for attempt := 0; ; attempt++ {
        if err := CheckQuorum(m.opts.Quorum); err != nil { return cur, err }
        res, err := m.prop.Propose(ctx, gridstate.TransitionCommand(target, cur.Generation))
        if err != nil { return m.st.Current(), m.mapErr(err) }
        if res.Err != nil {
            if !errors.Is(res.Err, grid.ErrStaleGeneration) { return res.State, res.Err }
            logutil.Debugf(m.log, "%s: stale generation %d, cluster at %d", op, cur.Generation, res.State.Generation)
            cur = res.State
            if cur.Active == target { return cur, m.waitApplied(ctx, res.Index) }
            if attempt >= m.opts.MaxStaleRetries {
                return cur, fmt.Errorf("%w: %s lost %d generation races", grid.ErrTimeout, op, attempt+1)
            }
            continue
        }
        if err := m.waitApplied(ctx, res.Index); err != nil { return res.State, err }
        logutil.Infof(m.log, "%s committed at generation %d", op, res.State.Generation)
        return res.State, nil
    }
}

// CreateCache registers a dynamic cache cluster-wide.
func (m *Machine) CreateCache(ctx context.Context, d grid.CacheDescriptor) (out grid.CacheDescriptor, err error) {
    ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
    defer cancel()
    ctx, end := tracing.StartSpan(ctx, "activation.CreateCache", attribute.String("grid.cache", d.Name))
    defer func() {
        end(err)
        metrics.Proposals.WithLabelValues(gridstate.OpCreateCache, resultLabel(err)).Inc()
    }()

    if d.Name == "" { return grid.CacheDescriptor{}, fmt.Errorf("%w: empty name", grid.ErrInvalidDescriptor) }
    if err := m.acquire(ctx); err != nil { return grid.CacheDescriptor{}, err }
    defer m.release()

    cur := m.st.Current()
    for attempt := 0; ; attempt++ {
        if !cur.Active { return grid.CacheDescriptor{}, grid.ErrClusterNotActive }
        if err := CheckQuorum(m.opts.Quorum); err != nil { return grid.CacheDescriptor{}, err }
        res, err := m.prop.Propose(ctx, gridstate.CreateCacheCommand(d, cur.Generation))
        if err != nil { return grid.CacheDescriptor{}, m.mapErr(err) }
        if res.Err != nil {
            if !errors.Is(res.Err, grid.ErrStaleGeneration) { return grid.CacheDescriptor{}, res.Err }
            cur = res.State
            if attempt >= m.opts.MaxStaleRetries {
                return grid.CacheDescriptor{}, fmt.Errorf("%w: create %q lost %d generation races", grid.ErrTimeout, d.Name, attempt+1)
            }
            continue
        }
        if err := m.waitApplied(ctx, res.Index); err != nil { return grid.CacheDescriptor{}, err }
        if res.Descriptor == nil { return grid.CacheDescriptor{}, fmt.Errorf("activation: create %q: empty result", d.Name) }
        return res.Descriptor.Clone(), nil
    }
}

// DestroyCache removes a dynamic cache cluster-wide.
func (m *Machine) DestroyCache(ctx context.Context, name string) (err error) {
    ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
    defer cancel()
    ctx, end := tracing.StartSpan(ctx, "activation.DestroyCache", attribute.String("grid.cache", name))
    defer func() {
        end(err)
        metrics.Proposals.WithLabelValues(gridstate.OpDestroyCache, resultLabel(err)).Inc()
    }()

    if err := m.acquire(ctx); err != nil { return err }
    defer m.release()
    if !m.st.Current().Active { return grid.ErrClusterNotActive }
    if err := CheckQuorum(m.opts.Quorum); err != nil { return err }
    res, err := m.prop.Propose(ctx, gridstate.DestroyCacheCommand(name))
    if err != nil { return m.mapErr(err) }
    if res.Err != nil { return res.Err }
    return m.waitApplied(ctx, res.Index)
}

func (m *Machine) waitApplied(ctx context.Context, index uint64) error {
    if err := m.st.WaitApplied(ctx, index); err != nil { return m.mapErr(err) }
    return nil
}

// mapErr turns deadline expiry into ErrQuorumUnavailable when the quorum gate
// now fails, and into ErrTimeout otherwise.
func (m *Machine) mapErr(err error) error {
    if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, grid.ErrTimeout) {
        if qerr := CheckQuorum(m.opts.Quorum); qerr != nil { return qerr }
        if errors.Is(err, grid.ErrTimeout) { return err }
        return fmt.Errorf("%w: %v", grid.ErrTimeout, err)
    }
    return err
}

func resultLabel(err error) string {
    if err == nil { return "ok" }
    return grid.Code(err)
}
