package activation

import (
    "context"
    "sync"

    "github.com/amirimatin/go-gridstate/pkg/internal/logutil"
    "github.com/amirimatin/go-gridstate/pkg/observability/metrics"
    "github.com/amirimatin/go-gridstate/pkg/state/gridstate"
)

// hookWorker drives the storage engine from committed entries in commit
// order. The replica enqueues without blocking.
type hookWorker struct {
    m      *Machine
    mu     sync.Mutex
    queue  []gridstate.Commit
    wake   chan struct{}
    quit   chan struct{}
    done   chan struct{}
    cancel func()
    once   sync.Once
    run    bool
}

func newHookWorker(m *Machine) *hookWorker {
    return &hookWorker{m: m, wake: make(chan struct{}, 1), quit: make(chan struct{}), done: make(chan struct{})}
}

func (w *hookWorker) start(ctx context.Context) {
    w.mu.Lock()
    if w.run {
        w.mu.Unlock()
        return
    }
    w.run = true
    w.mu.Unlock()

    w.cancel = w.m.st.Subscribe(w.enqueue)
    // storage must follow state already applied before the worker started
    if cur := w.m.st.Current(); cur.Active {
        w.enqueue(gridstate.Commit{Op: gridstate.OpRestore, State: cur})
    }
    go w.loop(ctx)
}

func (w *hookWorker) enqueue(c gridstate.Commit) {
    w.mu.Lock()
    w.queue = append(w.queue, c)
    w.mu.Unlock()
    select {
    case w.wake <- struct{}{}:
    default:
    }
}

func (w *hookWorker) stop() {
    w.once.Do(func() { close(w.quit) })
    w.mu.Lock()
    run := w.run
    w.mu.Unlock()
    if run { <-w.done }
}

func (w *hookWorker) loop(ctx context.Context) {
    defer close(w.done)
    defer func() {
        if w.cancel != nil { w.cancel() }
    }()
    for {
        select {
        case <-ctx.Done():
            return
        case <-w.quit:
            return
        case <-w.wake:
        }
        for {
            w.mu.Lock()
            if len(w.queue) == 0 {
                w.mu.Unlock()
                break
            }
            c := w.queue[0]
            w.queue = w.queue[1:]
            w.mu.Unlock()
            w.handle(ctx, c)
        }
    }
}

func (w *hookWorker) handle(ctx context.Context, c gridstate.Commit) {
    metrics.Active.Set(metrics.Bool(c.State.Active))
    metrics.Generation.Set(float64(c.State.Generation))

    m := w.m
    hctx, cancel := context.WithTimeout(ctx, m.opts.HookTimeout)
    defer cancel()
    var err error
    switch c.Op {
    case gridstate.OpActivate, gridstate.OpDeactivate, gridstate.OpRestore:
        if !c.Changed() && c.Op != gridstate.OpRestore { return }
        if c.State.Active {
            err = m.opts.Storage.ActivateStorage(hctx, c.State.Generation, m.st.Caches())
        } else if c.Previous.Active {
            err = m.opts.Storage.DeactivateStorage(hctx)
        }
    case gridstate.OpCreateCache:
        if c.State.Active && c.Descriptor != nil {
            err = m.opts.Storage.StartCache(hctx, *c.Descriptor)
        }
    case gridstate.OpDestroyCache:
        err = m.opts.Storage.StopCache(hctx, c.Name)
    default:
        return
    }
    if err != nil {
        metrics.StorageHookErrors.Inc()
        logutil.Errorf(m.log, "storage hook for %s at index %d: %v", c.Op, c.Index, err)
    }
}
