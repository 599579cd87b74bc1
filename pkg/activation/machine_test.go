package activation

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-gridstate/pkg/consensus"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/state/gridstate"
    "github.com/amirimatin/go-gridstate/pkg/storage/memory"
)

func formedState(t *testing.T) *gridstate.State {
    t.Helper()
    st := gridstate.New()
    res := st.Apply(gridstate.FormCommand("inst", []grid.CacheDescriptor{{Name: "sys"}}), 0).(gridstate.Result)
    require.NoError(t, res.Err)
    return st
}

func newMachine(t *testing.T, prop Proposer, st *gridstate.State, opts Options) *Machine {
    t.Helper()
    m := New(prop, st, opts)
    ctx, cancel := context.WithCancel(context.Background())
    m.Start(ctx)
    t.Cleanup(func() { cancel(); m.Close() })
    return m
}

func TestQuorumSize(t *testing.T) {
    for n, want := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3} {
        assert.Equal(t, want, QuorumSize(n), "n=%d", n)
    }
    assert.NoError(t, CheckQuorum(nil))
    assert.NoError(t, CheckQuorum(QuorumFunc(func() (int, int) { return 3, 2 })))
    assert.ErrorIs(t, CheckQuorum(QuorumFunc(func() (int, int) { return 3, 1 })), grid.ErrQuorumUnavailable)
}

func TestActivateDeactivate(t *testing.T) {
    st := formedState(t)
    m := newMachine(t, LocalProposer{Replica: st}, st, Options{})

    got, err := m.ProposeActivate(context.Background())
    require.NoError(t, err)
    assert.Equal(t, grid.ActivationState{Active: true, Generation: 1}, got)
    assert.Equal(t, grid.PhaseActive, m.Phase())

    // activating an active cluster is a no-op
    got, err = m.ProposeActivate(context.Background())
    require.NoError(t, err)
    assert.Equal(t, uint64(1), got.Generation)

    got, err = m.ProposeDeactivate(context.Background())
    require.NoError(t, err)
    assert.Equal(t, grid.ActivationState{Active: false, Generation: 2}, got)
    assert.Equal(t, grid.PhaseInactive, m.Phase())
}

func TestQuorumGateRejectsBeforeProposing(t *testing.T) {
    st := formedState(t)
    var proposed atomic.Int32
    prop := proposerFunc(func(ctx context.Context, cmd consensus.Command) (gridstate.Result, error) {
        proposed.Add(1)
        return LocalProposer{Replica: st}.Propose(ctx, cmd)
    })
    m := newMachine(t, prop, st, Options{Quorum: QuorumFunc(func() (int, int) { return 3, 1 })})

    _, err := m.ProposeActivate(context.Background())
    require.ErrorIs(t, err, grid.ErrQuorumUnavailable)
    assert.Zero(t, proposed.Load())
    assert.Equal(t, grid.ActivationState{}, st.Current())
}

type proposerFunc func(ctx context.Context, cmd consensus.Command) (gridstate.Result, error)

func (f proposerFunc) Propose(ctx context.Context, cmd consensus.Command) (gridstate.Result, error) {
    return f(ctx, cmd)
}

func TestStaleGenerationIsRetried(t *testing.T) {
    st := formedState(t)
    var once sync.Once
    // another node commits activate+deactivate before our first proposal lands
    prop := proposerFunc(func(ctx context.Context, cmd consensus.Command) (gridstate.Result, error) {
        once.Do(func() {
            st.Apply(gridstate.TransitionCommand(true, 0), 0)
            st.Apply(gridstate.TransitionCommand(false, 1), 0)
        })
        return LocalProposer{Replica: st}.Propose(ctx, cmd)
    })
    m := newMachine(t, prop, st, Options{})

    got, err := m.ProposeActivate(context.Background())
    require.NoError(t, err)
    assert.Equal(t, grid.ActivationState{Active: true, Generation: 3}, got)
}

func TestStaleButTargetReachedSucceeds(t *testing.T) {
    st := formedState(t)
    var once sync.Once
    var proposals atomic.Int32
    prop := proposerFunc(func(ctx context.Context, cmd consensus.Command) (gridstate.Result, error) {
        proposals.Add(1)
        once.Do(func() { st.Apply(gridstate.TransitionCommand(true, 0), 0) })
        return LocalProposer{Replica: st}.Propose(ctx, cmd)
    })
    m := newMachine(t, prop, st, Options{})

    got, err := m.ProposeActivate(context.Background())
    require.NoError(t, err)
    assert.Equal(t, grid.ActivationState{Active: true, Generation: 1}, got)
    assert.Equal(t, int32(1), proposals.Load())
}

func TestStaleRetriesAreBounded(t *testing.T) {
    st := formedState(t)
    prop := proposerFunc(func(ctx context.Context, cmd consensus.Command) (gridstate.Result, error) {
        cur := st.Current()
        return gridstate.Result{State: grid.ActivationState{Generation: cur.Generation + 1}, Err: grid.ErrStaleGeneration}, nil
    })
    m := newMachine(t, prop, st, Options{MaxStaleRetries: 2})
    _, err := m.ProposeActivate(context.Background())
    require.ErrorIs(t, err, grid.ErrTimeout)
    assert.False(t, errors.Is(err, grid.ErrStaleGeneration))
}

func TestPhaseActivatingWhileInFlight(t *testing.T) {
    st := formedState(t)
    release := make(chan struct{})
    entered := make(chan struct{})
    prop := proposerFunc(func(ctx context.Context, cmd consensus.Command) (gridstate.Result, error) {
        close(entered)
        <-release
        return LocalProposer{Replica: st}.Propose(ctx, cmd)
    })
    m := newMachine(t, prop, st, Options{})
    // another member's machine over the same committed state
    other := newMachine(t, LocalProposer{Replica: st}, st, Options{})

    done := make(chan error, 1)
    go func() { _, err := m.ProposeActivate(context.Background()); done <- err }()
    <-entered
    assert.Equal(t, grid.PhaseActivating, m.Phase())
    assert.Equal(t, grid.PhaseInactive, other.Phase(), "ACTIVATING is local to the proposer")
    close(release)
    require.NoError(t, <-done)
    assert.Equal(t, grid.PhaseActive, m.Phase())
    assert.Equal(t, grid.PhaseActive, other.Phase())
}

func TestTimeoutMapping(t *testing.T) {
    st := formedState(t)
    hang := proposerFunc(func(ctx context.Context, cmd consensus.Command) (gridstate.Result, error) {
        <-ctx.Done()
        return gridstate.Result{}, ctx.Err()
    })

    m := newMachine(t, hang, st, Options{Timeout: 50 * time.Millisecond})
    _, err := m.ProposeActivate(context.Background())
    require.ErrorIs(t, err, grid.ErrTimeout)

    // the same expiry after the quorum vanished surfaces as quorum loss
    var live atomic.Int32
    live.Store(3)
    q := QuorumFunc(func() (int, int) { return 3, int(live.Load()) })
    dropping := proposerFunc(func(ctx context.Context, cmd consensus.Command) (gridstate.Result, error) {
        live.Store(1)
        <-ctx.Done()
        return gridstate.Result{}, ctx.Err()
    })
    m2 := newMachine(t, dropping, st, Options{Timeout: 50 * time.Millisecond, Quorum: q})
    _, err = m2.ProposeActivate(context.Background())
    require.ErrorIs(t, err, grid.ErrQuorumUnavailable)
}

func TestCreateAndDestroyCache(t *testing.T) {
    st := formedState(t)
    m := newMachine(t, LocalProposer{Replica: st}, st, Options{})

    _, err := m.CreateCache(context.Background(), grid.CacheDescriptor{Name: "dyn"})
    require.ErrorIs(t, err, grid.ErrClusterNotActive)
    _, ok := st.Cache("dyn")
    assert.False(t, ok)

    _, err = m.ProposeActivate(context.Background())
    require.NoError(t, err)

    d, err := m.CreateCache(context.Background(), grid.CacheDescriptor{Name: "dyn"})
    require.NoError(t, err)
    assert.Equal(t, uint64(1), d.CreatedAtGeneration)
    assert.False(t, d.Static)

    _, err = m.CreateCache(context.Background(), grid.CacheDescriptor{Name: "dyn"})
    require.ErrorIs(t, err, grid.ErrDuplicateName)
    _, err = m.CreateCache(context.Background(), grid.CacheDescriptor{})
    require.ErrorIs(t, err, grid.ErrInvalidDescriptor)

    require.ErrorIs(t, m.DestroyCache(context.Background(), "sys"), grid.ErrStaticCache)
    require.NoError(t, m.DestroyCache(context.Background(), "dyn"))

    _, err = m.ProposeDeactivate(context.Background())
    require.NoError(t, err)
    require.ErrorIs(t, m.DestroyCache(context.Background(), "x"), grid.ErrClusterNotActive)
}

func TestCreateCacheRetriesStaleGeneration(t *testing.T) {
    st := formedState(t)
    st.Apply(gridstate.TransitionCommand(true, 0), 0)
    var once sync.Once
    prop := proposerFunc(func(ctx context.Context, cmd consensus.Command) (gridstate.Result, error) {
        if cmd.Op == gridstate.OpCreateCache {
            once.Do(func() {
                st.Apply(gridstate.TransitionCommand(false, 1), 0)
                st.Apply(gridstate.TransitionCommand(true, 2), 0)
            })
        }
        return LocalProposer{Replica: st}.Propose(ctx, cmd)
    })
    m := newMachine(t, prop, st, Options{})
    d, err := m.CreateCache(context.Background(), grid.CacheDescriptor{Name: "dyn"})
    require.NoError(t, err)
    assert.Equal(t, uint64(3), d.CreatedAtGeneration)
}

func TestStorageHooksFollowCommits(t *testing.T) {
    st := formedState(t)
    eng := memory.New(memory.Options{})
    m := newMachine(t, LocalProposer{Replica: st}, st, Options{Storage: eng})

    _, err := m.ProposeActivate(context.Background())
    require.NoError(t, err)
    require.Eventually(t, func() bool { return eng.Active() && eng.Generation() == 1 }, 2*time.Second, 10*time.Millisecond)
    assert.Equal(t, []string{"sys"}, eng.Caches())

    _, err = m.CreateCache(context.Background(), grid.CacheDescriptor{Name: "dyn"})
    require.NoError(t, err)
    require.Eventually(t, func() bool { return len(eng.Caches()) == 2 }, 2*time.Second, 10*time.Millisecond)
    require.NoError(t, eng.Put("dyn", "k", []byte("v"), 0))

    _, err = m.ProposeDeactivate(context.Background())
    require.NoError(t, err)
    require.Eventually(t, func() bool { return !eng.Active() }, 2*time.Second, 10*time.Millisecond)
    require.ErrorIs(t, eng.Put("dyn", "k", nil, 0), grid.ErrClusterNotActive)
}

func TestHooksCatchUpWithStateAppliedBeforeStart(t *testing.T) {
    st := formedState(t)
    st.Apply(gridstate.TransitionCommand(true, 0), 0)
    eng := memory.New(memory.Options{})
    newMachine(t, LocalProposer{Replica: st}, st, Options{Storage: eng})
    require.Eventually(t, eng.Active, 2*time.Second, 10*time.Millisecond)
}

func TestProposalsAreSerialized(t *testing.T) {
    st := formedState(t)
    var inFlight, maxSeen atomic.Int32
    prop := proposerFunc(func(ctx context.Context, cmd consensus.Command) (gridstate.Result, error) {
        n := inFlight.Add(1)
        if n > maxSeen.Load() { maxSeen.Store(n) }
        time.Sleep(5 * time.Millisecond)
        inFlight.Add(-1)
        return LocalProposer{Replica: st}.Propose(ctx, cmd)
    })
    m := newMachine(t, prop, st, Options{})

    var wg sync.WaitGroup
    for i := 0; i < 8; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            if i%2 == 0 {
                _, _ = m.ProposeActivate(context.Background())
            } else {
                _, _ = m.ProposeDeactivate(context.Background())
            }
        }(i)
    }
    wg.Wait()
    assert.Equal(t, int32(1), maxSeen.Load())
    lg := st.Log()
    for i, tr := range lg {
        assert.Equal(t, uint64(i+1), tr.Generation)
    }
}
