package raftcons

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/amirimatin/go-gridstate/pkg/grid"
    gs "github.com/amirimatin/go-gridstate/pkg/state/gridstate"
)

func awaitLeader(t *testing.T, n *Node, timeout time.Duration) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for time.Now().Before(deadline) {
        if n.IsLeader() { return }
        time.Sleep(50 * time.Millisecond)
    }
    t.Fatalf("%s did not become leader in time", n.opts.NodeID)
}

func TestRaft_SingleNodeLeadership(t *testing.T) {
    st := gs.New()
    n, err := New(Options{NodeID: "n1", State: st, Bootstrap: true, ApplyTimeout: 2 * time.Second})
    if err != nil { t.Fatalf("new: %v", err) }

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := n.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    defer n.Stop()

    awaitLeader(t, n, 3*time.Second)

    select {
    case li, ok := <-n.LeaderCh():
        if !ok { t.Fatalf("leader channel closed unexpectedly") }
        if li.ID != "n1" { t.Fatalf("leader id = %q, want n1", li.ID) }
    case <-time.After(2 * time.Second):
        t.Fatalf("timed out waiting for leader event")
    }

    srvs, err := n.Servers()
    if err != nil || len(srvs) != 1 || srvs[0].ID != "n1" { t.Fatalf("servers = %v, %v", srvs, err) }

    v, idx, err := n.Apply(gs.FormCommand("inst", nil), 0)
    if err != nil { t.Fatalf("apply form: %v", err) }
    if res := v.(gs.Result); res.Err != nil || res.Index != idx { t.Fatalf("form result = %+v idx=%d", res, idx) }
    if st.InstanceID() != "inst" { t.Fatalf("instance = %q", st.InstanceID()) }
}

func TestRaft_NewRequiresState(t *testing.T) {
    if _, err := New(Options{NodeID: "x"}); err == nil { t.Fatalf("expected error without state") }
    if _, err := New(Options{State: gs.New()}); err == nil { t.Fatalf("expected error without node id") }
}

func TestRaft_ApplyOnFollowerIsNotLeader(t *testing.T) {
    n, _ := New(Options{NodeID: "lonely", State: gs.New()})
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := n.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    defer n.Stop()
    if _, _, err := n.Apply(gs.FormCommand("inst", nil), time.Second); !errors.Is(err, grid.ErrNotLeader) {
        t.Fatalf("err = %v, want ErrNotLeader", err)
    }
}
