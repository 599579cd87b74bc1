package raftcons

import (
    "context"
    "testing"
    "time"

    "github.com/amirimatin/go-gridstate/pkg/grid"
    gs "github.com/amirimatin/go-gridstate/pkg/state/gridstate"
)

// Three Raft nodes on in-memory loopback transports: leader election, entry
// replication and agreement on the activation state.
func TestRaft_ThreeNodeReplication_Inmem(t *testing.T) {
    states := map[string]*gs.State{"n1": gs.New(), "n2": gs.New(), "n3": gs.New()}
    n1, _ := New(Options{NodeID: "n1", State: states["n1"], Bootstrap: true, ApplyTimeout: 2 * time.Second})
    n2, _ := New(Options{NodeID: "n2", State: states["n2"]})
    n3, _ := New(Options{NodeID: "n3", State: states["n3"]})

    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()

    for _, n := range []*Node{n1, n2, n3} {
        if err := n.Start(ctx); err != nil { t.Fatalf("%s start: %v", n.opts.NodeID, err) }
        defer n.Stop()
    }
    n1.Connect(n2)
    n1.Connect(n3)
    n2.Connect(n3)

    awaitLeader(t, n1, 3*time.Second)
    if err := n1.AddVoter("n2", n2.Addr(), 2*time.Second); err != nil { t.Fatalf("AddVoter n2: %v", err) }
    if err := n1.AddVoter("n3", n3.Addr(), 2*time.Second); err != nil { t.Fatalf("AddVoter n3: %v", err) }
    // re-adding with the same address is accepted
    if err := n1.AddVoter("n3", n3.Addr(), 2*time.Second); err != nil { t.Fatalf("AddVoter n3 again: %v", err) }

    if srvs, err := n1.Servers(); err != nil || len(srvs) != 3 { t.Fatalf("servers = %v, %v", srvs, err) }

    if _, _, err := n1.Apply(gs.FormCommand("inst", nil), 0); err != nil { t.Fatalf("form: %v", err) }
    for i := 0; i < 4; i++ {
        gen := states["n1"].Current().Generation
        v, _, err := n1.Apply(gs.TransitionCommand(i%2 == 0, gen), 0)
        if err != nil { t.Fatalf("transition %d: %v", i, err) }
        if res := v.(gs.Result); res.Err != nil { t.Fatalf("transition %d: %v", i, res.Err) }
    }

    want := grid.ActivationState{Active: false, Generation: 4}
    for id, st := range states {
        deadline := time.Now().Add(5 * time.Second)
        for st.Current() != want && time.Now().Before(deadline) {
            time.Sleep(50 * time.Millisecond)
        }
        if got := st.Current(); got != want { t.Fatalf("%s state = %+v, want %+v", id, got, want) }
        if st.InstanceID() != "inst" { t.Fatalf("%s instance = %q", id, st.InstanceID()) }
        lg := st.Log()
        for i, tr := range lg {
            if tr.Generation != uint64(i+1) { t.Fatalf("%s log not monotonic: %+v", id, lg) }
        }
    }

    if _, _, err := n2.Apply(gs.TransitionCommand(true, 4), 0); err == nil {
        t.Fatalf("follower apply must fail")
    }
    if err := n1.RemoveServer("n3", 2*time.Second); err != nil { t.Fatalf("remove n3: %v", err) }
    if srvs, _ := n1.Servers(); len(srvs) != 2 { t.Fatalf("servers after remove = %v", srvs) }
}
