package raftcons

import (
    "bytes"
    "encoding/json"
    "io"
    "testing"

    r "github.com/hashicorp/raft"

    c "github.com/amirimatin/go-gridstate/pkg/consensus"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    gs "github.com/amirimatin/go-gridstate/pkg/state/gridstate"
)

func logOf(t *testing.T, idx uint64, cmd c.Command) *r.Log {
    t.Helper()
    data, err := json.Marshal(cmd)
    if err != nil { t.Fatalf("marshal: %v", err) }
    return &r.Log{Index: idx, Data: data}
}

func TestReplicaFSM_ApplyUsesLogIndex(t *testing.T) {
    st := gs.New()
    fsm := newReplicaFSM(st)

    if v := fsm.Apply(logOf(t, 3, gs.FormCommand("inst", nil))); v.(gs.Result).Err != nil {
        t.Fatalf("form: %v", v.(gs.Result).Err)
    }
    v := fsm.Apply(logOf(t, 5, gs.TransitionCommand(true, 0)))
    res, ok := v.(gs.Result)
    if !ok { t.Fatalf("unexpected response %T", v) }
    if res.Err != nil { t.Fatalf("activate: %v", res.Err) }
    if res.Index != 5 || st.Applied() != 5 { t.Fatalf("index = %d applied = %d, want 5", res.Index, st.Applied()) }
    if res.State != (grid.ActivationState{Active: true, Generation: 1}) { t.Fatalf("state = %+v", res.State) }
}

func TestReplicaFSM_BadEntry(t *testing.T) {
    fsm := newReplicaFSM(gs.New())
    if _, ok := fsm.Apply(&r.Log{Index: 1, Data: []byte("{")}).(error); !ok {
        t.Fatalf("expected decode error")
    }
}

type memSink struct {
    buf    []byte
    closed bool
}

func (s *memSink) Write(p []byte) (int, error) { s.buf = append(s.buf, p...); return len(p), nil }
func (s *memSink) Close() error                { s.closed = true; return nil }
func (s *memSink) ID() string                  { return "mem" }
func (s *memSink) Cancel() error               { return nil }

func TestReplicaFSM_SnapshotRestore(t *testing.T) {
    st := gs.New()
    fsm := newReplicaFSM(st)
    fsm.Apply(logOf(t, 1, gs.FormCommand("inst", []grid.CacheDescriptor{{Name: "sys"}})))
    fsm.Apply(logOf(t, 2, gs.TransitionCommand(true, 0)))

    snap, err := fsm.Snapshot()
    if err != nil { t.Fatalf("snapshot: %v", err) }
    sink := &memSink{}
    if err := snap.Persist(sink); err != nil { t.Fatalf("persist: %v", err) }
    if !sink.closed { t.Fatalf("sink not closed") }

    st2 := gs.New()
    if err := newReplicaFSM(st2).Restore(io.NopCloser(bytes.NewReader(sink.buf))); err != nil { t.Fatalf("restore: %v", err) }
    if got, want := st2.View(), st.View(); got.InstanceID != want.InstanceID || got.State != want.State || got.Index != want.Index {
        t.Fatalf("restored view = %+v, want %+v", got, want)
    }
}
