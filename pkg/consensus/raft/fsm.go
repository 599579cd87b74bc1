package raftcons

import (
    "encoding/json"
    "fmt"
    "io"

    "github.com/hashicorp/raft"

    c "github.com/amirimatin/go-gridstate/pkg/consensus"
    base "github.com/amirimatin/go-gridstate/pkg/state"
)

// replicaFSM bridges Raft Apply/Snapshot to a state.Replica.
type replicaFSM struct {
    st base.Replica
}

func newReplicaFSM(st base.Replica) *replicaFSM { return &replicaFSM{st: st} }

func (f *replicaFSM) Apply(l *raft.Log) interface{} {
    var cmd c.Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return fmt.Errorf("raftcons: decode log %d: %w", l.Index, err)
    }
    return f.st.Apply(cmd, l.Index)
}

func (f *replicaFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.st.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob}, nil
}

func (f *replicaFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.st.Restore(data)
}

type snapshot struct {
    blob []byte
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*replicaFSM)(nil)
