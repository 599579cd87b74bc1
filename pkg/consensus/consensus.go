package consensus

import (
    "context"
    "time"
)

// Command represents a consensus log entry. Op selects the state transition
// and Payload carries its JSON-encoded arguments.
type Command struct {
    Op      string `json:"op"`
    Payload []byte `json:"payload,omitempty"`
}

// Consensus is the minimal abstraction over a leader-based consensus engine.
// Apply returns the replica's response for the committed entry and its log
// index; only the leader accepts writes.
type Consensus interface {
    Start(ctx context.Context) error
    Apply(cmd Command, timeout time.Duration) (resp any, index uint64, err error)
    IsLeader() bool
    Leader() (id string, addr string, ok bool)
    Term() uint64
    Stop() error
}

// LeaderInfo describes the current known leader.
type LeaderInfo struct {
    ID   string
    Addr string
    Term uint64
}

// LeaderNotifier is an optional interface that a Consensus implementation may
// provide to notify about leadership changes via an observable channel.
type LeaderNotifier interface {
    // LeaderCh delivers leadership updates. Implementations coalesce as
    // needed to avoid blocking the consensus internals.
    LeaderCh() <-chan LeaderInfo
}

// Reconfigurer optionally allows dynamic voter reconfiguration.
type Reconfigurer interface {
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
}

// Server is one voter of the consensus configuration.
type Server struct {
    ID   string `json:"id"`
    Addr string `json:"addr"`
}

// ConfigReader optionally exposes the current voter configuration. The quorum
// gate sizes the majority from it.
type ConfigReader interface {
    Servers() ([]Server, error)
}
