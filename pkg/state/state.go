package state

import "github.com/amirimatin/go-gridstate/pkg/consensus"

// Replica is the deterministic state machine driven by the consensus log.
// Apply must not consult wall clock time or any node-local input beyond cmd
// and index, so every replica of one cluster instance ends in the same state.
type Replica interface {
    // Apply executes cmd committed at the given log index. Index 0 means the
    // caller has no log and the replica assigns the next local index.
    Apply(cmd consensus.Command, index uint64) any
    Snapshot() ([]byte, error)
    Restore(buf []byte) error
}
