package activation

import (
    "fmt"

    "github.com/amirimatin/go-gridstate/pkg/grid"
)

// QuorumSize returns the number of voters required for a majority of n.
func QuorumSize(n int) int { return n/2 + 1 }

// Quorum reports how many voters are configured and how many of them are
// currently reachable.
type Quorum interface {
    Voters() (configured, live int)
}

// QuorumFunc adapts a function to Quorum.
type QuorumFunc func() (configured, live int)

func (f QuorumFunc) Voters() (int, int) { return f() }

// CheckQuorum returns ErrQuorumUnavailable when q reports fewer live voters
// than a majority. A nil Quorum always passes.
func CheckQuorum(q Quorum) error {
    if q == nil { return nil }
    configured, live := q.Voters()
    if configured == 0 { return nil }
    if need := QuorumSize(configured); live < need {
        return fmt.Errorf("%w: %d of %d voters reachable, need %d", grid.ErrQuorumUnavailable, live, configured, need)
    }
    return nil
}
