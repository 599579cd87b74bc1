package activation

import (
    "context"

    "github.com/amirimatin/go-gridstate/pkg/consensus"
    base "github.com/amirimatin/go-gridstate/pkg/state"
    "github.com/amirimatin/go-gridstate/pkg/state/gridstate"
)

// LocalProposer applies commands straight onto a replica. It serves single
// process deployments and tests that do not need a consensus log.
type LocalProposer struct {
    Replica base.Replica
}

func (p LocalProposer) Propose(ctx context.Context, cmd consensus.Command) (gridstate.Result, error) {
    if err := ctx.Err(); err != nil { return gridstate.Result{}, err }
    switch v := p.Replica.Apply(cmd, 0).(type) {
    case gridstate.Result:
        return v, nil
    case error:
        return gridstate.Result{}, v
    default:
        return gridstate.Result{}, nil
    }
}
