package server

import (
    "context"
    "errors"
    "fmt"
    "time"

    "github.com/amirimatin/go-gridstate/pkg/consensus"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/state/gridstate"
    "github.com/amirimatin/go-gridstate/pkg/transport"
)

// errNoLeader marks a proposal that found no reachable leader. It is retried
// until the caller's deadline and then surfaces as ErrQuorumUnavailable.
var errNoLeader = errors.New("server: no reachable leader")

// proposer applies on the leader and forwards from followers.
type proposer struct{ n *Node }

func (p proposer) Propose(ctx context.Context, cmd consensus.Command) (gridstate.Result, error) {
    return p.n.propose(ctx, cmd)
}

func (n *Node) propose(ctx context.Context, cmd consensus.Command) (gridstate.Result, error) {
    for {
        res, err := n.proposeOnce(ctx, cmd)
        if err == nil { return res, nil }
        if !errors.Is(err, grid.ErrNotLeader) && !errors.Is(err, errNoLeader) { return res, err }
        select {
        case <-ctx.Done():
            return gridstate.Result{}, fmt.Errorf("%w: %v", grid.ErrQuorumUnavailable, err)
        case <-time.After(100 * time.Millisecond):
        }
    }
}

func (n *Node) proposeOnce(ctx context.Context, cmd consensus.Command) (gridstate.Result, error) {
    if n.cons.IsLeader() { return n.applyLocal(ctx, cmd) }
    addr := n.leaderMgmt()
    if addr == "" || n.rpcC == nil { return gridstate.Result{}, errNoLeader }
    ar, err := n.rpcC.PostApply(ctx, addr, transport.ApplyRequest{Command: cmd})
    if ar.Code != "" {
        // the leader moved before our command reached it
        if errors.Is(err, grid.ErrNotLeader) { return gridstate.Result{}, err }
        return gridstate.Result{State: ar.State, Descriptor: ar.Descriptor, Index: ar.Index, Err: err}, nil
    }
    if err != nil { return gridstate.Result{}, fmt.Errorf("%w: forward to %s: %v", errNoLeader, addr, err) }
    return gridstate.Result{State: ar.State, Descriptor: ar.Descriptor, Index: ar.Index}, nil
}

func (n *Node) applyLocal(ctx context.Context, cmd consensus.Command) (gridstate.Result, error) {
    timeout := n.opts.ApplyTimeout
    if dl, ok := ctx.Deadline(); ok {
        if left := time.Until(dl); left < timeout { timeout = left }
    }
    if timeout <= 0 { return gridstate.Result{}, fmt.Errorf("%w: %v", grid.ErrTimeout, context.DeadlineExceeded) }
    resp, _, err := n.cons.Apply(cmd, timeout)
    if err != nil { return gridstate.Result{}, err }
    res, ok := resp.(gridstate.Result)
    if !ok { return gridstate.Result{}, fmt.Errorf("server: unexpected apply response %T", resp) }
    return res, nil
}

// handleApply runs a forwarded command on the leader.
func (n *Node) handleApply(ctx context.Context, req transport.ApplyRequest) (transport.ApplyResponse, error) {
    var out transport.ApplyResponse
    if !n.cons.IsLeader() {
        out.Code, out.Error = transport.Fail(grid.ErrNotLeader)
        return out, nil
    }
    res, err := n.applyLocal(ctx, req.Command)
    if err != nil {
        out.Code, out.Error = transport.Fail(err)
        return out, nil
    }
    out.State, out.Descriptor, out.Index = res.State, res.Descriptor, res.Index
    out.Code, out.Error = transport.Fail(res.Err)
    return out, nil
}
