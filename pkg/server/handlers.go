package server

import (
    "context"
    "fmt"
    "time"

    "github.com/amirimatin/go-gridstate/pkg/consensus"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/internal/logutil"
    "github.com/amirimatin/go-gridstate/pkg/observability/metrics"
    "github.com/amirimatin/go-gridstate/pkg/observability/tracing"
    "github.com/amirimatin/go-gridstate/pkg/transport"

    "go.opentelemetry.io/otel/attribute"
)

const reconfigureTimeout = 3 * time.Second

func (n *Node) handlers() transport.Handlers {
    return transport.Handlers{
        Status:  n.Status,
        Join:    n.handleJoin,
        Leave:   n.handleLeave,
        Operate: n.handleOperate,
        Apply:   n.handleApply,
    }
}

func (n *Node) handleJoin(ctx context.Context, req transport.JoinRequest) (resp transport.JoinResponse, err error) {
    _, end := tracing.StartSpan(ctx, "server.handleJoin", attribute.String("node.id", req.ID))
    defer func() { end(err) }()
    // only the leader reconfigures voters
    if !n.cons.IsLeader() {
        metrics.JoinRequests.WithLabelValues("rejected").Inc()
        logutil.Warnf(n.log, "join rejected (not leader): id=%s", req.ID)
        resp.Leader = n.leaderMgmt()
        resp.Code, resp.Error = transport.Fail(grid.ErrNotLeader)
        return resp, nil
    }
    if rc, ok := n.cons.(consensus.Reconfigurer); ok {
        if err := rc.AddVoter(req.ID, req.RaftAddr, reconfigureTimeout); err != nil {
            metrics.JoinRequests.WithLabelValues("error").Inc()
            logutil.Errorf(n.log, "add voter failed: id=%s addr=%s err=%v", req.ID, req.RaftAddr, err)
            resp.Code, resp.Error = transport.Fail(err)
            return resp, nil
        }
    }
    // the roster entry follows from the membership join event
    metrics.JoinRequests.WithLabelValues("accepted").Inc()
    logutil.Infof(n.log, "join accepted: id=%s addr=%s", req.ID, req.RaftAddr)
    return transport.JoinResponse{Accepted: true}, nil
}

func (n *Node) handleLeave(ctx context.Context, req transport.LeaveRequest) (resp transport.LeaveResponse, err error) {
    _, end := tracing.StartSpan(ctx, "server.handleLeave", attribute.String("node.id", req.ID))
    defer func() { end(err) }()
    if !n.cons.IsLeader() {
        logutil.Warnf(n.log, "leave rejected (not leader): id=%s", req.ID)
        resp.Code, resp.Error = transport.Fail(grid.ErrNotLeader)
        return resp, nil
    }
    n.removeServer(req.ID)
    n.applyRemoveNode(req.ID)
    logutil.Infof(n.log, "leave accepted: id=%s", req.ID)
    return transport.LeaveResponse{Accepted: true}, nil
}

// handleOperate runs a client operation through the local state machine and
// returns the resulting snapshot so the caller can adopt it.
func (n *Node) handleOperate(ctx context.Context, req transport.OperateRequest) (transport.OperateResponse, error) {
    var (
        out transport.OperateResponse
        err error
    )
    switch req.Op {
    case transport.OpActivate:
        _, err = n.machine.ProposeActivate(ctx)
    case transport.OpDeactivate:
        _, err = n.machine.ProposeDeactivate(ctx)
    case transport.OpCreateCache:
        if req.Descriptor == nil {
            err = fmt.Errorf("%w: missing descriptor", grid.ErrInvalidDescriptor)
            break
        }
        var d grid.CacheDescriptor
        if d, err = n.machine.CreateCache(ctx, *req.Descriptor); err == nil { out.Descriptor = &d }
    case transport.OpDestroyCache:
        err = n.machine.DestroyCache(ctx, req.Name)
    default:
        err = fmt.Errorf("server: unknown operation %q", req.Op)
    }
    if err != nil { logutil.Debugf(n.log, "operate %s: %v", req.Op, err) }
    out.Snapshot = n.st.View()
    out.Code, out.Error = transport.Fail(err)
    return out, nil
}

func (n *Node) removeServer(id string) {
    if !n.cons.IsLeader() { return }
    if rc, ok := n.cons.(consensus.Reconfigurer); ok {
        if err := rc.RemoveServer(id, reconfigureTimeout); err != nil {
            logutil.Warnf(n.log, "remove voter failed: id=%s err=%v", id, err)
        } else {
            logutil.Infof(n.log, "removed voter: id=%s", id)
        }
    }
}
