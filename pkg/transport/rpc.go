package transport

import (
    "context"
    "errors"

    "github.com/amirimatin/go-gridstate/pkg/consensus"
    "github.com/amirimatin/go-gridstate/pkg/grid"
)

// StatusFunc returns the node status served on management /status.
type StatusFunc func(ctx context.Context) (grid.NodeStatus, error)

// JoinRequest describes a join intent from a node and carries the RAFT address
// that should be added as a voter to the cluster.
type JoinRequest struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raftAddr"`
}

// JoinResponse indicates acceptance and optionally leader address or error.
type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Code     string `json:"code,omitempty"`
    Error    string `json:"error,omitempty"`
}

// JoinFunc handles node join requests (leader-only).
type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest requests removal of a node from the cluster.
type LeaveRequest struct {
    ID string `json:"id"`
}

// LeaveResponse indicates whether the leave/remove was accepted.
type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Code     string `json:"code,omitempty"`
    Error    string `json:"error,omitempty"`
}

// LeaveFunc handles node leave requests (leader-only).
type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// Client-facing operations carried by OperateRequest.Op.
const (
    OpActivate     = "activate"
    OpDeactivate   = "deactivate"
    OpCreateCache  = "create_cache"
    OpDestroyCache = "destroy_cache"
)

// OperateRequest asks a server to run one activation or cache operation on
// behalf of a client.
type OperateRequest struct {
    Op         string                `json:"op"`
    Descriptor *grid.CacheDescriptor `json:"descriptor,omitempty"`
    Name       string                `json:"name,omitempty"`
}

// OperateResponse carries the server's snapshot after the operation, so the
// caller can adopt it without a second round trip.
type OperateResponse struct {
    Snapshot   grid.ClusterSnapshot  `json:"snapshot"`
    Descriptor *grid.CacheDescriptor `json:"descriptor,omitempty"`
    Code       string                `json:"code,omitempty"`
    Error      string                `json:"error,omitempty"`
}

type OperateFunc func(ctx context.Context, req OperateRequest) (OperateResponse, error)

// ApplyRequest forwards a raw consensus command to the leader.
type ApplyRequest struct {
    Command consensus.Command `json:"command"`
}

// ApplyResponse mirrors the replica's Result for a forwarded command.
type ApplyResponse struct {
    State      grid.ActivationState  `json:"state"`
    Descriptor *grid.CacheDescriptor `json:"descriptor,omitempty"`
    Index      uint64                `json:"index"`
    Code       string                `json:"code,omitempty"`
    Error      string                `json:"error,omitempty"`
}

type ApplyFunc func(ctx context.Context, req ApplyRequest) (ApplyResponse, error)

// Handlers bundles the server side of the management surface. Nil handlers
// answer "not supported".
type Handlers struct {
    Status  StatusFunc
    Join    JoinFunc
    Leave   LeaveFunc
    Operate OperateFunc
    Apply   ApplyFunc
}

// RPCServer exposes management endpoints (status, join, leave, operate,
// apply) for intra-cluster and client calls.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs management calls to other nodes using the chosen
// protocol (HTTP/JSON or gRPC JSON codec). Domain failures reported by the
// remote node are returned as errors rebuilt with grid.FromCode, alongside
// the decoded response.
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) (grid.NodeStatus, error)
    PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
    PostOperate(ctx context.Context, addr string, req OperateRequest) (OperateResponse, error)
    PostApply(ctx context.Context, addr string, req ApplyRequest) (ApplyResponse, error)
}

// Fail returns the wire code and message for err.
func Fail(err error) (code, msg string) {
    if err == nil { return "", "" }
    return grid.Code(err), err.Error()
}

// Err rebuilds the remote failure, if any.
func (r JoinResponse) Err() error {
    if r.Accepted { return nil }
    if r.Code == "" && r.Error == "" { return errors.New("join rejected") }
    return grid.FromCode(r.Code, r.Error)
}

func (r LeaveResponse) Err() error {
    if r.Accepted { return nil }
    if r.Code == "" && r.Error == "" { return errors.New("leave rejected") }
    return grid.FromCode(r.Code, r.Error)
}

func (r OperateResponse) Err() error { return grid.FromCode(r.Code, r.Error) }

func (r ApplyResponse) Err() error { return grid.FromCode(r.Code, r.Error) }
