package grpc

import (
    "context"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/transport"
)

type Client struct {
    timeout time.Duration
    once    sync.Once
    cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    // Use JSON codec and set content subtype accordingly.
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithTransportCredentials(insecure.NewCredentials()),
        grpc.WithBlock(),
    }
    return grpc.DialContext(ctx, target, opts...)
}

// invoke runs one unary call on a managed connection.
func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.getConn(cctx, addr)
    if err != nil { return err }
    defer rel()
    return cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out)
}

func (c *Client) GetStatus(ctx context.Context, addr string) (grid.NodeStatus, error) {
    out := new(statusReply)
    if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil { return grid.NodeStatus{}, err }
    return out.Status, grid.FromCode(out.Code, out.Error)
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var resp transport.JoinResponse
    if err := c.invoke(ctx, addr, "Join", &req, &resp); err != nil { return resp, err }
    return resp, resp.Err()
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var resp transport.LeaveResponse
    if err := c.invoke(ctx, addr, "Leave", &req, &resp); err != nil { return resp, err }
    return resp, resp.Err()
}

func (c *Client) PostOperate(ctx context.Context, addr string, req transport.OperateRequest) (transport.OperateResponse, error) {
    var resp transport.OperateResponse
    if err := c.invoke(ctx, addr, "Operate", &req, &resp); err != nil { return resp, err }
    return resp, resp.Err()
}

func (c *Client) PostApply(ctx context.Context, addr string, req transport.ApplyRequest) (transport.ApplyResponse, error) {
    var resp transport.ApplyResponse
    if err := c.invoke(ctx, addr, "Apply", &req, &resp); err != nil { return resp, err }
    return resp, resp.Err()
}

// Close releases cached connections.
func (c *Client) Close() {
    if c.cm != nil { c.cm.Close() }
}

var _ transport.RPCClient = (*Client)(nil)

// getConn returns a managed connection, creating a manager if absent.
func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
    c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dialCtx) })
    return c.cm.Get(ctx, addr)
}
