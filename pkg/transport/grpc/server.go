package grpc

import (
    "context"
    "net"
    "sync"
    "time"

    "go.opentelemetry.io/otel/attribute"
    "google.golang.org/grpc"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/observability/tracing"
    "github.com/amirimatin/go-gridstate/pkg/transport"
)

const serviceName = "grid.v1.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    mu   sync.Mutex
    bind string
    addr string
    lis  net.Listener
    srv  *grpc.Server
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// internal request/response types used over gRPC JSON codec
type empty struct{}

// statusReply wraps NodeStatus so handler failures keep their wire code.
type statusReply struct {
    Status grid.NodeStatus `json:"status"`
    Code   string          `json:"code,omitempty"`
    Error  string          `json:"error,omitempty"`
}

// managementServer defines the methods we expose.
type managementServer interface {
    GetStatus(ctx context.Context, in *empty) (*statusReply, error)
    Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error)
    Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error)
    Operate(ctx context.Context, in *transport.OperateRequest) (*transport.OperateResponse, error)
    Apply(ctx context.Context, in *transport.ApplyRequest) (*transport.ApplyResponse, error)
}

// mgmtImpl folds handler errors into the response body; the gRPC status is
// reserved for transport failures.
type mgmtImpl struct{ h transport.Handlers }

func notSupported(what string) (string, string) { return grid.CodeInternal, what + " not supported" }

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusReply, error) {
    if m.h.Status == nil {
        code, msg := notSupported("status")
        return &statusReply{Code: code, Error: msg}, nil
    }
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    st, err := m.h.Status(ctx)
    end(err)
    out := &statusReply{Status: st}
    out.Code, out.Error = transport.Fail(err)
    return out, nil
}

func (m *mgmtImpl) Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
    if in == nil { in = &transport.JoinRequest{} }
    if m.h.Join == nil {
        code, msg := notSupported("join")
        return &transport.JoinResponse{Code: code, Error: msg}, nil
    }
    ctx, end := tracing.StartSpan(ctx, "grpc.join", attribute.String("grid.node", in.ID))
    out, err := m.h.Join(ctx, *in)
    end(err)
    if err != nil {
        out.Accepted = false
        out.Code, out.Error = transport.Fail(err)
    }
    return &out, nil
}

func (m *mgmtImpl) Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
    if in == nil { in = &transport.LeaveRequest{} }
    if m.h.Leave == nil {
        code, msg := notSupported("leave")
        return &transport.LeaveResponse{Code: code, Error: msg}, nil
    }
    ctx, end := tracing.StartSpan(ctx, "grpc.leave", attribute.String("grid.node", in.ID))
    out, err := m.h.Leave(ctx, *in)
    end(err)
    if err != nil {
        out.Accepted = false
        out.Code, out.Error = transport.Fail(err)
    }
    return &out, nil
}

func (m *mgmtImpl) Operate(ctx context.Context, in *transport.OperateRequest) (*transport.OperateResponse, error) {
    if in == nil { in = &transport.OperateRequest{} }
    if m.h.Operate == nil {
        code, msg := notSupported("operate")
        return &transport.OperateResponse{Code: code, Error: msg}, nil
    }
    ctx, end := tracing.StartSpan(ctx, "grpc.operate", attribute.String("grid.op", in.Op))
    out, err := m.h.Operate(ctx, *in)
    end(err)
    if err != nil { out.Code, out.Error = transport.Fail(err) }
    return &out, nil
}

func (m *mgmtImpl) Apply(ctx context.Context, in *transport.ApplyRequest) (*transport.ApplyResponse, error) {
    if in == nil { in = &transport.ApplyRequest{} }
    if m.h.Apply == nil {
        code, msg := notSupported("apply")
        return &transport.ApplyResponse{Code: code, Error: msg}, nil
    }
    ctx, end := tracing.StartSpan(ctx, "grpc.apply", attribute.String("grid.op", in.Command.Op))
    out, err := m.h.Apply(ctx, *in)
    end(err)
    if err != nil { out.Code, out.Error = transport.Fail(err) }
    return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetStatus", Handler: _Management_GetStatus_Handler},
        {MethodName: "Join", Handler: _Management_Join_Handler},
        {MethodName: "Leave", Handler: _Management_Leave_Handler},
        {MethodName: "Operate", Handler: _Management_Operate_Handler},
        {MethodName: "Apply", Handler: _Management_Apply_Handler},
    },
}

// unary decodes a request of type Req and dispatches it through the optional
// interceptor.
func unary[Req any, Resp any](method string, call func(managementServer, context.Context, *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
        in := new(Req)
        if err := dec(in); err != nil { return nil, err }
        if interceptor == nil { return call(srv.(managementServer), ctx, in) }
        info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
        handler := func(ctx context.Context, req interface{}) (interface{}, error) {
            return call(srv.(managementServer), ctx, req.(*Req))
        }
        return interceptor(ctx, in, info, handler)
    }
}

var (
    _Management_GetStatus_Handler = unary("GetStatus", managementServer.GetStatus)
    _Management_Join_Handler      = unary("Join", managementServer.Join)
    _Management_Leave_Handler     = unary("Leave", managementServer.Leave)
    _Management_Operate_Handler   = unary("Operate", managementServer.Operate)
    _Management_Apply_Handler     = unary("Apply", managementServer.Apply)
)

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    // Force JSON codec to avoid requiring protobuf types
    var opts []grpc.ServerOption
    opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    srv := grpc.NewServer(opts...)
    healthSrv := health.NewServer()
    healthpb.RegisterHealthServer(srv, healthSrv)
    srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{h: h})

    s.mu.Lock()
    s.lis, s.srv, s.addr = lis, srv, lis.Addr().String()
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        // Graceful stop with a small timeout fallback
        c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(c)
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// Addr returns the listening address once started, else the bind address.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.addr != "" { return s.addr }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv, lis := s.srv, s.lis
    s.srv, s.lis = nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    if lis != nil { _ = lis.Close() }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
