package httpjson

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-gridstate/pkg/internal/logutil"
    "github.com/amirimatin/go-gridstate/pkg/observability/tracing"
    "github.com/amirimatin/go-gridstate/pkg/transport"
)

// Server is a minimal HTTP server exposing management endpoints for status,
// join/leave, client operations, leader forwarding and metrics/healthz.
type Server struct {
    mu     sync.Mutex
    bind   string
    addr   string
    srv    *http.Server
    logger *log.Logger
}

// NewServer binds to the given TCP address (e.g., ":17946" or "127.0.0.1:0").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logutil.Named(logger, "httpjson")}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
    code, msg := transport.Fail(err)
    writeJSON(w, status, errorBody{Code: code, Error: msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
    if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return false }
    if err := json.NewDecoder(r.Body).Decode(v); err != nil {
        http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
        return false
    }
    return true
}

// reply writes resp, or a 500 carrying err's wire code when the handler
// itself failed.
func reply(w http.ResponseWriter, resp any, err error) {
    if err != nil { writeErr(w, http.StatusInternalServerError, err); return }
    writeJSON(w, http.StatusOK, resp)
}

// Handler returns the management mux. Start serves it; tests may mount it on
// an httptest server.
func Handler(h transport.Handlers) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Status == nil { http.Error(w, "status not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        st, err := h.Status(ctx)
        end(err)
        reply(w, st, err)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())
    mux.HandleFunc("/join", func(w http.ResponseWriter, r *http.Request) {
        var req transport.JoinRequest
        if !decode(w, r, &req) { return }
        if h.Join == nil { http.Error(w, "join not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.join", attribute.String("grid.node", req.ID))
        resp, err := h.Join(ctx, req)
        end(err)
        reply(w, resp, err)
    })
    mux.HandleFunc("/leave", func(w http.ResponseWriter, r *http.Request) {
        var req transport.LeaveRequest
        if !decode(w, r, &req) { return }
        if h.Leave == nil { http.Error(w, "leave not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.leave", attribute.String("grid.node", req.ID))
        resp, err := h.Leave(ctx, req)
        end(err)
        reply(w, resp, err)
    })
    mux.HandleFunc("/operate", func(w http.ResponseWriter, r *http.Request) {
        var req transport.OperateRequest
        if !decode(w, r, &req) { return }
        if h.Operate == nil { http.Error(w, "operate not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.operate", attribute.String("grid.op", req.Op))
        resp, err := h.Operate(ctx, req)
        end(err)
        reply(w, resp, err)
    })
    mux.HandleFunc("/apply", func(w http.ResponseWriter, r *http.Request) {
        var req transport.ApplyRequest
        if !decode(w, r, &req) { return }
        if h.Apply == nil { http.Error(w, "apply not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.apply", attribute.String("grid.op", req.Command.Op))
        resp, err := h.Apply(ctx, req)
        end(err)
        reply(w, resp, err)
    })
    return mux
}

// Start launches the HTTP server with the given handlers. The server is shut
// down when the context is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    srv := &http.Server{Handler: Handler(h), ReadHeaderTimeout: 5 * time.Second}
    s.mu.Lock()
    s.srv = srv
    s.addr = ln.Addr().String()
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the listening address once started, else the bind address.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.addr != "" { return s.addr }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}

var _ transport.RPCServer = (*Server)(nil)
