package httpjson

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/transport"
)

// Client is a thin HTTP client for the management API. Idempotent calls
// (status, join, leave) are retried with a short backoff; operations and
// forwarded commands are sent once.
type Client struct {
    httpc    *http.Client
    attempts int
}

// NewClient constructs a new Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: &http.Transport{}}, attempts: 3}
}

// errorBody is the shape every handler writes on failure.
type errorBody struct {
    Code  string `json:"code,omitempty"`
    Error string `json:"error,omitempty"`
}

func (c *Client) do(ctx context.Context, method, addr, path string, in, out any, attempts int) error {
    url := fmt.Sprintf("http://%s%s", addr, path)
    var body []byte
    if in != nil {
        b, err := json.Marshal(in)
        if err != nil { return err }
        body = b
    }
    var lastErr error
    for attempt := 0; attempt < attempts; attempt++ {
        var rd io.Reader
        if body != nil { rd = bytes.NewReader(body) }
        req, err := http.NewRequestWithContext(ctx, method, url, rd)
        if err != nil { return err }
        if body != nil { req.Header.Set("Content-Type", "application/json") }
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, _ := io.ReadAll(resp.Body)
            resp.Body.Close()
            if resp.StatusCode == http.StatusOK {
                return json.Unmarshal(b, out)
            }
            _ = json.Unmarshal(b, out)
            var eb errorBody
            if json.Unmarshal(b, &eb) == nil && (eb.Code != "" || eb.Error != "") {
                lastErr = grid.FromCode(eb.Code, eb.Error)
            } else {
                lastErr = fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(b))
            }
            // client errors will not get better by retrying
            if resp.StatusCode < 500 || resp.StatusCode == http.StatusNotImplemented { return lastErr }
        }
        if attempt == attempts-1 { break }
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return lastErr
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return lastErr
}

func (c *Client) GetStatus(ctx context.Context, addr string) (grid.NodeStatus, error) {
    var out grid.NodeStatus
    err := c.do(ctx, http.MethodGet, addr, "/status", nil, &out, c.attempts)
    return out, err
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    if err := c.do(ctx, http.MethodPost, addr, "/join", req, &out, c.attempts); err != nil { return out, err }
    return out, out.Err()
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    if err := c.do(ctx, http.MethodPost, addr, "/leave", req, &out, c.attempts); err != nil { return out, err }
    return out, out.Err()
}

func (c *Client) PostOperate(ctx context.Context, addr string, req transport.OperateRequest) (transport.OperateResponse, error) {
    var out transport.OperateResponse
    if err := c.do(ctx, http.MethodPost, addr, "/operate", req, &out, 1); err != nil { return out, err }
    return out, out.Err()
}

func (c *Client) PostApply(ctx context.Context, addr string, req transport.ApplyRequest) (transport.ApplyResponse, error) {
    var out transport.ApplyResponse
    if err := c.do(ctx, http.MethodPost, addr, "/apply", req, &out, 1); err != nil { return out, err }
    return out, out.Err()
}

var _ transport.RPCClient = (*Client)(nil)
