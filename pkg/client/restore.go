package client

import (
    "context"
    "errors"

    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/internal/logutil"
    "github.com/amirimatin/go-gridstate/pkg/transport"
)

type postFunc func(req transport.OperateRequest) (transport.OperateResponse, error)

// Pending returns the dynamic caches of a previous instance that wait to be
// re-registered on the attached instance once it is active.
func (c *Client) Pending() []grid.CacheDescriptor {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return cloneDescriptors(c.pending)
}

// carried merges the previous pending set with the dynamic caches of prev and
// drops every name next already holds. The order is stable: older pending
// entries first.
func carried(pending []grid.CacheDescriptor, prev, next grid.ClusterSnapshot) []grid.CacheDescriptor {
    held := make(map[string]struct{}, len(next.Caches))
    for _, d := range next.Caches { held[d.Name] = struct{}{} }
    var out []grid.CacheDescriptor
    for _, d := range append(cloneDescriptors(pending), prev.Dynamic()...) {
        if _, ok := held[d.Name]; ok { continue }
        held[d.Name] = struct{}{}
        out = append(out, grid.CacheDescriptor{Name: d.Name, NodeFilter: d.Clone().NodeFilter})
    }
    return out
}

// reregister proposes each pending descriptor through post. A name the
// instance already holds counts as restored. On ClusterNotActive or a
// transport failure the remaining descriptors are returned as left; other
// refusals drop the descriptor. snap is advanced to the newest snapshot of
// the same instance seen in the responses.
func (c *Client) reregister(snap grid.ClusterSnapshot, pending []grid.CacheDescriptor, post postFunc) (out grid.ClusterSnapshot, restored, left []grid.CacheDescriptor, err error) {
    out = snap
    for i, d := range pending {
        desc := d.Clone()
        resp, perr := post(transport.OperateRequest{Op: transport.OpCreateCache, Descriptor: &desc})
        if s := resp.Snapshot; s.InstanceID == out.InstanceID && s.Index >= out.Index { out = s }
        switch {
        case perr == nil, errors.Is(perr, grid.ErrDuplicateName):
            restored = append(restored, d)
        case errors.Is(perr, grid.ErrClusterNotActive):
            return out, restored, cloneDescriptors(pending[i:]), nil
        case resp.Code != "":
            logutil.Warnf(c.log, "re-register %s on instance %s refused, dropping it: %v", d.Name, out.InstanceID, perr)
        default:
            return out, restored, cloneDescriptors(pending[i:]), perr
        }
    }
    return out, restored, nil, nil
}

// flushPending re-registers pending caches on the attached instance. It runs
// after a successful Activate; failures keep the caches pending.
func (c *Client) flushPending(ctx context.Context) {
    c.restoreMu.Lock()
    defer c.restoreMu.Unlock()
    c.mu.RLock()
    pending, snap := cloneDescriptors(c.pending), c.snap
    c.mu.RUnlock()
    if len(pending) == 0 || !snap.State.Active { return }

    _, restored, _, err := c.reregister(snap, pending, func(req transport.OperateRequest) (transport.OperateResponse, error) {
        return c.operate(ctx, req)
    })
    if err != nil { logutil.Warnf(c.log, "re-register pending caches: %v", err) }
    if len(restored) == 0 { return }
    done := make(map[string]struct{}, len(restored))
    for _, d := range restored { done[d.Name] = struct{}{} }
    c.mu.Lock()
    var rest []grid.CacheDescriptor
    for _, d := range c.pending {
        if _, ok := done[d.Name]; !ok { rest = append(rest, d) }
    }
    c.pending = rest
    c.mu.Unlock()
    logutil.Infof(c.log, "re-registered %d caches of a previous instance on %s", len(restored), snap.InstanceID)
}

func cloneDescriptors(ds []grid.CacheDescriptor) []grid.CacheDescriptor {
    if len(ds) == 0 { return nil }
    out := make([]grid.CacheDescriptor, 0, len(ds))
    for _, d := range ds { out = append(out, d.Clone()) }
    return out
}
