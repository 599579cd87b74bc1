package httpjson

import (
    "context"
    "net/http/httptest"
    "strings"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-gridstate/pkg/consensus"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/transport"
)

func serve(t *testing.T, h transport.Handlers) string {
    t.Helper()
    ts := httptest.NewServer(Handler(h))
    t.Cleanup(ts.Close)
    return strings.TrimPrefix(ts.URL, "http://")
}

func TestStatusRoundTrip(t *testing.T) {
    addr := serve(t, transport.Handlers{Status: func(context.Context) (grid.NodeStatus, error) {
        return grid.NodeStatus{NodeID: "n1", Healthy: true, Phase: grid.PhaseActive, Snapshot: grid.ClusterSnapshot{
            InstanceID: "i-1", State: grid.ActivationState{Active: true, Generation: 3},
            Caches: []grid.CacheDescriptor{{Name: "s", Static: true}},
        }}, nil
    }})
    st, err := NewClient(time.Second).GetStatus(context.Background(), addr)
    require.NoError(t, err)
    assert.Equal(t, "n1", st.NodeID)
    assert.Equal(t, grid.PhaseActive, st.Phase)
    assert.Equal(t, uint64(3), st.Snapshot.State.Generation)
    require.Len(t, st.Snapshot.Caches, 1)
    assert.True(t, st.Snapshot.Caches[0].Static)
}

func TestOperateCarriesDomainError(t *testing.T) {
    addr := serve(t, transport.Handlers{Operate: func(_ context.Context, req transport.OperateRequest) (transport.OperateResponse, error) {
        assert.Equal(t, transport.OpCreateCache, req.Op)
        assert.NotNil(t, req.Descriptor)
        code, msg := transport.Fail(grid.ErrClusterNotActive)
        return transport.OperateResponse{Snapshot: grid.ClusterSnapshot{InstanceID: "i-1"}, Code: code, Error: msg}, nil
    }})
    resp, err := NewClient(time.Second).PostOperate(context.Background(), addr, transport.OperateRequest{
        Op: transport.OpCreateCache, Descriptor: &grid.CacheDescriptor{Name: "d"},
    })
    assert.ErrorIs(t, err, grid.ErrClusterNotActive)
    assert.Equal(t, "i-1", resp.Snapshot.InstanceID, "snapshot is delivered with the failure")
}

func TestHandlerFailureIsRetriedForJoinOnly(t *testing.T) {
    var joins, applies atomic.Int32
    addr := serve(t, transport.Handlers{
        Join: func(context.Context, transport.JoinRequest) (transport.JoinResponse, error) {
            joins.Add(1)
            return transport.JoinResponse{}, grid.ErrNotLeader
        },
        Apply: func(context.Context, transport.ApplyRequest) (transport.ApplyResponse, error) {
            applies.Add(1)
            return transport.ApplyResponse{}, grid.ErrQuorumUnavailable
        },
    })
    c := NewClient(time.Second)
    _, err := c.PostJoin(context.Background(), addr, transport.JoinRequest{ID: "n2", RaftAddr: "x"})
    assert.ErrorIs(t, err, grid.ErrNotLeader)
    assert.Equal(t, int32(3), joins.Load())

    _, err = c.PostApply(context.Background(), addr, transport.ApplyRequest{Command: consensus.Command{Op: "Activate"}})
    assert.ErrorIs(t, err, grid.ErrQuorumUnavailable)
    assert.Equal(t, int32(1), applies.Load())
}

func TestApplyResult(t *testing.T) {
    addr := serve(t, transport.Handlers{Apply: func(_ context.Context, req transport.ApplyRequest) (transport.ApplyResponse, error) {
        return transport.ApplyResponse{State: grid.ActivationState{Active: true, Generation: 1}, Index: 7}, nil
    }})
    resp, err := NewClient(time.Second).PostApply(context.Background(), addr, transport.ApplyRequest{Command: consensus.Command{Op: "Activate"}})
    require.NoError(t, err)
    assert.Equal(t, uint64(7), resp.Index)
    assert.True(t, resp.State.Active)
}

func TestMissingHandler(t *testing.T) {
    addr := serve(t, transport.Handlers{})
    _, err := NewClient(time.Second).PostLeave(context.Background(), addr, transport.LeaveRequest{ID: "n"})
    require.Error(t, err)
    assert.Contains(t, err.Error(), "501")
}

func TestServerStartStop(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    s := NewServer("127.0.0.1:0", nil)
    require.NoError(t, s.Start(ctx, transport.Handlers{Status: func(context.Context) (grid.NodeStatus, error) {
        return grid.NodeStatus{NodeID: "n1"}, nil
    }}))
    require.NotEqual(t, "127.0.0.1:0", s.Addr())
    st, err := NewClient(time.Second).GetStatus(ctx, s.Addr())
    require.NoError(t, err)
    assert.Equal(t, "n1", st.NodeID)
    require.NoError(t, s.Stop(context.Background()))
}
