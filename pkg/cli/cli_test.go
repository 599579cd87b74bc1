package cli

import (
    "bytes"
    "context"
    "encoding/json"
    "testing"
    "time"

    "github.com/spf13/cobra"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-gridstate/pkg/bootstrap"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/membership/inmem"
)

func runCmd(t *testing.T, args ...string) (string, error) {
    t.Helper()
    root := &cobra.Command{Use: "gridctl", SilenceUsage: true, SilenceErrors: true}
    AddAll(root)
    var out bytes.Buffer
    root.SetOut(&out)
    root.SetArgs(args)
    err := root.Execute()
    return out.String(), err
}

func TestParseHelpers(t *testing.T) {
    assert.Equal(t, []grid.CacheDescriptor{{Name: "a"}, {Name: "b"}}, parseCaches("a, b,"))
    assert.Nil(t, parseCaches(""))

    attrs, err := parseAttrs("zone=a, rack=1")
    require.NoError(t, err)
    assert.Equal(t, map[string]string{"zone": "a", "rack": "1"}, attrs)
    _, err = parseAttrs("zone")
    assert.Error(t, err)
}

func TestCommandsAgainstServer(t *testing.T) {
    cfg := bootstrap.DefaultServerConfig()
    cfg.NodeID = "s1"
    cfg.MgmtAddr = "127.0.0.1:0"
    cfg.Raft = bootstrap.RaftConfig{Bootstrap: true}
    cfg.Membership = bootstrap.MembershipConfig{Kind: "inmem", Network: inmem.NewNetwork()}
    cfg.StaticCaches = []grid.CacheDescriptor{{Name: "sessions"}}
    n, err := bootstrap.RunServer(context.Background(), cfg)
    require.NoError(t, err)
    t.Cleanup(func() { _ = n.Stop(context.Background()) })
    require.Eventually(t, func() bool { return n.InstanceID() != "" }, 10*time.Second, 20*time.Millisecond)
    addr := n.MgmtAddr()

    out, err := runCmd(t, "status", "--addr", addr)
    require.NoError(t, err)
    var st grid.NodeStatus
    require.NoError(t, json.Unmarshal([]byte(out), &st))
    assert.Equal(t, "s1", st.NodeID)
    assert.Equal(t, n.InstanceID(), st.Snapshot.InstanceID)

    _, err = runCmd(t, "caches", "create", "orders", "--addr", addr)
    assert.ErrorIs(t, err, grid.ErrClusterNotActive)

    out, err = runCmd(t, "activate", "--addr", addr)
    require.NoError(t, err)
    var as grid.ActivationState
    require.NoError(t, json.Unmarshal([]byte(out), &as))
    assert.Equal(t, grid.ActivationState{Active: true, Generation: 1}, as)

    out, err = runCmd(t, "caches", "create", "orders", "--filter", "zone=a", "--addr", addr)
    require.NoError(t, err)
    var d grid.CacheDescriptor
    require.NoError(t, json.Unmarshal([]byte(out), &d))
    assert.Equal(t, "orders", d.Name)
    assert.Equal(t, "a", d.NodeFilter.Attributes["zone"])

    out, err = runCmd(t, "caches", "list", "--addr", addr)
    require.NoError(t, err)
    var caches []grid.CacheDescriptor
    require.NoError(t, json.Unmarshal([]byte(out), &caches))
    assert.Len(t, caches, 2)

    _, err = runCmd(t, "caches", "destroy", "sessions", "--addr", addr)
    assert.ErrorIs(t, err, grid.ErrStaticCache)
    out, err = runCmd(t, "caches", "destroy", "orders", "--addr", addr)
    require.NoError(t, err)
    assert.Contains(t, out, "destroyed orders")

    _, err = runCmd(t, "deactivate", "--addr", addr)
    require.NoError(t, err)
    assert.False(t, n.IsActive())

    _, err = runCmd(t, "join", "--addr", addr)
    assert.Error(t, err, "id and raft-addr are required")
}
