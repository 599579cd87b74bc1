package bootstrap

import (
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-gridstate/pkg/grid"
)

func writeFile(t *testing.T, body string) string {
    t.Helper()
    p := filepath.Join(t.TempDir(), "config.yaml")
    require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
    return p
}

func TestLoadServerConfig(t *testing.T) {
    p := writeFile(t, `
nodeID: n1
mgmtAddr: 127.0.0.1:18000
mgmtProto: grpc
raft:
  bind: 127.0.0.1:19000
  dataDir: /var/lib/grid
  bootstrap: true
  heartbeatTimeout: 500ms
discovery:
  kind: static
  seeds: [10.0.0.1:7946, 10.0.0.2:7946]
staticCaches:
  - name: sessions
  - name: users
    nodeFilter:
      attributes: {zone: a}
attributes:
  zone: a
proposeTimeout: 3s
`)
    cfg, err := LoadServerConfig(p)
    require.NoError(t, err)
    assert.Equal(t, "n1", cfg.NodeID)
    assert.Equal(t, "grpc", cfg.MgmtProto)
    assert.Equal(t, 500*time.Millisecond, cfg.Raft.HeartbeatTimeout)
    assert.True(t, cfg.Raft.Bootstrap)
    assert.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946"}, cfg.Discovery.Seeds)
    require.Len(t, cfg.StaticCaches, 2)
    assert.Equal(t, "a", cfg.StaticCaches[1].NodeFilter.Attributes["zone"])
    assert.Equal(t, 3*time.Second, cfg.ProposeTimeout)

    // untouched fields keep their defaults
    assert.Equal(t, ":7946", cfg.Membership.Bind)
    assert.Equal(t, 250*time.Millisecond, cfg.ReconcileInterval)
    assert.True(t, cfg.AutoJoin)
}

func TestServerEnvOverrides(t *testing.T) {
    p := writeFile(t, "nodeID: from-file\n")
    t.Setenv(EnvNodeID, "from-env")
    t.Setenv(EnvMgmtAddr, "127.0.0.1:19999")
    t.Setenv(EnvSeeds, "a:1, b:2")
    cfg, err := LoadServerConfig(p)
    require.NoError(t, err)
    assert.Equal(t, "from-env", cfg.NodeID)
    assert.Equal(t, "127.0.0.1:19999", cfg.MgmtAddr)
    assert.Equal(t, []string{"a:1", "b:2"}, cfg.Discovery.Seeds)
}

func TestLoadClientConfig(t *testing.T) {
    p := writeFile(t, `
nodeID: c1
membership:
  kind: probe
  probeInterval: 200ms
discovery:
  kind: dns
  dnsNames: [_grid._tcp.example.com]
retry:
  maxAttempts: 7
  initialBackoff: 50ms
expectedStatic:
  - name: sessions
`)
    cfg, err := LoadClientConfig(p)
    require.NoError(t, err)
    assert.Equal(t, "probe", cfg.Membership.Kind)
    assert.Equal(t, 200*time.Millisecond, cfg.Membership.ProbeInterval)
    assert.Equal(t, 7, cfg.Retry.MaxAttempts)
    assert.Equal(t, 50*time.Millisecond, cfg.Retry.InitialBackoff)
    assert.Equal(t, 5*time.Second, cfg.Retry.MaxBackoff, "default kept")
    assert.Equal(t, []grid.CacheDescriptor{{Name: "sessions"}}, cfg.ExpectedStatic)
}

func TestLoadErrors(t *testing.T) {
    _, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
    assert.Error(t, err)

    _, err = LoadServerConfig(writeFile(t, "nodeID: [broken"))
    assert.Error(t, err)

    _, err = LoadServerConfig(writeFile(t, "mgmtAddr: :1\n"))
    assert.ErrorContains(t, err, "nodeID")
}

func TestValidate(t *testing.T) {
    base := DefaultServerConfig()
    base.NodeID = "n1"
    require.NoError(t, base.Validate())

    cases := map[string]func(c *ServerConfig){
        "proto":        func(c *ServerConfig) { c.MgmtProto = "udp" },
        "discovery":    func(c *ServerConfig) { c.Discovery.Kind = "consul" },
        "dns names":    func(c *ServerConfig) { c.Discovery.Kind = "dns" },
        "file":         func(c *ServerConfig) { c.Discovery.Kind = "file" },
        "membership":   func(c *ServerConfig) { c.Membership.Kind = "probe" },
        "inmem net":    func(c *ServerConfig) { c.Membership.Kind = "inmem" },
        "dup static":   func(c *ServerConfig) { c.StaticCaches = []grid.CacheDescriptor{{Name: "a"}, {Name: "a"}} },
        "empty static": func(c *ServerConfig) { c.StaticCaches = []grid.CacheDescriptor{{}} },
        "no seeds":     func(c *ServerConfig) { c.AutoJoin = false },
    }
    for name, mutate := range cases {
        t.Run(name, func(t *testing.T) {
            c := base
            mutate(&c)
            assert.Error(t, c.Validate())
        })
    }

    dup := base
    dup.StaticCaches = []grid.CacheDescriptor{{Name: "a"}, {Name: "a"}}
    assert.ErrorIs(t, dup.Validate(), grid.ErrDuplicateName)

    cc := DefaultClientConfig()
    assert.Error(t, cc.Validate())
    cc.NodeID = "c1"
    require.NoError(t, cc.Validate())
    cc.Retry.MaxAttempts = -1
    assert.Error(t, cc.Validate())
}
