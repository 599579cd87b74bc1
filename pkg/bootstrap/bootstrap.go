// Package bootstrap assembles server and client nodes from ServerConfig and
// ClientConfig. Applications embed a node by loading or filling a config and
// calling the Build/Run helpers.
package bootstrap

import (
    "context"
    "fmt"
    "log"
    "time"

    raftcons "github.com/amirimatin/go-gridstate/pkg/consensus/raft"
    "github.com/amirimatin/go-gridstate/pkg/client"
    "github.com/amirimatin/go-gridstate/pkg/discovery"
    dDNS "github.com/amirimatin/go-gridstate/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-gridstate/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-gridstate/pkg/discovery/static"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/membership"
    ml "github.com/amirimatin/go-gridstate/pkg/membership/memberlist"
    "github.com/amirimatin/go-gridstate/pkg/membership/probe"
    "github.com/amirimatin/go-gridstate/pkg/server"
    "github.com/amirimatin/go-gridstate/pkg/state/gridstate"
    "github.com/amirimatin/go-gridstate/pkg/storage/memory"
    "github.com/amirimatin/go-gridstate/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-gridstate/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-gridstate/pkg/transport/httpjson"
)

// BuildServer assembles a server node from cfg without starting it.
func BuildServer(cfg ServerConfig) (*server.Node, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if err := cfg.Validate(); err != nil { return nil, err }

    st := gridstate.New()
    cons, err := raftcons.New(raftcons.Options{
        NodeID:           cfg.NodeID,
        Logger:           cfg.Logger,
        LogLevel:         cfg.Raft.LogLevel,
        State:            st,
        Bootstrap:        cfg.Raft.Bootstrap,
        HeartbeatTimeout: cfg.Raft.HeartbeatTimeout,
        ElectionTimeout:  cfg.Raft.ElectionTimeout,
        BindAddr:         cfg.Raft.Bind,
        Advertise:        cfg.Raft.Advertise,
        DataDir:          cfg.Raft.DataDir,
    })
    if err != nil { return nil, err }

    meta := grid.MetaFromAttributes(cfg.Attributes, map[string]string{grid.MetaRole: grid.RoleServer})
    var mem membership.Membership
    if cfg.Membership.Kind == "inmem" {
        mem = cfg.Membership.Network.Member(cfg.NodeID, meta)
    } else {
        mem, err = ml.New(ml.Options{NodeID: cfg.NodeID, Bind: cfg.Membership.Bind, Advertise: cfg.Membership.Advertise, Logger: cfg.Logger, Meta: meta})
        if err != nil { return nil, err }
    }

    srv, cli := mgmt(cfg.MgmtProto, cfg.MgmtAddr, cfg.RPCTimeout, cfg.Logger)
    return server.New(server.Options{
        NodeID:     cfg.NodeID,
        Discovery:  buildDiscovery(cfg.Discovery, cfg.Logger),
        Logger:     cfg.Logger,
        State:      st,
        Consensus:  cons,
        Membership: mem,
        RPCServer:  srv,
        RPCClient:  cli,
        Storage: memory.New(memory.Options{
            Attributes:      cfg.Attributes,
            DefaultTTL:      cfg.Storage.DefaultTTL,
            CleanupInterval: cfg.Storage.CleanupInterval,
            Logger:          cfg.Logger,
        }),
        StaticCaches:       cfg.StaticCaches,
        Attributes:         cfg.Attributes,
        ProposeTimeout:     cfg.ProposeTimeout,
        ReconcileInterval:  cfg.ReconcileInterval,
        AutoJoin:           cfg.AutoJoin,
        RemoveFailedVoters: cfg.RemoveFailedVoters,
    })
}

// RunServer builds and starts a server node. The caller stops it.
func RunServer(ctx context.Context, cfg ServerConfig) (*server.Node, error) {
    n, err := BuildServer(cfg)
    if err != nil { return nil, err }
    if err := n.Start(ctx); err != nil { return nil, err }
    return n, nil
}

// BuildClient assembles a client node from cfg without starting it.
func BuildClient(cfg ClientConfig) (*client.Client, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if err := cfg.Validate(); err != nil { return nil, err }

    _, cli := mgmt(cfg.MgmtProto, "", cfg.RPCTimeout, cfg.Logger)
    meta := grid.MetaFromAttributes(cfg.Attributes, map[string]string{grid.MetaRole: grid.RoleClient})
    var (
        mem membership.Membership
        err error
    )
    switch cfg.Membership.Kind {
    case "inmem":
        mem = cfg.Membership.Network.Member(cfg.NodeID, meta)
    case "probe":
        mem, err = probe.New(probe.Options{
            NodeID:           cfg.NodeID,
            Meta:             meta,
            Client:           cli,
            Interval:         cfg.Membership.ProbeInterval,
            FailureThreshold: cfg.Membership.FailureThreshold,
            Logger:           cfg.Logger,
        })
    default:
        mem, err = ml.New(ml.Options{NodeID: cfg.NodeID, Bind: cfg.Membership.Bind, Advertise: cfg.Membership.Advertise, Logger: cfg.Logger, Meta: meta})
    }
    if err != nil { return nil, err }

    return client.New(client.Options{
        NodeID:          cfg.NodeID,
        Discovery:       buildDiscovery(cfg.Discovery, cfg.Logger),
        Membership:      mem,
        RPCClient:       cli,
        Logger:          cfg.Logger,
        Retry:           cfg.Retry,
        RefreshInterval: cfg.RefreshInterval,
        ExpectedStatic:  cfg.ExpectedStatic,
        Attributes:      cfg.Attributes,
    })
}

// RunClient builds and starts a client. A client whose initial connect
// failed is returned together with the error; it stays Failed and can be
// retried with Rejoin.
func RunClient(ctx context.Context, cfg ClientConfig) (*client.Client, error) {
    c, err := BuildClient(cfg)
    if err != nil { return nil, err }
    if err := c.Start(ctx); err != nil { return c, fmt.Errorf("client start: %w", err) }
    return c, nil
}

// NewRPCClient returns a management client for proto (http or grpc).
func NewRPCClient(proto string, timeout time.Duration) transport.RPCClient {
    _, cli := mgmt(proto, "", timeout, nil)
    return cli
}

func mgmt(proto, addr string, timeout time.Duration, logger *log.Logger) (transport.RPCServer, transport.RPCClient) {
    if timeout <= 0 { timeout = 3 * time.Second }
    switch proto {
    case "grpc":
        return mgmtgrpc.NewServer(addr), mgmtgrpc.NewClient(timeout)
    default:
        return httpjson.NewServer(addr, logger), httpjson.NewClient(timeout)
    }
}

func buildDiscovery(cfg DiscoveryConfig, logger *log.Logger) discovery.Discovery {
    switch cfg.Kind {
    case "dns":
        return dDNS.New(dDNS.Options{Names: cfg.DNSNames, Port: cfg.DNSPort, Refresh: cfg.Refresh, Logger: logger})
    case "file":
        return dFile.New(dFile.Options{Path: cfg.File, Env: cfg.FileEnv, Refresh: cfg.Refresh})
    default:
        return dStatic.New(cfg.Seeds...)
    }
}
