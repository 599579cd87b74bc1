package server

import (
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-gridstate/pkg/consensus"
    "github.com/amirimatin/go-gridstate/pkg/discovery"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/membership"
    "github.com/amirimatin/go-gridstate/pkg/state/gridstate"
    "github.com/amirimatin/go-gridstate/pkg/storage"
    "github.com/amirimatin/go-gridstate/pkg/transport"
)

// Options carries dependency-injected components and runtime configuration used
// to assemble a server node. Instances are typically produced from
// bootstrap.ServerConfig.
type Options struct {
    // NodeID is the unique identifier of this node within the cluster.
    NodeID string
    // Discovery provides membership seeds. Optional.
    Discovery discovery.Discovery
    Logger    *log.Logger

    // State is the replica Consensus applies committed entries to. Both are
    // required and must be wired to each other.
    State     *gridstate.State
    Consensus consensus.Consensus

    // Membership implementation (required).
    Membership membership.Membership

    // Management RPC. The server is required; the client is used for leader
    // forwarding and Join.
    RPCServer transport.RPCServer
    RPCClient transport.RPCClient

    // Storage is driven by committed activation transitions. Defaults to
    // storage.Nop.
    Storage storage.Engine

    // StaticCaches are registered when this node forms a new cluster
    // instance, and compared with the cluster's static set otherwise.
    StaticCaches []grid.CacheDescriptor
    // Attributes are published as attr.* membership metadata.
    Attributes map[string]string

    // ProposeTimeout bounds activation and cache operations (default 10s).
    ProposeTimeout time.Duration
    // ApplyTimeout bounds one consensus apply on the leader (default 5s).
    ApplyTimeout time.Duration
    // MaxStaleRetries bounds generation races per operation (default 5).
    MaxStaleRetries int
    // ReconcileInterval drives formation, metadata publishing and the
    // auto-join check (default 250ms).
    ReconcileInterval time.Duration

    // AutoJoin asks a visible leader to add this node as a voter when no
    // leader is known locally.
    AutoJoin bool
    // RemoveFailedVoters removes raft voters whose member left or failed.
    RemoveFailedVoters bool

    // OnLeaderChange is invoked for every observed leader change.
    OnLeaderChange func(info consensus.LeaderInfo)
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.NodeID == "" {
        return errors.New("server: empty NodeID")
    }
    if o.State == nil {
        return errors.New("server: nil State")
    }
    if o.Consensus == nil {
        return errors.New("server: nil Consensus")
    }
    if o.Membership == nil {
        return errors.New("server: nil Membership")
    }
    if o.RPCServer == nil {
        return errors.New("server: nil RPCServer")
    }
    return nil
}

func (o *Options) defaults() {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.Storage == nil { o.Storage = storage.Nop{} }
    if o.ProposeTimeout <= 0 { o.ProposeTimeout = 10 * time.Second }
    if o.ApplyTimeout <= 0 { o.ApplyTimeout = 5 * time.Second }
    if o.MaxStaleRetries <= 0 { o.MaxStaleRetries = 5 }
    if o.ReconcileInterval <= 0 { o.ReconcileInterval = 250 * time.Millisecond }
}
