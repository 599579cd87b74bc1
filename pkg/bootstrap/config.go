package bootstrap

import (
    "errors"
    "fmt"
    "log"
    "os"
    "time"

    "gopkg.in/yaml.v3"

    "github.com/amirimatin/go-gridstate/pkg/client"
    "github.com/amirimatin/go-gridstate/pkg/discovery/static"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/membership/inmem"
)

// Environment variables applied on top of a loaded config.
const (
    EnvNodeID   = "GRID_NODE_ID"
    EnvSeeds    = "GRID_SEEDS"
    EnvMgmtAddr = "GRID_MGMT_ADDR"
)

// DiscoveryConfig selects how seeds are found.
type DiscoveryConfig struct {
    // Kind is static (default), dns or file.
    Kind     string        `yaml:"kind"`
    Seeds    []string      `yaml:"seeds"`
    DNSNames []string      `yaml:"dnsNames"`
    DNSPort  int           `yaml:"dnsPort"`
    File     string        `yaml:"file"`
    FileEnv  string        `yaml:"fileEnv"`
    Refresh  time.Duration `yaml:"refresh"`
}

// MembershipConfig selects the membership implementation.
type MembershipConfig struct {
    // Kind is memberlist (default), probe (clients only) or inmem.
    Kind      string `yaml:"kind"`
    Bind      string `yaml:"bind"`
    Advertise string `yaml:"advertise"`

    ProbeInterval    time.Duration `yaml:"probeInterval"`
    FailureThreshold int           `yaml:"failureThreshold"`

    // Network connects inmem members of one process.
    Network *inmem.Network `yaml:"-"`
}

type RaftConfig struct {
    // Bind selects the TCP transport; empty keeps raft in memory.
    Bind             string        `yaml:"bind"`
    Advertise        string        `yaml:"advertise"`
    DataDir          string        `yaml:"dataDir"`
    Bootstrap        bool          `yaml:"bootstrap"`
    HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout"`
    ElectionTimeout  time.Duration `yaml:"electionTimeout"`
    LogLevel         string        `yaml:"logLevel"`
}

type StorageConfig struct {
    DefaultTTL      time.Duration `yaml:"defaultTTL"`
    CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// ServerConfig is the file form of a server node.
type ServerConfig struct {
    NodeID string `yaml:"nodeID"`
    // MgmtAddr is the management listener; MgmtProto is http (default) or grpc.
    MgmtAddr   string `yaml:"mgmtAddr"`
    MgmtProto  string `yaml:"mgmtProto"`
    RPCTimeout time.Duration `yaml:"rpcTimeout"`

    Raft       RaftConfig       `yaml:"raft"`
    Membership MembershipConfig `yaml:"membership"`
    Discovery  DiscoveryConfig  `yaml:"discovery"`
    Storage    StorageConfig    `yaml:"storage"`

    StaticCaches []grid.CacheDescriptor `yaml:"staticCaches"`
    Attributes   map[string]string      `yaml:"attributes"`

    ProposeTimeout     time.Duration `yaml:"proposeTimeout"`
    ReconcileInterval  time.Duration `yaml:"reconcileInterval"`
    AutoJoin           bool          `yaml:"autoJoin"`
    RemoveFailedVoters bool          `yaml:"removeFailedVoters"`

    Logger *log.Logger `yaml:"-"`
}

// ClientConfig is the file form of a client node.
type ClientConfig struct {
    NodeID     string        `yaml:"nodeID"`
    MgmtProto  string        `yaml:"mgmtProto"`
    RPCTimeout time.Duration `yaml:"rpcTimeout"`

    Membership MembershipConfig `yaml:"membership"`
    Discovery  DiscoveryConfig  `yaml:"discovery"`

    Retry           client.RetryPolicy     `yaml:"retry"`
    RefreshInterval time.Duration          `yaml:"refreshInterval"`
    ExpectedStatic  []grid.CacheDescriptor `yaml:"expectedStatic"`
    Attributes      map[string]string      `yaml:"attributes"`

    Logger *log.Logger `yaml:"-"`
}

func DefaultServerConfig() ServerConfig {
    return ServerConfig{
        MgmtAddr:   ":17946",
        MgmtProto:  "http",
        RPCTimeout: 3 * time.Second,
        Raft:       RaftConfig{Bind: ":9520"},
        Membership: MembershipConfig{Kind: "memberlist", Bind: ":7946"},
        Discovery:  DiscoveryConfig{Kind: "static", DNSPort: 7946, Refresh: 5 * time.Second},
        Storage:    StorageConfig{CleanupInterval: time.Minute},

        ProposeTimeout:    10 * time.Second,
        ReconcileInterval: 250 * time.Millisecond,
        AutoJoin:          true,
    }
}

func DefaultClientConfig() ClientConfig {
    return ClientConfig{
        MgmtProto:       "http",
        RPCTimeout:      3 * time.Second,
        Membership:      MembershipConfig{Kind: "memberlist", Bind: ":7947"},
        Discovery:       DiscoveryConfig{Kind: "static", DNSPort: 7946, Refresh: 5 * time.Second},
        Retry:           client.DefaultRetryPolicy(),
        RefreshInterval: time.Second,
    }
}

// LoadServerConfig reads path over DefaultServerConfig, applies the
// environment overrides and validates the result.
func LoadServerConfig(path string) (ServerConfig, error) {
    cfg := DefaultServerConfig()
    if err := DecodeFile(path, &cfg); err != nil { return ServerConfig{}, err }
    cfg.ApplyEnv()
    if err := cfg.Validate(); err != nil { return ServerConfig{}, fmt.Errorf("invalid configuration: %w", err) }
    return cfg, nil
}

func LoadClientConfig(path string) (ClientConfig, error) {
    cfg := DefaultClientConfig()
    if err := DecodeFile(path, &cfg); err != nil { return ClientConfig{}, err }
    cfg.ApplyEnv()
    if err := cfg.Validate(); err != nil { return ClientConfig{}, fmt.Errorf("invalid configuration: %w", err) }
    return cfg, nil
}

// DecodeFile decodes the YAML file at path over into. An empty path is a
// no-op.
func DecodeFile(path string, into any) error {
    if path == "" { return nil }
    data, err := os.ReadFile(path)
    if err != nil { return fmt.Errorf("failed to read config file: %w", err) }
    if err := yaml.Unmarshal(data, into); err != nil { return fmt.Errorf("failed to parse config file: %w", err) }
    return nil
}

func (c *ServerConfig) ApplyEnv() {
    if v := os.Getenv(EnvNodeID); v != "" { c.NodeID = v }
    if v := os.Getenv(EnvMgmtAddr); v != "" { c.MgmtAddr = v }
    if v := os.Getenv(EnvSeeds); v != "" { c.Discovery.Seeds = static.Parse(v) }
}

func (c *ClientConfig) ApplyEnv() {
    if v := os.Getenv(EnvNodeID); v != "" { c.NodeID = v }
    if v := os.Getenv(EnvSeeds); v != "" { c.Discovery.Seeds = static.Parse(v) }
}

func (c ServerConfig) Validate() error {
    if c.NodeID == "" { return errors.New("bootstrap: nodeID is required") }
    if c.MgmtAddr == "" { return errors.New("bootstrap: mgmtAddr is required") }
    if err := validProto(c.MgmtProto); err != nil { return err }
    switch c.Membership.Kind {
    case "", "memberlist":
        if c.Membership.Bind == "" { return errors.New("bootstrap: membership.bind is required for memberlist") }
    case "inmem":
        if c.Membership.Network == nil { return errors.New("bootstrap: inmem membership needs a Network") }
        if c.Raft.Bind != "" { return errors.New("bootstrap: inmem membership runs raft in memory; leave raft.bind empty") }
    default:
        return fmt.Errorf("bootstrap: membership kind %q not supported for servers", c.Membership.Kind)
    }
    if err := c.Discovery.validate(); err != nil { return err }
    if !c.Raft.Bootstrap && !c.AutoJoin && len(c.Discovery.Seeds) == 0 && c.Discovery.Kind == "static" {
        return errors.New("bootstrap: a non-bootstrap server needs seeds or autoJoin")
    }
    return validStatic(c.StaticCaches)
}

func (c ClientConfig) Validate() error {
    if c.NodeID == "" { return errors.New("bootstrap: nodeID is required") }
    if err := validProto(c.MgmtProto); err != nil { return err }
    switch c.Membership.Kind {
    case "", "memberlist":
        if c.Membership.Bind == "" { return errors.New("bootstrap: membership.bind is required for memberlist") }
    case "probe":
    case "inmem":
        if c.Membership.Network == nil { return errors.New("bootstrap: inmem membership needs a Network") }
    default:
        return fmt.Errorf("bootstrap: unknown membership kind %q", c.Membership.Kind)
    }
    if err := c.Discovery.validate(); err != nil { return err }
    if c.Retry.MaxAttempts < 0 { return errors.New("bootstrap: retry.maxAttempts must be >= 0") }
    return validStatic(c.ExpectedStatic)
}

func (d DiscoveryConfig) validate() error {
    switch d.Kind {
    case "", "static":
    case "dns":
        if len(d.DNSNames) == 0 { return errors.New("bootstrap: discovery.dnsNames is required for dns") }
    case "file":
        if d.File == "" && d.FileEnv == "" { return errors.New("bootstrap: discovery.file or discovery.fileEnv is required for file") }
    default:
        return fmt.Errorf("bootstrap: unknown discovery kind %q", d.Kind)
    }
    return nil
}

func validProto(p string) error {
    switch p {
    case "", "http", "grpc":
        return nil
    }
    return fmt.Errorf("bootstrap: unknown mgmtProto %q", p)
}

func validStatic(ds []grid.CacheDescriptor) error {
    seen := make(map[string]struct{}, len(ds))
    for _, d := range ds {
        if d.Name == "" { return fmt.Errorf("%w: empty cache name", grid.ErrInvalidDescriptor) }
        if _, dup := seen[d.Name]; dup { return fmt.Errorf("%w: %s", grid.ErrDuplicateName, d.Name) }
        seen[d.Name] = struct{}{}
    }
    return nil
}
