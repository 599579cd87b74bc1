package client

import (
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-gridstate/pkg/discovery"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/membership"
    "github.com/amirimatin/go-gridstate/pkg/transport"
)

// RetryPolicy bounds the reconnect loop. The delay before attempt i+1 is
// InitialBackoff*2^i capped at MaxBackoff.
type RetryPolicy struct {
    MaxAttempts    int           `yaml:"maxAttempts"`
    InitialBackoff time.Duration `yaml:"initialBackoff"`
    MaxBackoff     time.Duration `yaml:"maxBackoff"`
    // AttemptTimeout bounds one attempt: seed resolution, membership join
    // and status polling.
    AttemptTimeout time.Duration `yaml:"attemptTimeout"`
    // PollInterval is the pause between status polls within an attempt.
    PollInterval time.Duration `yaml:"pollInterval"`
}

// DefaultRetryPolicy returns the policy used when fields are left zero.
func DefaultRetryPolicy() RetryPolicy {
    return RetryPolicy{
        MaxAttempts:    30,
        InitialBackoff: 200 * time.Millisecond,
        MaxBackoff:     5 * time.Second,
        AttemptTimeout: 5 * time.Second,
        PollInterval:   100 * time.Millisecond,
    }
}

func (p *RetryPolicy) defaults() {
    d := DefaultRetryPolicy()
    if p.MaxAttempts == 0 { p.MaxAttempts = d.MaxAttempts }
    if p.InitialBackoff <= 0 { p.InitialBackoff = d.InitialBackoff }
    if p.MaxBackoff <= 0 { p.MaxBackoff = d.MaxBackoff }
    if p.MaxBackoff < p.InitialBackoff { p.MaxBackoff = p.InitialBackoff }
    if p.AttemptTimeout <= 0 { p.AttemptTimeout = d.AttemptTimeout }
    if p.PollInterval <= 0 { p.PollInterval = d.PollInterval }
}

// Backoff returns the delay after the given zero-based failed attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
    d := p.InitialBackoff
    for i := 0; i < attempt && d < p.MaxBackoff; i++ { d *= 2 }
    if d > p.MaxBackoff { d = p.MaxBackoff }
    return d
}

// Options configure a Client.
type Options struct {
    NodeID    string
    Discovery discovery.Discovery
    // Membership gives the client its view of the servers. Servers are
    // recognized by their role and reached through their mgmt address.
    Membership membership.Membership
    RPCClient  transport.RPCClient
    Logger     *log.Logger

    Retry RetryPolicy
    // RefreshInterval is how often the bound server's snapshot is polled
    // while connected (default 1s).
    RefreshInterval time.Duration
    // ExpectedStatic, when non-nil, is the static cache set the first
    // cluster this client connects to must carry.
    ExpectedStatic []grid.CacheDescriptor
    // Attributes are published as attr.* membership metadata.
    Attributes map[string]string
}

func (o Options) Validate() error {
    if o.NodeID == "" {
        return errors.New("client: empty NodeID")
    }
    if o.Discovery == nil {
        return errors.New("client: nil Discovery")
    }
    if o.Membership == nil {
        return errors.New("client: nil Membership")
    }
    if o.RPCClient == nil {
        return errors.New("client: nil RPCClient")
    }
    if o.Retry.MaxAttempts < 0 {
        return errors.New("client: Retry.MaxAttempts must be positive")
    }
    return nil
}

func (o *Options) defaults() {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.RefreshInterval <= 0 { o.RefreshInterval = time.Second }
    o.Retry.defaults()
}
