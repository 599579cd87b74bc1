package grid

import (
    "context"
    "errors"
    "fmt"
)

var (
    ErrQuorumUnavailable     = errors.New("grid: quorum unavailable")
    ErrClusterNotActive      = errors.New("grid: cluster not active")
    ErrDuplicateName         = errors.New("grid: duplicate cache name")
    ErrStaleGeneration       = errors.New("grid: stale generation")
    ErrConfigurationMismatch = errors.New("grid: static configuration mismatch")
    ErrDiscoveryFailure      = errors.New("grid: discovery failure")
    ErrTimeout               = errors.New("grid: timeout")

    ErrDisconnected      = errors.New("grid: disconnected")
    ErrReconnectFailed   = errors.New("grid: reconnection failed")
    ErrNotLeader         = errors.New("grid: not leader")
    ErrNotFormed         = errors.New("grid: cluster instance not formed")
    ErrUnknownCache      = errors.New("grid: unknown cache")
    ErrStaticCache       = errors.New("grid: static cache cannot be destroyed")
    ErrInvalidDescriptor = errors.New("grid: invalid cache descriptor")
)

// Stable wire codes. Management responses carry these so that errors.Is keeps
// working after a round trip through the transport.
const (
    CodeQuorumUnavailable     = "quorum_unavailable"
    CodeClusterNotActive      = "cluster_not_active"
    CodeDuplicateName         = "duplicate_name"
    CodeStaleGeneration       = "stale_generation"
    CodeConfigurationMismatch = "configuration_mismatch"
    CodeDiscoveryFailure      = "discovery_failure"
    CodeTimeout               = "timeout"
    CodeDisconnected          = "disconnected"
    CodeReconnectFailed       = "reconnect_failed"
    CodeNotLeader             = "not_leader"
    CodeNotFormed             = "not_formed"
    CodeUnknownCache          = "unknown_cache"
    CodeStaticCache           = "static_cache"
    CodeInvalidDescriptor     = "invalid_descriptor"
    CodeInternal              = "internal"
)

var codes = []struct {
    code string
    err  error
}{
    {CodeQuorumUnavailable, ErrQuorumUnavailable},
    {CodeClusterNotActive, ErrClusterNotActive},
    {CodeDuplicateName, ErrDuplicateName},
    {CodeStaleGeneration, ErrStaleGeneration},
    {CodeConfigurationMismatch, ErrConfigurationMismatch},
    {CodeDiscoveryFailure, ErrDiscoveryFailure},
    {CodeTimeout, ErrTimeout},
    {CodeDisconnected, ErrDisconnected},
    {CodeReconnectFailed, ErrReconnectFailed},
    {CodeNotLeader, ErrNotLeader},
    {CodeNotFormed, ErrNotFormed},
    {CodeUnknownCache, ErrUnknownCache},
    {CodeStaticCache, ErrStaticCache},
    {CodeInvalidDescriptor, ErrInvalidDescriptor},
}

// Code returns the wire code for err, or "" for a nil error.
func Code(err error) string {
    if err == nil { return "" }
    for _, c := range codes {
        if errors.Is(err, c.err) { return c.code }
    }
    if errors.Is(err, context.DeadlineExceeded) { return CodeTimeout }
    return CodeInternal
}

// FromCode rebuilds an error from a wire code and message. Known codes wrap the
// matching sentinel; unknown codes yield a plain error carrying msg.
func FromCode(code, msg string) error {
    if code == "" && msg == "" { return nil }
    for _, c := range codes {
        if c.code == code {
            if msg == "" || msg == c.err.Error() { return c.err }
            return fmt.Errorf("%w (%s)", c.err, msg)
        }
    }
    if msg == "" { msg = code }
    return errors.New(msg)
}

// Retryable reports whether a caller may retry the operation that failed with err.
func Retryable(err error) bool {
    return errors.Is(err, ErrQuorumUnavailable) ||
        errors.Is(err, ErrTimeout) ||
        errors.Is(err, ErrNotLeader) ||
        errors.Is(err, ErrDiscoveryFailure)
}
