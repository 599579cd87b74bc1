package client

// ConnState is the client's connection state. Transitions happen on the
// coordinator goroutine only.
type ConnState int

const (
    StateIdle ConnState = iota
    StateConnected
    StateDisconnected
    StateReconnecting
    // StateFailed is terminal until Rejoin or Stop.
    StateFailed
    StateStopped
)

var stateNames = []string{"idle", "connected", "disconnected", "reconnecting", "failed", "stopped"}

func (s ConnState) String() string {
    if int(s) < len(stateNames) { return stateNames[s] }
    return "unknown"
}
